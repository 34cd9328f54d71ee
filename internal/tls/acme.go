package tls

import (
	"crypto/tls"
	"net/http"

	"golang.org/x/crypto/acme/autocert"

	"github.com/foxzi/mailsage/internal/config"
)

// ACMEManager obtains and renews API certificates from Let's Encrypt
type ACMEManager struct {
	manager  *autocert.Manager
	domains  []string
	httpAddr string
}

// NewACMEManager creates a manager restricted to cfg.Domains
func NewACMEManager(cfg config.ACMEConfig) *ACMEManager {
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Email:      cfg.Email,
		HostPolicy: autocert.HostWhitelist(cfg.Domains...),
		Cache:      autocert.DirCache(cfg.CacheDir),
	}

	return &ACMEManager{
		manager:  m,
		domains:  cfg.Domains,
		httpAddr: cfg.HTTPAddr,
	}
}

// Domains returns the list of configured domains
func (a *ACMEManager) Domains() []string {
	return a.domains
}

// TLSConfig returns TLS configuration for use with servers
func (a *ACMEManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: a.manager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// HTTPHandler answers HTTP-01 challenges and redirects everything else to HTTPS
func (a *ACMEManager) HTTPHandler() http.Handler {
	return a.manager.HTTPHandler(http.HandlerFunc(redirectToHTTPS))
}

// ChallengeServer returns the plain HTTP server for HTTPHandler
func (a *ACMEManager) ChallengeServer() *http.Server {
	return &http.Server{
		Addr:    a.httpAddr,
		Handler: a.HTTPHandler(),
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}
