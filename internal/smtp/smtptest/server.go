// Package smtptest runs an in-process SMTP server that captures submitted messages.
package smtptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Message is one captured submission
type Message struct {
	From     string
	To       []string
	Data     []byte
	AuthUser string
	TLS      bool // submitted over an encrypted connection
}

// Server is a capture SMTP server bound to a loopback port
type Server struct {
	Host string
	Port int

	// Username and Password are the accepted credentials; empty disables authentication
	Username string
	Password string

	// RootCAs trusts the server certificate of a StartTLS server
	RootCAs *x509.CertPool

	mu       sync.Mutex
	messages []Message
	reject   map[string]*smtp.SMTPError
	delay    time.Duration

	srv *smtp.Server
}

// Start starts a server without authentication and stops it when the test ends
func Start(t testing.TB) *Server {
	t.Helper()
	return StartAuth(t, "", "")
}

// StartAuth starts a server that requires PLAIN authentication with the given credentials
func StartAuth(t testing.TB, username, password string) *Server {
	t.Helper()
	return start(t, username, password, nil)
}

// StartTLS starts an authenticating server that offers STARTTLS with a
// self-signed certificate for 127.0.0.1. Clients trust it through RootCAs.
func StartTLS(t testing.TB, username, password string) *Server {
	t.Helper()

	cert, pool, err := selfSigned()
	if err != nil {
		t.Fatalf("smtptest: certificate: %v", err)
	}
	s := start(t, username, password, &tls.Config{Certificates: []tls.Certificate{cert}})
	s.RootCAs = pool
	return s
}

func start(t testing.TB, username, password string, tlsConfig *tls.Config) *Server {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("smtptest: listen: %v", err)
	}

	s := &Server{
		Username: username,
		Password: password,
		reject:   make(map[string]*smtp.SMTPError),
	}

	srv := smtp.NewServer(&backend{server: s})
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.TLSConfig = tlsConfig
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	s.srv = srv

	addr := l.Addr().(*net.TCPAddr)
	s.Host = addr.IP.String()
	s.Port = addr.Port

	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	return s
}

// Addr returns host:port
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Reject makes RCPT TO for rcpt fail with code
func (s *Server) Reject(rcpt string, code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[strings.ToLower(rcpt)] = &smtp.SMTPError{Code: code, Message: message}
}

// SetDelay makes every DATA command wait d before accepting
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Messages returns a copy of the captured messages
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Recipients returns every accepted recipient in submission order
func (s *Server) Recipients() []string {
	var out []string
	for _, m := range s.Messages() {
		out = append(out, m.To...)
	}
	return out
}

type backend struct {
	server *Server
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{server: b.server, conn: c}, nil
}

type session struct {
	server   *Server
	conn     *smtp.Conn
	from     string
	to       []string
	authUser string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.server.Username || password != s.server.Password {
			return smtp.ErrAuthFailed
		}
		s.authUser = username
		return nil
	}), nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	if s.server.Username != "" && s.authUser == "" {
		return &smtp.SMTPError{Code: 530, Message: "Authentication required"}
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.server.mu.Lock()
	rej := s.server.reject[strings.ToLower(to)]
	s.server.mu.Unlock()
	if rej != nil {
		return rej
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return &smtp.SMTPError{Code: 442, Message: "Failed to read message data"}
	}

	s.server.mu.Lock()
	delay := s.server.delay
	s.server.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	_, encrypted := s.conn.TLSConnectionState()

	s.server.mu.Lock()
	s.server.messages = append(s.server.messages, Message{
		From:     s.from,
		To:       append([]string(nil), s.to...),
		Data:     data,
		AuthUser: s.authUser,
		TLS:      encrypted,
	})
	s.server.mu.Unlock()
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

func selfSigned() (tls.Certificate, *x509.CertPool, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "smtptest"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool, nil
}
