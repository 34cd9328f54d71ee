package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailsage/internal/models"
)

// ErrorKind classifies a delivery failure
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindConnect        ErrorKind = "connect"
	KindProtocol       ErrorKind = "protocol"
	KindDailyLimit     ErrorKind = "daily_limit"
	KindUnexpected     ErrorKind = "unexpected"
)

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Kind      ErrorKind
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

// KindOf returns the kind of a delivery error, KindUnexpected for anything else
func KindOf(err error) ErrorKind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnexpected
}

// Client submits messages to an account's SMTP server, one connection per message
type Client struct {
	timeout   time.Duration
	hostname  string
	tlsConfig *tls.Config
	logger    *slog.Logger
}

// NewClient creates a new SMTP client
func NewClient(hostname string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if hostname == "" {
		hostname = "localhost"
	}
	return &Client{
		timeout:  timeout,
		hostname: hostname,
		logger:   logger,
	}
}

// SetTLSConfig overrides the TLS settings used for STARTTLS and implicit TLS
func (c *Client) SetTLSConfig(cfg *tls.Config) {
	c.tlsConfig = cfg
}

// Send delivers msg through account
func (c *Client) Send(ctx context.Context, account *models.SMTPAccount, msg *Message) error {
	addr := net.JoinHostPort(account.Host, strconv.Itoa(account.Port))

	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &DeliveryError{
			Kind:      KindConnect,
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > c.timeout {
		deadline = time.Now().Add(c.timeout)
	}
	conn.SetDeadline(deadline)

	if account.UseSSL {
		tlsConn := tls.Client(conn, c.tlsFor(account.Host))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return &DeliveryError{
				Kind:      KindConnect,
				Temporary: true,
				Message:   fmt.Sprintf("TLS handshake with %s failed: %v", addr, err),
			}
		}
		conn = tlsConn
	}

	var client *smtp.Client
	if account.UseTLS && !account.UseSSL {
		// EHLO is sent again under our hostname once the session is encrypted
		client, err = smtp.NewClientStartTLS(conn, c.tlsFor(account.Host))
		if err != nil {
			return &DeliveryError{
				Kind:      KindConnect,
				Temporary: true,
				Message:   fmt.Sprintf("STARTTLS with %s failed: %v", addr, err),
			}
		}
	} else {
		client = smtp.NewClient(conn)
	}
	defer client.Close()

	if err := client.Hello(c.hostname); err != nil {
		return categorizeError(err, "HELO", KindConnect)
	}

	if account.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", account.Username, account.Password)); err != nil {
			return &DeliveryError{
				Kind:      KindAuthentication,
				Temporary: false,
				Message:   fmt.Sprintf("authentication failed: %v", err),
			}
		}
	}

	data := msg.Bytes(c.hostname)

	if err := client.Mail(msg.EnvelopeFrom(), nil); err != nil {
		return categorizeError(err, "MAIL FROM", KindProtocol)
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return categorizeError(err, "RCPT TO "+msg.To, KindProtocol)
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA", KindProtocol)
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return &DeliveryError{
			Kind:      KindConnect,
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close", KindProtocol)
	}

	client.Quit()

	c.logger.Debug("message submitted",
		"account_id", account.ID,
		"host", account.Host,
		"to", msg.To,
	)

	return nil
}

func (c *Client) tlsFor(host string) *tls.Config {
	if c.tlsConfig != nil {
		cfg := c.tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		return cfg
	}
	return &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}
}

// categorizeError maps an SMTP reply to a DeliveryError. 5xx replies are
// permanent, 4xx temporary. Errors without a reply are network failures.
func categorizeError(err error, stage string, kind ErrorKind) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		if se.Code == 535 || se.Code == 530 {
			return &DeliveryError{Kind: KindAuthentication, Temporary: false, Message: msg}
		}
		return &DeliveryError{Kind: kind, Temporary: se.Code < 500, Message: msg}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return &DeliveryError{Kind: KindConnect, Temporary: true, Message: msg}
	}

	return &DeliveryError{Kind: KindUnexpected, Temporary: true, Message: msg}
}
