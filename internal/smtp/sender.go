package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/foxzi/mailsage/internal/metrics"
	"github.com/foxzi/mailsage/internal/models"
	"github.com/foxzi/mailsage/internal/repository"
)

// Transport submits one message through an account
type Transport interface {
	Send(ctx context.Context, account *models.SMTPAccount, msg *Message) error
}

// AccountStore resolves accounts and keeps their daily counters
type AccountStore interface {
	Resolve(ctx context.Context, owner, id string) (*models.SMTPAccount, error)
	// ReserveSend returns the day the reservation counts against
	ReserveSend(ctx context.Context, id string) (string, error)
	RecordSuccess(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id, reservedOn string) error
}

// ErrNoAccount is returned when an owner has no usable SMTP account
var ErrNoAccount = &DeliveryError{
	Kind:      KindUnexpected,
	Temporary: false,
	Message:   "no SMTP account available",
}

// Sender delivers messages through owner accounts while enforcing their daily limits
type Sender struct {
	transport Transport
	accounts  AccountStore
	logger    *slog.Logger
}

// NewSender creates a new Sender
func NewSender(transport Transport, accounts AccountStore, logger *slog.Logger) *Sender {
	return &Sender{
		transport: transport,
		accounts:  accounts,
		logger:    logger.With("component", "smtp_sender"),
	}
}

// Resolve picks the account a job sends through
func (s *Sender) Resolve(ctx context.Context, owner, accountID string) (*models.SMTPAccount, error) {
	account, err := s.accounts.Resolve(ctx, owner, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve smtp account: %w", err)
	}
	if account == nil {
		return nil, ErrNoAccount
	}
	return account, nil
}

// Deliver reserves one send on the account, submits msg and records the outcome.
// The reservation is released when the submission fails.
func (s *Sender) Deliver(ctx context.Context, account *models.SMTPAccount, msg *Message) error {
	reservedOn, err := s.accounts.ReserveSend(ctx, account.ID)
	if err != nil {
		var derr *DeliveryError
		switch {
		case errors.Is(err, repository.ErrDailyLimitExceeded):
			derr = &DeliveryError{Kind: KindDailyLimit, Temporary: true, Message: "SMTP account daily limit reached"}
		case errors.Is(err, repository.ErrAccountInactive):
			derr = &DeliveryError{Kind: KindUnexpected, Temporary: false, Message: "SMTP account is inactive"}
		default:
			return fmt.Errorf("failed to reserve send: %w", err)
		}
		metrics.IncSMTPError(string(derr.Kind))
		return derr
	}

	if msg.From == "" {
		msg.From = account.From()
	}

	sendErr := s.transport.Send(ctx, account, msg)
	if sendErr != nil {
		metrics.IncSMTPError(string(KindOf(sendErr)))
		if err := s.accounts.RecordFailure(ctx, account.ID, reservedOn); err != nil {
			s.logger.Error("failed to record smtp failure", "account_id", account.ID, "error", err)
		}
		return sendErr
	}

	if err := s.accounts.RecordSuccess(ctx, account.ID); err != nil {
		s.logger.Error("failed to record smtp success", "account_id", account.ID, "error", err)
	}
	return nil
}
