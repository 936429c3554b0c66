// Package mail delivers generated emails through an SMTP relay and records
// every successful delivery in the sent-email log.
//
// Delivery and recording are not transactional: once the relay has accepted
// a message it stays sent even if the log write fails. That failure surfaces
// as ErrRecord alongside the record that could not be written.
package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/textproto"
	"time"

	"github.com/ashureev/pulseid/internal/domain"
	"github.com/ashureev/pulseid/internal/store"
	"github.com/jhillyerd/enmime"
)

var (
	// ErrSend covers authentication, connection and relay rejection failures.
	ErrSend = errors.New("send error")
	// ErrRecord reports a sent email that could not be written to the log.
	ErrRecord = errors.New("record error")
	// ErrNoCredentials rejects a send without sender credentials.
	ErrNoCredentials = errors.New("sender email and password are required")
)

const multipartMixed = "multipart/mixed"

// FailureKind classifies a SendError.
type FailureKind string

const (
	FailureConnection FailureKind = "connection"
	FailureAuth       FailureKind = "auth"
	FailureRejected   FailureKind = "rejected"
	FailureMessage    FailureKind = "message"
)

// SendError is a failed delivery. It matches ErrSend with errors.Is.
type SendError struct {
	Kind FailureKind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send email (%s): %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Is reports ErrSend so callers can match the taxonomy without a type switch.
func (e *SendError) Is(target error) bool { return target == ErrSend }

// Credentials authenticate the sender against the relay.
type Credentials struct {
	Address  string `json:"sender_email"`
	Password string `json:"-"`
}

// TransportFunc builds the enmime.Sender used for one delivery.
type TransportFunc func(ctx context.Context, creds Credentials) enmime.Sender

// Sender delivers HTML emails and logs each successful send.
type Sender struct {
	repo      store.Repository
	transport TransportFunc
	now       func() time.Time
	logger    *slog.Logger
}

// NewSender creates a sender that relays through cfg.
func NewSender(cfg RelayConfig, repo store.Repository, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return NewSenderWithTransport(repo, func(ctx context.Context, creds Credentials) enmime.Sender {
		return NewRelaySender(ctx, cfg, creds, logger)
	}, logger)
}

// NewSenderWithTransport creates a sender with a custom transport.
func NewSenderWithTransport(repo store.Repository, transport TransportFunc, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		repo:      repo,
		transport: transport,
		now:       time.Now,
		logger:    logger,
	}
}

// Deliver sends one HTML email from creds.Address to recipient. No retries
// are attempted; the caller decides whether to try again.
func (s *Sender) Deliver(ctx context.Context, creds Credentials, recipient, subject, htmlBody string) error {
	if creds.Address == "" || creds.Password == "" {
		return &SendError{Kind: FailureAuth, Err: ErrNoCredentials}
	}

	msg, err := encodeMessage(creds.Address, recipient, subject, htmlBody, s.now())
	if err != nil {
		return &SendError{Kind: FailureMessage, Err: err}
	}

	err = s.transport(ctx, creds).Send(creds.Address, []string{recipient}, msg)
	if err == nil {
		return nil
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr
	}
	return &SendError{Kind: FailureMessage, Err: err}
}

// encodeMessage builds a multipart/mixed message whose only part is htmlBody
// as text/html.
func encodeMessage(from, to, subject, htmlBody string, date time.Time) ([]byte, error) {
	html, err := enmime.Builder().
		From("", from).
		To("", to).
		Subject(subject).
		Date(date).
		HTML([]byte(htmlBody)).
		Build()
	if err != nil {
		return nil, err
	}

	// The builder puts the message headers on its root; move them to the
	// multipart container.
	root := enmime.NewPart(multipartMixed)
	root.Header = html.Header
	html.Header = make(textproto.MIMEHeader)
	root.AddChild(html)

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Record appends a sent-email row stamped with the current UTC time.
func (s *Sender) Record(ctx context.Context, merchantID, recipient string) (domain.SentEmailRecord, error) {
	rec := domain.SentEmailRecord{
		MerchantID: merchantID,
		Email:      recipient,
		SentAt:     s.now().UTC(),
	}
	if err := s.repo.RecordSentEmail(ctx, rec); err != nil {
		return rec, fmt.Errorf("%w: %w", ErrRecord, err)
	}
	return rec, nil
}

// Send delivers the email and, only on success, records it. A non-nil error
// matching ErrRecord means the email went out but the log write failed.
func (s *Sender) Send(ctx context.Context, creds Credentials, merchantID, recipient, subject, htmlBody string) (domain.SentEmailRecord, error) {
	if err := s.Deliver(ctx, creds, recipient, subject, htmlBody); err != nil {
		s.logger.Warn("Email delivery failed",
			"recipient", recipient,
			"merchant_id", merchantID,
			"error", err,
		)
		return domain.SentEmailRecord{}, err
	}

	rec, err := s.Record(ctx, merchantID, recipient)
	if err != nil {
		s.logger.Error("Email sent but not recorded",
			"recipient", recipient,
			"merchant_id", merchantID,
			"error", err,
		)
		return rec, err
	}

	s.logger.Info("Email sent", "recipient", recipient, "merchant_id", merchantID)
	return rec, nil
}
