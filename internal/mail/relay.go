package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/jhillyerd/enmime"
)

// RelayConfig locates the SMTP submission relay.
type RelayConfig struct {
	Host    string
	Port    int
	Timeout time.Duration // 0 = no deadline
}

// Addr returns host:port.
func (c RelayConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// relaySender delivers one encoded message over a STARTTLS-upgraded SMTP
// session authenticated with PLAIN. It satisfies enmime.Sender.
type relaySender struct {
	ctx    context.Context
	cfg    RelayConfig
	creds  Credentials
	tls    *tls.Config
	logger *slog.Logger
}

var _ enmime.Sender = (*relaySender)(nil)

// NewRelaySender returns the production transport for creds.
func NewRelaySender(ctx context.Context, cfg RelayConfig, creds Credentials, logger *slog.Logger) enmime.Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &relaySender{
		ctx:    ctx,
		cfg:    cfg,
		creds:  creds,
		tls:    &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
		logger: logger,
	}
}

var errNoStartTLS = errors.New("relay does not offer STARTTLS")

// Send implements enmime.Sender.
//
//nolint:gocyclo // Each SMTP stage maps to its own failure kind.
func (r *relaySender) Send(reversePath string, recipients []string, msg []byte) error {
	ctx := r.ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.cfg.Addr())
	if err != nil {
		return &SendError{Kind: FailureConnection, Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return &SendError{Kind: FailureConnection, Err: err}
		}
	}

	c, err := smtp.NewClient(conn, r.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return &SendError{Kind: FailureConnection, Err: err}
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil {
			r.logger.Debug("smtp client close", "error", closeErr)
		}
	}()

	if ok, _ := c.Extension("STARTTLS"); !ok {
		return &SendError{Kind: FailureConnection, Err: errNoStartTLS}
	}
	if err := c.StartTLS(r.tls); err != nil {
		return &SendError{Kind: FailureConnection, Err: fmt.Errorf("starttls: %w", err)}
	}

	auth := smtp.PlainAuth("", r.creds.Address, r.creds.Password, r.cfg.Host)
	if err := c.Auth(auth); err != nil {
		return &SendError{Kind: FailureAuth, Err: err}
	}

	if err := c.Mail(reversePath); err != nil {
		return &SendError{Kind: FailureRejected, Err: fmt.Errorf("MAIL FROM: %w", err)}
	}
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return &SendError{Kind: FailureRejected, Err: fmt.Errorf("RCPT TO %s: %w", rcpt, err)}
		}
	}

	w, err := c.Data()
	if err != nil {
		return &SendError{Kind: FailureRejected, Err: fmt.Errorf("DATA: %w", err)}
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return &SendError{Kind: FailureConnection, Err: fmt.Errorf("write message: %w", err)}
	}
	if err := w.Close(); err != nil {
		return &SendError{Kind: FailureRejected, Err: fmt.Errorf("end of data: %w", err)}
	}

	if err := c.Quit(); err != nil {
		// The relay already accepted the message.
		r.logger.Debug("smtp quit failed after delivery", "error", err)
	}
	return nil
}
