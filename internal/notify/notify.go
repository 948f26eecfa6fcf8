// Package notify delivers human-facing notifications: run outcomes,
// approval requests, and resolution results.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/ledger-agent/internal/config"
	"github.com/nugget/ledger-agent/internal/email"
)

// Message is one outbound notification. An empty To falls back to the
// notifier's default recipient.
type Message struct {
	To        string
	Subject   string
	Body      string // markdown
	InReplyTo string
}

// Notifier sends a notification. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// ErrNoRecipient is returned when neither the message nor the notifier
// names a recipient.
var ErrNoRecipient = errors.New("notification has no recipient")

type sendFunc func(ctx context.Context, cfg config.SMTPConfig, from string, recipients []string, msg []byte) error

// Mailer sends notifications as composed mail over SMTP.
type Mailer struct {
	cfg    config.NotifyConfig
	logger *slog.Logger
	send   sendFunc
}

// NewMailer returns a Mailer for the given notify configuration.
func NewMailer(cfg config.NotifyConfig, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{cfg: cfg, logger: logger, send: email.Send}
}

// Notify composes msg and delivers it.
func (m *Mailer) Notify(ctx context.Context, msg Message) error {
	to := strings.TrimSpace(msg.To)
	if to == "" {
		to = m.cfg.Recipient
	}
	if to == "" {
		return ErrNoRecipient
	}

	raw, err := email.Compose(email.Draft{
		From:      m.cfg.From,
		To:        []string{to},
		Subject:   msg.Subject,
		Body:      msg.Body,
		InReplyTo: msg.InReplyTo,
	})
	if err != nil {
		return fmt.Errorf("compose notification: %w", err)
	}
	if err := m.send(ctx, m.cfg.SMTP, m.cfg.From, []string{to}, raw); err != nil {
		return fmt.Errorf("send notification to %s: %w", to, err)
	}
	m.logger.Info("notification sent", "to", to, "subject", msg.Subject)
	return nil
}

// Log writes notifications to a logger instead of delivering them.
// Used when no SMTP server is configured.
type Log struct {
	Logger    *slog.Logger
	Recipient string
}

// Notify logs msg at info level.
func (l Log) Notify(_ context.Context, msg Message) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	to := msg.To
	if to == "" {
		to = l.Recipient
	}
	logger.Info("notification", "to", to, "subject", msg.Subject, "body", msg.Body)
	return nil
}

// New picks the notifier for cfg: SMTP when a host is set, otherwise Log.
func New(cfg config.NotifyConfig, logger *slog.Logger) Notifier {
	if cfg.SMTP.Host != "" {
		return NewMailer(cfg, logger)
	}
	return Log{Logger: logger, Recipient: cfg.Recipient}
}
