// Package intake turns inbound mail into work for the processing cycle:
// new bookkeeping requests for the reasoning loop and CONFIRM/CANCEL
// replies for the confirmation coordinator.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nugget/ledger-agent/internal/agent"
	"github.com/nugget/ledger-agent/internal/confirm"
	"github.com/nugget/ledger-agent/internal/email"
)

// Request is a new request plus the source reference used to mark it
// handled.
type Request struct {
	agent.Request
	Ref string
}

// Reply is a human decision on a pending action.
type Reply struct {
	Ref       string
	PendingID string
	Decision  confirm.Decision
	From      string
	Subject   string
	MessageID string

	// Trusted replies come from an operator surface rather than an
	// inbox, so the approver check does not apply.
	Trusted bool
}

// Batch is everything one processing cycle works through.
type Batch struct {
	Requests []Request
	Replies  []Reply
}

// Empty reports whether the batch holds no work.
func (b Batch) Empty() bool {
	return len(b.Requests) == 0 && len(b.Replies) == 0
}

// Source supplies batches. MarkHandled is called once per item after it
// has been processed so an item interrupted mid-cycle is fetched again.
type Source interface {
	Fetch(ctx context.Context) (Batch, error)
	MarkHandled(ctx context.Context, ref string) error
}

// Mailbox is the IMAP surface the mail source needs. *email.Mailbox
// satisfies it.
type Mailbox interface {
	Unseen(ctx context.Context, folder string) ([]email.Message, error)
	MarkSeen(ctx context.Context, folder string, uid uint32) error
}

// MailSource reads unseen messages from one folder. Messages from
// senders outside the allow-list are marked seen and dropped.
type MailSource struct {
	mailbox Mailbox
	folder  string
	allowed *Allowlist
	logger  *slog.Logger
}

// NewMailSource creates a mail source. An empty folder means INBOX.
func NewMailSource(mb Mailbox, folder string, allowed []string, logger *slog.Logger) *MailSource {
	if folder == "" {
		folder = email.DefaultFolder
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MailSource{
		mailbox: mb,
		folder:  folder,
		allowed: NewAllowlist(allowed),
		logger:  logger,
	}
}

// Fetch classifies every unseen message. A message carrying a single
// unambiguous CONFIRM or CANCEL command is a reply; anything else is a
// new request.
func (s *MailSource) Fetch(ctx context.Context) (Batch, error) {
	msgs, err := s.mailbox.Unseen(ctx, s.folder)
	if err != nil {
		return Batch{}, fmt.Errorf("fetch unseen: %w", err)
	}

	var b Batch
	for _, msg := range msgs {
		ref := strconv.FormatUint(uint64(msg.UID), 10)
		if !s.allowed.Allows(msg.From) {
			s.logger.Warn("ignoring mail from unlisted sender", "from", msg.From, "subject", msg.Subject, "uid", msg.UID)
			if err := s.MarkHandled(ctx, ref); err != nil {
				s.logger.Warn("failed to mark ignored mail seen", "uid", msg.UID, "error", err)
			}
			continue
		}

		if decision, id, ok := confirm.ParseReply(msg.Body); ok {
			b.Replies = append(b.Replies, Reply{
				Ref:       ref,
				PendingID: id,
				Decision:  decision,
				From:      msg.From,
				Subject:   msg.Subject,
				MessageID: msg.MessageID,
			})
			continue
		}

		if strings.TrimSpace(msg.Body) == "" && strings.TrimSpace(msg.Subject) == "" {
			s.logger.Debug("ignoring empty mail", "uid", msg.UID)
			if err := s.MarkHandled(ctx, ref); err != nil {
				s.logger.Warn("failed to mark empty mail seen", "uid", msg.UID, "error", err)
			}
			continue
		}

		b.Requests = append(b.Requests, Request{
			Ref: ref,
			Request: agent.Request{
				Sender:    msg.From,
				Subject:   msg.Subject,
				Body:      msg.Body,
				MessageID: msg.MessageID,
			},
		})
	}

	s.logger.Debug("mail fetched",
		"folder", s.folder,
		"messages", len(msgs),
		"requests", len(b.Requests),
		"replies", len(b.Replies),
	)
	return b, nil
}

// MarkHandled flags the message seen. An empty ref is a no-op.
func (s *MailSource) MarkHandled(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	uid, err := strconv.ParseUint(ref, 10, 32)
	if err != nil {
		return fmt.Errorf("mark handled: bad ref %q", ref)
	}
	return s.mailbox.MarkSeen(ctx, s.folder, uint32(uid))
}

// Allowlist matches sender addresses against exact addresses and
// "@domain" entries, case-insensitively.
type Allowlist struct {
	addrs   map[string]bool
	domains []string
}

// NewAllowlist builds an allow-list. An empty list allows nobody.
func NewAllowlist(entries []string) *Allowlist {
	a := &Allowlist{addrs: make(map[string]bool)}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		switch {
		case e == "":
		case strings.HasPrefix(e, "@"):
			a.domains = append(a.domains, e)
		default:
			a.addrs[e] = true
		}
	}
	return a
}

// Allows reports whether addr may submit work.
func (a *Allowlist) Allows(addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return false
	}
	if a.addrs[addr] {
		return true
	}
	for _, d := range a.domains {
		if strings.HasSuffix(addr, d) {
			return true
		}
	}
	return false
}
