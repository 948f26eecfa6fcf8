// Package confirm gates state-changing actions behind a durable,
// time-boxed human approval. Each action moves exactly once from
// PENDING to CONFIRMED, CANCELLED or EXPIRED; only CONFIRMED runs it.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/ledger-agent/internal/notify"
	"github.com/nugget/ledger-agent/internal/tools"
)

// DefaultTTL is how long an approval request stays open.
const DefaultTTL = 24 * time.Hour

// Decision is a human's answer to an approval request.
type Decision string

const (
	Confirm Decision = "CONFIRM"
	Cancel  Decision = "CANCEL"
)

// Executor runs an approved action. *tools.Registry satisfies it.
type Executor interface {
	ExecuteConfirmed(ctx context.Context, name string, args map[string]any) tools.Observation
}

// Options configures a Coordinator.
type Options struct {
	TTL      time.Duration
	Approver string // address approval requests and results go to
	Logger   *slog.Logger
	Now      func() time.Time
}

// Coordinator owns every pending-action transition.
type Coordinator struct {
	store    *Store
	exec     Executor
	notifier notify.Notifier
	ttl      time.Duration
	approver string
	logger   *slog.Logger
	now      func() time.Time
}

// NewCoordinator wires a coordinator.
func NewCoordinator(store *Store, exec Executor, notifier notify.Notifier, opts Options) *Coordinator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		store:    store,
		exec:     exec,
		notifier: notifier,
		ttl:      opts.TTL,
		approver: opts.Approver,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// Resolution reports what Resolve did.
type Resolution struct {
	ID      string
	Ignored bool
	Reason  string // why the reply was ignored
	Status  Status
	Action  string

	// Observation is the execution outcome, set only for CONFIRMED.
	Observation *tools.Observation

	// NotifyErr records a failed result notification. The transition
	// and execution stand regardless.
	NotifyErr error
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RequestConfirmation records d as PENDING and sends the approval
// request. If the request cannot be sent the record is cancelled, since
// nobody could ever approve it, and an error is returned.
func (c *Coordinator) RequestConfirmation(ctx context.Context, d Details) (string, error) {
	if d.Action == "" {
		return "", errors.New("request confirmation: empty action")
	}
	now := c.now().UTC()
	a := &Action{
		ID:        uuid.NewString(),
		Details:   d,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.store.Create(ctx, a); err != nil {
		return "", fmt.Errorf("request confirmation: %w", err)
	}

	err := c.notifier.Notify(ctx, notify.Message{
		To:        c.approver,
		Subject:   fmt.Sprintf("Confirmation Required: %s (%s)", d.Action, shortID(a.ID)),
		Body:      approvalBody(a),
		InReplyTo: d.RequestRef,
	})
	if err != nil {
		if _, cerr := c.store.Transition(context.WithoutCancel(ctx), a.ID, StatusCancelled, c.now().UTC()); cerr != nil {
			c.logger.Error("failed to cancel unsendable approval request", "pending_id", a.ID, "error", cerr)
		}
		return "", fmt.Errorf("send approval request for %s: %w", d.Action, err)
	}

	c.logger.Info("confirmation requested",
		"pending_id", a.ID,
		"action", d.Action,
		"conversation_id", d.ConversationID,
		"expires_at", a.ExpiresAt,
	)
	return a.ID, nil
}

// Resolve applies a human decision. Unknown, already resolved, or
// expired ids are acknowledged with Ignored set and change nothing
// (an expired but not yet swept record is marked EXPIRED first). A
// CONFIRM that wins the guarded transition runs the action exactly once.
func (c *Coordinator) Resolve(ctx context.Context, id string, decision Decision) (*Resolution, error) {
	if decision != Confirm && decision != Cancel {
		return nil, fmt.Errorf("resolve %s: unknown decision %q", id, decision)
	}
	res := &Resolution{ID: id}

	a, err := c.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return c.ignore(res, "no pending action has this id"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", id, err)
	}
	res.Action = a.Details.Action
	res.Status = a.Status

	now := c.now().UTC()
	if a.Status != StatusPending {
		return c.ignore(res, "already "+strings.ToLower(string(a.Status))), nil
	}
	if a.Expired(now) {
		if _, err := c.store.ExpireDue(ctx, now); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", id, err)
		}
		res.Status = StatusExpired
		return c.ignore(res, "expired"), nil
	}

	target := StatusCancelled
	if decision == Confirm {
		target = StatusConfirmed
	}
	won, err := c.store.Transition(ctx, id, target, now)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", id, err)
	}
	if !won {
		// Lost a race with another reply or the sweep.
		if cur, gerr := c.store.Get(ctx, id); gerr == nil {
			res.Status = cur.Status
		}
		return c.ignore(res, "resolved concurrently"), nil
	}
	res.Status = target

	if target == StatusCancelled {
		c.logger.Info("pending action cancelled", "pending_id", id, "action", a.Details.Action)
		res.NotifyErr = c.notifyResult(ctx, a, "Cancelled",
			fmt.Sprintf("The requested action '%s' with ID %s was cancelled as requested.", a.Details.Action, id))
		return res, nil
	}

	c.logger.Info("executing confirmed action", "pending_id", id, "action", a.Details.Action)
	execCtx := tools.WithConversationID(context.WithoutCancel(ctx), a.Details.ConversationID)
	if a.Details.Requester != "" {
		execCtx = tools.WithRequester(execCtx, tools.Requester{Address: a.Details.Requester, MessageID: a.Details.RequestRef})
	}
	obs := c.exec.ExecuteConfirmed(execCtx, a.Details.Action, a.Details.Params)
	res.Observation = &obs

	if obs.Failed() {
		c.logger.Warn("confirmed action failed", "pending_id", id, "action", a.Details.Action, "error", obs.Err)
		res.NotifyErr = c.notifyResult(ctx, a, "Failed",
			fmt.Sprintf("The requested action '%s' with ID %s was confirmed but failed during execution.\n\n%s", a.Details.Action, id, obs.Content))
	} else {
		res.NotifyErr = c.notifyResult(ctx, a, "Confirmed",
			fmt.Sprintf("The requested action '%s' with ID %s was confirmed and processed.\n\n%s", a.Details.Action, id, obs.Content))
	}
	return res, nil
}

func (c *Coordinator) ignore(res *Resolution, reason string) *Resolution {
	res.Ignored = true
	res.Reason = reason
	c.logger.Info("confirmation reply ignored", "pending_id", res.ID, "reason", reason)
	return res
}

func (c *Coordinator) notifyResult(ctx context.Context, a *Action, outcome, body string) error {
	err := c.notifier.Notify(context.WithoutCancel(ctx), notify.Message{
		To:        c.approver,
		Subject:   fmt.Sprintf("Action %s: %s (%s)", outcome, a.Details.Action, shortID(a.ID)),
		Body:      body,
		InReplyTo: a.Details.RequestRef,
	})
	if err != nil {
		c.logger.Error("result notification failed", "pending_id", a.ID, "error", err)
	}
	return err
}

// SweepExpired marks every overdue PENDING action EXPIRED. Expiry is
// silent: no notification is sent.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	n, err := c.store.ExpireDue(ctx, c.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("expired pending actions", "count", n)
	}
	return n, nil
}

// Get returns one pending action.
func (c *Coordinator) Get(ctx context.Context, id string) (*Action, error) {
	return c.store.Get(ctx, id)
}

// List returns actions in status (all when empty), newest first.
func (c *Coordinator) List(ctx context.Context, status Status, limit int) ([]*Action, error) {
	return c.store.List(ctx, status, limit)
}

func approvalBody(a *Action) string {
	var b strings.Builder
	b.WriteString("Please confirm the following action:\n\n")
	fmt.Fprintf(&b, "**Action:** %s\n\n", a.Details.Action)
	if a.Details.Summary != "" {
		fmt.Fprintf(&b, "**Summary:** %s\n\n", a.Details.Summary)
	}
	if len(a.Details.Params) > 0 {
		b.WriteString("**Details:**\n\n")
		keys := make([]string, 0, len(a.Details.Params))
		for k := range a.Details.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", labelize(k), formatValue(a.Details.Params[k]))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "To proceed, reply to this message with:\n\n    CONFIRM %s\n\n", a.ID)
	fmt.Fprintf(&b, "To cancel, reply with:\n\n    CANCEL %s\n\n", a.ID)
	fmt.Fprintf(&b, "This request expires %s.\n", a.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
	return b.String()
}

// labelize turns "customer_id" into "Customer Id".
func labelize(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%.2f", x)
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, formatValue(item))
		}
		return "[" + strings.Join(parts, "; ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+formatValue(x[k]))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(v)
	}
}
