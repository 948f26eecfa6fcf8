// Package processor runs the periodic processing cycle: expire overdue
// approvals, apply CONFIRM/CANCEL replies one at a time, then run new
// requests through the reasoning loop concurrently.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/ledger-agent/internal/agent"
	"github.com/nugget/ledger-agent/internal/confirm"
	"github.com/nugget/ledger-agent/internal/intake"
	"github.com/nugget/ledger-agent/internal/notify"
)

// Defaults applied to zero Options.
const (
	DefaultInterval    = 5 * time.Minute
	DefaultConcurrency = 4
)

// Opstate keys for the last completed cycle.
const (
	stateNamespace = "processor"
	stateLastCycle = "last_cycle"
)

// invalidReplyBody is sent when a reply names an unknown, resolved or
// expired pending action.
const invalidReplyBody = "Sorry, the confirmation link/ID seems invalid or has expired."

// unauthorizedReplyBody is sent when a reply comes from someone other
// than the approver.
const unauthorizedReplyBody = "Only the designated approver can confirm or cancel this action. Nothing was changed."

// Runner drives one request to completion. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Resolver applies replies and expires approvals.
// *confirm.Coordinator satisfies it.
type Resolver interface {
	SweepExpired(ctx context.Context) (int, error)
	Resolve(ctx context.Context, id string, decision confirm.Decision) (*confirm.Resolution, error)
}

// StateRecorder persists the time of the last cycle.
// *opstate.Store satisfies it.
type StateRecorder interface {
	SetTime(ctx context.Context, namespace, key string, t time.Time) error
}

// Options configures a Processor.
type Options struct {
	Interval    time.Duration
	Concurrency int

	// Approver, when set, is the only address whose untrusted replies
	// may resolve a pending action.
	Approver string

	State  StateRecorder // optional
	Logger *slog.Logger
	Now    func() time.Time
}

// Processor owns the processing cycle.
type Processor struct {
	runner   Runner
	resolver Resolver
	notifier notify.Notifier
	opts     Options
	logger   *slog.Logger

	// cycleMu keeps cycles from overlapping when triggered both by the
	// ticker and the HTTP API.
	cycleMu sync.Mutex
}

// New creates a Processor.
func New(runner Runner, resolver Resolver, notifier notify.Notifier, opts Options) *Processor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		runner:   runner,
		resolver: resolver,
		notifier: notifier,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Report summarizes one cycle.
type Report struct {
	Expired     int                   `json:"expired"`
	Resolutions []*confirm.Resolution `json:"resolutions,omitempty"`
	Results     []*agent.Result       `json:"results,omitempty"`
	Errors      []string              `json:"errors,omitempty"`
}

// Count returns how many results ended in status s.
func (r *Report) Count(s agent.Status) int {
	n := 0
	for _, res := range r.Results {
		if res != nil && res.Status == s {
			n++
		}
	}
	return n
}

// Cycle processes one batch. It never fails as a whole: per-item
// problems are logged and listed in the report. src may be nil when the
// batch did not come from a Source.
func (p *Processor) Cycle(ctx context.Context, b intake.Batch, src intake.Source) *Report {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := p.opts.Now()
	rep := &Report{}

	// Expire first so a reply to an overdue approval is never applied.
	n, err := p.resolver.SweepExpired(ctx)
	if err != nil {
		p.logger.Error("expiry sweep failed", "error", err)
		rep.Errors = append(rep.Errors, fmt.Sprintf("sweep: %v", err))
	}
	rep.Expired = n

	for _, reply := range b.Replies {
		if ctx.Err() != nil {
			break
		}
		p.resolve(ctx, reply, src, rep)
	}

	p.runRequests(ctx, b.Requests, src, rep)

	if p.opts.State != nil && ctx.Err() == nil {
		if err := p.opts.State.SetTime(ctx, stateNamespace, stateLastCycle, start); err != nil {
			p.logger.Warn("failed to record cycle time", "error", err)
		}
	}

	p.logger.Info("processing cycle complete",
		"expired", rep.Expired,
		"replies", len(rep.Resolutions),
		"requests", len(rep.Results),
		"completed", rep.Count(agent.StatusCompleted),
		"failed", rep.Count(agent.StatusFailed),
		"incomplete", rep.Count(agent.StatusMaxSteps),
		"elapsed", p.opts.Now().Sub(start),
	)
	return rep
}

func (p *Processor) resolve(ctx context.Context, reply intake.Reply, src intake.Source, rep *Report) {
	logger := p.logger.With("pending_id", reply.PendingID, "decision", reply.Decision)

	var res *confirm.Resolution
	body := invalidReplyBody
	if p.authorized(reply) {
		var err error
		res, err = p.resolver.Resolve(ctx, reply.PendingID, reply.Decision)
		if err != nil {
			// Left unhandled so the next cycle retries it.
			logger.Error("resolve failed", "error", err)
			rep.Errors = append(rep.Errors, fmt.Sprintf("resolve %s: %v", reply.PendingID, err))
			return
		}
	} else {
		logger.Warn("reply from non-approver ignored", "from", reply.From)
		res = &confirm.Resolution{ID: reply.PendingID, Ignored: true, Reason: "reply is not from the approver"}
		body = unauthorizedReplyBody
	}
	rep.Resolutions = append(rep.Resolutions, res)

	if res.Ignored && reply.From != "" {
		err := p.notifier.Notify(ctx, notify.Message{
			To:        reply.From,
			Subject:   replySubject(reply.Subject),
			Body:      body,
			InReplyTo: reply.MessageID,
		})
		if err != nil {
			logger.Warn("failed to acknowledge ignored reply", "error", err)
		}
	}
	p.markHandled(ctx, src, reply.Ref)
}

// authorized reports whether reply may resolve a pending action.
func (p *Processor) authorized(reply intake.Reply) bool {
	if p.opts.Approver == "" || reply.Trusted {
		return true
	}
	return sameAddress(reply.From, p.opts.Approver)
}

// sameAddress compares the mailbox parts of two addresses, either of
// which may carry a display name.
func sameAddress(a, b string) bool {
	a, b = bareAddress(a), bareAddress(b)
	return a != "" && strings.EqualFold(a, b)
}

func bareAddress(s string) string {
	if addr, err := mail.ParseAddress(s); err == nil {
		return addr.Address
	}
	return strings.TrimSpace(s)
}

func (p *Processor) runRequests(ctx context.Context, reqs []intake.Request, src intake.Source, rep *Report) {
	results := make([]*agent.Result, len(reqs))

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, req := range reqs {
		if ctx.Err() != nil {
			p.logger.Warn("cycle interrupted; remaining requests deferred", "remaining", len(reqs)-i)
			break
		}
		g.Go(func() error {
			res, err := p.runner.Run(ctx, req.Request)
			if err != nil {
				p.logger.Warn("request rejected", "sender", req.Sender, "error", err)
			} else {
				results[i] = res
			}
			// A run interrupted by shutdown is retried next start.
			if ctx.Err() == nil {
				p.markHandled(ctx, src, req.Ref)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res != nil {
			rep.Results = append(rep.Results, res)
		}
	}
}

func (p *Processor) markHandled(ctx context.Context, src intake.Source, ref string) {
	if src == nil || ref == "" {
		return
	}
	if err := src.MarkHandled(context.WithoutCancel(ctx), ref); err != nil {
		p.logger.Warn("failed to mark item handled", "ref", ref, "error", err)
	}
}

// Start runs a cycle immediately and then every Interval until ctx is
// cancelled. It blocks.
func (p *Processor) Start(ctx context.Context, src intake.Source) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.logger.Info("processor started", "interval", p.opts.Interval, "concurrency", p.opts.Concurrency)
	p.poll(ctx, src)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("processor stopped")
			return
		case <-ticker.C:
			p.poll(ctx, src)
		}
	}
}

func (p *Processor) poll(ctx context.Context, src intake.Source) {
	var b intake.Batch
	if src != nil {
		var err error
		b, err = src.Fetch(ctx)
		if err != nil {
			// Still sweep: expiry does not depend on the mailbox.
			p.logger.Warn("intake fetch failed", "error", err)
		}
	}
	p.Cycle(ctx, b, src)
}

func replySubject(subject string) string {
	if subject == "" {
		return "Re: Confirmation"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}
