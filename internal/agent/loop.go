// Package agent runs the reasoning loop: one conversation at a time it
// asks the oracle for the next action, executes it through the tool
// registry or the confirmation coordinator, and records every step in
// the conversation ledger until the oracle finishes, the run fails, or
// the step bound is reached.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nugget/ledger-agent/internal/accounting"
	"github.com/nugget/ledger-agent/internal/confirm"
	"github.com/nugget/ledger-agent/internal/ledger"
	"github.com/nugget/ledger-agent/internal/notify"
	"github.com/nugget/ledger-agent/internal/oracle"
	"github.com/nugget/ledger-agent/internal/tools"
	"github.com/nugget/ledger-agent/internal/usage"
)

// Defaults applied to a zero Config.
const (
	DefaultMaxSteps         = 10
	DefaultMaxConsultations = 10
	DefaultStallThreshold   = 3
)

// Status is the terminal state of a run.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusMaxSteps  Status = "MAX_STEPS_REACHED"
)

// Request is one inbound request.
type Request struct {
	ConversationID string // generated when empty
	Sender         string
	Subject        string
	Body           string
	MessageID      string // inbound message id, for threading replies
}

// Text renders the request as the first ledger turn.
func (r Request) Text() string {
	var b strings.Builder
	if r.Sender != "" {
		fmt.Fprintf(&b, "From: %s\n", r.Sender)
	}
	if r.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", r.Subject)
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(strings.TrimSpace(r.Body))
	return b.String()
}

// Result reports how a run ended.
type Result struct {
	ConversationID string `json:"conversation_id"`
	Status         Status `json:"status"`
	Summary        string `json:"summary"`
	Steps          int    `json:"steps"`
	Consultations  int    `json:"consultations"`
	LastError      string `json:"last_error,omitempty"`

	// AuthFailure is set when the accounting backend rejected our
	// credentials. An operator has to reauthorize before retrying.
	AuthFailure bool `json:"auth_failure,omitempty"`

	// PendingIDs lists approval requests created during the run.
	PendingIDs []string `json:"pending_ids,omitempty"`

	// NotifyErr records a failed outcome notification. Status stands.
	NotifyErr error `json:"-"`
}

// Ledger is the conversation store the loop appends to.
type Ledger interface {
	Append(ctx context.Context, conversationID string, role ledger.Role, content string) (ledger.Turn, error)
	Turns(ctx context.Context, conversationID string) ([]ledger.Turn, error)
}

// Dispatcher executes tool calls. *tools.Registry satisfies it.
type Dispatcher interface {
	Lookup(name string) (*tools.Tool, error)
	Preflight(name string, args map[string]any) (tools.Observation, bool)
	Execute(ctx context.Context, name string, args map[string]any) tools.Observation
}

// Confirmer records gated actions for human approval.
// *confirm.Coordinator satisfies it.
type Confirmer interface {
	RequestConfirmation(ctx context.Context, d confirm.Details) (string, error)
}

// UsageRecorder persists oracle token usage. *usage.Store satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config bounds a run.
type Config struct {
	MaxSteps         int
	MaxConsultations int
	StallThreshold   int
}

// Deps are the loop's collaborators. Advisor and Usage are optional.
type Deps struct {
	Ledger    Ledger
	Oracle    oracle.Oracle
	Advisor   oracle.Advisor
	Tools     Dispatcher
	Confirmer Confirmer
	Notifier  notify.Notifier
	Usage     UsageRecorder
	Logger    *slog.Logger
}

// Loop is the reasoning loop. It is safe for concurrent use; each Run
// owns its conversation.
type Loop struct {
	deps Deps
	cfg  Config
}

// New returns a Loop, filling zero Config fields with defaults.
func New(deps Deps, cfg Config) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxConsultations < 0 {
		cfg.MaxConsultations = 0
	} else if cfg.MaxConsultations == 0 {
		cfg.MaxConsultations = DefaultMaxConsultations
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = DefaultStallThreshold
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Loop{deps: deps, cfg: cfg}
}

// errFatal marks step failures that end the run without consultation.
type errFatal struct{ err error }

func (e *errFatal) Error() string { return e.err.Error() }
func (e *errFatal) Unwrap() error { return e.err }

func fatal(format string, args ...any) error {
	return &errFatal{err: fmt.Errorf(format, args...)}
}

// run is the per-conversation state.
type run struct {
	req    Request
	res    *Result
	logger *slog.Logger

	stalled   int    // consecutive error observations
	lastError string // most recent error observation or failure
}

// Run drives one conversation to a terminal state and sends exactly one
// outcome notification. It returns an error only when the request
// carries nothing to work on.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Body) == "" && strings.TrimSpace(req.Subject) == "" {
		return nil, errors.New("run: empty request")
	}
	if req.ConversationID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("run: conversation id: %w", err)
		}
		req.ConversationID = id.String()
	}

	r := &run{
		req:    req,
		res:    &Result{ConversationID: req.ConversationID},
		logger: l.deps.Logger.With("conversation_id", req.ConversationID),
	}
	ctx = tools.WithConversationID(ctx, req.ConversationID)
	ctx = tools.WithRequester(ctx, tools.Requester{Address: req.Sender, MessageID: req.MessageID})

	r.logger.Info("run started", "sender", req.Sender, "subject", req.Subject)

	if _, err := l.deps.Ledger.Append(ctx, req.ConversationID, ledger.RoleRequester, req.Text()); err != nil {
		l.fail(r, fmt.Sprintf("could not record the request: %v", err))
		return l.finish(ctx, r), nil
	}

	for r.res.Status == "" {
		if r.res.Steps >= l.cfg.MaxSteps {
			r.res.Status = StatusMaxSteps
			r.res.LastError = r.lastError
			r.res.Summary = fmt.Sprintf("Stopped after %d steps without finishing the request.", r.res.Steps)
			break
		}
		if err := ctx.Err(); err != nil {
			l.fail(r, fmt.Sprintf("run interrupted: %v", err))
			break
		}
		r.res.Steps++

		err := l.safeStep(ctx, r)
		if err == nil {
			continue
		}
		var fe *errFatal
		if errors.As(err, &fe) {
			l.fail(r, err.Error())
			break
		}
		if cerr := l.consult(ctx, r, err.Error()); cerr != nil {
			l.fail(r, cerr.Error())
		}
	}

	return l.finish(ctx, r), nil
}

// safeStep runs one step, turning a panic into a recoverable error.
func (l *Loop) safeStep(ctx context.Context, r *run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("step panicked", "step", r.res.Steps, "panic", p)
			err = fmt.Errorf("internal error during step %d: %v", r.res.Steps, p)
		}
	}()
	return l.step(ctx, r)
}

// step performs one read-decide-act cycle. A nil error means the loop
// may continue (or has finished); an *errFatal ends the run; any other
// error asks the advisor for help.
func (l *Loop) step(ctx context.Context, r *run) error {
	id := r.req.ConversationID
	logger := r.logger.With("step", r.res.Steps)

	turns, err := l.deps.Ledger.Turns(ctx, id)
	if err != nil {
		return fatal("could not read the conversation ledger: %v", err)
	}

	decision, u, err := l.deps.Oracle.Decide(ctx, turns)
	l.recordUsage(ctx, r, u, "primary")
	if err != nil {
		logger.Warn("oracle call failed", "error", err)
		return fmt.Errorf("the reasoning service failed: %v", err)
	}

	switch d := decision.(type) {
	case oracle.FinalAnswer:
		if err := l.appendTurn(ctx, r, ledger.RoleReasoner, oracle.Encode(d)); err != nil {
			return err
		}
		r.res.Status = StatusCompleted
		r.res.Summary = d.Text
		logger.Info("oracle finished")
		return nil

	case oracle.DecisionError:
		logger.Warn("oracle reply unusable", "error", d.Message)
		if d.Raw != "" {
			if err := l.appendTurn(ctx, r, ledger.RoleReasoner, d.Raw); err != nil {
				return err
			}
		}
		msg := fmt.Sprintf("Your last reply could not be used: %s. Reply with exactly one JSON object as instructed.", d.Message)
		if err := l.observe(ctx, r, msg, true); err != nil {
			return err
		}
		return fmt.Errorf("the reasoning service returned an unusable decision: %s", d.Message)

	case oracle.ToolCall:
		if err := l.appendTurn(ctx, r, ledger.RoleReasoner, oracle.Encode(d)); err != nil {
			return err
		}
		return l.act(ctx, r, d)

	default:
		return fmt.Errorf("the reasoning service returned an unknown decision type %T", decision)
	}
}

// act executes one tool call and appends its observation.
func (l *Loop) act(ctx context.Context, r *run, call oracle.ToolCall) error {
	logger := r.logger.With("step", r.res.Steps, "tool", call.Name)

	tool, err := l.deps.Tools.Lookup(call.Name)
	if err != nil {
		logger.Info("oracle chose an unknown action")
		if err := l.observe(ctx, r, err.Error(), true); err != nil {
			return err
		}
		return l.checkStall(r)
	}

	if tool.RequiresConfirmation {
		return l.requestApproval(ctx, r, tool, call)
	}

	// An issued accounting call is allowed to finish even if the run
	// is being shut down.
	obs := l.deps.Tools.Execute(context.WithoutCancel(ctx), tool.Name, call.Params)
	logger.Debug("tool executed", "kind", obs.Kind, "truncated", obs.Truncated)

	if err := l.observe(ctx, r, obs.Content, obs.Failed()); err != nil {
		return err
	}
	if accounting.IsKind(obs.Err, accounting.KindAuthentication) {
		r.res.AuthFailure = true
		logger.Error("accounting authentication failed; operator action required", "error", obs.Err)
		return fatal("accounting authentication failed: %v", obs.Err)
	}
	return l.checkStall(r)
}

func (l *Loop) requestApproval(ctx context.Context, r *run, tool *tools.Tool, call oracle.ToolCall) error {
	if obs, ok := l.deps.Tools.Preflight(tool.Name, call.Params); !ok {
		if err := l.observe(ctx, r, obs.Content, true); err != nil {
			return err
		}
		return l.checkStall(r)
	}

	pendingID, err := l.deps.Confirmer.RequestConfirmation(context.WithoutCancel(ctx), confirm.Details{
		Action:         tool.Name,
		Params:         call.Params,
		ConversationID: r.req.ConversationID,
		RequestRef:     r.req.MessageID,
		Requester:      r.req.Sender,
		Summary:        call.Thought,
	})
	if err != nil {
		r.logger.Warn("approval request failed", "tool", tool.Name, "error", err)
		msg := fmt.Sprintf("Could not request approval for %s: %v. The action was not performed.", tool.Name, err)
		if err := l.observe(ctx, r, msg, true); err != nil {
			return err
		}
		return l.checkStall(r)
	}

	r.res.PendingIDs = append(r.res.PendingIDs, pendingID)
	r.logger.Info("approval requested", "tool", tool.Name, "pending_id", pendingID)
	msg := fmt.Sprintf("Approval requested for %s (pending id %s). It runs only after a human replies CONFIRM %s; do not request it again. Finish and tell the requester approval is pending.",
		tool.Name, pendingID, pendingID)
	return l.observe(ctx, r, msg, false)
}

// checkStall turns a run of consecutive error observations into a
// consultation request.
func (l *Loop) checkStall(r *run) error {
	if r.stalled < l.cfg.StallThreshold {
		return nil
	}
	return fmt.Errorf("%d consecutive actions failed; last error: %s", r.stalled, r.lastError)
}

// consult asks the advisor how to recover from problem and injects its
// guidance as an observation. It returns an error when the run cannot
// be recovered.
func (l *Loop) consult(ctx context.Context, r *run, problem string) error {
	r.lastError = problem
	if l.deps.Advisor == nil {
		return errors.New(problem)
	}
	if r.res.Consultations >= l.cfg.MaxConsultations {
		return fmt.Errorf("%s (consultation budget of %d exhausted)", problem, l.cfg.MaxConsultations)
	}
	r.res.Consultations++

	question := l.condense(ctx, r, problem)
	guidance, u, err := l.deps.Advisor.Consult(ctx, question)
	l.recordUsage(ctx, r, u, "advisor")
	if err != nil {
		r.logger.Warn("advisor consultation failed", "error", err)
		return fmt.Errorf("%s (advisor unavailable: %v)", problem, err)
	}
	r.logger.Info("advisor consulted", "consultations", r.res.Consultations)

	if _, err := l.deps.Ledger.Append(ctx, r.req.ConversationID, ledger.RoleObservation, "Guidance from a reviewer: "+guidance); err != nil {
		return fmt.Errorf("could not record advisor guidance: %v", err)
	}
	r.stalled = 0
	return nil
}

const condensedTurns = 6

// condense summarizes the run for the advisor: the request, the last
// few turns, and the problem.
func (l *Loop) condense(ctx context.Context, r *run, problem string) string {
	var b strings.Builder
	b.WriteString("Original request:\n")
	b.WriteString(clip(r.req.Text(), 1500))
	b.WriteString("\n\n")

	if turns, err := l.deps.Ledger.Turns(ctx, r.req.ConversationID); err == nil && len(turns) > 1 {
		recent := turns[1:]
		if len(recent) > condensedTurns {
			recent = recent[len(recent)-condensedTurns:]
		}
		b.WriteString("Recent steps:\n")
		for _, t := range recent {
			fmt.Fprintf(&b, "[%s] %s\n", t.Role, clip(t.Content, 600))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Problem: %s\n\nWhat should the agent do next?", problem)
	return b.String()
}

func (l *Loop) appendTurn(ctx context.Context, r *run, role ledger.Role, content string) error {
	if _, err := l.deps.Ledger.Append(ctx, r.req.ConversationID, role, content); err != nil {
		return fatal("could not record %s turn: %v", role, err)
	}
	return nil
}

// observe appends an observation and tracks consecutive failures.
func (l *Loop) observe(ctx context.Context, r *run, content string, failed bool) error {
	if err := l.appendTurn(ctx, r, ledger.RoleObservation, content); err != nil {
		return err
	}
	if failed {
		r.stalled++
		r.lastError = firstLine(content)
	} else {
		r.stalled = 0
	}
	return nil
}

func (l *Loop) fail(r *run, reason string) {
	r.res.Status = StatusFailed
	r.res.LastError = reason
	if r.res.AuthFailure {
		r.res.Summary = "The accounting system rejected our credentials. An operator must reauthorize the connection before this request can be retried."
	} else {
		r.res.Summary = "The request could not be completed: " + reason
	}
	r.logger.Error("run failed", "step", r.res.Steps, "error", reason)
}

func (l *Loop) recordUsage(ctx context.Context, r *run, u oracle.Usage, role string) {
	if l.deps.Usage == nil || (u.InputTokens == 0 && u.OutputTokens == 0) {
		return
	}
	err := l.deps.Usage.Record(context.WithoutCancel(ctx), usage.Record{
		ConversationID: r.req.ConversationID,
		Provider:       u.Provider,
		Model:          u.Model,
		Role:           role,
		InputTokens:    u.InputTokens,
		OutputTokens:   u.OutputTokens,
	})
	if err != nil {
		r.logger.Warn("failed to record oracle usage", "error", err)
	}
}

// finish appends a best-effort outcome turn and sends the single outcome
// notification.
func (l *Loop) finish(ctx context.Context, r *run) *Result {
	ctx = context.WithoutCancel(ctx)
	res := r.res

	outcome := fmt.Sprintf("Run outcome: %s after %d steps. %s", res.Status, res.Steps, res.Summary)
	if _, err := l.deps.Ledger.Append(ctx, res.ConversationID, ledger.RoleObservation, outcome); err != nil {
		r.logger.Warn("failed to record run outcome", "error", err)
	}

	res.NotifyErr = l.deps.Notifier.Notify(ctx, notify.Message{
		To:        r.req.Sender,
		Subject:   outcomeSubject(res.Status, r.req.Subject),
		Body:      outcomeBody(res),
		InReplyTo: r.req.MessageID,
	})
	if res.NotifyErr != nil {
		r.logger.Error("outcome notification failed", "error", res.NotifyErr)
	}

	r.logger.Info("run finished",
		"status", res.Status,
		"steps", res.Steps,
		"consultations", res.Consultations,
		"pending", len(res.PendingIDs),
	)
	return res
}

func outcomeSubject(s Status, subject string) string {
	label := map[Status]string{
		StatusCompleted: "Request Completed",
		StatusFailed:    "Request Failed",
		StatusMaxSteps:  "Request Incomplete",
	}[s]
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return label
	}
	return label + ": " + subject
}

func outcomeBody(res *Result) string {
	var b strings.Builder
	b.WriteString(res.Summary)
	b.WriteString("\n")
	if len(res.PendingIDs) > 0 {
		b.WriteString("\n**Awaiting approval:**\n\n")
		for _, id := range res.PendingIDs {
			fmt.Fprintf(&b, "- %s\n", id)
		}
	}
	if res.Status != StatusCompleted && res.LastError != "" {
		fmt.Fprintf(&b, "\n**Last error:** %s\n", res.LastError)
	}
	fmt.Fprintf(&b, "\n_Status: %s · steps: %d · conversation: %s_\n", res.Status, res.Steps, res.ConversationID)
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// clip shortens s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
