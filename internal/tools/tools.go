// Package tools maps an abstract action name and parameter bag onto one
// concrete call (a calculation, an accounting operation, or a
// notification) and normalizes every outcome into an Observation.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultMaxObservationBytes bounds observation content when the
// registry is built with a non-positive limit.
const DefaultMaxObservationBytes = 4000

// Class is the execution class of a tool.
type Class string

const (
	ClassCalculation  Class = "calculation"
	ClassAccounting   Class = "accounting"
	ClassNotification Class = "notification"
)

// Param describes one named parameter.
type Param struct {
	Name        string
	Type        string // string, number, boolean, array, object
	Description string
	Required    bool
}

// Handler executes a tool. A returned error becomes an error observation.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one callable action.
type Tool struct {
	Name        string
	Description string
	Class       Class
	Parameters  []Param

	// RequiresConfirmation marks state-changing tools. They run only
	// through ExecuteConfirmed once a human has approved them.
	RequiresConfirmation bool

	// Check, when set, validates argument values before the call runs
	// or is queued for confirmation.
	Check func(args map[string]any) error

	Handler Handler
}

// validate applies the required-parameter check and then Check.
func (t *Tool) validate(args map[string]any) error {
	if err := checkRequired(t, args); err != nil {
		return err
	}
	if t.Check != nil {
		return t.Check(args)
	}
	return nil
}

// Required returns the names of required parameters.
func (t *Tool) Required() []string {
	var out []string
	for _, p := range t.Parameters {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// Kind classifies an observation.
type Kind string

const (
	KindOK           Kind = "ok"
	KindUnavailable  Kind = "unavailable"
	KindValidation   Kind = "validation"
	KindMalformed    Kind = "malformed"
	KindAccounting   Kind = "accounting"
	KindNotification Kind = "notification"
	KindInternal     Kind = "internal"
)

// Observation is the normalized, size-bounded outcome of one tool call.
type Observation struct {
	Tool      string
	Content   string
	Err       error
	Kind      Kind
	Truncated bool
}

// Failed reports whether the call produced an error observation.
func (o Observation) Failed() bool { return o.Err != nil }

// Registry holds the available tools.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	maxBytes int
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Observation content longer
// than maxBytes is truncated.
func NewRegistry(maxBytes int, logger *slog.Logger) *Registry {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxObservationBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:    make(map[string]*Tool),
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// Register adds t, replacing any tool of the same name. Names are
// matched case-insensitively and stored upper-case.
func (r *Registry) Register(t *Tool) {
	t.Name = strings.ToUpper(t.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[strings.ToUpper(strings.TrimSpace(name))]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []*Tool {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(names))
	for _, n := range names {
		out = append(out, r.tools[n])
	}
	return out
}

// Lookup resolves name to a tool, or returns an *ErrToolUnavailable.
func (r *Registry) Lookup(name string) (*Tool, error) {
	if t := r.Get(name); t != nil {
		return t, nil
	}
	return nil, &ErrToolUnavailable{ToolName: name, Valid: r.Names()}
}

// Validate checks that name exists, that args carries every required
// parameter, and that the tool's Check accepts the values. It does not
// run the tool.
func (r *Registry) Validate(name string, args map[string]any) error {
	t, err := r.Lookup(name)
	if err != nil {
		return err
	}
	return t.validate(args)
}

// Execute runs a tool that does not require confirmation. It never
// panics and never returns a Go error: unknown tools, missing
// parameters and handler failures all come back as observations.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) Observation {
	t, err := r.Lookup(name)
	if err != nil {
		return r.bound(Observation{Tool: name, Content: err.Error(), Err: err, Kind: KindUnavailable})
	}
	if t.RequiresConfirmation {
		err := fmt.Errorf("%s changes accounting records and requires confirmation", t.Name)
		return r.bound(Observation{Tool: t.Name, Content: "Validation error: " + err.Error(), Err: err, Kind: KindValidation})
	}
	return r.run(ctx, t, args)
}

// ExecuteConfirmed runs any tool, including confirmation-gated ones.
// Only the confirmation coordinator calls it, after approval.
func (r *Registry) ExecuteConfirmed(ctx context.Context, name string, args map[string]any) Observation {
	t, err := r.Lookup(name)
	if err != nil {
		return r.bound(Observation{Tool: name, Content: err.Error(), Err: err, Kind: KindUnavailable})
	}
	return r.run(ctx, t, args)
}

func (r *Registry) run(ctx context.Context, t *Tool, args map[string]any) (obs Observation) {
	obs.Tool = t.Name
	if args == nil {
		args = map[string]any{}
	}

	if err := t.validate(args); err != nil {
		return r.bound(validationFailure(t, args, err))
	}

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("tool %s panicked: %v", t.Name, p)
			r.logger.Error("tool panic recovered", "tool", t.Name, "panic", p)
			obs = r.bound(Observation{
				Tool:    t.Name,
				Content: fmt.Sprintf("Internal error in %s: %v", t.Name, p),
				Err:     err,
				Kind:    KindInternal,
			})
		}
	}()

	r.logger.Debug("executing tool", "tool", t.Name, "class", t.Class, "params", formatParams(args))
	content, err := t.Handler(ctx, args)
	if err != nil {
		obs = describeFailure(t, args, err)
		if t.Class == ClassNotification {
			r.logger.Warn("notification tool failed", "tool", t.Name, "error", err)
		} else {
			r.logger.Debug("tool failed", "tool", t.Name, "kind", obs.Kind, "error", err)
		}
		return r.bound(obs)
	}
	return r.bound(Observation{Tool: t.Name, Content: content, Kind: KindOK})
}

// Preflight checks a call's arguments without running it. When the call could not
// run it returns the observation it would fail with and false.
func (r *Registry) Preflight(name string, args map[string]any) (Observation, bool) {
	t, err := r.Lookup(name)
	if err != nil {
		return r.bound(Observation{Tool: name, Content: err.Error(), Err: err, Kind: KindUnavailable}), false
	}
	if err := t.validate(args); err != nil {
		return r.bound(validationFailure(t, args, err)), false
	}
	return Observation{Tool: t.Name, Kind: KindOK}, true
}

func validationFailure(t *Tool, args map[string]any, err error) Observation {
	return Observation{
		Tool:    t.Name,
		Content: fmt.Sprintf("Validation error in %s (params: %s): %v", t.Name, formatParams(args), err),
		Err:     err,
		Kind:    KindValidation,
	}
}

func checkRequired(t *Tool, args map[string]any) error {
	var missing []string
	for _, name := range t.Required() {
		v, ok := args[name]
		if !ok || v == nil {
			missing = append(missing, name)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &ErrMissingParams{ToolName: t.Name, Params: missing}
	}
	return nil
}

// bound truncates observation content to the registry limit on a rune
// boundary, appending a marker.
func (r *Registry) bound(obs Observation) Observation {
	if len(obs.Content) <= r.maxBytes {
		return obs
	}
	total := len(obs.Content)
	cut := r.maxBytes
	for cut > 0 && !utf8.RuneStart(obs.Content[cut]) {
		cut--
	}
	obs.Content = fmt.Sprintf("%s\n[truncated: showing %d of %d bytes]", obs.Content[:cut], cut, total)
	obs.Truncated = true
	return obs
}
