// Package oracle is the boundary to the reasoning service. The primary
// oracle turns a conversation ledger into exactly one next Decision; the
// advisor answers free-form recovery questions when the primary stalls.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/ledger-agent/internal/config"
	"github.com/nugget/ledger-agent/internal/ledger"
)

// Message roles understood by every provider.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one provider-neutral chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token cost of a single provider call.
type Usage struct {
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Completion is the raw text a provider returned.
type Completion struct {
	Text  string
	Usage Usage
}

// Completer is a chat-completion provider.
type Completer interface {
	Complete(ctx context.Context, system string, messages []Message) (Completion, error)
}

// Oracle decides the next step of a conversation.
type Oracle interface {
	Decide(ctx context.Context, turns []ledger.Turn) (Decision, Usage, error)
}

// Advisor answers a recovery question with free text.
type Advisor interface {
	Consult(ctx context.Context, question string) (string, Usage, error)
}

// New builds the Completer selected by cfg.Provider.
func New(cfg config.OracleConfig, logger *slog.Logger) (Completer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		return NewAnthropic(cfg, logger), nil
	case "ollama":
		return NewOllama(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown oracle provider %q (valid: anthropic, ollama)", cfg.Provider)
	}
}

// Reasoner is the primary Oracle: a Completer driven by the decision
// system prompt.
type Reasoner struct {
	completer Completer
	system    func() string
	logger    *slog.Logger
}

// NewReasoner returns an Oracle that prompts c with system.
func NewReasoner(c Completer, system string, logger *slog.Logger) *Reasoner {
	return NewReasonerFunc(c, func() string { return system }, logger)
}

// NewReasonerFunc is NewReasoner with the prompt rebuilt for every
// call, so a long-running process keeps today's date current.
func NewReasonerFunc(c Completer, system func() string, logger *slog.Logger) *Reasoner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reasoner{completer: c, system: system, logger: logger}
}

// Decide sends the folded ledger to the provider and parses its reply.
// A provider failure is returned as an error; an unusable reply comes
// back as a DecisionError.
func (r *Reasoner) Decide(ctx context.Context, turns []ledger.Turn) (Decision, Usage, error) {
	msgs := Fold(turns)
	if len(msgs) == 0 {
		return nil, Usage{}, fmt.Errorf("decide: empty ledger")
	}

	out, err := r.completer.Complete(ctx, r.system(), msgs)
	if err != nil {
		return nil, out.Usage, fmt.Errorf("decide: %w", err)
	}
	r.logger.Log(ctx, config.LevelTrace, "oracle reply", "text", out.Text)

	d := ParseDecision(out.Text)
	if de, ok := d.(DecisionError); ok {
		r.logger.Warn("unusable oracle reply", "error", de.Message)
	}
	return d, out.Usage, nil
}

const advisorSystem = `You are a senior bookkeeping assistant advising an automated agent that has become stuck while working on a request against an accounting system.
You will receive the original request, the agent's recent history and the problem it hit.
Reply with short, concrete guidance: which action to take next and with what parameters, or that the agent should stop and ask the requester for clarification.
Do not reply with JSON.`

// Consultant is the secondary Advisor.
type Consultant struct {
	completer Completer
	logger    *slog.Logger
}

// NewConsultant returns an Advisor backed by c.
func NewConsultant(c Completer, logger *slog.Logger) *Consultant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consultant{completer: c, logger: logger}
}

// Consult asks the advisor question and returns its trimmed answer. An
// empty answer is an error.
func (c *Consultant) Consult(ctx context.Context, question string) (string, Usage, error) {
	out, err := c.completer.Complete(ctx, advisorSystem, []Message{{Role: RoleUser, Content: question}})
	if err != nil {
		return "", out.Usage, fmt.Errorf("consult: %w", err)
	}
	answer := strings.TrimSpace(out.Text)
	if answer == "" {
		return "", out.Usage, fmt.Errorf("consult: advisor returned no guidance")
	}
	c.logger.Debug("advisor answered", "chars", len(answer))
	return answer, out.Usage, nil
}

// observationPrefix marks tool results inside user messages.
const observationPrefix = "Observation: "

// Fold maps ledger turns onto alternating chat messages. Requester and
// observation turns become user messages, reasoner turns assistant
// messages, and consecutive messages with the same role are merged.
func Fold(turns []ledger.Turn) []Message {
	var out []Message
	for _, t := range turns {
		var m Message
		switch t.Role {
		case ledger.RoleRequester:
			m = Message{Role: RoleUser, Content: t.Content}
		case ledger.RoleObservation:
			m = Message{Role: RoleUser, Content: observationPrefix + t.Content}
		case ledger.RoleReasoner:
			m = Message{Role: RoleAssistant, Content: t.Content}
		default:
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	// Providers expect the conversation to open with the user.
	if len(out) > 0 && out[0].Role != RoleUser {
		out = append([]Message{{Role: RoleUser, Content: "(no request text)"}}, out...)
	}
	return out
}
