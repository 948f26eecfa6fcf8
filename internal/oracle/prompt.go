package oracle

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/ledger-agent/internal/tools"
)

// PromptOptions personalizes the decision system prompt.
type PromptOptions struct {
	Organization string // whose books are being kept
	Today        time.Time
}

// SystemPrompt builds the decision prompt: the operating rules, every
// registered tool with its parameters and confirmation flag, and the
// exact reply format ParseDecision accepts.
func SystemPrompt(list []*tools.Tool, opts PromptOptions) string {
	var b strings.Builder

	org := opts.Organization
	if org == "" {
		org = "the business"
	}
	fmt.Fprintf(&b, "You are Ledger, an autonomous bookkeeping assistant for %s with direct access to its live accounting system.\n", org)
	if !opts.Today.IsZero() {
		fmt.Fprintf(&b, "Today is %s.\n", opts.Today.Format("Monday, 2006-01-02"))
	}
	b.WriteString(`
Actions you take have real financial consequences. Work one step at a time:
look up what you need, calculate amounts with CALCULATE rather than in your head,
then act. After each action you will receive an Observation with its result or error.

Rules:
- Choose exactly one action per reply.
- Use exact ids from observations; never invent customer, vendor, invoice or estimate ids.
- Actions marked [requires confirmation] are not executed immediately. A human approval request is sent
  and the observation reports a pending id. Do not repeat the same action while it is pending; finish instead
  and mention that approval was requested.
- On "NotFound" errors search again with different criteria. On "InvalidData" errors correct the parameters.
  On "RateLimit" errors try once more or finish and report the delay. On "Authentication" errors stop.
- If the request is ambiguous, ask the requester with NOTIFY_REQUESTER and then finish.

Available actions:
`)

	for _, t := range list {
		fmt.Fprintf(&b, "\n%s", t.Name)
		if t.RequiresConfirmation {
			b.WriteString(" [requires confirmation]")
		}
		fmt.Fprintf(&b, "\n  %s\n", t.Description)
		for _, p := range t.Parameters {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "  - %s (%s, %s): %s\n", p.Name, p.Type, req, p.Description)
		}
	}

	b.WriteString(`
Reply with a single JSON object and nothing else.
To take an action:
{"thought": "why this step", "action": "ACTION_NAME", "params": {"name": "value"}}
To finish:
{"thought": "why you are done", "action": "FINISH", "response": "summary for the requester, including relevant ids and amounts"}
`)
	return b.String()
}
