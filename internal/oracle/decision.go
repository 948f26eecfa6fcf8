package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// FinishAction is the action name that ends a conversation.
const FinishAction = "FINISH"

// maxRawBytes bounds the raw reply kept on a DecisionError.
const maxRawBytes = 2000

// Decision is the oracle's choice for one step: a ToolCall, a
// FinalAnswer, or a DecisionError when the reply was unusable.
type Decision interface {
	isDecision()
}

// ToolCall asks for exactly one action to be executed.
type ToolCall struct {
	Thought string
	Name    string
	Params  map[string]any
}

// FinalAnswer ends the conversation.
type FinalAnswer struct {
	Thought string
	Text    string
}

// DecisionError describes a reply that could not be turned into a
// ToolCall or FinalAnswer.
type DecisionError struct {
	Message string
	Raw     string
}

func (ToolCall) isDecision()      {}
func (FinalAnswer) isDecision()   {}
func (DecisionError) isDecision() {}

func (e DecisionError) Error() string { return e.Message }

type wireDecision struct {
	Thought     string          `json:"thought,omitempty"`
	Action      string          `json:"action"`
	Params      json.RawMessage `json:"params,omitempty"`
	Response    *string         `json:"response,omitempty"`
	FinalAnswer *string         `json:"final_answer,omitempty"`
}

// ParseDecision extracts the first JSON object from text and validates
// it. It accepts {"thought", "action", "params"} for tool calls and
// {"action": "FINISH", "response"} (or {"final_answer"}) to finish.
// Code fences and surrounding prose are tolerated. It never panics.
func ParseDecision(text string) Decision {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return DecisionError{Message: "empty reply", Raw: raw}
	}

	obj, ok := extractObject(raw)
	if !ok {
		return DecisionError{Message: "reply contains no JSON object", Raw: clip(raw)}
	}

	var w wireDecision
	if err := json.Unmarshal(obj, &w); err != nil {
		return DecisionError{Message: fmt.Sprintf("invalid decision JSON: %v", err), Raw: clip(raw)}
	}

	action := strings.ToUpper(strings.TrimSpace(w.Action))
	thought := strings.TrimSpace(w.Thought)

	if action == "" && w.FinalAnswer != nil {
		action = FinishAction
	}
	switch action {
	case "":
		return DecisionError{Message: `decision is missing "action"`, Raw: clip(raw)}
	case FinishAction:
		answer := ""
		switch {
		case w.Response != nil:
			answer = *w.Response
		case w.FinalAnswer != nil:
			answer = *w.FinalAnswer
		}
		answer = strings.TrimSpace(answer)
		if answer == "" {
			return DecisionError{Message: `FINISH requires a non-empty "response"`, Raw: clip(raw)}
		}
		return FinalAnswer{Thought: thought, Text: answer}
	}

	params := map[string]any{}
	if len(w.Params) > 0 && !bytes.Equal(bytes.TrimSpace(w.Params), []byte("null")) {
		if err := json.Unmarshal(w.Params, &params); err != nil {
			return DecisionError{Message: fmt.Sprintf(`"params" for %s must be an object`, action), Raw: clip(raw)}
		}
	}
	return ToolCall{Thought: thought, Name: action, Params: params}
}

// extractObject returns the first complete JSON object in s.
func extractObject(s string) ([]byte, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		dec := json.NewDecoder(strings.NewReader(s[start:]))
		var v json.RawMessage
		if err := dec.Decode(&v); err == nil && len(v) > 0 && v[0] == '{' {
			return v, true
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

// Encode renders d in the wire format, so persisted reasoner turns read
// back to the oracle exactly as it is asked to answer.
func Encode(d Decision) string {
	var w any
	switch v := d.(type) {
	case ToolCall:
		params := v.Params
		if params == nil {
			params = map[string]any{}
		}
		w = struct {
			Thought string         `json:"thought,omitempty"`
			Action  string         `json:"action"`
			Params  map[string]any `json:"params"`
		}{v.Thought, v.Name, params}
	case FinalAnswer:
		w = struct {
			Thought  string `json:"thought,omitempty"`
			Action   string `json:"action"`
			Response string `json:"response"`
		}{v.Thought, FinishAction, v.Text}
	case DecisionError:
		return v.Raw
	default:
		return ""
	}
	b, err := json.Marshal(w)
	if err != nil {
		return fmt.Sprintf("%+v", d)
	}
	return string(b)
}

func clip(s string) string {
	if len(s) <= maxRawBytes {
		return s
	}
	n := maxRawBytes
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
