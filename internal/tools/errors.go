package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/ledger-agent/internal/accounting"
)

// ErrToolUnavailable is returned when a call names a tool that is not
// registered. Valid lists the tools that are.
type ErrToolUnavailable struct {
	ToolName string
	Valid    []string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("action %q is not available; valid actions: %s", e.ToolName, strings.Join(e.Valid, ", "))
}

// ErrMissingParams is returned when required parameters are absent.
type ErrMissingParams struct {
	ToolName string
	Params   []string
}

func (e *ErrMissingParams) Error() string {
	return fmt.Sprintf("missing required parameter(s) for %s: %s", e.ToolName, strings.Join(e.Params, ", "))
}

// ErrInvalidParam is returned by handlers when a parameter is present
// but unusable.
type ErrInvalidParam struct {
	Param  string
	Reason string
}

func (e *ErrInvalidParam) Error() string {
	return fmt.Sprintf("parameter %q %s", e.Param, e.Reason)
}

// ErrMalformed is returned by the calculation tool for input it cannot
// evaluate.
type ErrMalformed struct {
	Input  string
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("cannot evaluate %q: %s", e.Input, e.Reason)
}

var kindHints = map[accounting.Kind]string{
	accounting.KindNotFound:       "Search again with different criteria, or create the record if appropriate.",
	accounting.KindInvalidData:    "Correct the parameters and try again.",
	accounting.KindRateLimit:      "The accounting system is throttling requests; retries with backoff were exhausted.",
	accounting.KindAuthentication: "Accounting credentials are invalid; an operator must reauthorize. Do not retry.",
	accounting.KindIntegration:    "The accounting system failed unexpectedly; do not repeat the same call in this step.",
}

// describeFailure turns a handler error into an observation that names
// the error kind and the offending parameters.
func describeFailure(t *Tool, args map[string]any, err error) Observation {
	params := formatParams(args)

	var (
		missing   *ErrMissingParams
		invalid   *ErrInvalidParam
		malformed *ErrMalformed
	)
	if kind, ok := accounting.KindOf(err); ok {
		msg := err.Error()
		var aerr *accounting.Error
		if errors.As(err, &aerr) && aerr.Message != "" {
			msg = aerr.Message
		}
		return Observation{
			Tool:    t.Name,
			Content: fmt.Sprintf("%s error in %s (params: %s): %s\n%s", kind, t.Name, params, msg, kindHints[kind]),
			Err:     err,
			Kind:    KindAccounting,
		}
	}

	switch {
	case errors.As(err, &missing), errors.As(err, &invalid):
		return Observation{
			Tool:    t.Name,
			Content: fmt.Sprintf("Validation error in %s (params: %s): %v", t.Name, params, err),
			Err:     err,
			Kind:    KindValidation,
		}
	case errors.As(err, &malformed):
		return Observation{
			Tool:    t.Name,
			Content: fmt.Sprintf("Malformed input to %s (params: %s): %v", t.Name, params, err),
			Err:     err,
			Kind:    KindMalformed,
		}
	case t.Class == ClassNotification:
		return Observation{
			Tool:    t.Name,
			Content: fmt.Sprintf("Notification failed in %s: %v. The underlying task may still have succeeded.", t.Name, err),
			Err:     err,
			Kind:    KindNotification,
		}
	default:
		return Observation{
			Tool:    t.Name,
			Content: fmt.Sprintf("Error in %s (params: %s): %v", t.Name, params, err),
			Err:     err,
			Kind:    KindInternal,
		}
	}
}

const maxParamValue = 80

// formatParams renders args as "k=v, k=v" in key order, with long
// values clipped.
func formatParams(args map[string]any) string {
	if len(args) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch x := args[k].(type) {
		case string:
			v = x
		case nil:
			v = "null"
		default:
			b, err := json.Marshal(x)
			if err != nil {
				v = fmt.Sprint(x)
			} else {
				v = string(b)
			}
		}
		if len(v) > maxParamValue {
			v = v[:maxParamValue] + "…"
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ", ")
}
