package accounting

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an accounting failure so callers can decide how to
// react without inspecting backend-specific details.
type Kind int

const (
	// KindIntegration is any failure that fits no narrower class. It is
	// not retried within the same step.
	KindIntegration Kind = iota
	// KindAuthentication means credentials or the session are invalid.
	// Fatal for the current run.
	KindAuthentication
	// KindNotFound means the referenced entity does not exist or is inactive.
	KindNotFound
	// KindInvalidData means the backend rejected the payload.
	KindInvalidData
	// KindRateLimit means the backend is throttling requests.
	KindRateLimit
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "Authentication"
	case KindNotFound:
		return "NotFound"
	case KindInvalidData:
		return "InvalidData"
	case KindRateLimit:
		return "RateLimit"
	default:
		return "Integration"
	}
}

// Error is the classified error returned by every gateway and client
// operation.
type Error struct {
	Kind    Kind
	Op      string // operation, e.g. "create invoice"
	Status  int    // HTTP status when the backend answered
	Code    string // backend fault code when present
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s error", e.Op, e.Kind)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err. Errors that did not come
// from this package report KindIntegration and false.
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return KindIntegration, false
}

// IsKind reports whether err is an accounting error of kind k.
func IsKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

func newError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// wrapError attaches op to err, classifying unknown errors as
// KindIntegration. Already-classified errors keep their kind; one with
// no op is copied rather than modified, since the caller may share it.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Op != "" {
			return ae
		}
		cp := *ae
		cp.Op = op
		return &cp
	}
	return &Error{Kind: KindIntegration, Op: op, Err: err}
}

// fault is the error envelope returned by the backend. Field matching is
// case-insensitive, so both "Fault" and "fault" bodies decode.
type fault struct {
	Fault struct {
		Type  string `json:"type"`
		Error []struct {
			Message string `json:"Message"`
			Detail  string `json:"Detail"`
			Code    string `json:"code"`
			Element string `json:"element"`
		} `json:"Error"`
	} `json:"Fault"`
}

func (f fault) message() string {
	var parts []string
	for _, e := range f.Fault.Error {
		msg := e.Message
		if e.Detail != "" && e.Detail != e.Message {
			msg += " (" + e.Detail + ")"
		}
		if e.Element != "" {
			msg += " [element " + e.Element + "]"
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

func (f fault) code() string {
	if len(f.Fault.Error) > 0 {
		return f.Fault.Error[0].Code
	}
	return ""
}

// classify maps an HTTP status and backend fault to a Kind.
func classify(status int, f fault) Kind {
	code := f.code()
	typ := strings.ToLower(f.Fault.Type)

	switch {
	case status == 401 || status == 403,
		typ == "authentication", typ == "authorizationfault",
		code == "3200", code == "3100":
		return KindAuthentication
	case status == 429, code == "3001", code == "003001":
		return KindRateLimit
	case status == 404, code == "610":
		return KindNotFound
	case status == 400, typ == "validationfault":
		return KindInvalidData
	default:
		return KindIntegration
	}
}
