package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/ledger-agent/internal/accounting"
)

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// numberArg reads a number that may arrive as a JSON number or as text
// such as "$1,250.00".
func numberArg(args map[string]any, key string) (float64, bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	f, err := toNumber(v)
	if err != nil {
		return 0, true, &ErrInvalidParam{Param: key, Reason: err.Error()}
	}
	return f, true, nil
}

func toNumber(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		s := strings.NewReplacer("$", "", ",", "", " ", "").Replace(strings.TrimSpace(x))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("is not a number: %q", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("is not a number: %v", v)
	}
}

func boolArg(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	default:
		return false
	}
}

// dateArg parses a YYYY-MM-DD date. Absent yields the zero time.
func dateArg(args map[string]any, key string) (time.Time, error) {
	s := stringArg(args, key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(accounting.DateLayout, s)
	if err != nil {
		return time.Time{}, &ErrInvalidParam{Param: key, Reason: fmt.Sprintf("must be a date in YYYY-MM-DD form, got %q", s)}
	}
	return t, nil
}

// lineItemsArg reads invoice or estimate lines from "lines", or builds
// a single line from top-level amount and description.
func lineItemsArg(args map[string]any) ([]accounting.LineItem, error) {
	raw, ok := args["lines"]
	if !ok || raw == nil {
		amount, present, err := numberArg(args, "amount")
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, &ErrInvalidParam{Param: "lines", Reason: "is required when amount is absent"}
		}
		return []accounting.LineItem{{Amount: amount, Description: stringArg(args, "description")}}, nil
	}

	list, ok := raw.([]any)
	if !ok {
		return nil, &ErrInvalidParam{Param: "lines", Reason: "must be a list of {amount, description, qty, item_id} objects"}
	}
	items := make([]accounting.LineItem, 0, len(list))
	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, &ErrInvalidParam{Param: fmt.Sprintf("lines[%d]", i), Reason: "must be an object"}
		}
		prefix := fmt.Sprintf("lines[%d].", i)
		amount, present, err := numberArg(m, "amount")
		if err != nil {
			return nil, withPrefix(prefix, err)
		}
		if !present {
			return nil, &ErrInvalidParam{Param: prefix + "amount", Reason: "is required"}
		}
		qty, _, err := numberArg(m, "qty")
		if err != nil {
			return nil, withPrefix(prefix, err)
		}
		items = append(items, accounting.LineItem{
			Amount:      amount,
			Description: stringArg(m, "description"),
			ItemID:      stringArg(m, "item_id"),
			Qty:         qty,
		})
	}
	return items, nil
}

func withPrefix(prefix string, err error) error {
	if ip, ok := err.(*ErrInvalidParam); ok {
		return &ErrInvalidParam{Param: prefix + ip.Param, Reason: ip.Reason}
	}
	return err
}

// jsonResult renders v compactly, prefixed by a one-line summary.
func jsonResult(summary string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	if summary == "" {
		return string(b), nil
	}
	return summary + "\n" + string(b), nil
}
