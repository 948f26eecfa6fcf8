package tools

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, maxBytes int) *Registry {
	t.Helper()
	return NewRegistry(maxBytes, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func echoTool(name string, gated bool) *Tool {
	return &Tool{
		Name:                 name,
		Class:                ClassCalculation,
		RequiresConfirmation: gated,
		Parameters:           []Param{{Name: "text", Type: "string", Required: true}},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return "echo: " + stringArg(args, "text"), nil
		},
	}
}

func TestRegistry_RegisterAndList(t *testing.T) {
	r := testRegistry(t, 0)
	r.Register(echoTool("zeta", false))
	r.Register(echoTool("ALPHA", false))

	assert.Equal(t, []string{"ALPHA", "ZETA"}, r.Names())
	assert.NotNil(t, r.Get("zeta"), "lookup is case-insensitive")
	assert.NotNil(t, r.Get(" alpha "))
	assert.Nil(t, r.Get("missing"))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "ALPHA", list[0].Name)
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	r := testRegistry(t, 0)
	r.Register(echoTool("ECHO", false))
	r.Register(echoTool("CALCULATE", false))

	obs := r.Execute(context.Background(), "DELETE_EVERYTHING", nil)

	assert.Equal(t, KindUnavailable, obs.Kind)
	assert.True(t, obs.Failed())
	assert.Contains(t, obs.Content, "DELETE_EVERYTHING")
	assert.Contains(t, obs.Content, "CALCULATE, ECHO")

	var unavailable *ErrToolUnavailable
	require.ErrorAs(t, obs.Err, &unavailable)
	assert.Equal(t, []string{"CALCULATE", "ECHO"}, unavailable.Valid)
}

func TestRegistry_MissingRequiredParams(t *testing.T) {
	r := testRegistry(t, 0)
	called := false
	tool := echoTool("ECHO", false)
	tool.Handler = func(context.Context, map[string]any) (string, error) {
		called = true
		return "", nil
	}
	r.Register(tool)

	for _, args := range []map[string]any{nil, {"text": ""}, {"text": nil}, {"other": "x"}} {
		obs := r.Execute(context.Background(), "ECHO", args)
		assert.Equal(t, KindValidation, obs.Kind)
		var missing *ErrMissingParams
		require.ErrorAs(t, obs.Err, &missing)
		assert.Equal(t, []string{"text"}, missing.Params)
	}
	assert.False(t, called, "handler must not run without required params")
}

func TestRegistry_ExecuteRefusesGatedTool(t *testing.T) {
	r := testRegistry(t, 0)
	r.Register(echoTool("CREATE_THING", true))

	obs := r.Execute(context.Background(), "CREATE_THING", map[string]any{"text": "x"})
	assert.Equal(t, KindValidation, obs.Kind)
	assert.Contains(t, obs.Content, "requires confirmation")

	obs = r.ExecuteConfirmed(context.Background(), "CREATE_THING", map[string]any{"text": "x"})
	assert.Equal(t, KindOK, obs.Kind)
	assert.Equal(t, "echo: x", obs.Content)
}

func TestRegistry_Validate(t *testing.T) {
	r := testRegistry(t, 0)
	r.Register(echoTool("ECHO", true))

	assert.NoError(t, r.Validate("echo", map[string]any{"text": "hi"}))

	var missing *ErrMissingParams
	assert.ErrorAs(t, r.Validate("ECHO", nil), &missing)

	var unavailable *ErrToolUnavailable
	assert.ErrorAs(t, r.Validate("NOPE", nil), &unavailable)
}

func TestRegistry_Preflight(t *testing.T) {
	r := testRegistry(t, 0)
	r.Register(echoTool("ECHO", true))

	obs, ok := r.Preflight("echo", map[string]any{"text": "hi"})
	assert.True(t, ok)
	assert.Equal(t, "ECHO", obs.Tool)

	obs, ok = r.Preflight("ECHO", map[string]any{"text": " "})
	assert.False(t, ok)
	assert.Equal(t, KindValidation, obs.Kind)
	assert.Contains(t, obs.Content, "Validation error in ECHO")

	obs, ok = r.Preflight("NOPE", nil)
	assert.False(t, ok)
	assert.Equal(t, KindUnavailable, obs.Kind)
	assert.Contains(t, obs.Content, "valid actions: ECHO")
}

func TestRegistry_PanicBecomesObservation(t *testing.T) {
	r := testRegistry(t, 0)
	r.Register(&Tool{
		Name: "BOOM",
		Handler: func(context.Context, map[string]any) (string, error) {
			panic("nil map")
		},
	})

	var obs Observation
	require.NotPanics(t, func() {
		obs = r.Execute(context.Background(), "BOOM", nil)
	})
	assert.Equal(t, KindInternal, obs.Kind)
	assert.Contains(t, obs.Content, "nil map")
	assert.Error(t, obs.Err)
}

func TestRegistry_TruncatesContent(t *testing.T) {
	r := testRegistry(t, 100)
	r.Register(&Tool{
		Name: "BIG",
		Handler: func(context.Context, map[string]any) (string, error) {
			return strings.Repeat("é", 200), nil
		},
	})

	obs := r.Execute(context.Background(), "BIG", nil)
	assert.True(t, obs.Truncated)
	assert.Contains(t, obs.Content, "[truncated: showing 100 of 400 bytes]")
	assert.LessOrEqual(t, len(obs.Content), 100+len("\n[truncated: showing 100 of 400 bytes]"))
	assert.True(t, strings.HasPrefix(obs.Content, strings.Repeat("é", 50)))
}

func TestRegistry_TruncatesOnRuneBoundary(t *testing.T) {
	r := testRegistry(t, 5)
	obs := r.bound(Observation{Content: "ééé"}) // 6 bytes
	assert.True(t, strings.HasPrefix(obs.Content, "éé\n"))
}

func TestRegistry_GenericHandlerError(t *testing.T) {
	r := testRegistry(t, 0)
	r.Register(&Tool{
		Name:       "FAIL",
		Parameters: []Param{{Name: "id", Required: true}},
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("disk on fire")
		},
	})

	obs := r.Execute(context.Background(), "FAIL", map[string]any{"id": "7"})
	assert.Equal(t, KindInternal, obs.Kind)
	assert.Equal(t, "Error in FAIL (params: id=7): disk on fire", obs.Content)
}

func TestFormatParams(t *testing.T) {
	assert.Equal(t, "none", formatParams(nil))
	assert.Equal(t, "amount=500, customer_id=58, lines=[{\"amount\":1}]", formatParams(map[string]any{
		"customer_id": "58",
		"amount":      500.0,
		"lines":       []any{map[string]any{"amount": 1}},
	}))

	long := formatParams(map[string]any{"memo": strings.Repeat("a", 200)})
	assert.Less(t, len(long), 100)
	assert.True(t, strings.HasSuffix(long, "…"))
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", ConversationIDFromContext(ctx))
	_, ok := RequesterFromContext(ctx)
	assert.False(t, ok)

	ctx = WithConversationID(ctx, "conv-1")
	ctx = WithRequester(ctx, Requester{Address: "pat@example.com", MessageID: "m1"})
	assert.Equal(t, "conv-1", ConversationIDFromContext(ctx))
	req, ok := RequesterFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "pat@example.com", req.Address)
}
