package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/ledger-agent/internal/agent"
	"github.com/nugget/ledger-agent/internal/confirm"
	"github.com/nugget/ledger-agent/internal/database/dbtest"
	"github.com/nugget/ledger-agent/internal/intake"
	"github.com/nugget/ledger-agent/internal/ledger"
	"github.com/nugget/ledger-agent/internal/notify"
	"github.com/nugget/ledger-agent/internal/processor"
	"github.com/nugget/ledger-agent/internal/tools"
	"github.com/nugget/ledger-agent/internal/usage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCycler answers cycles from canned reports and records batches.
type fakeCycler struct {
	batches []intake.Batch
	report  *processor.Report
}

func (f *fakeCycler) Cycle(_ context.Context, b intake.Batch, _ intake.Source) *processor.Report {
	f.batches = append(f.batches, b)
	if f.report != nil {
		return f.report
	}
	return &processor.Report{}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, notify.Message) error { return nil }

type fixture struct {
	srv    *httptest.Server
	cycler *fakeCycler
	ledger *ledger.Store
	coord  *confirm.Coordinator
	usage  *usage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)

	ls, err := ledger.NewStore(db)
	require.NoError(t, err)
	ps, err := confirm.NewStore(db)
	require.NoError(t, err)
	us, err := usage.NewStore(db)
	require.NoError(t, err)

	reg := tools.NewRegistry(0, quietLogger())
	f := &fixture{
		cycler: &fakeCycler{},
		ledger: ls,
		coord:  confirm.NewCoordinator(ps, reg, nopNotifier{}, confirm.Options{Logger: quietLogger()}),
		usage:  us,
	}
	s := NewServer("", 0, f.cycler, ls, f.coord, us, quietLogger())
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	_, body = f.do(t, "GET", "/v1/version", nil)
	assert.Contains(t, body, "version")
	assert.Contains(t, body, "go_version")
}

func TestSubmitRequest(t *testing.T) {
	f := newFixture(t)
	f.cycler.report = &processor.Report{Results: []*agent.Result{{
		ConversationID: "c1",
		Status:         agent.StatusCompleted,
		Summary:        "Invoice awaiting approval.",
		Steps:          3,
		PendingIDs:     []string{"p1"},
	}}}

	resp, body := f.do(t, "POST", "/v1/requests", SubmitRequest{Sender: "pat@example.com", Subject: "Invoice X", Body: "Invoice X $500"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "COMPLETED", body["status"])
	assert.Equal(t, []any{"p1"}, body["pending_ids"])
	assert.EqualValues(t, 3, body["steps"])

	require.Len(t, f.cycler.batches, 1)
	require.Len(t, f.cycler.batches[0].Requests, 1)
	got := f.cycler.batches[0].Requests[0]
	assert.Equal(t, "pat@example.com", got.Sender)
	assert.Empty(t, got.Ref)
}

func TestSubmitRequest_Invalid(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "POST", "/v1/requests", SubmitRequest{Sender: "pat@example.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"].(map[string]any)["message"], "required")

	resp, _ = f.do(t, "POST", "/v1/requests", map[string]any{"body": "x", "surprise": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.cycler.batches)
}

func TestSubmitReply(t *testing.T) {
	const id = "0b6f3c52-8f0e-4d8b-9b55-2b1f7f0f4a11"
	f := newFixture(t)
	f.cycler.report = &processor.Report{Resolutions: []*confirm.Resolution{{
		ID:          id,
		Status:      confirm.StatusConfirmed,
		Action:      "CREATE_INVOICE",
		Observation: &tools.Observation{Tool: "CREATE_INVOICE", Content: "Invoice 1041 created."},
	}}}

	resp, body := f.do(t, "POST", "/v1/replies", SubmitReply{Text: "Looks right.\nCONFIRM " + id, From: "owner@example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CONFIRMED", body["status"])
	assert.Equal(t, "Invoice 1041 created.", body["result"])
	assert.Equal(t, false, body["ignored"])

	resp, _ = f.do(t, "POST", "/v1/replies", SubmitReply{PendingID: id, Decision: "cancel"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, f.cycler.batches, 2)
	assert.Equal(t, intake.Reply{PendingID: id, Decision: confirm.Confirm, From: "owner@example.com", Trusted: true}, f.cycler.batches[0].Replies[0])
	assert.Equal(t, confirm.Cancel, f.cycler.batches[1].Replies[0].Decision)
}

func TestSubmitReply_Invalid(t *testing.T) {
	f := newFixture(t)

	for _, body := range []SubmitReply{
		{Text: "yes please"},
		{PendingID: "p1", Decision: "maybe"},
		{},
	} {
		resp, _ := f.do(t, "POST", "/v1/replies", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
	assert.Empty(t, f.cycler.batches)
}

func TestSubmitReply_ResolveError(t *testing.T) {
	f := newFixture(t)
	f.cycler.report = &processor.Report{Errors: []string{"resolve p1: database is locked"}}

	resp, body := f.do(t, "POST", "/v1/replies", SubmitReply{PendingID: "p1", Decision: "CONFIRM"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body["error"].(map[string]any)["message"], "database is locked")
}

func TestConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Append(ctx, "c1", ledger.RoleRequester, "Invoice X")
	require.NoError(t, err)
	_, err = f.ledger.Append(ctx, "c1", ledger.RoleReasoner, `{"action":"FINISH","response":"ok"}`)
	require.NoError(t, err)
	require.NoError(t, f.usage.Record(ctx, usage.Record{ConversationID: "c1", Provider: "anthropic", Model: "m", Role: "primary", InputTokens: 10, OutputTokens: 2}))

	_, body := f.do(t, "GET", "/v1/conversations", nil)
	assert.EqualValues(t, 1, body["count"])

	resp, body := f.do(t, "GET", "/v1/conversations/c1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	turns := body["turns"].([]any)
	require.Len(t, turns, 2)
	assert.Equal(t, "requester", turns[0].(map[string]any)["role"])
	assert.EqualValues(t, 10, body["usage"].(map[string]any)["input_tokens"])

	resp, _ = f.do(t, "GET", "/v1/conversations/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.coord.RequestConfirmation(ctx, confirm.Details{
		Action: "CREATE_INVOICE",
		Params: map[string]any{"customer_id": "58"},
	})
	require.NoError(t, err)

	_, body := f.do(t, "GET", "/v1/pending?status=pending", nil)
	assert.EqualValues(t, 1, body["count"])

	_, body = f.do(t, "GET", "/v1/pending?status=EXPIRED", nil)
	assert.EqualValues(t, 0, body["count"])

	resp, _ := f.do(t, "GET", "/v1/pending?status=BOGUS", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, "GET", "/v1/pending/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "CREATE_INVOICE", body["details"].(map[string]any)["action"])

	resp, _ = f.do(t, "GET", "/v1/pending/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestParseIntParam(t *testing.T) {
	r := httptest.NewRequest("GET", "/?limit=5&bad=x&neg=-1", nil)
	assert.Equal(t, 5, parseIntParam(r, "limit", 50))
	assert.Equal(t, 50, parseIntParam(r, "bad", 50))
	assert.Equal(t, 50, parseIntParam(r, "neg", 50))
	assert.Equal(t, 50, parseIntParam(r, "missing", 50))
}
