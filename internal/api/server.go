// Package api implements the HTTP API: submitting requests and
// confirmation replies, and reading conversation history and pending
// actions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/ledger-agent/internal/agent"
	"github.com/nugget/ledger-agent/internal/buildinfo"
	"github.com/nugget/ledger-agent/internal/confirm"
	"github.com/nugget/ledger-agent/internal/intake"
	"github.com/nugget/ledger-agent/internal/ledger"
	"github.com/nugget/ledger-agent/internal/processor"
	"github.com/nugget/ledger-agent/internal/usage"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Cycler runs a processing cycle. *processor.Processor satisfies it.
type Cycler interface {
	Cycle(ctx context.Context, b intake.Batch, src intake.Source) *processor.Report
}

// History reads the conversation ledger. *ledger.Store satisfies it.
type History interface {
	Conversations(ctx context.Context, limit int) ([]ledger.Conversation, error)
	Turns(ctx context.Context, conversationID string) ([]ledger.Turn, error)
}

// Pending reads pending actions. *confirm.Coordinator satisfies it.
type Pending interface {
	Get(ctx context.Context, id string) (*confirm.Action, error)
	List(ctx context.Context, status confirm.Status, limit int) ([]*confirm.Action, error)
}

// UsageReader reports oracle token usage. *usage.Store satisfies it.
type UsageReader interface {
	ForConversation(ctx context.Context, conversationID string) (usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	cycler  Cycler
	history History
	pending Pending
	usage   UsageReader
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server. usage may be nil.
func NewServer(address string, port int, cycler Cycler, history History, pending Pending, usage UsageReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		cycler:  cycler,
		history: history,
		pending: pending,
		usage:   usage,
		logger:  logger,
	}
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("POST /v1/requests", s.handleSubmitRequest)
	mux.HandleFunc("POST /v1/replies", s.handleSubmitReply)

	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)

	mux.HandleFunc("GET /v1/pending", s.handlePendingList)
	mux.HandleFunc("GET /v1/pending/{id}", s.handlePendingGet)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// A submitted request runs the whole reasoning loop.
		WriteTimeout: 15 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) ok(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, v, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.ok(w, map[string]string{"status": "healthy"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.ok(w, buildinfo.Info())
}

// SubmitRequest is the body of POST /v1/requests.
type SubmitRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Sender         string `json:"sender"`
	Subject        string `json:"subject,omitempty"`
	Body           string `json:"body"`
	MessageID      string `json:"message_id,omitempty"`
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Body) == "" && strings.TrimSpace(req.Subject) == "" {
		s.errorResponse(w, http.StatusBadRequest, "body or subject is required")
		return
	}

	rep := s.cycler.Cycle(r.Context(), intake.Batch{Requests: []intake.Request{{
		Request: agent.Request{
			ConversationID: req.ConversationID,
			Sender:         req.Sender,
			Subject:        req.Subject,
			Body:           req.Body,
			MessageID:      req.MessageID,
		},
	}}}, nil)

	if len(rep.Results) == 0 {
		s.errorResponse(w, http.StatusInternalServerError, "request was not processed")
		return
	}
	s.ok(w, rep.Results[0])
}

// SubmitReply is the body of POST /v1/replies. Either Text (a reply
// containing "CONFIRM <id>" or "CANCEL <id>") or PendingID plus
// Decision must be set.
type SubmitReply struct {
	Text      string `json:"text,omitempty"`
	PendingID string `json:"pending_id,omitempty"`
	Decision  string `json:"decision,omitempty"`
	From      string `json:"from,omitempty"`
}

// ResolutionResponse reports what a reply did.
type ResolutionResponse struct {
	PendingID string         `json:"pending_id"`
	Ignored   bool           `json:"ignored"`
	Reason    string         `json:"reason,omitempty"`
	Status    confirm.Status `json:"status,omitempty"`
	Action    string         `json:"action,omitempty"`
	Result    string         `json:"result,omitempty"`
	Failed    bool           `json:"failed,omitempty"`
}

func (s *Server) handleSubmitReply(w http.ResponseWriter, r *http.Request) {
	var req SubmitReply
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		decision confirm.Decision
		id       string
	)
	switch {
	case req.Text != "":
		var ok bool
		decision, id, ok = confirm.ParseReply(req.Text)
		if !ok {
			s.errorResponse(w, http.StatusBadRequest, "reply contains no CONFIRM <id> or CANCEL <id> command")
			return
		}
	case req.PendingID != "":
		decision = confirm.Decision(strings.ToUpper(strings.TrimSpace(req.Decision)))
		if decision != confirm.Confirm && decision != confirm.Cancel {
			s.errorResponse(w, http.StatusBadRequest, "decision must be CONFIRM or CANCEL")
			return
		}
		id = req.PendingID
	default:
		s.errorResponse(w, http.StatusBadRequest, "text or pending_id is required")
		return
	}

	rep := s.cycler.Cycle(r.Context(), intake.Batch{Replies: []intake.Reply{{
		PendingID: id,
		Decision:  decision,
		From:      req.From,
		Trusted:   true,
	}}}, nil)

	if len(rep.Resolutions) == 0 {
		msg := "reply was not processed"
		if len(rep.Errors) > 0 {
			msg = rep.Errors[len(rep.Errors)-1]
		}
		s.errorResponse(w, http.StatusInternalServerError, msg)
		return
	}

	res := rep.Resolutions[0]
	out := ResolutionResponse{
		PendingID: res.ID,
		Ignored:   res.Ignored,
		Reason:    res.Reason,
		Status:    res.Status,
		Action:    res.Action,
	}
	if res.Observation != nil {
		out.Result = res.Observation.Content
		out.Failed = res.Observation.Failed()
	}
	s.ok(w, out)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	convs, err := s.history.Conversations(r.Context(), parseIntParam(r, "limit", 50))
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []ledger.Conversation{}
	}
	s.ok(w, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	})
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turns, err := s.history.Turns(r.Context(), id)
	if err != nil {
		s.logger.Error("read conversation failed", "conversation_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read conversation")
		return
	}
	if len(turns) == 0 {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}

	resp := map[string]any{
		"id":    id,
		"turns": turns,
	}
	if s.usage != nil {
		sum, err := s.usage.ForConversation(r.Context(), id)
		if err != nil {
			s.logger.Warn("usage lookup failed", "conversation_id", id, "error", err)
		} else {
			resp["usage"] = sum
		}
	}
	s.ok(w, resp)
}

func (s *Server) handlePendingList(w http.ResponseWriter, r *http.Request) {
	status := confirm.Status(strings.ToUpper(r.URL.Query().Get("status")))
	switch status {
	case "", confirm.StatusPending, confirm.StatusConfirmed, confirm.StatusCancelled, confirm.StatusExpired:
	default:
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	actions, err := s.pending.List(r.Context(), status, parseIntParam(r, "limit", 50))
	if err != nil {
		s.logger.Error("list pending actions failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list pending actions")
		return
	}
	if actions == nil {
		actions = []*confirm.Action{}
	}
	s.ok(w, map[string]any{
		"pending": actions,
		"count":   len(actions),
	})
}

func (s *Server) handlePendingGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.pending.Get(r.Context(), id)
	if errors.Is(err, confirm.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "pending action not found")
		return
	}
	if err != nil {
		s.logger.Error("read pending action failed", "pending_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read pending action")
		return
	}
	s.ok(w, a)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
