package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/ledger-agent/internal/config"
	"github.com/nugget/ledger-agent/internal/httpkit"
)

// Ollama completes prompts with a local Ollama server's chat API.
type Ollama struct {
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllama returns a Completer for cfg.
func NewOllama(cfg config.OracleConfig, logger *slog.Logger) *Ollama {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		baseURL:   baseURL,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("provider", "ollama"),
	}
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

// Complete sends one non-streaming /api/chat request.
func (o *Ollama) Complete(ctx context.Context, system string, messages []Message) (Completion, error) {
	msgs := make([]Message, 0, len(messages)+1)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, messages...)

	body, err := json.Marshal(ollamaRequest{
		Model:    o.model,
		Messages: msgs,
		Options:  &ollamaOptions{Temperature: 0.1, NumPredict: o.maxTokens},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal request: %w", err)
	}
	o.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return Completion{}, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, errBody)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Completion{}, fmt.Errorf("decode response: %w", err)
	}

	o.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.PromptEvalCount,
		"output_tokens", out.EvalCount,
	)
	return Completion{
		Text: out.Message.Content,
		Usage: Usage{
			Provider:     "ollama",
			Model:        out.Model,
			InputTokens:  out.PromptEvalCount,
			OutputTokens: out.EvalCount,
		},
	}, nil
}
