package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/ledger-agent/internal/config"
	"github.com/nugget/ledger-agent/internal/httpkit"
)

// Anthropic completes prompts with the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropic returns a Completer for cfg. BaseURL overrides the API
// endpoint, which tests point at an httptest server.
func NewAnthropic(cfg config.OracleConfig, logger *slog.Logger) *Anthropic {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout), httpkit.WithLogger(logger))),
		option.WithMaxRetries(2),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(maxTokens),
		logger:    logger.With("provider", "anthropic"),
	}
}

// Complete sends one non-streaming Messages request.
func (a *Anthropic) Complete(ctx context.Context, system string, messages []Message) (Completion, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		Temperature: anthropic.Float(0.1),
		Messages:    make([]anthropic.MessageParam, 0, len(messages)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	a.logger.Debug("sending messages request", "model", a.model, "messages", len(messages), "system_len", len(system))

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	out := Completion{
		Text: text.String(),
		Usage: Usage{
			Provider:     "anthropic",
			Model:        string(resp.Model),
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
	a.logger.Debug("response received",
		"model", out.Usage.Model,
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens,
		"stop_reason", resp.StopReason,
	)
	return out, nil
}
