package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// Anthropic adapts the Claude Messages API as an immediate-mode backend.
// The tool binding endpoint is the model identifier.
type Anthropic struct {
	client sdk.Client
	logger *slog.Logger
}

// NewAnthropic builds the adapter from an API key.
func NewAnthropic(apiKey string, logger *slog.Logger) *Anthropic {
	return &Anthropic{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		logger: logger.With(slog.String("component", "backend"), slog.String("backend", "anthropic")),
	}
}

// Name implements Client.
func (a *Anthropic) Name() string { return "anthropic" }

// Execute implements Client.
func (a *Anthropic) Execute(ctx context.Context, job *Job) (*Result, error) {
	var in chatInputs
	if err := json.Unmarshal(job.Inputs, &in); err != nil {
		return nil, fmt.Errorf("decode chat inputs: %w", err)
	}

	model := strings.TrimPrefix(job.Endpoint, "chat/")
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(in.Prompt)),
		},
	}
	if in.System != "" {
		params.System = []sdk.TextBlockParam{{Text: in.System}}
	}
	if in.Temperature > 0 {
		params.Temperature = sdk.Float(in.Temperature)
	}

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, params)
	observe("anthropic", "chat", start, err)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	outputs, err := json.Marshal(map[string]any{
		"text":          text.String(),
		"model":         string(msg.Model),
		"finish_reason": string(msg.StopReason),
		"usage": map[string]int64{
			"input_tokens":  msg.Usage.InputTokens,
			"output_tokens": msg.Usage.OutputTokens,
			"total_tokens":  msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Status:  JobCompleted,
		Outputs: outputs,
		Runtime: time.Since(start),
	}, nil
}

// Submit implements Client. The hosted API has no job handles.
func (a *Anthropic) Submit(context.Context, *Job) (string, error) { return "", ErrNotAsync }

// Poll implements Client.
func (a *Anthropic) Poll(context.Context, string) (*Result, error) { return nil, ErrNotAsync }

// Fetch implements Client.
func (a *Anthropic) Fetch(context.Context, string) (*Result, error) { return nil, ErrNotAsync }

// Cancel implements Client. Synchronous calls stop with their context.
func (a *Anthropic) Cancel(context.Context, string) error { return nil }

var _ Client = (*Anthropic)(nil)
