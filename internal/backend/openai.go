package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI adapts the hosted OpenAI API as an immediate-mode backend. The
// tool binding endpoint selects the surface: "chat/<model>" or
// "image/<model>"; a bare model name means chat.
type OpenAI struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAI builds the adapter from an API key.
func NewOpenAI(apiKey string, logger *slog.Logger) *OpenAI {
	return &OpenAI{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		logger: logger.With(slog.String("component", "backend"), slog.String("backend", "openai")),
	}
}

// Name implements Client.
func (o *OpenAI) Name() string { return "openai" }

// chatInputs is the normalized input shape for text tools.
type chatInputs struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int64   `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// imageInputs is the normalized input shape for image tools.
type imageInputs struct {
	Prompt string `json:"prompt"`
	Count  int64  `json:"count,omitempty"`
	Size   string `json:"size,omitempty"`
}

// Execute implements Client.
func (o *OpenAI) Execute(ctx context.Context, job *Job) (*Result, error) {
	surface, model := splitEndpoint(job.Endpoint)
	start := time.Now()

	var (
		outputs json.RawMessage
		err     error
	)
	switch surface {
	case "chat":
		outputs, err = o.chat(ctx, model, job.Inputs)
	case "image":
		outputs, err = o.image(ctx, model, job.Inputs)
	default:
		err = fmt.Errorf("openai endpoint %q: unknown surface %q", job.Endpoint, surface)
	}
	observe("openai", surface, start, err)
	if err != nil {
		return nil, err
	}
	return &Result{
		Status:  JobCompleted,
		Outputs: outputs,
		Runtime: time.Since(start),
	}, nil
}

func (o *OpenAI) chat(ctx context.Context, model string, raw json.RawMessage) (json.RawMessage, error) {
	var in chatInputs
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode chat inputs: %w", err)
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
	}
	if in.System != "" {
		params.Messages = append(params.Messages, openai.SystemMessage(in.System))
	}
	params.Messages = append(params.Messages, openai.UserMessage(in.Prompt))
	if in.MaxTokens > 0 {
		params.MaxTokens = openai.Int(in.MaxTokens)
	}
	if in.Temperature > 0 {
		params.Temperature = openai.Float(in.Temperature)
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai chat completion returned no choices")
	}

	return json.Marshal(map[string]any{
		"text":          completion.Choices[0].Message.Content,
		"model":         completion.Model,
		"finish_reason": completion.Choices[0].FinishReason,
		"usage": map[string]int64{
			"input_tokens":  completion.Usage.PromptTokens,
			"output_tokens": completion.Usage.CompletionTokens,
			"total_tokens":  completion.Usage.TotalTokens,
		},
	})
}

func (o *OpenAI) image(ctx context.Context, model string, raw json.RawMessage) (json.RawMessage, error) {
	var in imageInputs
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode image inputs: %w", err)
	}
	if in.Count <= 0 {
		in.Count = 1
	}

	params := openai.ImageGenerateParams{
		Prompt:         in.Prompt,
		Model:          openai.ImageModel(model),
		N:              openai.Int(in.Count),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatURL,
	}
	if in.Size != "" {
		params.Size = openai.ImageGenerateParamsSize(in.Size)
	}

	images, err := o.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai image generate: %w", err)
	}
	if len(images.Data) == 0 {
		return nil, fmt.Errorf("openai image generate returned no images")
	}

	urls := make([]string, 0, len(images.Data))
	for _, img := range images.Data {
		urls = append(urls, img.URL)
	}
	return json.Marshal(map[string]any{
		"images": urls,
		"model":  model,
	})
}

// Submit implements Client. The hosted API has no job handles.
func (o *OpenAI) Submit(context.Context, *Job) (string, error) { return "", ErrNotAsync }

// Poll implements Client.
func (o *OpenAI) Poll(context.Context, string) (*Result, error) { return nil, ErrNotAsync }

// Fetch implements Client.
func (o *OpenAI) Fetch(context.Context, string) (*Result, error) { return nil, ErrNotAsync }

// Cancel implements Client. Synchronous calls stop with their context.
func (o *OpenAI) Cancel(context.Context, string) error { return nil }

// splitEndpoint parses "<surface>/<model>"; a bare model name is chat.
func splitEndpoint(endpoint string) (surface, model string) {
	if i := strings.IndexByte(endpoint, '/'); i >= 0 {
		return endpoint[:i], endpoint[i+1:]
	}
	return "chat", endpoint
}

var _ Client = (*OpenAI)(nil)
