package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/pkg/retry"
)

const defaultMaxConcurrent = 4

// Workflow talks to a generic HTTP workflow backend: submit a job, poll
// or receive a callback, fetch the result. Calls are bounded by a
// per-backend semaphore and rate limiter so one slow upstream cannot
// absorb the process.
type Workflow struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	sem     chan struct{}
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewWorkflow builds a workflow client from its config. When a token URL
// is configured the client authenticates with OAuth2 client credentials;
// otherwise the API key rides in a bearer header.
func NewWorkflow(name string, cfg config.BackendConfig, logger *slog.Logger) *Workflow {
	httpClient := &http.Client{Timeout: 5 * time.Minute}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = cc.Client(context.Background())
		httpClient.Timeout = 5 * time.Minute
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if b := int(cfg.RequestsPerSecond); b > burst {
			burst = b
		}
	}

	return &Workflow{
		name:    name,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  httpClient,
		sem:     make(chan struct{}, maxConcurrent),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(slog.String("component", "backend"), slog.String("backend", name)),
	}
}

// Name implements Client.
func (w *Workflow) Name() string { return w.name }

// jobRequest is the submit wire form.
type jobRequest struct {
	Tool        string          `json:"tool"`
	Inputs      json.RawMessage `json:"inputs"`
	Sync        bool            `json:"sync,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
	Reference   string          `json:"reference,omitempty"`
}

// jobResponse is what the workflow service reports for a job.
type jobResponse struct {
	JobID          string          `json:"job_id"`
	Status         string          `json:"status"`
	Outputs        json.RawMessage `json:"outputs,omitempty"`
	Error          string          `json:"error,omitempty"`
	RuntimeSeconds float64         `json:"runtime_seconds,omitempty"`
}

func (jr *jobResponse) toResult() *Result {
	res := &Result{
		JobID:   jr.JobID,
		Outputs: jr.Outputs,
		Error:   jr.Error,
		Runtime: time.Duration(jr.RuntimeSeconds * float64(time.Second)),
	}
	switch jr.Status {
	case "completed", "succeeded":
		res.Status = JobCompleted
	case "failed", "error":
		res.Status = JobFailed
	case "cancelled":
		res.Status = JobFailed
		if res.Error == "" {
			res.Error = "job cancelled by backend"
		}
	default:
		// queued, pending, running, processing: still in flight.
		res.Status = JobRunning
	}
	return res
}

// Execute implements Client: a synchronous submit that holds the
// connection until the backend reports a terminal state.
func (w *Workflow) Execute(ctx context.Context, job *Job) (*Result, error) {
	release, err := w.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	var resp jobResponse
	err = w.doJSON(ctx, http.MethodPost, "/v1/jobs", &jobRequest{
		Tool:      job.Endpoint,
		Inputs:    job.Inputs,
		Sync:      true,
		Reference: job.GenerationID,
	}, &resp)
	observe(w.name, "execute", start, err)
	if err != nil {
		return nil, err
	}
	return resp.toResult(), nil
}

// Submit implements Client for the webhook and poll modes.
func (w *Workflow) Submit(ctx context.Context, job *Job) (string, error) {
	release, err := w.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	start := time.Now()
	var resp jobResponse
	err = w.doJSON(ctx, http.MethodPost, "/v1/jobs", &jobRequest{
		Tool:        job.Endpoint,
		Inputs:      job.Inputs,
		CallbackURL: job.CallbackURL,
		Reference:   job.GenerationID,
	}, &resp)
	observe(w.name, "submit", start, err)
	if err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("backend %s accepted the job without a job id", w.name)
	}
	return resp.JobID, nil
}

// Poll implements Client.
func (w *Workflow) Poll(ctx context.Context, jobID string) (*Result, error) {
	release, err := w.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	var resp jobResponse
	err = w.doJSON(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &resp)
	observe(w.name, "poll", start, err)
	if err != nil {
		return nil, err
	}
	return resp.toResult(), nil
}

// Fetch implements Client: the full result of a finished job. Callback
// payloads are treated as untrusted hints, so the engine always fetches.
func (w *Workflow) Fetch(ctx context.Context, jobID string) (*Result, error) {
	release, err := w.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	var resp jobResponse
	err = w.doJSON(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/result", nil, &resp)
	observe(w.name, "fetch", start, err)
	if err != nil {
		return nil, err
	}
	return resp.toResult(), nil
}

// Cancel implements Client. A 404 or 409 from the backend means the job
// already finished there; that is not an error for our purposes.
func (w *Workflow) Cancel(ctx context.Context, jobID string) error {
	release, err := w.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	err = w.doJSON(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
	var statusErr *retry.HTTPStatusError
	if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusNotFound || statusErr.StatusCode == http.StatusConflict) {
		err = nil
	}
	observe(w.name, "cancel", start, err)
	return err
}

// acquire waits for a rate-limit token and a concurrency slot, honoring
// the caller's deadline. The returned func frees the slot.
func (w *Workflow) acquire(ctx context.Context) (func(), error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	select {
	case w.sem <- struct{}{}:
		return func() { <-w.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// doJSON performs one request against the backend and decodes the JSON
// response into result when given.
func (w *Workflow) doJSON(ctx context.Context, method, path string, body, result any) error {
	reqURL, err := url.JoinPath(w.baseURL, path)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: backendMessage(respBody)}
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

// backendMessage pulls a human-readable error out of a backend error
// body, falling back to a clipped raw body.
func backendMessage(body []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error != "" {
			return envelope.Error
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	return string(body)
}

var _ Client = (*Workflow)(nil)
