// Package backend holds the outbound clients for generation work: the
// generic HTTP workflow service plus the hosted LLM adapters. Every
// client is bounded (per-backend concurrency + request rate) and every
// call carries the caller's deadline.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/models"
)

var (
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manaforge_backend_calls_total",
			Help: "Outbound backend calls by backend, operation, and outcome",
		},
		[]string{"backend", "op", "outcome"},
	)

	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "manaforge_backend_call_duration_seconds",
			Help:    "Outbound backend call latency",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"backend", "op"},
	)
)

// JobStatus is a backend's view of a submitted job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one unit of backend work, already validated and priced.
type Job struct {
	GenerationID string
	ToolID       string
	Endpoint     string // workflow id, model name, or path, depending on the binding
	Inputs       json.RawMessage
	CallbackURL  string // set for webhook-mode submissions
}

// Result reports a job's state. Runtime, when the backend measures it,
// feeds per-second billing.
type Result struct {
	Status  JobStatus
	JobID   string
	Outputs json.RawMessage
	Error   string
	Runtime time.Duration
}

// Client is one upstream generation service. Execute runs a job to a
// terminal result; Submit/Poll/Fetch serve the async delivery modes.
// Adapters that only run synchronously return ErrNotAsync from Submit.
type Client interface {
	Name() string

	// Execute runs the job synchronously and returns a terminal result.
	Execute(ctx context.Context, job *Job) (*Result, error)

	// Submit hands the job off and returns the backend's job id.
	Submit(ctx context.Context, job *Job) (string, error)

	// Poll reports the job's current state.
	Poll(ctx context.Context, jobID string) (*Result, error)

	// Fetch retrieves the full result of a finished job.
	Fetch(ctx context.Context, jobID string) (*Result, error)

	// Cancel asks the backend to stop the job. Best effort.
	Cancel(ctx context.Context, jobID string) error
}

// ErrNotAsync marks a backend that cannot accept webhook or poll
// submissions.
var ErrNotAsync = fmt.Errorf("backend does not support async jobs")

// Router resolves a tool's backend binding to a configured client.
type Router struct {
	clients map[string]Client
}

// NewRouter builds the client set from config: one workflow client per
// named backend plus the LLM adapters when their keys are present.
func NewRouter(cfg *config.Config, logger *slog.Logger) *Router {
	clients := make(map[string]Client, len(cfg.Backends)+2)
	for name, bc := range cfg.Backends {
		clients[name] = NewWorkflow(name, bc, logger)
	}
	if cfg.LLM.OpenAIKey != "" {
		clients["openai"] = NewOpenAI(cfg.LLM.OpenAIKey, logger)
	}
	if cfg.LLM.AnthropicKey != "" {
		clients["anthropic"] = NewAnthropic(cfg.LLM.AnthropicKey, logger)
	}
	return &Router{clients: clients}
}

// NewRouterFromClients builds a router from prepared clients. Tests use
// this to install fakes.
func NewRouterFromClients(clients ...Client) *Router {
	m := make(map[string]Client, len(clients))
	for _, c := range clients {
		m[c.Name()] = c
	}
	return &Router{clients: m}
}

// For returns the client a tool's binding names.
func (r *Router) For(binding models.BackendBinding) (Client, error) {
	c, ok := r.clients[binding.Backend]
	if !ok {
		return nil, fmt.Errorf("backend %q is not configured", binding.Backend)
	}
	return c, nil
}

// observe records one outbound call.
func observe(backend, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	callsTotal.WithLabelValues(backend, op, outcome).Inc()
	callDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
