package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/manaforge-ai/manaforge/internal/backend"
	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/retry"
)

var (
	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "manaforge_engine_polls_total",
		Help: "Backend status polls by outcome.",
	}, []string{"outcome"})

	pollBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "manaforge_engine_poll_batch_size",
		Help:    "Number of due generations picked up per poll sweep.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})
)

const (
	pollTick      = time.Second
	pollBatch     = 50
	pollCallLimit = 30 * time.Second
)

// Poller sweeps running poll-mode generations whose next poll time has
// passed, asks their backend for status, and reschedules or finalizes.
type Poller struct {
	engine *Engine
	logger *slog.Logger
}

func NewPoller(engine *Engine, logger *slog.Logger) *Poller {
	return &Poller{engine: engine, logger: logger.With(slog.String("component", "poller"))}
}

// Run blocks until ctx is done, sweeping once per tick.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()

	p.logger.Info("poller started", slog.Duration("tick", pollTick))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	due, err := p.engine.gens.ListDuePolls(ctx, time.Now(), pollBatch)
	if err != nil {
		p.logger.Error("list due polls failed", slog.String("error", err.Error()))
		return
	}
	if len(due) == 0 {
		return
	}
	pollBatchSize.Observe(float64(len(due)))

	for _, gen := range due {
		if ctx.Err() != nil {
			return
		}
		if err := p.engine.pollOne(ctx, gen); err != nil {
			p.logger.Error("poll failed",
				slog.String("generation_id", gen.ID),
				slog.String("error", err.Error()))
		}
	}
}

// pollOne advances a single running generation: enforce the hard
// deadline, query the backend, then finalize or reschedule.
func (e *Engine) pollOne(ctx context.Context, gen *models.Generation) error {
	now := time.Now()
	tool, _ := e.registry.Get(gen.ToolID)

	if gen.HardDeadline != nil && !now.Before(*gen.HardDeadline) {
		pollsTotal.WithLabelValues("deadline").Inc()
		e.finalize(ctx, gen.ID, models.StatusFailed, nil,
			apierrors.CodeBackendTimeout, "backend did not finish before the hard deadline",
			tool, 0)
		return nil
	}

	if gen.Backend == nil || gen.BackendJobID == nil {
		pollsTotal.WithLabelValues("invalid").Inc()
		e.finalize(ctx, gen.ID, models.StatusFailed, nil,
			apierrors.CodeInternal, "running generation has no backend job", tool, 0)
		return nil
	}

	client, err := e.backends.For(models.BackendBinding{Backend: *gen.Backend})
	if err != nil {
		pollsTotal.WithLabelValues("invalid").Inc()
		e.finalize(ctx, gen.ID, models.StatusFailed, nil, apierrors.CodeInternal, err.Error(), tool, 0)
		return nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, pollCallLimit)
	result, err := client.Poll(pollCtx, *gen.BackendJobID)
	cancel()
	if err != nil {
		// Transient by assumption; the hard deadline bounds how long we
		// keep trying.
		pollsTotal.WithLabelValues("error").Inc()
		return e.reschedule(ctx, gen, now)
	}

	if terminal := e.applyResult(ctx, gen, tool, result); terminal != nil {
		pollsTotal.WithLabelValues("terminal").Inc()
		return nil
	}
	if result.Status != backend.JobRunning {
		// Someone else settled it between our poll and the transition.
		pollsTotal.WithLabelValues("raced").Inc()
		return nil
	}

	pollsTotal.WithLabelValues("running").Inc()
	return e.reschedule(ctx, gen, now)
}

// reschedule stamps the next poll time using jittered exponential
// backoff from the tool's base interval, capped at the soft ceiling and
// clamped so the final visit lands exactly on the hard deadline.
func (e *Engine) reschedule(ctx context.Context, gen *models.Generation, now time.Time) error {
	tool, _ := e.registry.Get(gen.ToolID)
	attempts := gen.PollAttempts + 1

	cfg := retry.Config{
		InitialBackoff:    e.pollInterval(tool),
		MaxBackoff:        e.softTimeout(tool),
		BackoffMultiplier: 1.5,
		Jitter:            0.2,
	}
	next := now.Add(retry.Backoff(cfg, attempts))
	if gen.HardDeadline != nil && next.After(*gen.HardDeadline) {
		next = *gen.HardDeadline
	}

	return e.gens.UpdatePollSchedule(ctx, gen.ID, attempts, next)
}

// FailOverdue finalizes running generations past their hard deadline.
// The janitor calls this to catch webhook-mode jobs whose callback
// never arrived; poll-mode records are normally caught by the poller.
func (e *Engine) FailOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := e.gens.ListOverdue(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, gen := range overdue {
		tool, _ := e.registry.Get(gen.ToolID)
		if gen.Backend != nil && gen.BackendJobID != nil {
			if client, cerr := e.backends.For(models.BackendBinding{Backend: *gen.Backend}); cerr == nil {
				cancelCtx, cancelFn := context.WithTimeout(ctx, 10*time.Second)
				_ = client.Cancel(cancelCtx, *gen.BackendJobID)
				cancelFn()
			}
		}
		if winner := e.finalize(ctx, gen.ID, models.StatusFailed, nil,
			apierrors.CodeBackendTimeout, "backend did not finish before the hard deadline",
			tool, 0); winner != nil {
			failed++
		}
	}
	return failed, nil
}
