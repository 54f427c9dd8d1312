// Package janitor repairs state the hot path failed to settle: open
// credit reservations, overdue generations, undelivered terminal events,
// expired wallet-link requests, and unsettled x402 captures. Every sweep
// is idempotent; running two janitors is wasteful but safe.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/models"
)

const (
	sweepLimit = 200

	// redeliverAfter is how long a terminal generation may sit with a
	// pending delivery before the janitor re-emits its event.
	redeliverAfter = 2 * time.Minute

	// settleAfter is how long a consumed x402 payment may sit without a
	// facilitator settlement before retrying.
	settleAfter = time.Minute
)

var sweepsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "manaforge_janitor_sweeps_total",
		Help: "Janitor repairs by kind",
	},
	[]string{"kind"},
)

// Settler settles a reservation after the fact. The ledger service
// implements it.
type Settler interface {
	Commit(ctx context.Context, generationID string, charged int64) error
	Release(ctx context.Context, generationID, reason string) error
}

// ReservationSource lists reservations still open past a cutoff. The
// ledger repository implements it.
type ReservationSource interface {
	OpenReservationsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Reservation, error)
}

// GenerationSource reads generation records for the sweeps. The
// generation repository implements it.
type GenerationSource interface {
	Get(ctx context.Context, id string) (*models.Generation, error)
	ListUndelivered(ctx context.Context, cutoff time.Time, limit int) ([]*models.Generation, error)
}

// LinkExpirer expires stale wallet-link requests. The user repository
// implements it.
type LinkExpirer interface {
	ExpireLinkRequests(ctx context.Context, now time.Time) (int64, error)
}

// Finalizer fails overdue generations and re-emits lost terminal events.
// The engine implements it.
type Finalizer interface {
	FailOverdue(ctx context.Context, limit int) (int, error)
	EmitTerminal(gen *models.Generation) bool
}

// PaymentSweeper retries facilitator settlement for consumed payments.
// The payment gate implements it.
type PaymentSweeper interface {
	SettlePending(ctx context.Context, olderThan time.Time, limit int) int
}

// Janitor runs the periodic repair sweeps.
type Janitor struct {
	cfg      config.JanitorConfig
	ledger   Settler
	reserves ReservationSource
	gens     GenerationSource
	links    LinkExpirer
	engine   Finalizer
	gate     PaymentSweeper
	logger   *slog.Logger
}

// New creates a janitor. gate may be nil when the payment gate is
// disabled.
func New(
	cfg config.JanitorConfig,
	ledgerSvc Settler,
	reserves ReservationSource,
	gens GenerationSource,
	links LinkExpirer,
	engine Finalizer,
	gate PaymentSweeper,
	logger *slog.Logger,
) *Janitor {
	return &Janitor{
		cfg:      cfg,
		ledger:   ledgerSvc,
		reserves: reserves,
		gens:     gens,
		links:    links,
		engine:   engine,
		gate:     gate,
		logger:   logger.With(slog.String("component", "janitor")),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.logger.Info("janitor started",
		slog.Duration("interval", j.cfg.Interval),
		slog.Duration("reserve_cutoff", j.cfg.ReserveCutoff),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs every repair pass once.
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	j.sweepReservations(ctx, now)
	j.sweepOverdue(ctx)
	j.sweepUndelivered(ctx, now)
	j.sweepLinkRequests(ctx, now)

	if j.gate != nil {
		if n := j.gate.SettlePending(ctx, now.Add(-settleAfter), sweepLimit); n > 0 {
			sweepsTotal.WithLabelValues("payment_settled").Add(float64(n))
		}
	}
}

// sweepReservations settles reservations the engine left open. The hot
// path settles at the terminal transition, so anything still open past
// the cutoff points at a crash or a transient commit failure.
func (j *Janitor) sweepReservations(ctx context.Context, now time.Time) {
	open, err := j.reserves.OpenReservationsBefore(ctx, now.Add(-j.cfg.ReserveCutoff), sweepLimit)
	if err != nil {
		j.logger.Error("reservation sweep query failed", slog.String("error", err.Error()))
		return
	}

	for _, res := range open {
		gen, err := j.gens.Get(ctx, res.GenerationID)
		if err != nil {
			j.logger.Error("reservation sweep lookup failed",
				slog.String("generation_id", res.GenerationID),
				slog.String("error", err.Error()))
			continue
		}

		switch {
		case gen == nil:
			if err := j.ledger.Release(ctx, res.GenerationID, "orphaned"); err != nil {
				j.logger.Error("orphan release failed",
					slog.String("generation_id", res.GenerationID),
					slog.String("error", err.Error()))
				continue
			}
			sweepsTotal.WithLabelValues("reserve_orphaned").Inc()
			j.logger.Warn("released reservation with no generation",
				slog.String("generation_id", res.GenerationID),
				slog.Int64("amount", res.Amount))

		case gen.Status == models.StatusCompleted:
			charged := gen.QuotedCredits
			if gen.ChargedCredits != nil {
				charged = *gen.ChargedCredits
			}
			if err := j.ledger.Commit(ctx, gen.ID, charged); err != nil {
				j.logger.Error("late commit failed",
					slog.String("generation_id", gen.ID),
					slog.String("error", err.Error()))
				continue
			}
			sweepsTotal.WithLabelValues("reserve_committed").Inc()
			j.logger.Warn("committed reservation after the fact",
				slog.String("generation_id", gen.ID),
				slog.Int64("charged", charged))

		case gen.Status.Terminal():
			if err := j.ledger.Release(ctx, gen.ID, string(gen.Status)); err != nil {
				j.logger.Error("late release failed",
					slog.String("generation_id", gen.ID),
					slog.String("error", err.Error()))
				continue
			}
			sweepsTotal.WithLabelValues("reserve_released").Inc()

		default:
			// Still running. FailOverdue owns deadline enforcement and
			// its finalize path settles the reservation.
		}
	}
}

// sweepOverdue fails running generations past their hard deadline.
func (j *Janitor) sweepOverdue(ctx context.Context) {
	n, err := j.engine.FailOverdue(ctx, sweepLimit)
	if err != nil {
		j.logger.Error("overdue sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		sweepsTotal.WithLabelValues("overdue_failed").Add(float64(n))
		j.logger.Warn("failed overdue generations", slog.Int("count", n))
	}
}

// sweepUndelivered re-emits terminal events whose delivery never landed,
// usually because the dispatcher queue was saturated at emit time.
func (j *Janitor) sweepUndelivered(ctx context.Context, now time.Time) {
	stuck, err := j.gens.ListUndelivered(ctx, now.Add(-redeliverAfter), sweepLimit)
	if err != nil {
		j.logger.Error("undelivered sweep query failed", slog.String("error", err.Error()))
		return
	}

	for _, gen := range stuck {
		if !j.engine.EmitTerminal(gen) {
			// Queue still saturated; the next sweep retries.
			j.logger.Warn("redelivery enqueue refused",
				slog.String("generation_id", gen.ID))
			return
		}
		sweepsTotal.WithLabelValues("redelivered").Inc()
	}
}

// sweepLinkRequests expires pending wallet-link requests past their
// deadline so their magic amounts return to the pool.
func (j *Janitor) sweepLinkRequests(ctx context.Context, now time.Time) {
	n, err := j.links.ExpireLinkRequests(ctx, now)
	if err != nil {
		j.logger.Error("link request expiry failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		sweepsTotal.WithLabelValues("links_expired").Add(float64(n))
	}
}
