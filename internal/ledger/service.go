// Package ledger fronts the credit ledger: balance checks, reserve /
// commit / release around generation settlement, deposit credits, and
// admin adjustments. All balance-moving writes live in the repository;
// this layer maps storage errors onto the API taxonomy and counts
// outcomes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/models"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

var (
	reservesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manaforge_ledger_reserves_total",
			Help: "Reserve attempts by outcome",
		},
		[]string{"outcome"},
	)

	settlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manaforge_ledger_settlements_total",
			Help: "Reservation settlements by final state",
		},
		[]string{"state"},
	)

	creditsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manaforge_ledger_deposit_credits_total",
			Help: "Credits applied from confirmed deposits",
		},
	)
)

// Service is the credit ledger facade used by the engine, handlers, and
// the deposit creditor.
type Service struct {
	repo   repository.LedgerRepository
	logger *slog.Logger
}

// NewService wires the ledger facade over its repository.
func NewService(repo repository.LedgerRepository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// Quote checks that the user could cover amount right now. Purely
// advisory: the authoritative check happens inside Reserve under the
// per-user lock.
func (s *Service) Quote(ctx context.Context, userID uuid.UUID, amount int64) error {
	balance, err := s.repo.Balance(ctx, userID)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	if amount > balance {
		return apierrors.ErrInsufficientCredits
	}
	return nil
}

// Reserve places a hold of amount credits against the generation. Replays
// with the same generation id succeed without a second entry.
func (s *Service) Reserve(ctx context.Context, userID uuid.UUID, generationID string, amount int64) error {
	err := s.repo.Reserve(ctx, userID, generationID, amount)
	switch {
	case err == nil:
		reservesTotal.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, repository.ErrInsufficientBalance):
		reservesTotal.WithLabelValues("insufficient").Inc()
		return apierrors.ErrInsufficientCredits
	default:
		reservesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("reserve %s: %w", generationID, err)
	}
}

// Commit settles an open reservation at the charged amount, refunding any
// overage. charged above the held amount is clamped; a second commit (or a
// commit after release) is a no-op.
func (s *Service) Commit(ctx context.Context, generationID string, charged int64) error {
	res, err := s.repo.Commit(ctx, generationID, charged)
	if err != nil {
		return fmt.Errorf("commit %s: %w", generationID, err)
	}
	if res == nil {
		return nil
	}
	settlementsTotal.WithLabelValues(string(models.ReservationCommitted)).Inc()
	s.logger.Info("reservation committed",
		slog.String("generation_id", generationID),
		slog.Int64("held", res.Amount),
		slog.Int64("charged", min(charged, res.Amount)),
	)
	return nil
}

// Release refunds the full held amount of an open reservation. Idempotent.
func (s *Service) Release(ctx context.Context, generationID, reason string) error {
	res, err := s.repo.Release(ctx, generationID, reason)
	if err != nil {
		return fmt.Errorf("release %s: %w", generationID, err)
	}
	if res == nil {
		return nil
	}
	settlementsTotal.WithLabelValues(string(models.ReservationReleased)).Inc()
	s.logger.Info("reservation released",
		slog.String("generation_id", generationID),
		slog.Int64("refunded", res.Amount),
		slog.String("reason", reason),
	)
	return nil
}

// Credit applies a deposit keyed by its chain event id. Returns true when
// the entry was applied, false when the event was already credited.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, credits int64, chainEventID, note string) (bool, error) {
	applied, err := s.repo.Credit(ctx, userID, credits, chainEventID, note)
	if err != nil {
		return false, fmt.Errorf("credit %s: %w", chainEventID, err)
	}
	if applied {
		creditsTotal.Add(float64(credits))
	}
	return applied, nil
}

// Adjust records an admin correction. Negative adjustments are refused
// past a zero balance.
func (s *Service) Adjust(ctx context.Context, userID uuid.UUID, amount int64, note string) error {
	err := s.repo.Adjust(ctx, userID, amount, note)
	if errors.Is(err, repository.ErrInsufficientBalance) {
		return apierrors.ErrInsufficientCredits.WithMessage("Adjustment would take the balance below zero")
	}
	if err != nil {
		return fmt.Errorf("adjust: %w", err)
	}
	s.logger.Info("balance adjusted",
		slog.String("user_id", userID.String()),
		slog.Int64("amount", amount),
		slog.String("note", note),
	)
	return nil
}

// Balance returns the user's current credit balance.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.Balance(ctx, userID)
}

// Entries pages the user's ledger history, newest first. beforeSeq of 0
// starts from the top.
func (s *Service) Entries(ctx context.Context, userID uuid.UUID, beforeSeq int64, limit int) ([]*models.LedgerEntry, error) {
	return s.repo.Entries(ctx, userID, beforeSeq, limit)
}
