package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/models"
	"github.com/manaforge-ai/manaforge/internal/oracle"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

const (
	creditInterval = 15 * time.Second
	creditBatch    = 100

	// unresolvedAfter is how long a confirmed deposit may wait for its
	// owner before it is rejected. Covers the wallet-link TTL with room
	// for the user to retry the flow.
	unresolvedAfter = 24 * time.Hour
)

var depositCredits = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "manaforge_deposit_credits_total",
		Help: "Credit units granted from confirmed chain deposits",
	},
)

// WalletResolver is the slice of the user repository the creditor uses
// to find a deposit's owner.
type WalletResolver interface {
	GetByWallet(ctx context.Context, walletAddress string) (*models.User, error)
	FindPendingLinkByAmount(ctx context.Context, amount string) (*models.WalletLinkRequest, error)
	CompleteLinkRequest(ctx context.Context, id, walletAddress string) (bool, error)
	LinkWallet(ctx context.Context, walletAddress string, userID uuid.UUID, chain string) (bool, error)
}

// Ledger applies deposit credits. The credit ledger service satisfies it.
type Ledger interface {
	Credit(ctx context.Context, userID uuid.UUID, credits int64, chainEventID, note string) (bool, error)
}

// Creditor turns confirmed deposits into ledger credits: resolve the
// owning user (directly linked wallet, or a magic-amount link request
// the deposit completes), convert the confirmed USD value into credit
// units rounding down, and credit the ledger keyed by chain event id.
// Everything downstream of confirmation is idempotent, so a crash
// between the ledger write and the status advance cannot double-credit.
type Creditor struct {
	deposits repository.DepositRepository
	wallets  WalletResolver
	ledger   Ledger
	oracle   oracle.PriceOracle
	perUSD   decimal.Decimal
	logger   *slog.Logger
}

// NewCreditor wires the deposit-crediting worker.
func NewCreditor(deposits repository.DepositRepository, wallets WalletResolver, ledger Ledger, priceOracle oracle.PriceOracle, credits config.CreditsConfig, logger *slog.Logger) *Creditor {
	return &Creditor{
		deposits: deposits,
		wallets:  wallets,
		ledger:   ledger,
		oracle:   priceOracle,
		perUSD:   decimal.NewFromInt(credits.PerUSD),
		logger:   logger.With(slog.String("component", "deposit_creditor")),
	}
}

// Run sweeps until the context ends.
func (c *Creditor) Run(ctx context.Context) {
	c.logger.Info("deposit creditor started")

	ticker := time.NewTicker(creditInterval)
	defer ticker.Stop()

	for {
		c.sweep(ctx)
		select {
		case <-ctx.Done():
			c.logger.Info("deposit creditor stopped")
			return
		case <-ticker.C:
		}
	}
}

// sweep credits every confirmed deposit it can and reports how many it
// credited. Deposits whose owner cannot be resolved yet stay confirmed
// for the next sweep.
func (c *Creditor) sweep(ctx context.Context) int {
	rows, err := c.deposits.ListByStatus(ctx, models.DepositConfirmed, creditBatch)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn("list confirmed deposits", slog.String("error", err.Error()))
		}
		return 0
	}

	credited := 0
	for _, d := range rows {
		ok, err := c.creditOne(ctx, d)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return credited
			}
			c.logger.Warn("credit failed",
				slog.String("chain_event_id", d.ChainEventID),
				slog.String("error", err.Error()))
			continue
		}
		if ok {
			credited++
		}
	}
	return credited
}

func (c *Creditor) creditOne(ctx context.Context, d *models.Deposit) (bool, error) {
	userID, resolved, err := c.resolveOwner(ctx, d)
	if err != nil {
		return false, err
	}
	if !resolved {
		confirmedAt := d.ObservedAt
		if d.ConfirmedAt != nil {
			confirmedAt = *d.ConfirmedAt
		}
		if time.Since(confirmedAt) > unresolvedAfter {
			return false, c.reject(ctx, d, models.RejectUnresolvedOwner)
		}
		return false, nil // owner may still complete a link
	}

	usd := d.USDValue
	if usd == nil {
		v, err := c.oracle.USDValue(ctx, d.Asset, d.RawAmount)
		if errors.Is(err, oracle.ErrUnsupportedAsset) {
			return false, c.reject(ctx, d, models.RejectUnsupportedAsset)
		}
		if err != nil {
			return false, fmt.Errorf("price %s: %w", d.Asset, err)
		}
		usd = &v
	}
	credits := usd.Mul(c.perUSD).Floor().IntPart()

	// Dust below one credit unit still settles the deposit, just with
	// nothing to write to the ledger.
	if credits > 0 {
		if _, err := c.ledger.Credit(ctx, userID, credits, d.ChainEventID, fmt.Sprintf("%s deposit", d.Chain)); err != nil {
			return false, fmt.Errorf("ledger credit: %w", err)
		}
	}

	ok, err := c.deposits.MarkCredited(ctx, d.ChainEventID, userID, credits)
	if err != nil {
		return false, fmt.Errorf("mark credited: %w", err)
	}
	if ok {
		depositTransitions.WithLabelValues(d.Chain, string(models.DepositCredited)).Inc()
		depositCredits.Add(float64(credits))
		c.logger.Info("deposit credited",
			slog.String("chain_event_id", d.ChainEventID),
			slog.String("user_id", userID.String()),
			slog.Int64("credits", credits))
	}
	return ok, nil
}

// resolveOwner finds the user a deposit belongs to. A wallet already
// linked wins; otherwise an exact match against an outstanding
// magic-amount link request completes that link and binds the wallet.
func (c *Creditor) resolveOwner(ctx context.Context, d *models.Deposit) (uuid.UUID, bool, error) {
	user, err := c.wallets.GetByWallet(ctx, d.WalletAddress)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("wallet lookup: %w", err)
	}
	if user != nil {
		return user.ID, true, nil
	}

	lr, err := c.wallets.FindPendingLinkByAmount(ctx, d.RawAmount.String())
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("match link request: %w", err)
	}
	if lr == nil {
		return uuid.Nil, false, nil
	}

	ok, err := c.wallets.CompleteLinkRequest(ctx, lr.ID, d.WalletAddress)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("complete link request: %w", err)
	}
	if !ok {
		// Raced with expiry or another deposit; resolve again next sweep.
		return uuid.Nil, false, nil
	}

	bound, err := c.wallets.LinkWallet(ctx, d.WalletAddress, lr.UserID, d.Chain)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("bind wallet: %w", err)
	}
	if !bound {
		// The address got bound concurrently; defer to whoever owns it now.
		owner, err := c.wallets.GetByWallet(ctx, d.WalletAddress)
		if err != nil || owner == nil {
			return uuid.Nil, false, err
		}
		return owner.ID, true, nil
	}

	c.logger.Info("wallet linked by magic-amount deposit",
		slog.String("wallet", d.WalletAddress),
		slog.String("user_id", lr.UserID.String()),
		slog.String("link_request_id", lr.ID))
	return lr.UserID, true, nil
}

func (c *Creditor) reject(ctx context.Context, d *models.Deposit, reason string) error {
	ok, err := c.deposits.MarkRejected(ctx, d.ChainEventID, reason)
	if err != nil {
		return fmt.Errorf("mark rejected: %w", err)
	}
	if ok {
		depositTransitions.WithLabelValues(d.Chain, string(models.DepositRejected)).Inc()
		c.logger.Warn("deposit rejected",
			slog.String("chain_event_id", d.ChainEventID),
			slog.String("reason", reason))
	}
	return nil
}
