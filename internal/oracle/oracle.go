// Package oracle converts on-chain asset amounts into USD. Deposits in
// assets the oracle does not know are rejected rather than guessed at.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/pkg/retry"
)

// ErrUnsupportedAsset is returned for assets with no configured decimals
// or no available price.
var ErrUnsupportedAsset = errors.New("unsupported asset")

// PriceOracle values atomic-unit asset amounts in USD.
type PriceOracle interface {
	// USDValue converts an atomic-unit amount of asset into USD.
	USDValue(ctx context.Context, asset string, atomic decimal.Decimal) (decimal.Decimal, error)
}

// New builds an oracle from config: a feed-backed one when a URL is set,
// otherwise fixed rates.
func New(cfg config.OracleConfig, logger *slog.Logger) (PriceOracle, error) {
	if cfg.URL != "" {
		return newFeedOracle(cfg, logger), nil
	}
	return newFixedOracle(cfg)
}

func convert(price, atomic decimal.Decimal, decimals int32) decimal.Decimal {
	return price.Mul(atomic.Shift(-decimals))
}

// fixedOracle prices assets from static configuration. Suitable for
// stablecoin-only deployments.
type fixedOracle struct {
	prices   map[string]decimal.Decimal
	decimals map[string]int32
}

func newFixedOracle(cfg config.OracleConfig) (*fixedOracle, error) {
	prices := make(map[string]decimal.Decimal, len(cfg.FixedRates))
	for asset, rate := range cfg.FixedRates {
		p, err := decimal.NewFromString(rate)
		if err != nil {
			return nil, fmt.Errorf("oracle fixed rate %q: %w", asset, err)
		}
		prices[asset] = p
	}
	return &fixedOracle{prices: prices, decimals: cfg.Decimals}, nil
}

func (o *fixedOracle) USDValue(_ context.Context, asset string, atomic decimal.Decimal) (decimal.Decimal, error) {
	price, ok := o.prices[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	decimals, ok := o.decimals[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s has no configured decimals", ErrUnsupportedAsset, asset)
	}
	return convert(price, atomic, decimals), nil
}

// feedOracle refreshes a full price table from an HTTP feed and serves
// conversions from the cached table. When a refresh fails the previous
// table keeps serving.
type feedOracle struct {
	cfg    config.OracleConfig
	logger *slog.Logger
	client *http.Client

	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	fetchedAt time.Time
}

func newFeedOracle(cfg config.OracleConfig, logger *slog.Logger) *feedOracle {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	return &feedOracle{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "oracle")),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (o *feedOracle) USDValue(ctx context.Context, asset string, atomic decimal.Decimal) (decimal.Decimal, error) {
	decimals, ok := o.cfg.Decimals[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s has no configured decimals", ErrUnsupportedAsset, asset)
	}

	price, err := o.price(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return convert(price, atomic, decimals), nil
}

func (o *feedOracle) price(ctx context.Context, asset string) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if time.Since(o.fetchedAt) >= o.cfg.RefreshInterval {
		if err := o.refreshLocked(ctx); err != nil {
			if o.prices == nil {
				return decimal.Zero, err
			}
			// Serve the stale table rather than failing conversions.
			o.logger.Warn("price refresh failed, serving cached table",
				slog.Time("fetched_at", o.fetchedAt),
				slog.String("error", err.Error()),
			)
		}
	}

	price, ok := o.prices[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s not in price feed", ErrUnsupportedAsset, asset)
	}
	return price, nil
}

func (o *feedOracle) refreshLocked(ctx context.Context) error {
	var payload struct {
		Prices map[string]decimal.Decimal `json:"prices"`
	}
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.URL, nil)
		if err != nil {
			return err
		}
		resp, err := o.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: "price feed"}
		}
		return json.NewDecoder(resp.Body).Decode(&payload)
	})
	if err != nil {
		return err
	}
	if len(payload.Prices) == 0 {
		return errors.New("price feed returned no prices")
	}

	o.prices = payload.Prices
	o.fetchedAt = time.Now()
	return nil
}
