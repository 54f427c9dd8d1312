package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge-ai/manaforge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFixedOracle(t *testing.T) {
	o, err := New(config.OracleConfig{
		FixedRates: map[string]string{"USDC": "1.0", "ETH": "2500"},
		Decimals:   map[string]int32{"USDC": 6, "ETH": 18},
	}, testLogger())
	require.NoError(t, err)

	ctx := context.Background()

	// 25 USDC in atomic units
	usd, err := o.USDValue(ctx, "USDC", decimal.NewFromInt(25_000_000))
	require.NoError(t, err)
	assert.True(t, usd.Equal(decimal.NewFromInt(25)), "got %s", usd)

	// 0.01 ETH at 2500 USD
	usd, err = o.USDValue(ctx, "ETH", decimal.RequireFromString("10000000000000000"))
	require.NoError(t, err)
	assert.True(t, usd.Equal(decimal.NewFromInt(25)), "got %s", usd)

	_, err = o.USDValue(ctx, "DOGE", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrUnsupportedAsset)
}

func TestFixedOracleBadRate(t *testing.T) {
	_, err := New(config.OracleConfig{
		FixedRates: map[string]string{"USDC": "one dollar"},
	}, testLogger())
	assert.Error(t, err)
}

func TestFixedOracleMissingDecimals(t *testing.T) {
	o, err := New(config.OracleConfig{
		FixedRates: map[string]string{"USDC": "1.0"},
	}, testLogger())
	require.NoError(t, err)

	_, err = o.USDValue(context.Background(), "USDC", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrUnsupportedAsset)
}

func TestFeedOracle(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"prices": {"USDC": "0.9998"}}`)
	}))
	defer srv.Close()

	o := newFeedOracle(config.OracleConfig{
		URL:             srv.URL,
		RefreshInterval: time.Hour,
		Decimals:        map[string]int32{"USDC": 6},
	}, testLogger())

	ctx := context.Background()

	usd, err := o.USDValue(ctx, "USDC", decimal.NewFromInt(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, "0.9998", usd.String())

	// Within the refresh interval the cached table serves.
	_, err = o.USDValue(ctx, "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())

	_, err = o.USDValue(ctx, "PEPE", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrUnsupportedAsset)
}

func TestFeedOracleServesStaleOnFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if fail.Load() {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"prices": {"USDC": "1.0"}}`)
	}))
	defer srv.Close()

	o := newFeedOracle(config.OracleConfig{
		URL:             srv.URL,
		RefreshInterval: time.Nanosecond, // force a refresh on every call
		Decimals:        map[string]int32{"USDC": 6},
	}, testLogger())

	ctx := context.Background()

	_, err := o.USDValue(ctx, "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)

	fail.Store(true)
	usd, err := o.USDValue(ctx, "USDC", decimal.NewFromInt(2_000_000))
	require.NoError(t, err)
	assert.True(t, usd.Equal(decimal.NewFromInt(2)), "got %s", usd)
}

func TestFeedOracleFailsWithNoCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	o := newFeedOracle(config.OracleConfig{
		URL:      srv.URL,
		Decimals: map[string]int32{"USDC": 6},
	}, testLogger())

	_, err := o.USDValue(context.Background(), "USDC", decimal.NewFromInt(1))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnsupportedAsset))
}
