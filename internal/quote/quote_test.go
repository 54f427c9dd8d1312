package quote

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
)

func newQuoter(t *testing.T) *Quoter {
	t.Helper()
	q, err := New(config.CreditsConfig{
		PerUSD:        100,
		Tolerance:     0.1,
		HardwareRates: map[string]string{"gpu-a10": "0.000306"},
	})
	require.NoError(t, err)
	return q
}

func TestStaticQuote(t *testing.T) {
	q := newQuoter(t)
	tool := &models.ToolDefinition{
		ID:   "image.generate",
		Cost: models.CostModel{Kind: models.CostStatic, AmountUSD: decimal.RequireFromString("0.05")},
	}

	quote, err := q.QuoteTool(tool, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "0.05", quote.USD.String())
	assert.Equal(t, int64(5), quote.Credits)
	assert.Equal(t, models.CostStatic, quote.Breakdown.Kind)
}

func TestPerUnitQuote(t *testing.T) {
	tool := &models.ToolDefinition{
		ID: "chat.complete",
		Cost: models.CostModel{
			Kind:        models.CostPerUnit,
			UnitRateUSD: decimal.RequireFromString("0.000002"),
			UnitField:   "max_tokens",
			TierField:   "model",
			Tiers: map[string]decimal.Decimal{
				"small": decimal.RequireFromString("1"),
				"large": decimal.RequireFromString("10"),
			},
		},
	}
	q := newQuoter(t)

	t.Run("base tier", func(t *testing.T) {
		quote, err := q.QuoteTool(tool, json.RawMessage(`{"max_tokens": 12000, "model": "small"}`))
		require.NoError(t, err)
		assert.Equal(t, "0.024", quote.USD.String())
		// 0.024 USD * 100 credits/USD rounds up to 3
		assert.Equal(t, int64(3), quote.Credits)
		assert.Equal(t, "12000", quote.Breakdown.Units.String())
	})

	t.Run("tier multiplier", func(t *testing.T) {
		quote, err := q.QuoteTool(tool, json.RawMessage(`{"max_tokens": 12000, "model": "large"}`))
		require.NoError(t, err)
		assert.Equal(t, "0.24", quote.USD.String())
		assert.Equal(t, int64(24), quote.Credits)
		assert.Equal(t, "large", quote.Breakdown.Tier)
	})

	t.Run("unknown tier", func(t *testing.T) {
		_, err := q.QuoteTool(tool, json.RawMessage(`{"max_tokens": 10, "model": "huge"}`))
		require.Error(t, err)
		assert.Equal(t, apierrors.CodeBadRequest, apierrors.AsAPIError(err).Code)
	})

	t.Run("missing unit field", func(t *testing.T) {
		_, err := q.QuoteTool(tool, json.RawMessage(`{"model": "small"}`))
		assert.Error(t, err)
	})

	t.Run("non-numeric unit field", func(t *testing.T) {
		_, err := q.QuoteTool(tool, json.RawMessage(`{"max_tokens": "many"}`))
		assert.Error(t, err)
	})

	t.Run("zero units", func(t *testing.T) {
		_, err := q.QuoteTool(tool, json.RawMessage(`{"max_tokens": 0}`))
		assert.Error(t, err)
	})
}

func TestPerSecondQuote(t *testing.T) {
	q := newQuoter(t)
	tool := &models.ToolDefinition{
		ID:         "audio.transcribe",
		AvgRuntime: 20 * time.Second,
		Cost:       models.CostModel{Kind: models.CostPerSecond, HardwareClass: "gpu-a10"},
	}

	quote, err := q.QuoteTool(tool, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "0.00612", quote.USD.String())
	assert.Equal(t, int64(1), quote.Credits) // 0.612 credits rounds up

	t.Run("unknown hardware class", func(t *testing.T) {
		bad := &models.ToolDefinition{
			ID:         "video.render",
			AvgRuntime: time.Minute,
			Cost:       models.CostModel{Kind: models.CostPerSecond, HardwareClass: "gpu-h100"},
		}
		_, err := q.QuoteTool(bad, json.RawMessage(`{}`))
		assert.Error(t, err)
	})
}

func TestCreditsRoundUp(t *testing.T) {
	q := newQuoter(t)

	cases := []struct {
		usd     string
		credits int64
	}{
		{"0", 0},
		{"0.001", 1},
		{"0.01", 1},
		{"0.011", 2},
		{"1", 100},
		{"1.005", 101},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.credits, q.Credits(decimal.RequireFromString(tc.usd)), "usd=%s", tc.usd)
	}
}

func TestTolerance(t *testing.T) {
	q := newQuoter(t)

	assert.InDelta(t, 0.1, q.Tolerance(&models.ToolDefinition{}), 1e-9)
	assert.InDelta(t, 0.25, q.Tolerance(&models.ToolDefinition{CostTolerance: 0.25}), 1e-9)
}

func TestBadHardwareRateConfig(t *testing.T) {
	_, err := New(config.CreditsConfig{
		PerUSD:        100,
		HardwareRates: map[string]string{"gpu-a10": "cheap"},
	})
	assert.Error(t, err)
}
