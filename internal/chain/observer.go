package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/models"
	"github.com/manaforge-ai/manaforge/internal/oracle"
	"github.com/manaforge-ai/manaforge/internal/pkg/retry"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultBlockWindow  = 2000
	defaultConfirmDepth = 12
	confirmBatch        = 100
)

var (
	depositsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manaforge_deposits_observed_total",
			Help: "New deposit events recorded, by chain",
		},
		[]string{"chain"},
	)
	depositTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manaforge_deposit_transitions_total",
			Help: "Deposit status transitions, by chain and status",
		},
		[]string{"chain", "status"},
	)
	cursorBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "manaforge_chain_cursor_block",
			Help: "Last scanned block per chain",
		},
		[]string{"chain"},
	)
)

// Observer scans one chain's ledger contract for deposit events, records
// them idempotently, and confirms them once they are buried deep enough
// to survive a reorg. All progress is durable: the scan restarts from
// the stored cursor and re-observing a log is a no-op.
type Observer struct {
	cfg      config.ChainConfig
	rpc      RPC
	deposits repository.DepositRepository
	oracle   oracle.PriceOracle
	logger   *slog.Logger

	contract common.Address
	assets   map[string]string
	interval time.Duration
	window   uint64
	depth    uint64
	rangeCfg retry.Config
}

// NewObserver builds the observer for one configured chain.
func NewObserver(cfg config.ChainConfig, rpc RPC, deposits repository.DepositRepository, priceOracle oracle.PriceOracle, logger *slog.Logger) *Observer {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	window := cfg.BlockWindow
	if window == 0 {
		window = defaultBlockWindow
	}
	depth := cfg.ConfirmationDepth
	if depth == 0 {
		depth = defaultConfirmDepth
	}

	assets := make(map[string]string, len(cfg.Assets))
	for addr, symbol := range cfg.Assets {
		assets[strings.ToLower(addr)] = symbol
	}

	return &Observer{
		cfg:      cfg,
		rpc:      rpc,
		deposits: deposits,
		oracle:   priceOracle,
		logger:   logger.With(slog.String("component", "chain_observer"), slog.String("chain", cfg.Name)),
		contract: common.HexToAddress(cfg.LedgerContract),
		assets:   assets,
		interval: interval,
		window:   window,
		depth:    depth,
		rangeCfg: retry.Config{
			MaxAttempts:       4,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        8 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.2,
		},
	}
}

// Run scans until the context ends.
func (o *Observer) Run(ctx context.Context) {
	o.logger.Info("chain observer started",
		slog.String("contract", o.contract.Hex()),
		slog.Uint64("confirmation_depth", o.depth))

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		o.tick(ctx)
		select {
		case <-ctx.Done():
			o.logger.Info("chain observer stopped")
			return
		case <-ticker.C:
		}
	}
}

func (o *Observer) tick(ctx context.Context) {
	if err := o.scanOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("scan failed", slog.String("error", err.Error()))
	}
	if err := o.confirmOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("confirm sweep failed", slog.String("error", err.Error()))
	}
}

// scanOnce pulls deposit logs from [cursor+1, head-1] in bounded windows
// and records them as seen. The head block itself is skipped: logs there
// churn too much to be worth recording and re-rejecting.
func (o *Observer) scanOnce(ctx context.Context) error {
	head, err := o.rpc.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	if head == 0 {
		return nil
	}
	safeHead := head - 1

	cursor, err := o.deposits.GetCursor(ctx, o.cfg.Name)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if cursor == 0 && o.cfg.StartBlock > 0 {
		cursor = o.cfg.StartBlock - 1
	}
	if cursor >= safeHead {
		return nil
	}

	for from := cursor + 1; from <= safeHead; {
		to := from + o.window - 1
		if to > safeHead {
			to = safeHead
		}

		if err := o.scanRange(ctx, from, to); err != nil {
			return fmt.Errorf("scan blocks %d-%d: %w", from, to, err)
		}
		if err := o.deposits.SetCursor(ctx, o.cfg.Name, to); err != nil {
			return fmt.Errorf("advance cursor to %d: %w", to, err)
		}
		cursorBlock.WithLabelValues(o.cfg.Name).Set(float64(to))
		from = to + 1
	}
	return nil
}

func (o *Observer) scanRange(ctx context.Context, from, to uint64) error {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{o.contract},
		Topics:    [][]common.Hash{{depositTopic}},
	}

	var logs []types.Log
	err := retry.Do(ctx, o.rangeCfg, func(ctx context.Context) error {
		var ferr error
		logs, ferr = o.rpc.FilterLogs(ctx, query)
		return ferr
	})
	if err != nil {
		return err
	}

	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		d, err := depositFromLog(o.cfg.Name, o.assets, lg)
		if err != nil {
			o.logger.Warn("skipping malformed deposit log", slog.String("error", err.Error()))
			continue
		}
		inserted, err := o.deposits.InsertSeen(ctx, d)
		if err != nil {
			return fmt.Errorf("record deposit %s: %w", d.ChainEventID, err)
		}
		if inserted {
			depositsObserved.WithLabelValues(o.cfg.Name).Inc()
			o.logger.Info("deposit observed",
				slog.String("chain_event_id", d.ChainEventID),
				slog.String("wallet", d.WalletAddress),
				slog.String("asset", d.Asset),
				slog.String("amount", d.RawAmount.String()))
		}
	}
	return nil
}

// confirmOnce advances seen deposits that are buried at least the
// confirmation depth. Each is re-verified against the node before
// confirming: a receipt that disappeared or moved to a different block
// means the observed log was reorged away, and the deposit is rejected
// rather than credited.
func (o *Observer) confirmOnce(ctx context.Context) error {
	head, err := o.rpc.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	if head < o.depth {
		return nil
	}
	maxBlock := head - o.depth

	rows, err := o.deposits.ListSeenBelow(ctx, o.cfg.Name, maxBlock, confirmBatch)
	if err != nil {
		return fmt.Errorf("list confirmable: %w", err)
	}

	for _, d := range rows {
		if err := o.confirmOne(ctx, d); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			o.logger.Warn("confirm failed",
				slog.String("chain_event_id", d.ChainEventID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (o *Observer) confirmOne(ctx context.Context, d *models.Deposit) error {
	receipt, err := o.rpc.TransactionReceipt(ctx, common.HexToHash(d.TxHash))
	if errors.Is(err, ethereum.NotFound) {
		return o.reject(ctx, d, models.RejectReorged)
	}
	if err != nil {
		return fmt.Errorf("receipt %s: %w", d.TxHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful || receipt.BlockHash.Hex() != d.BlockHash {
		return o.reject(ctx, d, models.RejectReorged)
	}

	usd, err := o.oracle.USDValue(ctx, d.Asset, d.RawAmount)
	if errors.Is(err, oracle.ErrUnsupportedAsset) {
		return o.reject(ctx, d, models.RejectUnsupportedAsset)
	}
	if err != nil {
		return fmt.Errorf("price %s: %w", d.Asset, err)
	}

	ok, err := o.deposits.MarkConfirmed(ctx, d.ChainEventID, usd)
	if err != nil {
		return fmt.Errorf("mark confirmed: %w", err)
	}
	if ok {
		depositTransitions.WithLabelValues(o.cfg.Name, string(models.DepositConfirmed)).Inc()
		o.logger.Info("deposit confirmed",
			slog.String("chain_event_id", d.ChainEventID),
			slog.String("usd_value", usd.String()))
	}
	return nil
}

func (o *Observer) reject(ctx context.Context, d *models.Deposit, reason string) error {
	ok, err := o.deposits.MarkRejected(ctx, d.ChainEventID, reason)
	if err != nil {
		return fmt.Errorf("mark rejected: %w", err)
	}
	if ok {
		depositTransitions.WithLabelValues(o.cfg.Name, string(models.DepositRejected)).Inc()
		o.logger.Warn("deposit rejected",
			slog.String("chain_event_id", d.ChainEventID),
			slog.String("reason", reason))
	}
	return nil
}
