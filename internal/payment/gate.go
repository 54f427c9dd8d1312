// Package payment implements the x402 gate: anonymous callers fund a
// single generation with a signed transfer authorization instead of a
// credit balance. The gate challenges with payment requirements, checks
// presented authorizations against them, verifies signatures through the
// external facilitator, and burns each signature on first use.
package payment

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/quote"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

// Scheme is the only payment scheme the gate accepts: an exact-amount
// EIP-3009 style transfer authorization.
const Scheme = "exact"

const settleTimeout = 30 * time.Second

var (
	verifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manaforge_payments_verified_total",
			Help: "Payment authorizations checked by the gate, by outcome",
		},
		[]string{"outcome"},
	)
	settledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manaforge_payments_settled_total",
			Help: "Payment settlements attempted, by outcome",
		},
		[]string{"outcome"},
	)
)

// Authorization is what a verified, consumed payment grants: funding for
// exactly one generation. SignatureHash is the idempotency key the
// engine records instead of a ledger reservation.
type Authorization struct {
	SignatureHash string
	Payer         string
	Amount        decimal.Decimal // atomic units
	Payload       *models.PaymentPayload
}

// Gate verifies and settles one-shot HTTP payments.
type Gate struct {
	cfg      config.PaymentConfig
	payments repository.PaymentRepository
	fac      *Facilitator
	logger   *slog.Logger
	now      func() time.Time

	settling sync.WaitGroup
}

// NewGate wires the payment gate.
func NewGate(cfg config.PaymentConfig, payments repository.PaymentRepository, fac *Facilitator, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:      cfg,
		payments: payments,
		fac:      fac,
		logger:   logger.With(slog.String("component", "payment_gate")),
		now:      time.Now,
	}
}

// Requirements builds the 402 challenge for one quoted generation: the
// quote's USD price converted to atomic units of the configured asset,
// rounded up so the receiver is never short.
func (g *Gate) Requirements(q *quote.Quote, resource, description string) *models.PaymentRequirements {
	amount := q.USD.Shift(g.cfg.AssetDecimals).Ceil()
	return &models.PaymentRequirements{
		Scheme:            Scheme,
		Network:           g.cfg.Network,
		Asset:             g.cfg.Asset,
		PayTo:             g.cfg.Receiver,
		MaxAmountRequired: amount.String(),
		Resource:          resource,
		Description:       description,
		MaxTimeoutSeconds: int(g.cfg.MaxTimeout.Seconds()),
	}
}

// EncodeRequirements renders requirements as the X-Payment-Required
// header value: base64 over the JSON body.
func EncodeRequirements(reqs *models.PaymentRequirements) (string, error) {
	data, err := json.Marshal(reqs)
	if err != nil {
		return "", fmt.Errorf("marshal requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayment parses an X-Payment header value.
func DecodePayment(header string) (*models.PaymentPayload, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return nil, fmt.Errorf("payment header is not base64: %w", err)
	}
	payload := &models.PaymentPayload{}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("payment header is not a payment payload: %w", err)
	}
	return payload, nil
}

// HashSignature derives the idempotency key for a payment signature.
func HashSignature(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])
}

// Authorize checks a presented X-Payment header against the challenge it
// answers, verifies the signature with the facilitator, and consumes it.
// A signature authorizes exactly one generation: the consume is an
// insert-once on the signature hash, and the loser of a replay race gets
// PAYMENT_ALREADY_USED with no generation created.
func (g *Gate) Authorize(ctx context.Context, header string, reqs *models.PaymentRequirements) (*Authorization, error) {
	payload, err := DecodePayment(header)
	if err != nil {
		verifiedTotal.WithLabelValues("malformed").Inc()
		return nil, apierrors.NewValidationError("x-payment", err.Error())
	}

	if payload.Scheme != reqs.Scheme {
		return nil, g.reject(fmt.Sprintf("unsupported payment scheme %q", payload.Scheme))
	}
	if payload.Network != g.cfg.Network {
		return nil, g.reject(fmt.Sprintf("payment network %q, expected %q", payload.Network, g.cfg.Network))
	}
	if !strings.EqualFold(payload.Authorization.To, g.cfg.Receiver) {
		return nil, g.reject("payment receiver mismatch")
	}
	if payload.Signature == "" {
		return nil, g.reject("missing payment signature")
	}

	value, err := decimal.NewFromString(payload.Authorization.Value)
	if err != nil {
		return nil, g.reject(fmt.Sprintf("unreadable authorization value %q", payload.Authorization.Value))
	}
	required, err := decimal.NewFromString(reqs.MaxAmountRequired)
	if err != nil {
		return nil, fmt.Errorf("parse required amount %q: %w", reqs.MaxAmountRequired, err)
	}
	if value.LessThan(required) {
		return nil, g.reject(fmt.Sprintf("authorized amount %s below required %s", value, required))
	}

	now := g.now().Unix()
	if payload.Authorization.ValidAfter > now {
		return nil, g.reject("authorization not yet valid")
	}
	if payload.Authorization.ValidBefore <= now {
		return nil, g.reject("authorization expired")
	}

	result, err := g.fac.Verify(ctx, payload, reqs)
	if err != nil {
		verifiedTotal.WithLabelValues("error").Inc()
		g.logger.Error("facilitator verify failed", slog.String("error", err.Error()))
		return nil, apierrors.NewBackendError("Payment verification is unavailable")
	}
	if !result.Valid {
		reason := result.InvalidReason
		if reason == "" {
			reason = "signature rejected"
		}
		return nil, g.reject(reason)
	}

	payer := payload.Authorization.From
	if result.Payer != "" {
		payer = result.Payer
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payment payload: %w", err)
	}
	sigHash := HashSignature(payload.Signature)
	consumed, err := g.payments.Consume(ctx, &models.Payment{
		SignatureHash: sigHash,
		Payer:         payer,
		Amount:        value,
		Asset:         g.cfg.Asset,
		Network:       g.cfg.Network,
		Payload:       raw,
	})
	if err != nil {
		verifiedTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("consume payment: %w", err)
	}
	if !consumed {
		verifiedTotal.WithLabelValues("replayed").Inc()
		g.logger.Warn("payment signature replayed",
			slog.String("signature_hash", sigHash),
			slog.String("payer", payer))
		return nil, apierrors.ErrPaymentAlreadyUsed
	}

	verifiedTotal.WithLabelValues("accepted").Inc()
	g.logger.Info("payment authorized",
		slog.String("signature_hash", sigHash),
		slog.String("payer", payer),
		slog.String("amount", value.String()),
		slog.String("asset", g.cfg.Asset))

	return &Authorization{
		SignatureHash: sigHash,
		Payer:         payer,
		Amount:        value,
		Payload:       payload,
	}, nil
}

func (g *Gate) reject(reason string) *apierrors.APIError {
	verifiedTotal.WithLabelValues("rejected").Inc()
	return apierrors.ErrPaymentRequired.WithMessage("Payment rejected: " + reason)
}

// Settle captures the payment for a terminal generation. Capture happens
// whether the generation succeeded or not: on this surface verification
// and execution are indivisible, so a failed generation is reported to
// the client but never refunded. Runs in the background; the caller is
// mid-settlement and must not block on the facilitator.
func (g *Gate) Settle(ctx context.Context, signatureHash string, succeeded bool) {
	g.settling.Add(1)
	go func() {
		defer g.settling.Done()
		g.settle(context.WithoutCancel(ctx), signatureHash, succeeded)
	}()
}

// Drain blocks until every in-flight settlement has finished. Called on
// shutdown after the engine stops producing terminal transitions.
func (g *Gate) Drain() {
	g.settling.Wait()
}

func (g *Gate) settle(ctx context.Context, signatureHash string, succeeded bool) {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	logger := g.logger.With(slog.String("signature_hash", signatureHash), slog.Bool("generation_succeeded", succeeded))

	p, err := g.payments.Get(ctx, signatureHash)
	if err != nil {
		settledTotal.WithLabelValues("error").Inc()
		logger.Error("load payment for settlement", slog.String("error", err.Error()))
		return
	}
	if p == nil {
		settledTotal.WithLabelValues("error").Inc()
		logger.Error("settling a payment that was never consumed")
		return
	}
	g.settleRow(ctx, p, logger)
}

// SettlePending retries settlement for consumed payments whose capture
// never went through, and reports how many settled. The sweep calls this
// on a timer.
func (g *Gate) SettlePending(ctx context.Context, olderThan time.Time, limit int) int {
	pending, err := g.payments.ListUnsettledBefore(ctx, olderThan, limit)
	if err != nil {
		g.logger.Error("list unsettled payments", slog.String("error", err.Error()))
		return 0
	}

	settled := 0
	for _, p := range pending {
		logger := g.logger.With(slog.String("signature_hash", p.SignatureHash), slog.Bool("retry", true))
		if g.settleRow(ctx, p, logger) {
			settled++
		}
	}
	return settled
}

// settleRow captures one consumed payment. Returns true once the row is
// settled, including when a racing caller already settled it.
func (g *Gate) settleRow(ctx context.Context, p *models.Payment, logger *slog.Logger) bool {
	if p.Settled {
		return true
	}

	payload := &models.PaymentPayload{}
	if err := json.Unmarshal(p.Payload, payload); err != nil || payload.Signature == "" {
		settledTotal.WithLabelValues("error").Inc()
		logger.Error("stored payment payload is unusable")
		return false
	}

	reqs := &models.PaymentRequirements{
		Scheme:            Scheme,
		Network:           p.Network,
		Asset:             p.Asset,
		PayTo:             g.cfg.Receiver,
		MaxAmountRequired: p.Amount.String(),
		MaxTimeoutSeconds: int(g.cfg.MaxTimeout.Seconds()),
	}
	result, err := g.fac.Settle(ctx, payload, reqs)
	if err != nil {
		settledTotal.WithLabelValues("error").Inc()
		logger.Error("facilitator settle failed", slog.String("error", err.Error()))
		return false
	}
	if !result.Success {
		// Leave the row unsettled so the sweep retries it.
		settledTotal.WithLabelValues("failed").Inc()
		logger.Warn("settlement rejected", slog.String("reason", result.ErrorReason))
		return false
	}

	if err := g.payments.MarkSettled(ctx, p.SignatureHash); err != nil {
		settledTotal.WithLabelValues("error").Inc()
		logger.Error("mark payment settled", slog.String("error", err.Error()))
		return false
	}
	settledTotal.WithLabelValues("settled").Inc()
	logger.Info("payment settled", slog.String("tx_hash", result.TxHash))
	return true
}
