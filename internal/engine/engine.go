// Package engine executes single tool invocations: it owns the
// generation state machine, the delivery modes against the backends,
// and the one settlement-and-notify path every terminal transition
// funnels through.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/manaforge-ai/manaforge/internal/backend"
	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/ledger"
	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/ulid"
	"github.com/manaforge-ai/manaforge/internal/quote"
	"github.com/manaforge-ai/manaforge/internal/registry"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

var (
	generationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manaforge_engine_generations_total",
			Help: "Generations reaching a terminal status, by status and error code",
		},
		[]string{"status", "code"},
	)

	admissionRefusals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manaforge_engine_admission_refusals_total",
			Help: "Requests refused because the dispatch queue was saturated",
		},
	)

	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "manaforge_engine_generation_duration_seconds",
			Help:    "Queued-to-terminal latency by tool",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"tool"},
	)
)

// retryAfterHint is returned with admission refusals.
const retryAfterHint = 2 * time.Second

// EventSink receives exactly one terminal event per generation. The
// notification dispatcher implements it.
type EventSink interface {
	Enqueue(ev *models.Event) bool
	Saturated() bool
}

// PaymentSettler finalizes a consumed x402 payment once its generation
// is terminal. The payment gate implements it.
type PaymentSettler interface {
	Settle(ctx context.Context, signatureHash string, succeeded bool)
}

// Request is one validated, quoted invocation ready to run. The front
// door, the x402 handler, and the spell runner all build these.
type Request struct {
	UserID         uuid.UUID
	Tool           *models.ToolDefinition
	Inputs         json.RawMessage // normalized snapshot from the registry
	Quote          *quote.Quote
	Strategy       models.DeliveryStrategy
	IdempotencyKey string

	OriginPlatform string
	OriginAddress  string
	ReplyTo        string

	WebhookURL    string
	WebhookSecret string

	// PaymentSigHash marks an x402-funded generation; the ledger is
	// bypassed because the payment was captured up front.
	PaymentSigHash string

	// Spell step linkage.
	ParentCastID string
	StepIndex    *int
}

// Engine coordinates generation execution.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	gens     repository.GenerationRepository
	payments repository.PaymentRepository
	ledger   *ledger.Service
	registry *registry.Registry
	quoter   *quote.Quoter
	backends *backend.Router
	sink     EventSink
	settler  PaymentSettler
}

// New wires the engine. settler may be nil when the x402 surface is
// disabled.
func New(
	cfg *config.Config,
	gens repository.GenerationRepository,
	payments repository.PaymentRepository,
	ledgerSvc *ledger.Service,
	reg *registry.Registry,
	quoter *quote.Quoter,
	backends *backend.Router,
	sink EventSink,
	settler PaymentSettler,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "engine")),
		gens:     gens,
		payments: payments,
		ledger:   ledgerSvc,
		registry: reg,
		quoter:   quoter,
		backends: backends,
		sink:     sink,
		settler:  settler,
	}
}

// Execute runs one invocation. Immediate tools return their terminal
// record synchronously; webhook and poll tools return the running
// record and finish through the callback or poller paths.
func (e *Engine) Execute(ctx context.Context, req *Request) (*models.Generation, error) {
	// Admission control: a saturated dispatch queue means terminal
	// events are backing up, so no new work is admitted.
	if e.sink.Saturated() {
		admissionRefusals.Inc()
		return nil, apierrors.ErrRateLimited.
			WithMessage("Service is at capacity. Please retry shortly.").
			WithRetryAfter(retryAfterHint)
	}

	// Replays with the same idempotency key get the original record,
	// whatever state it reached.
	if req.IdempotencyKey != "" {
		existing, err := e.gens.GetByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	gen := e.newGeneration(req)
	if err := e.gens.Create(ctx, gen); err != nil {
		if repository.IsUniqueViolation(err) && req.IdempotencyKey != "" {
			existing, lookupErr := e.gens.GetByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create generation: %w", err)
	}

	if gen.LedgerFunded() {
		if err := e.ledger.Reserve(ctx, req.UserID, gen.ID, gen.QuotedCredits); err != nil {
			if apiErr := apierrors.AsAPIError(err); apiErr.Code == apierrors.CodeInsufficientCredits {
				// No reserve exists, so the terminal path settles nothing.
				terminal := e.finalize(ctx, gen.ID, models.StatusFailed, nil,
					apierrors.CodeInsufficientCredits, "balance below quoted cost", req.Tool, 0)
				return terminal, apiErr
			}
			terminal := e.finalize(ctx, gen.ID, models.StatusFailed, nil,
				apierrors.CodeInternal, "ledger reserve failed", req.Tool, 0)
			return terminal, err
		}
	} else if err := e.payments.AttachGeneration(ctx, *gen.PaymentSigHash, gen.ID); err != nil {
		return nil, fmt.Errorf("attach payment: %w", err)
	}

	switch req.Tool.DeliveryMode {
	case models.ModeImmediate:
		return e.runImmediate(ctx, gen, req.Tool)
	case models.ModeWebhook, models.ModePoll:
		return e.submitAsync(ctx, gen, req.Tool)
	default:
		e.finalize(ctx, gen.ID, models.StatusFailed, nil,
			apierrors.CodeInternal, fmt.Sprintf("unknown delivery mode %q", req.Tool.DeliveryMode), req.Tool, 0)
		return nil, apierrors.NewInternalError("tool has an unknown delivery mode")
	}
}

// Cancel stops a queued or running generation. After a terminal status
// it is a no-op returning the record as-is.
func (e *Engine) Cancel(ctx context.Context, generationID string) (*models.Generation, error) {
	gen, err := e.gens.Get(ctx, generationID)
	if err != nil {
		return nil, fmt.Errorf("get generation: %w", err)
	}
	if gen == nil {
		return nil, apierrors.NewNotFoundError("Generation")
	}
	if gen.Status.Terminal() {
		return gen, nil
	}

	// Best-effort upstream cancel; the terminal transition below is the
	// authoritative stop.
	if gen.Backend != nil && gen.BackendJobID != nil {
		if client, cerr := e.backends.For(models.BackendBinding{Backend: *gen.Backend}); cerr == nil {
			cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if cerr := client.Cancel(cancelCtx, *gen.BackendJobID); cerr != nil {
				e.logger.Warn("backend cancel failed",
					slog.String("generation_id", gen.ID),
					slog.String("error", cerr.Error()))
			}
			cancel()
		}
	}

	tool, _ := e.registry.Get(gen.ToolID)
	updated := e.finalize(ctx, gen.ID, models.StatusCancelled, nil,
		apierrors.CodeCancelled, "cancelled by user", tool, 0)
	if updated == nil {
		// A completion or failure won the race; report what stands.
		return e.gens.Get(ctx, generationID)
	}
	return updated, nil
}

// Get returns a generation by id, nil when absent.
func (e *Engine) Get(ctx context.Context, generationID string) (*models.Generation, error) {
	return e.gens.Get(ctx, generationID)
}

// newGeneration builds the queued record for a request.
func (e *Engine) newGeneration(req *Request) *models.Generation {
	gen := &models.Generation{
		ID:               ulid.New(),
		UserID:           req.UserID,
		ToolID:           req.Tool.ID,
		Inputs:           req.Inputs,
		Status:           models.StatusQueued,
		DeliveryStrategy: req.Strategy,
		QuotedCredits:    req.Quote.Credits,
		QuotedUSD:        req.Quote.USD,
	}
	if req.IdempotencyKey != "" {
		gen.IdempotencyKey = &req.IdempotencyKey
	}
	if req.OriginPlatform != "" {
		gen.OriginPlatform = &req.OriginPlatform
	}
	if req.OriginAddress != "" {
		gen.OriginAddress = &req.OriginAddress
	}
	if req.ReplyTo != "" {
		gen.ReplyTo = &req.ReplyTo
	}
	if req.WebhookURL != "" {
		gen.WebhookURL = &req.WebhookURL
	}
	if req.WebhookSecret != "" {
		gen.WebhookSecret = &req.WebhookSecret
	}
	if req.PaymentSigHash != "" {
		gen.PaymentSigHash = &req.PaymentSigHash
	}
	if req.ParentCastID != "" {
		gen.ParentCastID = &req.ParentCastID
		gen.StepIndex = req.StepIndex
	}
	return gen
}

// finalize is the single settlement-and-notify path. The guarded SQL
// transition picks exactly one winner per generation; the winner settles
// funding and emits exactly one terminal event. Losers get nil.
func (e *Engine) finalize(
	ctx context.Context,
	generationID string,
	to models.GenerationStatus,
	outputs json.RawMessage,
	errorCode, errorMessage string,
	tool *models.ToolDefinition,
	runtime time.Duration,
) *models.Generation {
	var codePtr, msgPtr *string
	if errorCode != "" {
		codePtr, msgPtr = &errorCode, &errorMessage
	}

	gen, err := e.gens.TransitionTerminal(ctx, generationID, to, outputs, codePtr, msgPtr)
	if err != nil {
		e.logger.Error("terminal transition failed",
			slog.String("generation_id", generationID),
			slog.String("to", string(to)),
			slog.String("error", err.Error()))
		return nil
	}
	if gen == nil {
		return nil
	}

	e.settle(ctx, gen, tool, runtime)

	generationsTotal.WithLabelValues(string(gen.Status), errorCode).Inc()
	generationDuration.WithLabelValues(gen.ToolID).Observe(time.Since(gen.QueuedAt).Seconds())
	e.logger.Info("generation terminal",
		slog.String("generation_id", gen.ID),
		slog.String("tool_id", gen.ToolID),
		slog.String("status", string(gen.Status)),
		slog.String("code", errorCode))

	e.sink.Enqueue(notifyEvent(gen))
	return gen
}

// settle moves money for a terminal generation: ledger commit or
// release, or the x402 payment settlement.
func (e *Engine) settle(ctx context.Context, gen *models.Generation, tool *models.ToolDefinition, runtime time.Duration) {
	if gen.LedgerFunded() {
		switch gen.Status {
		case models.StatusCompleted:
			charged := e.quoter.ActualCredits(tool, gen.QuotedCredits, runtime)
			if charged > gen.QuotedCredits {
				charged = gen.QuotedCredits
			}
			if err := e.ledger.Commit(ctx, gen.ID, charged); err != nil {
				e.logger.Error("ledger commit failed",
					slog.String("generation_id", gen.ID),
					slog.String("error", err.Error()))
				return
			}
			if err := e.gens.SetCharged(ctx, gen.ID, charged); err == nil {
				gen.ChargedCredits = &charged
			}
		default:
			if err := e.ledger.Release(ctx, gen.ID, string(gen.Status)); err != nil {
				e.logger.Error("ledger release failed",
					slog.String("generation_id", gen.ID),
					slog.String("error", err.Error()))
			}
		}
		return
	}

	// x402: the payment was captured up front and failures are not
	// refunded; settlement just closes it out with the facilitator.
	if gen.Status == models.StatusCompleted {
		charged := gen.QuotedCredits
		if err := e.gens.SetCharged(ctx, gen.ID, charged); err == nil {
			gen.ChargedCredits = &charged
		}
	}
	if e.settler != nil && gen.PaymentSigHash != nil {
		e.settler.Settle(ctx, *gen.PaymentSigHash, gen.Status == models.StatusCompleted)
	}
}

// EmitTerminal re-enqueues the terminal event for an already-terminal
// generation. The redeliver endpoint and the janitor use it; settlement
// never reruns.
func (e *Engine) EmitTerminal(gen *models.Generation) bool {
	return e.sink.Enqueue(notifyEvent(gen))
}

func notifyEvent(gen *models.Generation) *models.Event {
	return &models.Event{
		Kind:       models.EventGeneration,
		Generation: gen,
		EmittedAt:  time.Now().UTC(),
	}
}

// callbackURL is where the backend posts completion for this generation.
func (e *Engine) callbackURL(generationID string) string {
	return strings.TrimSuffix(e.cfg.Webhook.CallbackBaseURL, "/") + "/callbacks/backend/" + generationID
}

// hardTimeout returns the tool's hard ceiling with the config default.
func (e *Engine) hardTimeout(tool *models.ToolDefinition) time.Duration {
	if tool != nil && tool.HardTimeout > 0 {
		return tool.HardTimeout
	}
	return e.cfg.Registry.DefaultHardTimeout
}

// softTimeout returns the tool's soft ceiling with the config default.
func (e *Engine) softTimeout(tool *models.ToolDefinition) time.Duration {
	if tool != nil && tool.SoftTimeout > 0 {
		return tool.SoftTimeout
	}
	return e.cfg.Registry.DefaultSoftTimeout
}
