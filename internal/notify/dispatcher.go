// Package notify routes terminal events to their consumers: spell
// continuations, platform relays, user webhooks, and x402 HTTP waiters.
// A bounded queue decouples the engine from slow receivers; delivery is
// at least once and consumers are idempotent by generation id.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/models"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manaforge_notify_deliveries_total",
			Help: "Event deliveries by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	dropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manaforge_notify_drops_total",
			Help: "Events dropped at enqueue because the queue was full",
		},
	)

	// The depth gauge binds to the first dispatcher; the process runs
	// exactly one outside tests.
	queueDepthOnce sync.Once
)

const defaultWorkers = 4

// Continuer resumes a spell cast when one of its steps reaches a
// terminal state. The dispatcher is the only caller.
type Continuer interface {
	Continue(ctx context.Context, castID string, gen *models.Generation) error
}

// Relay pushes terminal results to the originating chat platform.
// Implementations live with the platform adapters; a nil relay means
// clients read status over the API instead.
type Relay interface {
	DeliverGeneration(ctx context.Context, gen *models.Generation) error
	DeliverCast(ctx context.Context, cast *models.SpellCast) error
}

// Dispatcher fans terminal events out to their delivery routes with a
// fixed worker pool over a bounded queue. Enqueue never blocks: beyond
// capacity the event is dropped and the janitor re-emits it from the
// durable delivery mark.
type Dispatcher struct {
	cfg    config.DispatcherConfig
	logger *slog.Logger
	queue  chan *models.Event

	gens   repository.GenerationRepository
	casts  repository.SpellRepository
	sender *WebhookSender
	hub    *Hub

	mu        sync.RWMutex
	continuer Continuer
	relay     Relay
}

// NewDispatcher wires the dispatcher. The spell runner is attached
// afterwards via SetContinuer since it depends on the engine, which in
// turn emits into this dispatcher.
func NewDispatcher(
	cfg config.DispatcherConfig,
	gens repository.GenerationRepository,
	casts repository.SpellRepository,
	sender *WebhookSender,
	hub *Hub,
	logger *slog.Logger,
) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	d := &Dispatcher{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "dispatcher")),
		queue:  make(chan *models.Event, queueSize),
		gens:   gens,
		casts:  casts,
		sender: sender,
		hub:    hub,
	}
	queueDepthOnce.Do(func() {
		promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "manaforge_notify_queue_depth",
				Help: "Events waiting in the dispatch queue",
			},
			func() float64 { return float64(len(d.queue)) },
		)
	})
	return d
}

// SetContinuer attaches the spell runner.
func (d *Dispatcher) SetContinuer(c Continuer) {
	d.mu.Lock()
	d.continuer = c
	d.mu.Unlock()
}

// SetRelay attaches the platform relay.
func (d *Dispatcher) SetRelay(r Relay) {
	d.mu.Lock()
	d.relay = r
	d.mu.Unlock()
}

// Hub exposes the x402 waiter hub to the payment handler.
func (d *Dispatcher) Hub() *Hub { return d.hub }

// Depth is the number of queued events.
func (d *Dispatcher) Depth() int { return len(d.queue) }

// Saturated reports whether the queue is past the admission high-water
// mark. The engine refuses new work while this holds.
func (d *Dispatcher) Saturated() bool {
	return d.cfg.HighWater > 0 && len(d.queue) >= d.cfg.HighWater
}

// Enqueue queues a terminal event without blocking. A false return
// means the queue was full; the event's durable delivery mark stays
// pending and the janitor re-emits it.
func (d *Dispatcher) Enqueue(ev *models.Event) bool {
	select {
	case d.queue <- ev:
		return true
	default:
		dropsTotal.Inc()
		d.logger.Warn("dispatch queue full, dropping event for redelivery",
			slog.String("kind", string(ev.Kind)))
		return false
	}
}

// Run consumes the queue until ctx is cancelled. Blocks; callers start
// it on its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	workers := d.cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-d.queue:
					d.dispatch(ctx, ev)
				}
			}
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *models.Event) {
	switch ev.Kind {
	case models.EventGeneration:
		d.dispatchGeneration(ctx, ev.Generation)
	case models.EventCast:
		d.dispatchCast(ctx, ev.Cast)
	default:
		d.logger.Error("unknown event kind", slog.String("kind", string(ev.Kind)))
	}
}

func (d *Dispatcher) dispatchGeneration(ctx context.Context, gen *models.Generation) {
	switch gen.DeliveryStrategy {
	case models.DeliverSpellStep, models.DeliverSpellFinal:
		d.continueSpell(ctx, gen)

	case models.DeliverWebhook:
		d.deliverWebhook(ctx, gen)

	case models.DeliverX402:
		if d.hub.Deliver(gen) {
			d.markGeneration(ctx, gen.ID, models.DeliveryDone, "x402")
		} else {
			// The paying client went away; the record remains readable.
			d.markGeneration(ctx, gen.ID, models.DeliverySkipped, "x402")
		}

	case models.DeliverDirect:
		d.deliverDirect(ctx, gen)

	default:
		d.logger.Error("unknown delivery strategy",
			slog.String("generation_id", gen.ID),
			slog.String("strategy", string(gen.DeliveryStrategy)))
	}
}

// continueSpell hands a terminal step to the spell runner. The runner's
// advance is idempotent per (cast, step), so redelivery is safe.
func (d *Dispatcher) continueSpell(ctx context.Context, gen *models.Generation) {
	d.mu.RLock()
	continuer := d.continuer
	d.mu.RUnlock()

	if continuer == nil || gen.ParentCastID == nil {
		d.logger.Error("spell event with no continuation target",
			slog.String("generation_id", gen.ID))
		deliveriesTotal.WithLabelValues("spell", "error").Inc()
		return
	}
	if err := continuer.Continue(ctx, *gen.ParentCastID, gen); err != nil {
		d.logger.Error("spell continuation failed",
			slog.String("generation_id", gen.ID),
			slog.String("cast_id", *gen.ParentCastID),
			slog.String("error", err.Error()))
		deliveriesTotal.WithLabelValues("spell", "error").Inc()
		return
	}
	d.markGeneration(ctx, gen.ID, models.DeliveryDone, "spell")
}

func (d *Dispatcher) deliverWebhook(ctx context.Context, gen *models.Generation) {
	if gen.WebhookURL == nil {
		d.markGeneration(ctx, gen.ID, models.DeliverySkipped, "webhook")
		return
	}
	secret := ""
	if gen.WebhookSecret != nil {
		secret = *gen.WebhookSecret
	}
	err := d.sender.Send(ctx, *gen.WebhookURL, secret, GenerationPayload(gen))
	if err != nil {
		d.logger.Warn("webhook delivery exhausted",
			slog.String("generation_id", gen.ID),
			slog.String("error", err.Error()))
		d.markGeneration(ctx, gen.ID, models.DeliveryFailed, "webhook")
		return
	}
	d.markGeneration(ctx, gen.ID, models.DeliveryDone, "webhook")
}

// deliverDirect pushes the result to the originating chat surface.
// Cancelled generations are filtered: the user asked for the work to
// stop and gets no completion message.
func (d *Dispatcher) deliverDirect(ctx context.Context, gen *models.Generation) {
	if gen.Status == models.StatusCancelled {
		d.markGeneration(ctx, gen.ID, models.DeliverySkipped, "direct")
		return
	}

	d.mu.RLock()
	relay := d.relay
	d.mu.RUnlock()

	if relay == nil || gen.OriginPlatform == nil {
		// No push surface: the API projection is the delivery.
		d.markGeneration(ctx, gen.ID, models.DeliveryDone, "direct")
		return
	}
	if err := relay.DeliverGeneration(ctx, gen); err != nil {
		d.logger.Warn("direct delivery failed",
			slog.String("generation_id", gen.ID),
			slog.String("platform", *gen.OriginPlatform),
			slog.String("error", err.Error()))
		d.markGeneration(ctx, gen.ID, models.DeliveryFailed, "direct")
		return
	}
	d.markGeneration(ctx, gen.ID, models.DeliveryDone, "direct")
}

func (d *Dispatcher) dispatchCast(ctx context.Context, cast *models.SpellCast) {
	switch cast.DeliveryStrategy {
	case models.DeliverWebhook:
		if cast.WebhookURL == nil {
			d.markCast(ctx, cast.ID, models.DeliverySkipped, "webhook")
			return
		}
		secret := ""
		if cast.WebhookSecret != nil {
			secret = *cast.WebhookSecret
		}
		if err := d.sender.Send(ctx, *cast.WebhookURL, secret, CastPayload(cast)); err != nil {
			d.logger.Warn("cast webhook delivery exhausted",
				slog.String("cast_id", cast.ID),
				slog.String("error", err.Error()))
			d.markCast(ctx, cast.ID, models.DeliveryFailed, "webhook")
			return
		}
		d.markCast(ctx, cast.ID, models.DeliveryDone, "webhook")

	case models.DeliverDirect:
		if cast.Status == models.CastCancelled {
			d.markCast(ctx, cast.ID, models.DeliverySkipped, "direct")
			return
		}
		d.mu.RLock()
		relay := d.relay
		d.mu.RUnlock()
		if relay == nil || cast.OriginPlatform == nil {
			d.markCast(ctx, cast.ID, models.DeliveryDone, "direct")
			return
		}
		if err := relay.DeliverCast(ctx, cast); err != nil {
			d.logger.Warn("cast direct delivery failed",
				slog.String("cast_id", cast.ID),
				slog.String("error", err.Error()))
			d.markCast(ctx, cast.ID, models.DeliveryFailed, "direct")
			return
		}
		d.markCast(ctx, cast.ID, models.DeliveryDone, "direct")

	default:
		// Casts never carry spell_step or x402 intents.
		d.markCast(ctx, cast.ID, models.DeliverySkipped, string(cast.DeliveryStrategy))
	}
}

func (d *Dispatcher) markGeneration(ctx context.Context, id string, ds models.DeliveryStatus, route string) {
	deliveriesTotal.WithLabelValues(route, string(ds)).Inc()
	if err := d.gens.SetDeliveryStatus(ctx, id, ds); err != nil {
		d.logger.Error("mark generation delivery",
			slog.String("generation_id", id),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) markCast(ctx context.Context, id string, ds models.DeliveryStatus, route string) {
	deliveriesTotal.WithLabelValues(route, string(ds)).Inc()
	if err := d.casts.SetCastDeliveryStatus(ctx, id, ds); err != nil {
		d.logger.Error("mark cast delivery",
			slog.String("cast_id", id),
			slog.String("error", err.Error()))
	}
}

// NewEvent wraps a terminal generation for dispatch.
func NewEvent(gen *models.Generation) *models.Event {
	return &models.Event{Kind: models.EventGeneration, Generation: gen, EmittedAt: time.Now().UTC()}
}

// NewCastEvent wraps a terminal cast for dispatch.
func NewCastEvent(cast *models.SpellCast) *models.Event {
	return &models.Event{Kind: models.EventCast, Cast: cast, EmittedAt: time.Now().UTC()}
}
