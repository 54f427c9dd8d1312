package notify

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/models"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

// Delivery-mark fakes embed the repository interfaces; the dispatcher
// only ever calls the mark methods.

type fakeGenMarks struct {
	repository.GenerationRepository
	mu    sync.Mutex
	marks map[string]models.DeliveryStatus
}

func newFakeGenMarks() *fakeGenMarks {
	return &fakeGenMarks{marks: make(map[string]models.DeliveryStatus)}
}

func (f *fakeGenMarks) SetDeliveryStatus(_ context.Context, id string, ds models.DeliveryStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[id] = ds
	return nil
}

func (f *fakeGenMarks) mark(id string) models.DeliveryStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks[id]
}

type fakeCastMarks struct {
	repository.SpellRepository
	mu    sync.Mutex
	marks map[string]models.DeliveryStatus
}

func newFakeCastMarks() *fakeCastMarks {
	return &fakeCastMarks{marks: make(map[string]models.DeliveryStatus)}
}

func (f *fakeCastMarks) SetCastDeliveryStatus(_ context.Context, id string, ds models.DeliveryStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[id] = ds
	return nil
}

func (f *fakeCastMarks) mark(id string) models.DeliveryStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks[id]
}

type fakeContinuer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeContinuer) Continue(_ context.Context, castID string, gen *models.Generation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, castID+"/"+gen.ID)
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(sink{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type sink struct{}

func (sink) Write(p []byte) (int, error) { return len(p), nil }

func testDispatcher(gens *fakeGenMarks, casts *fakeCastMarks) (*Dispatcher, *Hub) {
	hub := NewHub()
	sender := NewWebhookSender(config.WebhookConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	d := NewDispatcher(config.DispatcherConfig{Workers: 1, QueueSize: 8, HighWater: 6}, gens, casts, sender, hub, discardLogger())
	return d, hub
}

func strptr(s string) *string { return &s }

func TestDispatchSpellStepRoutesToContinuer(t *testing.T) {
	gens := newFakeGenMarks()
	d, _ := testDispatcher(gens, newFakeCastMarks())
	cont := &fakeContinuer{}
	d.SetContinuer(cont)

	gen := &models.Generation{
		ID:               "gen1",
		Status:           models.StatusCompleted,
		DeliveryStrategy: models.DeliverSpellStep,
		ParentCastID:     strptr("cast1"),
	}
	d.dispatch(context.Background(), NewEvent(gen))

	assert.Equal(t, []string{"cast1/gen1"}, cont.calls)
	assert.Equal(t, models.DeliveryDone, gens.mark("gen1"))
}

func TestDispatchSpellStepWithoutCastLogsError(t *testing.T) {
	gens := newFakeGenMarks()
	d, _ := testDispatcher(gens, newFakeCastMarks())
	cont := &fakeContinuer{}
	d.SetContinuer(cont)

	gen := &models.Generation{
		ID:               "gen1",
		Status:           models.StatusCompleted,
		DeliveryStrategy: models.DeliverSpellFinal,
	}
	d.dispatch(context.Background(), NewEvent(gen))

	assert.Empty(t, cont.calls)
	assert.Empty(t, gens.mark("gen1"), "no delivery mark without a continuation")
}

func TestDispatchWebhookDelivers(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gens := newFakeGenMarks()
	d, _ := testDispatcher(gens, newFakeCastMarks())

	gen := &models.Generation{
		ID:               "gen1",
		Status:           models.StatusCompleted,
		DeliveryStrategy: models.DeliverWebhook,
		WebhookURL:       strptr(srv.URL),
		WebhookSecret:    strptr("whsec_x"),
	}
	d.dispatch(context.Background(), NewEvent(gen))

	assert.Equal(t, 1, hits)
	assert.Equal(t, models.DeliveryDone, gens.mark("gen1"))
}

func TestDispatchWebhookExhaustionMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gens := newFakeGenMarks()
	d, _ := testDispatcher(gens, newFakeCastMarks())

	gen := &models.Generation{
		ID:               "gen1",
		Status:           models.StatusCompleted,
		DeliveryStrategy: models.DeliverWebhook,
		WebhookURL:       strptr(srv.URL),
	}
	d.dispatch(context.Background(), NewEvent(gen))

	assert.Equal(t, models.DeliveryFailed, gens.mark("gen1"))
}

func TestDispatchWebhookWithoutURLSkips(t *testing.T) {
	gens := newFakeGenMarks()
	d, _ := testDispatcher(gens, newFakeCastMarks())

	gen := &models.Generation{
		ID:               "gen1",
		Status:           models.StatusCompleted,
		DeliveryStrategy: models.DeliverWebhook,
	}
	d.dispatch(context.Background(), NewEvent(gen))

	assert.Equal(t, models.DeliverySkipped, gens.mark("gen1"))
}

func TestDispatchX402DeliversToWaiter(t *testing.T) {
	gens := newFakeGenMarks()
	d, hub := testDispatcher(gens, newFakeCastMarks())

	ch := hub.Wait("gen1")
	gen := &models.Generation{
		ID:               "gen1",
		Status:           models.StatusCompleted,
		DeliveryStrategy: models.DeliverX402,
	}
	d.dispatch(context.Background(), NewEvent(gen))

	select {
	case got := <-ch:
		assert.Equal(t, "gen1", got.ID)
	default:
		t.Fatal("waiter did not receive the terminal record")
	}
	assert.Equal(t, models.DeliveryDone, gens.mark("gen1"))
}

func TestDispatchX402WithoutWaiterSkips(t *testing.T) {
	gens := newFakeGenMarks()
	d, _ := testDispatcher(gens, newFakeCastMarks())

	gen := &models.Generation{
		ID:               "gen1",
		Status:           models.StatusCompleted,
		DeliveryStrategy: models.DeliverX402,
	}
	d.dispatch(context.Background(), NewEvent(gen))

	assert.Equal(t, models.DeliverySkipped, gens.mark("gen1"))
}

func TestDispatchDirectCancelledSkips(t *testing.T) {
	gens := newFakeGenMarks()
	d, _ := testDispatcher(gens, newFakeCastMarks())

	gen := &models.Generation{
		ID:               "gen1",
		Status:           models.StatusCancelled,
		DeliveryStrategy: models.DeliverDirect,
	}
	d.dispatch(context.Background(), NewEvent(gen))

	assert.Equal(t, models.DeliverySkipped, gens.mark("gen1"), "cancelled work sends no completion message")
}

func TestDispatchDirectWithoutRelayCompletes(t *testing.T) {
	gens := newFakeGenMarks()
	d, _ := testDispatcher(gens, newFakeCastMarks())

	gen := &models.Generation{
		ID:               "gen1",
		Status:           models.StatusCompleted,
		DeliveryStrategy: models.DeliverDirect,
		OriginPlatform:   strptr("discord"),
	}
	d.dispatch(context.Background(), NewEvent(gen))

	assert.Equal(t, models.DeliveryDone, gens.mark("gen1"), "API projection is the delivery when no relay is attached")
}

func TestDispatchCastWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	casts := newFakeCastMarks()
	d, _ := testDispatcher(newFakeGenMarks(), casts)

	cast := &models.SpellCast{
		ID:               "cast1",
		Status:           models.CastCompleted,
		DeliveryStrategy: models.DeliverWebhook,
		WebhookURL:       strptr(srv.URL),
	}
	d.dispatch(context.Background(), NewCastEvent(cast))

	assert.Equal(t, models.DeliveryDone, casts.mark("cast1"))
}

func TestEnqueueRefusesWhenFull(t *testing.T) {
	d := NewDispatcher(config.DispatcherConfig{Workers: 1, QueueSize: 2, HighWater: 2}, newFakeGenMarks(), newFakeCastMarks(), testSender(1), NewHub(), discardLogger())

	gen := &models.Generation{ID: "g", Status: models.StatusCompleted, DeliveryStrategy: models.DeliverDirect}
	assert.True(t, d.Enqueue(NewEvent(gen)))
	assert.True(t, d.Enqueue(NewEvent(gen)))
	assert.False(t, d.Enqueue(NewEvent(gen)), "a full queue refuses instead of blocking")
}

func TestSaturatedAtHighWater(t *testing.T) {
	d := NewDispatcher(config.DispatcherConfig{Workers: 1, QueueSize: 4, HighWater: 2}, newFakeGenMarks(), newFakeCastMarks(), testSender(1), NewHub(), discardLogger())

	gen := &models.Generation{ID: "g", Status: models.StatusCompleted, DeliveryStrategy: models.DeliverDirect}
	assert.False(t, d.Saturated())
	require.True(t, d.Enqueue(NewEvent(gen)))
	assert.False(t, d.Saturated())
	require.True(t, d.Enqueue(NewEvent(gen)))
	assert.True(t, d.Saturated(), "admission closes at the high-water mark, before the queue is full")
}

func TestRunDrainsQueue(t *testing.T) {
	gens := newFakeGenMarks()
	d, _ := testDispatcher(gens, newFakeCastMarks())

	gen := &models.Generation{ID: "gen1", Status: models.StatusCompleted, DeliveryStrategy: models.DeliverDirect}
	require.True(t, d.Enqueue(NewEvent(gen)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return gens.mark("gen1") == models.DeliveryDone
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on cancel")
	}
}

func TestHubForgetDropsWaiter(t *testing.T) {
	hub := NewHub()
	hub.Wait("gen1")
	hub.Forget("gen1")

	delivered := hub.Deliver(&models.Generation{ID: "gen1"})
	assert.False(t, delivered)
}
