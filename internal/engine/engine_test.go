package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge-ai/manaforge/internal/backend"
	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/ledger"
	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/retry"
	"github.com/manaforge-ai/manaforge/internal/pkg/ulid"
	"github.com/manaforge-ai/manaforge/internal/quote"
	"github.com/manaforge-ai/manaforge/internal/registry"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

// --- Mock Repositories ---

type mockGenRepo struct {
	mu   sync.Mutex
	gens map[string]*models.Generation
}

func newMockGenRepo() *mockGenRepo {
	return &mockGenRepo{gens: make(map[string]*models.Generation)}
}

func (m *mockGenRepo) Create(ctx context.Context, g *models.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.IdempotencyKey != nil {
		for _, existing := range m.gens {
			if existing.UserID == g.UserID && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *g.IdempotencyKey {
				return &pgconn.PgError{Code: "23505"}
			}
		}
	}
	g.DeliveryStatus = models.DeliveryPending
	g.Version = 1
	g.QueuedAt = time.Now()
	m.gens[g.ID] = cloneGen(g)
	return nil
}

func (m *mockGenRepo) Get(ctx context.Context, id string) (*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok {
		return nil, nil
	}
	return cloneGen(g), nil
}

func (m *mockGenRepo) GetByJobID(ctx context.Context, jobID string) (*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.gens {
		if g.BackendJobID != nil && *g.BackendJobID == jobID {
			return cloneGen(g), nil
		}
	}
	return nil, nil
}

func (m *mockGenRepo) GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.gens {
		if g.UserID == userID && g.IdempotencyKey != nil && *g.IdempotencyKey == key {
			return cloneGen(g), nil
		}
	}
	return nil, nil
}

func (m *mockGenRepo) BatchGet(ctx context.Context, ids []string) ([]*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Generation
	for _, id := range ids {
		if g, ok := m.gens[id]; ok {
			out = append(out, cloneGen(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockGenRepo) MarkRunning(ctx context.Context, id, backendName string, jobID *string, nextPollAt, softDeadline, hardDeadline *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok || g.Status != models.StatusQueued {
		return false, nil
	}
	now := time.Now()
	g.Status = models.StatusRunning
	g.Backend = &backendName
	g.BackendJobID = jobID
	g.StartedAt = &now
	g.NextPollAt = nextPollAt
	g.SoftDeadline = softDeadline
	g.HardDeadline = hardDeadline
	g.Version++
	return true, nil
}

func (m *mockGenRepo) UpdateOptimistic(ctx context.Context, g *models.Generation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.gens[g.ID]
	if !ok || stored.Version != g.Version {
		return false, nil
	}
	stored.DeliveryStatus = g.DeliveryStatus
	stored.WebhookURL = g.WebhookURL
	stored.WebhookSecret = g.WebhookSecret
	stored.Version++
	g.Version++
	return true, nil
}

func (m *mockGenRepo) TransitionTerminal(ctx context.Context, id string, to models.GenerationStatus, outputs json.RawMessage, errorCode, errorMessage *string) (*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok || g.Status.Terminal() {
		return nil, nil
	}
	now := time.Now()
	g.Status = to
	if outputs != nil {
		g.Outputs = outputs
	}
	g.ErrorCode = errorCode
	g.ErrorMessage = errorMessage
	g.CompletedAt = &now
	g.NextPollAt = nil
	g.Version++
	return cloneGen(g), nil
}

func (m *mockGenRepo) SetCharged(ctx context.Context, id string, charged int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gens[id]; ok {
		g.ChargedCredits = &charged
		g.Version++
	}
	return nil
}

func (m *mockGenRepo) SetDeliveryStatus(ctx context.Context, id string, ds models.DeliveryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gens[id]; ok {
		g.DeliveryStatus = ds
		g.Version++
	}
	return nil
}

func (m *mockGenRepo) UpdatePollSchedule(ctx context.Context, id string, attempts int, nextPollAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gens[id]; ok && g.Status == models.StatusRunning {
		g.PollAttempts = attempts
		g.NextPollAt = &nextPollAt
		g.Version++
	}
	return nil
}

func (m *mockGenRepo) ListByUser(ctx context.Context, userID uuid.UUID, beforeID string, limit int) ([]*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Generation
	for _, g := range m.gens {
		if g.UserID == userID && (beforeID == "" || g.ID < beforeID) {
			out = append(out, cloneGen(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockGenRepo) ListByCast(ctx context.Context, castID string) ([]*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Generation
	for _, g := range m.gens {
		if g.ParentCastID != nil && *g.ParentCastID == castID {
			out = append(out, cloneGen(g))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return derefInt(out[i].StepIndex) < derefInt(out[j].StepIndex)
	})
	return out, nil
}

func (m *mockGenRepo) ListDuePolls(ctx context.Context, now time.Time, limit int) ([]*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Generation
	for _, g := range m.gens {
		if g.Status == models.StatusRunning && g.NextPollAt != nil && !g.NextPollAt.After(now) {
			out = append(out, cloneGen(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextPollAt.Before(*out[j].NextPollAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockGenRepo) ListUndelivered(ctx context.Context, cutoff time.Time, limit int) ([]*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Generation
	for _, g := range m.gens {
		if g.Status.Terminal() && g.DeliveryStatus == models.DeliveryPending &&
			g.CompletedAt != nil && g.CompletedAt.Before(cutoff) {
			out = append(out, cloneGen(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockGenRepo) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Generation
	for _, g := range m.gens {
		if g.Status == models.StatusRunning && g.HardDeadline != nil && g.HardDeadline.Before(now) {
			out = append(out, cloneGen(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HardDeadline.Before(*out[j].HardDeadline) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockGenRepo) ListByStatusStrategy(ctx context.Context, status models.GenerationStatus, strategy models.DeliveryStrategy, limit int) ([]*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Generation
	for _, g := range m.gens {
		if g.Status == status && g.DeliveryStrategy == strategy {
			out = append(out, cloneGen(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// put stores a generation directly, for tests that start mid-lifecycle.
func (m *mockGenRepo) put(g *models.Generation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.Version == 0 {
		g.Version = 1
	}
	m.gens[g.ID] = cloneGen(g)
}

func cloneGen(g *models.Generation) *models.Generation {
	c := *g
	return &c
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

type mockLedgerRepo struct {
	mu           sync.Mutex
	seq          int64
	entries      []*models.LedgerEntry
	reservations map[string]*models.Reservation
}

func newMockLedgerRepo() *mockLedgerRepo {
	return &mockLedgerRepo{reservations: make(map[string]*models.Reservation)}
}

func (m *mockLedgerRepo) append(userID uuid.UUID, amount int64, reason models.EntryReason, genID, chainEventID, note string) {
	m.seq++
	e := &models.LedgerEntry{
		ID:        ulid.New(),
		Seq:       m.seq,
		UserID:    userID,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	if genID != "" {
		e.GenerationID = &genID
	}
	if chainEventID != "" {
		e.ChainEventID = &chainEventID
	}
	if note != "" {
		e.Note = &note
	}
	m.entries = append(m.entries, e)
}

func (m *mockLedgerRepo) balanceLocked(userID uuid.UUID) int64 {
	var sum int64
	for _, e := range m.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum
}

func (m *mockLedgerRepo) Reserve(ctx context.Context, userID uuid.UUID, generationID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reservations[generationID]; exists {
		return nil
	}
	if m.balanceLocked(userID) < amount {
		return repository.ErrInsufficientBalance
	}
	m.append(userID, -amount, models.ReasonDebit, generationID, "", "")
	m.reservations[generationID] = &models.Reservation{
		GenerationID: generationID,
		UserID:       userID,
		Amount:       amount,
		State:        models.ReservationOpen,
		CreatedAt:    time.Now(),
	}
	return nil
}

func (m *mockLedgerRepo) Commit(ctx context.Context, generationID string, charged int64) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[generationID]
	if !ok || res.State != models.ReservationOpen {
		return nil, nil
	}
	if charged < 0 {
		charged = 0
	}
	if charged > res.Amount {
		charged = res.Amount
	}
	if overage := res.Amount - charged; overage > 0 {
		m.append(res.UserID, overage, models.ReasonRefund, generationID, "", "")
	}
	now := time.Now()
	res.State = models.ReservationCommitted
	res.SettledAt = &now
	c := *res
	return &c, nil
}

func (m *mockLedgerRepo) Release(ctx context.Context, generationID, note string) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[generationID]
	if !ok || res.State != models.ReservationOpen {
		return nil, nil
	}
	if res.Amount > 0 {
		m.append(res.UserID, res.Amount, models.ReasonRefund, generationID, "", note)
	}
	now := time.Now()
	res.State = models.ReservationReleased
	res.SettledAt = &now
	c := *res
	return &c, nil
}

func (m *mockLedgerRepo) Credit(ctx context.Context, userID uuid.UUID, amount int64, chainEventID, note string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ChainEventID != nil && *e.ChainEventID == chainEventID {
			return false, nil
		}
	}
	m.append(userID, amount, models.ReasonDeposit, "", chainEventID, note)
	return true, nil
}

func (m *mockLedgerRepo) Adjust(ctx context.Context, userID uuid.UUID, amount int64, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount < 0 && m.balanceLocked(userID)+amount < 0 {
		return repository.ErrInsufficientBalance
	}
	m.append(userID, amount, models.ReasonAdjust, "", "", note)
	return nil
}

func (m *mockLedgerRepo) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(userID), nil
}

func (m *mockLedgerRepo) Entries(ctx context.Context, userID uuid.UUID, beforeSeq int64, limit int) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.UserID == userID && (beforeSeq == 0 || e.Seq < beforeSeq) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockLedgerRepo) GetReservation(ctx context.Context, generationID string) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[generationID]
	if !ok {
		return nil, nil
	}
	c := *res
	return &c, nil
}

func (m *mockLedgerRepo) OpenReservationsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Reservation
	for _, res := range m.reservations {
		if res.State == models.ReservationOpen && res.CreatedAt.Before(cutoff) {
			c := *res
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type mockPaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*models.Payment
}

func newMockPaymentRepo() *mockPaymentRepo {
	return &mockPaymentRepo{payments: make(map[string]*models.Payment)}
}

func (m *mockPaymentRepo) Consume(ctx context.Context, p *models.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.payments[p.SignatureHash]; exists {
		return false, nil
	}
	p.CreatedAt = time.Now()
	c := *p
	m.payments[p.SignatureHash] = &c
	return true, nil
}

func (m *mockPaymentRepo) Get(ctx context.Context, signatureHash string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[signatureHash]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (m *mockPaymentRepo) AttachGeneration(ctx context.Context, signatureHash, generationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[signatureHash]; ok {
		p.GenerationID = &generationID
	}
	return nil
}

func (m *mockPaymentRepo) MarkSettled(ctx context.Context, signatureHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[signatureHash]; ok {
		now := time.Now()
		p.Settled = true
		p.SettledAt = &now
	}
	return nil
}

func (m *mockPaymentRepo) ListUnsettledBefore(ctx context.Context, olderThan time.Time, limit int) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.payments {
		if p.Settled || p.GenerationID == nil || !p.CreatedAt.Before(olderThan) {
			continue
		}
		c := *p
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- Fake collaborators ---

type fakeSink struct {
	mu        sync.Mutex
	events    []*models.Event
	saturated bool
}

func (s *fakeSink) Enqueue(ev *models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *fakeSink) Saturated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saturated
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeSink) last() *models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

type settleCall struct {
	sigHash   string
	succeeded bool
}

type fakeSettler struct {
	mu    sync.Mutex
	calls []settleCall
}

func (s *fakeSettler) Settle(ctx context.Context, signatureHash string, succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, settleCall{sigHash: signatureHash, succeeded: succeeded})
}

// fakeBackend is a scripted backend client. Poll pops results off
// pollQueue in order; the last element repeats.
type fakeBackend struct {
	mu        sync.Mutex
	name      string
	execRes   *backend.Result
	execErr   error
	submitID  string
	submitErr error
	pollQueue []*backend.Result
	pollErr   error
	fetchRes  *backend.Result
	fetchErr  error

	lastJob   *backend.Job
	cancelled []string
}

func (f *fakeBackend) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeBackend) Execute(ctx context.Context, job *backend.Job) (*backend.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastJob = job
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.execRes, nil
}

func (f *fakeBackend) Submit(ctx context.Context, job *backend.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastJob = job
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if f.submitID == "" {
		return "job-1", nil
	}
	return f.submitID, nil
}

func (f *fakeBackend) Poll(ctx context.Context, jobID string) (*backend.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.pollQueue) == 0 {
		return &backend.Result{Status: backend.JobRunning, JobID: jobID}, nil
	}
	res := f.pollQueue[0]
	if len(f.pollQueue) > 1 {
		f.pollQueue = f.pollQueue[1:]
	}
	return res, nil
}

func (f *fakeBackend) Fetch(ctx context.Context, jobID string) (*backend.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.fetchRes, nil
}

func (f *fakeBackend) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeBackend) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled)
}

// --- Test wiring ---

const immediateTool = `{
	"id": "instant.echo", "name": "Echo", "description": "Synchronous echo.",
	"delivery_mode": "immediate",
	"input_schema": {"type": "object", "properties": {"prompt": {"type": "string"}}, "required": ["prompt"]},
	"cost": {"kind": "static", "amount_usd": "0.05"},
	"backend": {"backend": "fake", "endpoint": "echo"},
	"hard_timeout": "30s"
}`

const lenientTool = `{
	"id": "instant.silent", "name": "Silent", "description": "May finish with nothing.",
	"delivery_mode": "immediate",
	"input_schema": {"type": "object", "properties": {"prompt": {"type": "string"}}, "required": ["prompt"]},
	"cost": {"kind": "static", "amount_usd": "0.05"},
	"backend": {"backend": "fake", "endpoint": "silent"},
	"empty_output_ok": true
}`

const pollTool = `{
	"id": "slow.render", "name": "Render", "description": "Long-running render.",
	"delivery_mode": "poll",
	"input_schema": {"type": "object", "properties": {"prompt": {"type": "string"}}, "required": ["prompt"]},
	"cost": {"kind": "per_second", "hardware_class": "gpu-a10"},
	"avg_runtime": "200s",
	"backend": {"backend": "fake", "endpoint": "wf-render"},
	"poll_interval": "50ms", "soft_timeout": "2s", "hard_timeout": "5s"
}`

const webhookTool = `{
	"id": "hook.render", "name": "Hooked Render", "description": "Callback-driven render.",
	"delivery_mode": "webhook",
	"input_schema": {"type": "object", "properties": {"prompt": {"type": "string"}}, "required": ["prompt"]},
	"cost": {"kind": "static", "amount_usd": "0.10"},
	"backend": {"backend": "fake", "endpoint": "wf-hook"},
	"hard_timeout": "5s"
}`

type testEngine struct {
	engine   *Engine
	gens     *mockGenRepo
	ledger   *mockLedgerRepo
	payments *mockPaymentRepo
	sink     *fakeSink
	settler  *fakeSettler
	backend  *fakeBackend
	registry *registry.Registry
	userID   uuid.UUID
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	dir := t.TempDir()
	for i, tool := range []string{immediateTool, lenientTool, pollTool, webhookTool} {
		path := filepath.Join(dir, fmt.Sprintf("tool_%d.json", i))
		require.NoError(t, os.WriteFile(path, []byte(tool), 0o644))
	}

	logger := testLogger()

	reg := registry.New(config.RegistryConfig{
		ToolsDir:           dir,
		DefaultSoftTimeout: 2 * time.Second,
		DefaultHardTimeout: 5 * time.Second,
	}, logger)
	require.NoError(t, reg.Load(context.Background()))

	quoter, err := quote.New(config.CreditsConfig{
		PerUSD:        100,
		Tolerance:     0.25,
		HardwareRates: map[string]string{"gpu-a10": "0.0005"},
	})
	require.NoError(t, err)

	cfg := &config.Config{
		Registry: config.RegistryConfig{
			DefaultSoftTimeout: 2 * time.Second,
			DefaultHardTimeout: 5 * time.Second,
		},
		Webhook: config.WebhookConfig{CallbackBaseURL: "http://svc.internal:8080"},
	}

	te := &testEngine{
		gens:     newMockGenRepo(),
		ledger:   newMockLedgerRepo(),
		payments: newMockPaymentRepo(),
		sink:     &fakeSink{},
		settler:  &fakeSettler{},
		backend:  &fakeBackend{name: "fake"},
		registry: reg,
		userID:   uuid.New(),
	}
	te.engine = New(
		cfg,
		te.gens,
		te.payments,
		ledger.NewService(te.ledger, logger),
		reg,
		quoter,
		backend.NewRouterFromClients(te.backend),
		te.sink,
		te.settler,
		logger,
	)
	return te
}

// fund seeds the user's balance through a deposit entry.
func (te *testEngine) fund(t *testing.T, credits int64) {
	t.Helper()
	applied, err := te.ledger.Credit(context.Background(), te.userID, credits, "seed-"+ulid.New(), "test seed")
	require.NoError(t, err)
	require.True(t, applied)
}

func (te *testEngine) balance(t *testing.T) int64 {
	t.Helper()
	bal, err := te.ledger.Balance(context.Background(), te.userID)
	require.NoError(t, err)
	return bal
}

// request builds an executable request for the named tool.
func (te *testEngine) request(t *testing.T, toolID string) *Request {
	t.Helper()
	tool, ok := te.registry.Get(toolID)
	require.True(t, ok)

	inputs := json.RawMessage(`{"prompt":"a fox"}`)
	q, err := te.engine.quoter.QuoteTool(tool, inputs)
	require.NoError(t, err)

	return &Request{
		UserID:   te.userID,
		Tool:     tool,
		Inputs:   inputs,
		Quote:    q,
		Strategy: models.DeliverDirect,
	}
}

// --- Execute ---

func TestExecuteImmediateCompletes(t *testing.T) {
	te := newTestEngine(t)
	te.fund(t, 100)
	te.backend.execRes = &backend.Result{
		Status:  backend.JobCompleted,
		Outputs: json.RawMessage(`{"text":"a fox appears"}`),
	}

	gen, err := te.engine.Execute(context.Background(), te.request(t, "instant.echo"))
	require.NoError(t, err)
	require.NotNil(t, gen)

	assert.Equal(t, models.StatusCompleted, gen.Status)
	assert.JSONEq(t, `{"text":"a fox appears"}`, string(gen.Outputs))
	require.NotNil(t, gen.ChargedCredits)
	assert.EqualValues(t, 5, *gen.ChargedCredits) // $0.05 at 100 credits/USD

	// Reserve was committed in full: 100 - 5.
	assert.EqualValues(t, 95, te.balance(t))
	res, err := te.ledger.GetReservation(context.Background(), gen.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, models.ReservationCommitted, res.State)

	assert.Equal(t, 1, te.sink.count())
	assert.Equal(t, models.EventGeneration, te.sink.last().Kind)
}

func TestExecuteInsufficientCredits(t *testing.T) {
	te := newTestEngine(t)
	te.fund(t, 2) // quote is 5

	gen, err := te.engine.Execute(context.Background(), te.request(t, "instant.echo"))
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeInsufficientCredits, apierrors.AsAPIError(err).Code)

	// The failed record comes back alongside the error, with nothing
	// held or charged.
	require.NotNil(t, gen)
	assert.Equal(t, models.StatusFailed, gen.Status)
	require.NotNil(t, gen.ErrorCode)
	assert.Equal(t, apierrors.CodeInsufficientCredits, *gen.ErrorCode)
	assert.EqualValues(t, 2, te.balance(t))
	assert.Equal(t, 1, te.sink.count())
}

func TestExecuteIdempotentReplay(t *testing.T) {
	te := newTestEngine(t)
	te.fund(t, 100)
	te.backend.execRes = &backend.Result{
		Status:  backend.JobCompleted,
		Outputs: json.RawMessage(`{"text":"once"}`),
	}

	req := te.request(t, "instant.echo")
	req.IdempotencyKey = "retry-123"

	first, err := te.engine.Execute(context.Background(), req)
	require.NoError(t, err)

	replay, err := te.engine.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, replay.ID)
	assert.EqualValues(t, 95, te.balance(t)) // debited exactly once
	assert.Equal(t, 1, te.sink.count())      // one terminal event total
}

func TestExecuteRefusedWhenSaturated(t *testing.T) {
	te := newTestEngine(t)
	te.fund(t, 100)
	te.sink.saturated = true

	gen, err := te.engine.Execute(context.Background(), te.request(t, "instant.echo"))
	require.Error(t, err)
	assert.Nil(t, gen)

	apiErr := apierrors.AsAPIError(err)
	assert.Equal(t, apierrors.CodeRateLimited, apiErr.Code)
	assert.Greater(t, apiErr.RetryAfter, time.Duration(0))

	// Nothing was admitted.
	te.gens.mu.Lock()
	assert.Empty(t, te.gens.gens)
	te.gens.mu.Unlock()
	assert.EqualValues(t, 100, te.balance(t))
}

func TestExecuteImmediateBackendFailure(t *testing.T) {
	te := newTestEngine(t)
	te.fund(t, 100)
	te.backend.execErr = &retry.HTTPStatusError{StatusCode: 500, Message: "GPU pool exhausted"}

	gen, err := te.engine.Execute(context.Background(), te.request(t, "instant.echo"))
	require.Error(t, err)
	require.NotNil(t, gen)

	assert.Equal(t, models.StatusFailed, gen.Status)
	require.NotNil(t, gen.ErrorCode)
	assert.Equal(t, apierrors.CodeBackendError, *gen.ErrorCode)
	assert.Contains(t, *gen.ErrorMessage, "GPU pool exhausted")

	// Full refund on failure.
	assert.EqualValues(t, 100, te.balance(t))
	res, err := te.ledger.GetReservation(context.Background(), gen.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationReleased, res.State)
	assert.Equal(t, 1, te.sink.count())
}

func TestExecuteImmediateTimeout(t *testing.T) {
	te := newTestEngine(t)
	te.fund(t, 100)
	te.backend.execErr = context.DeadlineExceeded

	gen, err := te.engine.Execute(context.Background(), te.request(t, "instant.echo"))
	require.Error(t, err)
	require.NotNil(t, gen)

	assert.Equal(t, apierrors.CodeBackendTimeout, apierrors.AsAPIError(err).Code)
	require.NotNil(t, gen.ErrorCode)
	assert.Equal(t, apierrors.CodeBackendTimeout, *gen.ErrorCode)
	assert.EqualValues(t, 100, te.balance(t))
}

func TestExecuteEmptyOutputs(t *testing.T) {
	t.Run("rejected by default", func(t *testing.T) {
		te := newTestEngine(t)
		te.fund(t, 100)
		te.backend.execRes = &backend.Result{Status: backend.JobCompleted}

		gen, err := te.engine.Execute(context.Background(), te.request(t, "instant.echo"))
		require.Error(t, err)
		require.NotNil(t, gen)
		assert.Equal(t, models.StatusFailed, gen.Status)
		assert.Equal(t, apierrors.CodeBackendError, *gen.ErrorCode)
		assert.EqualValues(t, 100, te.balance(t)) // released
	})

	t.Run("allowed when the tool opts in", func(t *testing.T) {
		te := newTestEngine(t)
		te.fund(t, 100)
		te.backend.execRes = &backend.Result{Status: backend.JobCompleted}

		gen, err := te.engine.Execute(context.Background(), te.request(t, "instant.silent"))
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, gen.Status)
		assert.EqualValues(t, 95, te.balance(t))
	})
}

func TestSubmitWebhookMode(t *testing.T) {
	te := newTestEngine(t)
	te.fund(t, 100)
	te.backend.submitID = "wf-789"

	gen, err := te.engine.Execute(context.Background(), te.request(t, "hook.render"))
	require.NoError(t, err)
	require.NotNil(t, gen)

	assert.Equal(t, models.StatusRunning, gen.Status)
	require.NotNil(t, gen.BackendJobID)
	assert.Equal(t, "wf-789", *gen.BackendJobID)
	assert.Nil(t, gen.NextPollAt) // completion arrives via callback
	require.NotNil(t, gen.HardDeadline)

	// The backend got our callback address with the generation id in it.
	require.NotNil(t, te.backend.lastJob)
	assert.Equal(t, "http://svc.internal:8080/callbacks/backend/"+gen.ID, te.backend.lastJob.CallbackURL)

	// Still holding the reserve, nothing emitted yet.
	assert.EqualValues(t, 90, te.balance(t))
	assert.Equal(t, 0, te.sink.count())
}

func TestSubmitPollMode(t *testing.T) {
	te := newTestEngine(t)
	te.fund(t, 100)

	gen, err := te.engine.Execute(context.Background(), te.request(t, "slow.render"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusRunning, gen.Status)
	require.NotNil(t, gen.NextPollAt)
	require.NotNil(t, gen.SoftDeadline)
	require.NotNil(t, gen.HardDeadline)
	assert.True(t, gen.HardDeadline.After(*gen.SoftDeadline))
	assert.Empty(t, te.backend.lastJob.CallbackURL)
}

func TestSubmitFailureSettlesImmediately(t *testing.T) {
	te := newTestEngine(t)
	te.fund(t, 100)
	te.backend.submitErr = &retry.HTTPStatusError{StatusCode: 503, Message: "queue full"}

	gen, err := te.engine.Execute(context.Background(), te.request(t, "slow.render"))
	require.Error(t, err)
	require.NotNil(t, gen)

	assert.Equal(t, models.StatusFailed, gen.Status)
	assert.EqualValues(t, 100, te.balance(t))
	assert.Equal(t, 1, te.sink.count())
}

func TestExecuteX402Payment(t *testing.T) {
	te := newTestEngine(t) // deliberately unfunded: payment bypasses the ledger
	te.backend.execRes = &backend.Result{
		Status:  backend.JobCompleted,
		Outputs: json.RawMessage(`{"text":"paid work"}`),
	}

	sigHash := "abc123"
	_, err := te.payments.Consume(context.Background(), &models.Payment{SignatureHash: sigHash})
	require.NoError(t, err)

	req := te.request(t, "instant.echo")
	req.Strategy = models.DeliverX402
	req.PaymentSigHash = sigHash

	gen, err := te.engine.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, gen.Status)
	require.NotNil(t, gen.ChargedCredits)
	assert.Equal(t, gen.QuotedCredits, *gen.ChargedCredits)

	// No ledger movement, payment linked and settled as success.
	assert.EqualValues(t, 0, te.balance(t))
	p, err := te.payments.Get(context.Background(), sigHash)
	require.NoError(t, err)
	require.NotNil(t, p.GenerationID)
	assert.Equal(t, gen.ID, *p.GenerationID)

	require.Len(t, te.settler.calls, 1)
	assert.Equal(t, sigHash, te.settler.calls[0].sigHash)
	assert.True(t, te.settler.calls[0].succeeded)
}

func TestExecuteX402FailureNotRefunded(t *testing.T) {
	te := newTestEngine(t)
	te.backend.execErr = &retry.HTTPStatusError{StatusCode: 500, Message: "boom"}

	sigHash := "def456"
	_, err := te.payments.Consume(context.Background(), &models.Payment{SignatureHash: sigHash})
	require.NoError(t, err)

	req := te.request(t, "instant.echo")
	req.Strategy = models.DeliverX402
	req.PaymentSigHash = sigHash

	gen, err := te.engine.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, gen.Status)
	assert.Nil(t, gen.ChargedCredits)

	require.Len(t, te.settler.calls, 1)
	assert.False(t, te.settler.calls[0].succeeded)
}

// --- Cancel ---

func TestCancelRunningGeneration(t *testing.T) {
	te := newTestEngine(t)
	te.fund(t, 100)

	gen, err := te.engine.Execute(context.Background(), te.request(t, "slow.render"))
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, gen.Status)

	cancelled, err := te.engine.Cancel(context.Background(), gen.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, apierrors.CodeCancelled, *cancelled.ErrorCode)

	assert.Equal(t, 1, te.backend.cancelCount())
	assert.EqualValues(t, 100, te.balance(t)) // hold released
	assert.Equal(t, 1, te.sink.count())
}

func TestCancelTerminalIsNoOp(t *testing.T) {
	te := newTestEngine(t)
	te.fund(t, 100)
	te.backend.execRes = &backend.Result{
		Status:  backend.JobCompleted,
		Outputs: json.RawMessage(`{"text":"done"}`),
	}

	gen, err := te.engine.Execute(context.Background(), te.request(t, "instant.echo"))
	require.NoError(t, err)

	again, err := te.engine.Cancel(context.Background(), gen.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, again.Status)

	// The completion stands: charged once, one event.
	assert.EqualValues(t, 95, te.balance(t))
	assert.Equal(t, 1, te.sink.count())
}

func TestCancelUnknownGeneration(t *testing.T) {
	te := newTestEngine(t)

	_, err := te.engine.Cancel(context.Background(), "01XNOPE")
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeNotFound, apierrors.AsAPIError(err).Code)
}

// --- Settlement races ---

func TestDoubleFinalizeSettlesOnce(t *testing.T) {
	te := newTestEngine(t)
	te.fund(t, 100)

	gen, err := te.engine.Execute(context.Background(), te.request(t, "slow.render"))
	require.NoError(t, err)

	tool, _ := te.registry.Get("slow.render")
	first := te.engine.finalize(context.Background(), gen.ID, models.StatusCompleted,
		json.RawMessage(`{"url":"out.png"}`), "", "", tool, 10*time.Second)
	require.NotNil(t, first)

	second := te.engine.finalize(context.Background(), gen.ID, models.StatusFailed,
		nil, apierrors.CodeBackendTimeout, "late timeout", tool, 0)
	assert.Nil(t, second)

	// One settlement, one event; the completion's charge stands.
	assert.Equal(t, 1, te.sink.count())
	stored, err := te.gens.Get(context.Background(), gen.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
}

func TestPerSecondChargeClampedToQuote(t *testing.T) {
	te := newTestEngine(t)
	te.fund(t, 100)

	gen, err := te.engine.Execute(context.Background(), te.request(t, "slow.render"))
	require.NoError(t, err)
	quoted := gen.QuotedCredits

	// Backend reports a runtime far past the estimate; the charge must
	// not exceed the reserve.
	tool, _ := te.registry.Get("slow.render")
	terminal := te.engine.finalize(context.Background(), gen.ID, models.StatusCompleted,
		json.RawMessage(`{"url":"out.png"}`), "", "", tool, time.Hour)
	require.NotNil(t, terminal)

	require.NotNil(t, terminal.ChargedCredits)
	assert.LessOrEqual(t, *terminal.ChargedCredits, quoted)
	assert.GreaterOrEqual(t, te.balance(t), int64(100)-quoted)
}

func TestPerSecondShortRuntimeRefundsOverage(t *testing.T) {
	te := newTestEngine(t)
	te.fund(t, 100)

	gen, err := te.engine.Execute(context.Background(), te.request(t, "slow.render"))
	require.NoError(t, err)
	quoted := gen.QuotedCredits
	require.Greater(t, quoted, int64(0))

	// 2s at $0.0005/s = $0.001 → 1 credit charged (rounded up from 0.1).
	tool, _ := te.registry.Get("slow.render")
	terminal := te.engine.finalize(context.Background(), gen.ID, models.StatusCompleted,
		json.RawMessage(`{"url":"out.png"}`), "", "", tool, 2*time.Second)
	require.NotNil(t, terminal)

	require.NotNil(t, terminal.ChargedCredits)
	assert.EqualValues(t, 1, *terminal.ChargedCredits)
	assert.EqualValues(t, 99, te.balance(t))
}

func onlyGeneration(t *testing.T, repo *mockGenRepo) *models.Generation {
	t.Helper()
	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.gens, 1)
	for _, g := range repo.gens {
		return cloneGen(g)
	}
	return nil
}
