// Package spell executes stored multi-step definitions. A cast walks
// its steps strictly in order: each step runs as one generation through
// the engine, and the dispatcher feeds the terminal result back into
// Continue to advance the cast or cascade its failure.
package spell

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/manaforge-ai/manaforge/internal/engine"
	"github.com/manaforge-ai/manaforge/internal/ledger"
	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/ulid"
	"github.com/manaforge-ai/manaforge/internal/quote"
	"github.com/manaforge-ai/manaforge/internal/registry"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

var (
	castsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manaforge_spell_casts_total",
			Help: "Spell casts reaching a terminal status",
		},
		[]string{"status"},
	)

	stepsDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manaforge_spell_steps_dispatched_total",
			Help: "Spell steps handed to the engine",
		},
	)
)

// Executor runs one step invocation. The engine implements it.
type Executor interface {
	Execute(ctx context.Context, req *engine.Request) (*models.Generation, error)
	Cancel(ctx context.Context, generationID string) (*models.Generation, error)
}

// GenerationLister reads back a cast's generations. The generation
// repository implements it.
type GenerationLister interface {
	ListByCast(ctx context.Context, castID string) ([]*models.Generation, error)
}

// EventSink receives the cast-level terminal event. The dispatcher
// implements it.
type EventSink interface {
	Enqueue(ev *models.Event) bool
}

// Intent is the cast-level delivery request. Step generations route
// back here; only the cast's own terminal event carries this intent.
type Intent struct {
	Strategy       models.DeliveryStrategy
	OriginPlatform string
	OriginAddress  string
	ReplyTo        string
	WebhookURL     string
	WebhookSecret  string
}

// Runner owns the cast state machine.
type Runner struct {
	logger   *slog.Logger
	spells   repository.SpellRepository
	gens     GenerationLister
	exec     Executor
	registry *registry.Registry
	quoter   *quote.Quoter
	ledger   *ledger.Service
	sink     EventSink
}

// NewRunner wires the spell runner.
func NewRunner(
	spells repository.SpellRepository,
	gens GenerationLister,
	exec Executor,
	reg *registry.Registry,
	quoter *quote.Quoter,
	ledgerSvc *ledger.Service,
	sink EventSink,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		logger:   logger.With(slog.String("component", "spell")),
		spells:   spells,
		gens:     gens,
		exec:     exec,
		registry: reg,
		quoter:   quoter,
		ledger:   ledgerSvc,
		sink:     sink,
	}
}

// Cast validates parameters, quotes the whole spell, creates the cast
// and dispatches step 0. The returned cast is usually running; the rest
// of the walk is event-driven through Continue.
func (r *Runner) Cast(ctx context.Context, def *models.Spell, params json.RawMessage, userID uuid.UUID, intent Intent) (*models.SpellCast, error) {
	if len(def.Steps) == 0 {
		return nil, apierrors.NewValidationError("steps", "spell has no steps")
	}

	normalized, err := r.validateParams(def, params)
	if err != nil {
		return nil, err
	}

	total, err := r.quoteSpell(def, normalized)
	if err != nil {
		return nil, err
	}

	// Advisory check only: each step reserves for itself at dispatch, so
	// the balance can still fall short mid-cast.
	if err := r.ledger.Quote(ctx, userID, total); err != nil {
		return nil, err
	}

	strategy := intent.Strategy
	if strategy == "" {
		strategy = models.DeliverDirect
	}
	cast := &models.SpellCast{
		ID:               ulid.New(),
		SpellID:          def.ID,
		SpellVersion:     def.Version,
		UserID:           userID,
		Parameters:       normalized,
		QuotedCredits:    total,
		DeliveryStrategy: strategy,
	}
	if intent.OriginPlatform != "" {
		cast.OriginPlatform = &intent.OriginPlatform
	}
	if intent.OriginAddress != "" {
		cast.OriginAddress = &intent.OriginAddress
	}
	if intent.ReplyTo != "" {
		cast.ReplyTo = &intent.ReplyTo
	}
	if intent.WebhookURL != "" {
		cast.WebhookURL = &intent.WebhookURL
	}
	if intent.WebhookSecret != "" {
		cast.WebhookSecret = &intent.WebhookSecret
	}
	if err := r.spells.CreateCast(ctx, cast); err != nil {
		return nil, fmt.Errorf("create cast: %w", err)
	}

	r.logger.Info("cast started",
		slog.String("cast_id", cast.ID),
		slog.String("spell_id", def.ID),
		slog.Int("steps", len(def.Steps)),
		slog.Int64("quoted_credits", total))

	if err := r.dispatch(ctx, cast, def, 0, 0, nil); err != nil {
		// A cast with no generations has no pending event to retry
		// from, so a step-0 dispatch failure fails the cast here.
		apiErr := apierrors.AsAPIError(err)
		step0 := 0
		r.failCast(ctx, cast.ID, &step0, apiErr.Code, fmt.Sprintf("step 0: %s", apiErr.Message))
		if fresh, gerr := r.spells.GetCast(ctx, cast.ID); gerr == nil && fresh != nil {
			return fresh, err
		}
		return cast, err
	}

	fresh, err := r.spells.GetCast(ctx, cast.ID)
	if err != nil || fresh == nil {
		return cast, nil
	}
	return fresh, nil
}

// Continue advances a cast after one of its generations went terminal.
// The dispatcher is the only caller; redelivered events are no-ops. A
// returned error leaves the delivery mark pending so the event is
// re-emitted later.
func (r *Runner) Continue(ctx context.Context, castID string, gen *models.Generation) error {
	if gen.StepIndex == nil {
		return fmt.Errorf("generation %s carries no step index", gen.ID)
	}
	if !gen.Status.Terminal() {
		return fmt.Errorf("generation %s is not terminal", gen.ID)
	}

	cast, err := r.spells.GetCast(ctx, castID)
	if err != nil {
		return fmt.Errorf("get cast: %w", err)
	}
	if cast == nil {
		return apierrors.NewNotFoundError("Cast")
	}
	if cast.Status.Terminal() {
		return nil
	}

	steps, err := r.gens.ListByCast(ctx, castID)
	if err != nil {
		return fmt.Errorf("list cast generations: %w", err)
	}

	// Charge totals are recomputed from the generations, not
	// accumulated, so a redelivered event cannot double-count.
	charged := int64(0)
	for _, g := range steps {
		if g.ChargedCredits != nil {
			charged += *g.ChargedCredits
		}
	}
	if charged != cast.ChargedCredits {
		if err := r.spells.SetCastCharged(ctx, castID, charged); err != nil {
			return fmt.Errorf("set cast charge: %w", err)
		}
		cast.ChargedCredits = charged
	}

	switch gen.Status {
	case models.StatusCompleted:
		def, err := r.spells.GetSpell(ctx, cast.SpellID)
		if err != nil {
			return fmt.Errorf("get spell: %w", err)
		}
		if def == nil {
			r.failCast(ctx, cast.ID, gen.StepIndex, apierrors.CodeInternal, "spell definition is gone")
			return nil
		}
		if *gen.StepIndex >= len(def.Steps)-1 {
			r.finishCompleted(ctx, cast.ID, gen.Outputs)
			return nil
		}
		return r.dispatch(ctx, cast, def, *gen.StepIndex+1, charged, steps)

	case models.StatusFailed:
		r.finishCast(ctx, cast.ID, models.CastFailed, gen.StepIndex, gen.ErrorCode, gen.ErrorMessage)
		return nil

	case models.StatusCancelled:
		r.finishCast(ctx, cast.ID, models.CastCancelled, gen.StepIndex, gen.ErrorCode, gen.ErrorMessage)
		return nil
	}
	return nil
}

// CancelCast stops a running cast: the in-flight step is cancelled
// upstream and the cast goes terminal immediately. After a terminal
// status it is a no-op returning the cast as-is.
func (r *Runner) CancelCast(ctx context.Context, castID string) (*models.SpellCast, error) {
	cast, err := r.spells.GetCast(ctx, castID)
	if err != nil {
		return nil, fmt.Errorf("get cast: %w", err)
	}
	if cast == nil {
		return nil, apierrors.NewNotFoundError("Cast")
	}
	if cast.Status.Terminal() {
		return cast, nil
	}

	steps, err := r.gens.ListByCast(ctx, castID)
	if err != nil {
		return nil, fmt.Errorf("list cast generations: %w", err)
	}
	var stepIdx *int
	for _, g := range steps {
		if g.Status.Terminal() {
			continue
		}
		stepIdx = g.StepIndex
		if _, cerr := r.exec.Cancel(ctx, g.ID); cerr != nil {
			r.logger.Warn("step cancel failed",
				slog.String("cast_id", castID),
				slog.String("generation_id", g.ID),
				slog.String("error", cerr.Error()))
		}
	}

	code := apierrors.CodeCancelled
	msg := "cancelled by user"
	finished := r.finishCast(ctx, castID, models.CastCancelled, stepIdx, &code, &msg)
	if finished == nil {
		// A step event finished the cast first; report what stands.
		return r.spells.GetCast(ctx, castID)
	}
	return finished, nil
}

// validateParams checks the cast parameters against the spell's exposed
// schema and returns the normalized document.
func (r *Runner) validateParams(def *models.Spell, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var tree any
	if err := json.Unmarshal(params, &tree); err != nil {
		return nil, apierrors.NewValidationError("parameters", "must be a JSON object")
	}
	if _, ok := tree.(map[string]any); !ok {
		return nil, apierrors.NewValidationError("parameters", "must be a JSON object")
	}

	if len(def.Parameters) > 0 && string(def.Parameters) != "null" {
		var doc any
		if err := json.Unmarshal(def.Parameters, &doc); err != nil {
			return nil, apierrors.NewInternalError("spell parameter schema is unreadable")
		}
		compiler := jsonschema.NewCompiler()
		resource := def.ID + ".params.json"
		if err := compiler.AddResource(resource, doc); err != nil {
			return nil, apierrors.NewInternalError("spell parameter schema does not compile")
		}
		schema, err := compiler.Compile(resource)
		if err != nil {
			return nil, apierrors.NewInternalError("spell parameter schema does not compile")
		}
		if err := schema.Validate(tree); err != nil {
			return nil, apierrors.NewValidationError("parameters", err.Error())
		}
	}

	normalized, err := json.Marshal(tree)
	if err != nil {
		return nil, apierrors.NewValidationError("parameters", err.Error())
	}
	return normalized, nil
}

// quoteSpell prices every step from what is resolvable at cast time and
// validates binding shape. Pricing inputs must not depend on step
// outputs, or the quote could not exist before the cast runs.
func (r *Runner) quoteSpell(def *models.Spell, params json.RawMessage) (int64, error) {
	paramVals := map[string]json.RawMessage{}
	if err := json.Unmarshal(params, &paramVals); err != nil {
		return 0, apierrors.NewValidationError("parameters", "must be a JSON object")
	}

	var total int64
	for i, st := range def.Steps {
		tool, ok := r.registry.Get(st.ToolID)
		if !ok {
			return 0, apierrors.NewValidationError(
				fmt.Sprintf("steps[%d]", i), fmt.Sprintf("tool %q is not in the catalog", st.ToolID))
		}

		known := map[string]json.RawMessage{}
		for _, field := range sortedFields(st.Bindings) {
			b := st.Bindings[field]
			switch b.Source {
			case models.BindLiteral:
				if len(b.Value) == 0 {
					return 0, bindingError(i, field, "literal binding has no value")
				}
				known[field] = b.Value
			case models.BindParameter:
				if b.Parameter == "" {
					return 0, bindingError(i, field, "parameter binding names no parameter")
				}
				if v, ok := paramVals[b.Parameter]; ok {
					known[field] = v
				}
			case models.BindStep:
				if b.Step < 0 || b.Step >= i {
					return 0, bindingError(i, field, "may only reference an earlier step")
				}
				if b.Output == "" {
					return 0, bindingError(i, field, "step binding names no output")
				}
			default:
				return 0, bindingError(i, field, fmt.Sprintf("unknown binding source %q", b.Source))
			}
		}

		// Per-unit pricing has to be computable now, so its fields may
		// not come from step outputs.
		if tool.Cost.Kind == models.CostPerUnit {
			for _, field := range []string{tool.Cost.UnitField, tool.Cost.TierField} {
				if field == "" {
					continue
				}
				if b, ok := st.Bindings[field]; ok && b.Source == models.BindStep {
					return 0, bindingError(i, field, "pricing fields cannot be bound to step outputs")
				}
			}
		}

		inputs, err := json.Marshal(known)
		if err != nil {
			return 0, apierrors.NewInternalError(err.Error())
		}
		q, err := r.quoter.QuoteTool(tool, inputs)
		if err != nil {
			apiErr := apierrors.AsAPIError(err)
			return 0, apierrors.NewValidationError(fmt.Sprintf("steps[%d]", i), apiErr.Message)
		}
		total += q.Credits
	}
	return total, nil
}

// dispatch resolves one step's inputs and hands it to the engine.
// Deterministic resolution failures fail the cast; transient errors
// propagate so the triggering event is redelivered.
func (r *Runner) dispatch(ctx context.Context, cast *models.SpellCast, def *models.Spell, step int, charged int64, prior []*models.Generation) error {
	// A redelivered event must not dispatch the same step twice.
	for _, g := range prior {
		if g.StepIndex != nil && *g.StepIndex == step {
			r.logger.Info("step already dispatched",
				slog.String("cast_id", cast.ID),
				slog.Int("step", step))
			return nil
		}
	}

	st := def.Steps[step]
	tool, ok := r.registry.Get(st.ToolID)
	if !ok {
		r.failCast(ctx, cast.ID, &step, apierrors.CodeInternal,
			fmt.Sprintf("step %d: tool %q is not in the catalog", step, st.ToolID))
		return nil
	}

	inputs, apiErr := resolveBindings(step, st, cast.Parameters, prior)
	if apiErr != nil {
		r.failCast(ctx, cast.ID, &step, apiErr.Code, apiErr.Message)
		return nil
	}

	// Alias migration, defaults and schema checks run against the
	// current tool definition, which may postdate the stored spell.
	normalized, err := r.registry.ValidateInputs(tool.ID, inputs)
	if err != nil {
		apiErr := apierrors.AsAPIError(err)
		r.failCast(ctx, cast.ID, &step, apiErr.Code,
			fmt.Sprintf("step %d inputs: %s", step, apiErr.Message))
		return nil
	}

	q, err := r.quoter.QuoteTool(tool, normalized)
	if err != nil {
		apiErr := apierrors.AsAPIError(err)
		r.failCast(ctx, cast.ID, &step, apiErr.Code,
			fmt.Sprintf("step %d quote: %s", step, apiErr.Message))
		return nil
	}

	// Resolved inputs can price higher than the cast-time estimate; the
	// quoted budget plus tolerance is the ceiling.
	budget := float64(cast.QuotedCredits) * (1 + r.quoter.Tolerance(tool))
	if float64(charged+q.Credits) > budget {
		r.failCast(ctx, cast.ID, &step, apierrors.CodeInsufficientCredits,
			fmt.Sprintf("step %d needs %d credits on top of %d already spent, past the quoted budget of %d",
				step, q.Credits, charged, cast.QuotedCredits))
		return nil
	}

	strategy := models.DeliverSpellStep
	if step == len(def.Steps)-1 {
		strategy = models.DeliverSpellFinal
	}
	stepIdx := step
	req := &engine.Request{
		UserID:         cast.UserID,
		Tool:           tool,
		Inputs:         normalized,
		Quote:          q,
		Strategy:       strategy,
		IdempotencyKey: fmt.Sprintf("%s:%d", cast.ID, step),
		ParentCastID:   cast.ID,
		StepIndex:      &stepIdx,
	}

	stepsDispatched.Inc()
	gen, execErr := r.exec.Execute(ctx, req)
	if gen != nil {
		if err := r.spells.AppendGeneration(ctx, cast.ID, gen.ID, step); err != nil {
			r.logger.Error("append generation failed",
				slog.String("cast_id", cast.ID),
				slog.String("generation_id", gen.ID),
				slog.String("error", err.Error()))
		}
	}
	if execErr != nil {
		if gen == nil {
			// Nothing was created and no event will cascade. Refusals
			// here are transient (admission control, storage), so the
			// error propagates and redelivery retries the step.
			return fmt.Errorf("dispatch step %d: %w", step, execErr)
		}
		// A terminal record exists; its event drives the cascade.
		r.logger.Warn("step failed at dispatch",
			slog.String("cast_id", cast.ID),
			slog.String("generation_id", gen.ID),
			slog.Int("step", step),
			slog.String("error", execErr.Error()))
	}
	return nil
}

// finishCompleted closes out a cast whose last step completed.
func (r *Runner) finishCompleted(ctx context.Context, castID string, finalOutput json.RawMessage) {
	finished, err := r.spells.FinishCast(ctx, castID, models.CastCompleted, nil, nil, nil, finalOutput)
	if err != nil {
		r.logger.Error("cast completion failed",
			slog.String("cast_id", castID),
			slog.String("error", err.Error()))
		return
	}
	if finished == nil {
		return
	}
	castsTotal.WithLabelValues(string(models.CastCompleted)).Inc()
	r.logger.Info("cast completed",
		slog.String("cast_id", castID),
		slog.Int64("charged_credits", finished.ChargedCredits))
	r.emit(finished)
}

// failCast fails a running cast with a structured error.
func (r *Runner) failCast(ctx context.Context, castID string, step *int, code, message string) {
	r.finishCast(ctx, castID, models.CastFailed, step, &code, &message)
}

// finishCast is the shared terminal transition: the guarded update picks
// one winner, which emits the cast-level event.
func (r *Runner) finishCast(ctx context.Context, castID string, status models.CastStatus, step *int, code, message *string) *models.SpellCast {
	finished, err := r.spells.FinishCast(ctx, castID, status, step, code, message, nil)
	if err != nil {
		r.logger.Error("cast terminal transition failed",
			slog.String("cast_id", castID),
			slog.String("to", string(status)),
			slog.String("error", err.Error()))
		return nil
	}
	if finished == nil {
		return nil
	}
	castsTotal.WithLabelValues(string(status)).Inc()
	r.logger.Warn("cast terminal",
		slog.String("cast_id", castID),
		slog.String("status", string(status)),
		slog.String("code", deref(code)),
		slog.String("error", deref(message)))
	r.emit(finished)
	return finished
}

// emit queues the cast-level terminal event. A full queue leaves the
// delivery mark pending for the janitor to re-issue.
func (r *Runner) emit(cast *models.SpellCast) {
	ev := &models.Event{
		Kind:      models.EventCast,
		Cast:      cast,
		EmittedAt: time.Now().UTC(),
	}
	if !r.sink.Enqueue(ev) {
		r.logger.Warn("dispatch queue full, cast event deferred",
			slog.String("cast_id", cast.ID))
	}
}

// resolveBindings builds a step's input document. Bindings resolve in
// field order so the first broken one reported is deterministic.
func resolveBindings(step int, st models.SpellStep, params json.RawMessage, prior []*models.Generation) (json.RawMessage, *apierrors.APIError) {
	paramVals := map[string]json.RawMessage{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &paramVals); err != nil {
			return nil, apierrors.NewValidationError("parameters", "must be a JSON object")
		}
	}

	resolved := map[string]json.RawMessage{}
	for _, field := range sortedFields(st.Bindings) {
		b := st.Bindings[field]
		switch b.Source {
		case models.BindLiteral:
			resolved[field] = b.Value

		case models.BindParameter:
			if v, ok := paramVals[b.Parameter]; ok {
				resolved[field] = v
			}
			// Absent optional parameters fall through to the tool's
			// schema defaults.

		case models.BindStep:
			outs := outputsOf(prior, b.Step)
			if outs == nil {
				return nil, bindingError(step, field,
					fmt.Sprintf("no completed output from step %d", b.Step))
			}
			v, ok := outs[b.Output]
			if !ok {
				return nil, bindingError(step, field,
					fmt.Sprintf("step %d produced no output %q", b.Step, b.Output))
			}
			resolved[field] = v

		default:
			return nil, bindingError(step, field, fmt.Sprintf("unknown binding source %q", b.Source))
		}
	}

	doc, err := json.Marshal(resolved)
	if err != nil {
		return nil, apierrors.NewInternalError(err.Error())
	}
	return doc, nil
}

// outputsOf returns the completed output document of the given step, or
// nil when the step is missing, unfinished, or produced no object.
func outputsOf(prior []*models.Generation, step int) map[string]json.RawMessage {
	for _, g := range prior {
		if g.StepIndex == nil || *g.StepIndex != step {
			continue
		}
		if g.Status != models.StatusCompleted || len(g.Outputs) == 0 {
			return nil
		}
		outs := map[string]json.RawMessage{}
		if err := json.Unmarshal(g.Outputs, &outs); err != nil {
			return nil
		}
		return outs
	}
	return nil
}

func bindingError(step int, field, message string) *apierrors.APIError {
	return apierrors.NewValidationError(
		fmt.Sprintf("steps[%d].bindings[%s]", step, field),
		fmt.Sprintf("step %d binding %q: %s", step, field, message))
}

func sortedFields(bindings map[string]models.InputBinding) []string {
	fields := make([]string, 0, len(bindings))
	for f := range bindings {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
