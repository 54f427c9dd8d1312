package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/manaforge-ai/manaforge/internal/backend"
	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/retry"
)

// submitTimeout bounds the async submit call; acceptance should be
// quick even when the work itself is not.
const submitTimeout = 60 * time.Second

const defaultPollInterval = 2 * time.Second

// runImmediate executes the job synchronously under the tool's hard
// ceiling and finalizes either way. The terminal record is returned to
// the caller together with the taxonomy error on failure.
func (e *Engine) runImmediate(ctx context.Context, gen *models.Generation, tool *models.ToolDefinition) (*models.Generation, error) {
	client, err := e.backends.For(tool.Backend)
	if err != nil {
		terminal := e.finalize(ctx, gen.ID, models.StatusFailed, nil,
			apierrors.CodeInternal, err.Error(), tool, 0)
		return terminal, apierrors.NewInternalError("tool backend is not configured")
	}

	hard := time.Now().Add(e.hardTimeout(tool))
	ok, err := e.gens.MarkRunning(ctx, gen.ID, tool.Backend.Backend, nil, nil, nil, &hard)
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	if !ok {
		// A cancel raced the start; report whatever stands.
		return e.gens.Get(ctx, gen.ID)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.hardTimeout(tool))
	defer cancel()

	result, err := client.Execute(execCtx, &backend.Job{
		GenerationID: gen.ID,
		ToolID:       tool.ID,
		Endpoint:     tool.Backend.Endpoint,
		Inputs:       gen.Inputs,
	})
	if err != nil {
		code, msg := classify(err)
		terminal := e.finalize(ctx, gen.ID, models.StatusFailed, nil, code, msg, tool, 0)
		if terminal == nil {
			terminal, _ = e.gens.Get(ctx, gen.ID)
		}
		return terminal, taxonomyError(code, msg)
	}

	terminal := e.applyResult(ctx, gen, tool, result)
	if terminal == nil {
		terminal, _ = e.gens.Get(ctx, gen.ID)
	}
	if terminal != nil && terminal.Status == models.StatusFailed {
		return terminal, taxonomyError(deref(terminal.ErrorCode), deref(terminal.ErrorMessage))
	}
	return terminal, nil
}

// submitAsync hands the job to the backend and marks the generation
// running with its poll schedule and deadlines. Completion arrives via
// the callback handler or the poller.
func (e *Engine) submitAsync(ctx context.Context, gen *models.Generation, tool *models.ToolDefinition) (*models.Generation, error) {
	client, err := e.backends.For(tool.Backend)
	if err != nil {
		terminal := e.finalize(ctx, gen.ID, models.StatusFailed, nil,
			apierrors.CodeInternal, err.Error(), tool, 0)
		return terminal, apierrors.NewInternalError("tool backend is not configured")
	}

	job := &backend.Job{
		GenerationID: gen.ID,
		ToolID:       tool.ID,
		Endpoint:     tool.Backend.Endpoint,
		Inputs:       gen.Inputs,
	}
	if tool.DeliveryMode == models.ModeWebhook {
		job.CallbackURL = e.callbackURL(gen.ID)
	}

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	jobID, err := client.Submit(submitCtx, job)
	if err != nil {
		code, msg := classify(err)
		terminal := e.finalize(ctx, gen.ID, models.StatusFailed, nil, code, msg, tool, 0)
		if terminal == nil {
			terminal, _ = e.gens.Get(ctx, gen.ID)
		}
		return terminal, taxonomyError(code, msg)
	}

	now := time.Now()
	soft := now.Add(e.softTimeout(tool))
	hard := now.Add(e.hardTimeout(tool))
	var nextPoll *time.Time
	if tool.DeliveryMode == models.ModePoll {
		next := now.Add(e.pollInterval(tool))
		nextPoll = &next
	}

	ok, err := e.gens.MarkRunning(ctx, gen.ID, tool.Backend.Backend, &jobID, nextPoll, &soft, &hard)
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	if !ok {
		// Cancel won while we were submitting; stop the backend job too.
		cancelCtx, cancelFn := context.WithTimeout(ctx, 10*time.Second)
		if cerr := client.Cancel(cancelCtx, jobID); cerr != nil {
			e.logger.Warn("backend cancel after race failed",
				slog.String("generation_id", gen.ID),
				slog.String("error", cerr.Error()))
		}
		cancelFn()
	}
	return e.gens.Get(ctx, gen.ID)
}

// applyResult finalizes a generation from a terminal backend result.
// Returns nil when the result is not terminal or another caller won.
func (e *Engine) applyResult(ctx context.Context, gen *models.Generation, tool *models.ToolDefinition, result *backend.Result) *models.Generation {
	switch result.Status {
	case backend.JobCompleted:
		if missingOutputs(result.Outputs) && (tool == nil || !tool.EmptyOutputOK) {
			return e.finalize(ctx, gen.ID, models.StatusFailed, nil,
				apierrors.CodeBackendError, "backend reported success without outputs", tool, result.Runtime)
		}
		return e.finalize(ctx, gen.ID, models.StatusCompleted, result.Outputs, "", "", tool, result.Runtime)

	case backend.JobFailed:
		msg := result.Error
		if msg == "" {
			msg = "backend reported failure"
		}
		return e.finalize(ctx, gen.ID, models.StatusFailed, nil,
			apierrors.CodeBackendError, msg, tool, 0)
	}
	return nil
}

// missingOutputs reports whether the backend produced nothing usable.
func missingOutputs(outputs json.RawMessage) bool {
	trimmed := bytes.TrimSpace(outputs)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// classify maps an upstream failure onto the stable error taxonomy.
func classify(err error) (code, message string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierrors.CodeBackendTimeout, "backend exceeded its deadline"
	}
	var statusErr *retry.HTTPStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusRequestTimeout || statusErr.StatusCode == http.StatusGatewayTimeout {
			return apierrors.CodeBackendTimeout, statusErr.Message
		}
		return apierrors.CodeBackendError, statusErr.Message
	}
	if errors.Is(err, backend.ErrNotAsync) {
		return apierrors.CodeInternal, "tool delivery mode does not match its backend"
	}
	return apierrors.CodeBackendError, err.Error()
}

// taxonomyError builds the client-facing error for a classified failure.
func taxonomyError(code, message string) *apierrors.APIError {
	switch code {
	case apierrors.CodeBackendTimeout:
		return apierrors.ErrBackendTimeout
	case apierrors.CodeInternal:
		return apierrors.ErrInternal
	default:
		if message == "" {
			return apierrors.ErrBackendError
		}
		return apierrors.NewBackendError(message)
	}
}

func (e *Engine) pollInterval(tool *models.ToolDefinition) time.Duration {
	if tool != nil && tool.PollInterval > 0 {
		return tool.PollInterval
	}
	return defaultPollInterval
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
