package engine

import (
	"context"
	"time"

	"github.com/manaforge-ai/manaforge/internal/backend"
	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
)

const fetchTimeout = 60 * time.Second

// CompleteFromCallback settles a generation from a backend completion
// callback. The callback body is untrusted; the result is re-fetched
// from the backend before any terminal transition. pathID is whatever
// the backend posted back: our generation id from the callback URL, or
// its own job id for backends that only echo theirs.
func (e *Engine) CompleteFromCallback(ctx context.Context, pathID string) (*models.Generation, error) {
	gen, err := e.gens.Get(ctx, pathID)
	if err != nil {
		return nil, err
	}
	if gen == nil {
		gen, err = e.gens.GetByJobID(ctx, pathID)
		if err != nil {
			return nil, err
		}
	}
	if gen == nil {
		return nil, apierrors.NewNotFoundError("Generation")
	}

	// Duplicate callbacks after the terminal transition are fine.
	if gen.Status.Terminal() {
		return gen, nil
	}

	if gen.Backend == nil || gen.BackendJobID == nil {
		return nil, apierrors.NewInternalError("generation has no backend job to fetch")
	}
	client, err := e.backends.For(models.BackendBinding{Backend: *gen.Backend})
	if err != nil {
		return nil, apierrors.NewInternalError("generation backend is not configured")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	// A 5xx here makes the backend retry the callback later.
	result, err := client.Fetch(fetchCtx, *gen.BackendJobID)
	if err != nil {
		return nil, apierrors.NewBackendError("result fetch failed")
	}
	if result.Status == backend.JobRunning {
		return nil, apierrors.NewBackendError("job is not finished")
	}

	tool, _ := e.registry.Get(gen.ToolID)
	if terminal := e.applyResult(ctx, gen, tool, result); terminal != nil {
		return terminal, nil
	}
	// A poll or cancel won the race between our checks; report what stands.
	return e.gens.Get(ctx, gen.ID)
}
