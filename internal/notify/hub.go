package notify

import (
	"sync"

	"github.com/manaforge-ai/manaforge/internal/models"
)

// Hub hands terminal generations to HTTP waiters. The x402 handler
// registers before dispatching and blocks on the returned channel; the
// dispatcher delivers the terminal record to whichever waiter is still
// around. No waiter means the client went away.
type Hub struct {
	mu      sync.Mutex
	waiters map[string]chan *models.Generation
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{waiters: make(map[string]chan *models.Generation)}
}

// Wait registers a waiter for the generation. The channel receives at
// most one record. Callers must Forget when they stop listening.
func (h *Hub) Wait(generationID string) <-chan *models.Generation {
	ch := make(chan *models.Generation, 1)
	h.mu.Lock()
	h.waiters[generationID] = ch
	h.mu.Unlock()
	return ch
}

// Forget drops the waiter registration.
func (h *Hub) Forget(generationID string) {
	h.mu.Lock()
	delete(h.waiters, generationID)
	h.mu.Unlock()
}

// Deliver hands the record to its waiter. Returns false when nobody is
// waiting.
func (h *Hub) Deliver(gen *models.Generation) bool {
	h.mu.Lock()
	ch, ok := h.waiters[gen.ID]
	if ok {
		delete(h.waiters, gen.ID)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	ch <- gen
	return true
}
