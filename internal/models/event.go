package models

import "time"

// Outbound webhook event names.
const (
	WebhookGenerationCompleted = "generation.completed"
	WebhookGenerationFailed    = "generation.failed"
	WebhookSpellCompleted      = "spell.completed"
	WebhookSpellFailed         = "spell.failed"
)

// EventKind distinguishes generation-level from cast-level terminal events.
type EventKind string

const (
	EventGeneration EventKind = "generation"
	EventCast       EventKind = "cast"
)

// Event is a terminal notification consumed by the dispatcher. Exactly
// one event is emitted per terminal transition.
type Event struct {
	Kind       EventKind   `json:"kind"`
	Generation *Generation `json:"generation,omitempty"`
	Cast       *SpellCast  `json:"cast,omitempty"`
	EmittedAt  time.Time   `json:"emitted_at"`
}
