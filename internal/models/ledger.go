package models

import (
	"time"

	"github.com/google/uuid"
)

// EntryReason tags why a ledger entry exists.
type EntryReason string

const (
	ReasonDeposit EntryReason = "deposit"
	ReasonDebit   EntryReason = "debit"
	ReasonRefund  EntryReason = "refund"
	ReasonAdjust  EntryReason = "adjust"
)

// LedgerEntry is one append-only balance movement. A user's balance is
// the sum of their entries; no entry is ever updated or deleted.
type LedgerEntry struct {
	ID            string      `json:"id" db:"id"`
	Seq           int64       `json:"seq" db:"seq"`
	UserID        uuid.UUID   `json:"user_id" db:"user_id"`
	Amount        int64       `json:"amount" db:"amount"` // signed credit units
	Reason        EntryReason `json:"reason" db:"reason"`
	GenerationID  *string     `json:"generation_id,omitempty" db:"generation_id"`
	ChainEventID  *string     `json:"chain_event_id,omitempty" db:"chain_event_id"`
	Note          *string     `json:"note,omitempty" db:"note"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
}

// ReservationState tracks the lifecycle of a tentative debit.
type ReservationState string

const (
	ReservationOpen      ReservationState = "open"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Reservation holds credits for an in-flight generation. The tentative
// debit entry is written when the reservation opens; commit keeps it
// (refunding any overage) and release refunds it in full.
type Reservation struct {
	GenerationID string           `json:"generation_id" db:"generation_id"`
	UserID       uuid.UUID        `json:"user_id" db:"user_id"`
	Amount       int64            `json:"amount" db:"amount"`
	State        ReservationState `json:"state" db:"state"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	SettledAt    *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
}
