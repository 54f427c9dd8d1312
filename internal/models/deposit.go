package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DepositStatus is the reconciliation state of an observed on-chain
// deposit. Transitions are monotonic; credited and rejected are terminal.
type DepositStatus string

const (
	DepositSeen      DepositStatus = "seen"
	DepositConfirmed DepositStatus = "confirmed"
	DepositCredited  DepositStatus = "credited"
	DepositRejected  DepositStatus = "rejected"
)

// Deposit reject reasons.
const (
	RejectReorged          = "reorged"
	RejectUnsupportedAsset = "unsupported_asset"
	RejectUnresolvedOwner  = "unresolved_owner"
)

// Deposit is one observed on-chain deposit event, keyed by
// chain:txhash:logindex.
type Deposit struct {
	ChainEventID  string           `json:"chain_event_id" db:"chain_event_id"`
	Chain         string           `json:"chain" db:"chain"`
	TxHash        string           `json:"tx_hash" db:"tx_hash"`
	LogIndex      uint64           `json:"log_index" db:"log_index"`
	BlockNumber   uint64           `json:"block_number" db:"block_number"`
	BlockHash     string           `json:"block_hash" db:"block_hash"`
	WalletAddress string           `json:"wallet_address" db:"wallet_address"`
	Asset         string           `json:"asset" db:"asset"`
	RawAmount     decimal.Decimal  `json:"raw_amount" db:"raw_amount"` // atomic units
	USDValue      *decimal.Decimal `json:"usd_value,omitempty" db:"usd_value"`
	Credits       *int64           `json:"credits,omitempty" db:"credits"`
	UserID        *uuid.UUID       `json:"user_id,omitempty" db:"user_id"`
	Status        DepositStatus    `json:"status" db:"status"`
	RejectReason  *string          `json:"reject_reason,omitempty" db:"reject_reason"`
	ObservedAt    time.Time        `json:"observed_at" db:"observed_at"`
	ConfirmedAt   *time.Time       `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CreditedAt    *time.Time       `json:"credited_at,omitempty" db:"credited_at"`
}

// ChainEventID derives the idempotency key for a deposit event.
func ChainEventID(chain, txHash string, logIndex uint64) string {
	return fmt.Sprintf("%s:%s:%d", chain, txHash, logIndex)
}
