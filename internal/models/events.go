package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event kinds published by the change notifier.
const (
	EventBalanceUpdated        = "balance.updated"
	EventTransactionCreated    = "transaction.created"
	EventDailyMintCompleted    = "mint.completed"
	EventChipRecoveryCompleted = "recovery.completed"
	EventBulkJobCompleted      = "bulk.completed"
)

// Event is a fire-and-forget change notification for downstream consumers
// (dashboards, fraud monitors). Losing one is acceptable; failing a ledger
// operation over one is not.
type Event struct {
	Kind        string           `json:"kind"`
	AccountID   string           `json:"account_id,omitempty"`
	Balance     *decimal.Decimal `json:"balance,omitempty"`
	Transaction *Transaction     `json:"transaction,omitempty"`
	BatchID     string           `json:"batch_id,omitempty"`
	Count       int              `json:"count,omitempty"`
	OccurredAt  time.Time        `json:"occurred_at"`
}
