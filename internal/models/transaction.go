package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction kinds
const (
	TxKindManual       = "manual"
	TxKindDailyMint    = "daily-mint"
	TxKindRequest      = "request"
	TxKindReversal     = "reversal"
	TxKindChipRecovery = "chip-recovery"
)

// Transaction statuses. Allowed transitions: pending -> approved,
// pending -> failed, approved -> reversed. failed and reversed are terminal.
const (
	TxStatusPending  = "pending"
	TxStatusApproved = "approved"
	TxStatusReversed = "reversed"
	TxStatusFailed   = "failed"
)

// Transaction is one immutable ledger entry. A nil FromAccountID means the
// chips were minted from the system; a nil ToAccountID only occurs on the
// reversal of a mint (chips burned back).
type Transaction struct {
	ID             string          `json:"id" db:"id"`
	FromAccountID  *string         `json:"from_account_id" db:"from_account_id"`
	ToAccountID    *string         `json:"to_account_id" db:"to_account_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Kind           string          `json:"kind" db:"kind"`
	Status         string          `json:"status" db:"status"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty" db:"idempotency_key"`
	IsReversal     bool            `json:"is_reversal" db:"is_reversal"`
	OriginalTxID   *string         `json:"original_tx_id,omitempty" db:"original_tx_id"`
	ReversedByTxID *string         `json:"reversed_by_tx_id,omitempty" db:"reversed_by_tx_id"`
	AdminID        *string         `json:"admin_id,omitempty" db:"admin_id"`
	AdminIP        string          `json:"admin_ip,omitempty" db:"admin_ip"`
	AdminUserAgent string          `json:"admin_user_agent,omitempty" db:"admin_user_agent"`
	BatchID        *string         `json:"batch_id,omitempty" db:"batch_id"`
	Reason         string          `json:"reason,omitempty" db:"reason"`
	RecoveredFrom  *string         `json:"recovered_from,omitempty" db:"recovered_from"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// TransferRequest is the wire payload for creating a transfer.
// Amount travels as a decimal string so no float precision is lost.
type TransferRequest struct {
	FromAccountID  string `json:"from_account_id" validate:"omitempty,uuid4"`
	ToAccountID    string `json:"to_account_id" validate:"required,uuid4"`
	Amount         string `json:"amount" validate:"required,max=32"`
	Kind           string `json:"kind" validate:"required,oneof=manual request"`
	Reason         string `json:"reason" validate:"max=200"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,min=8,max=128"`
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=200"`
}

type ReverseRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=200"`
}

type MintRequest struct {
	AmountPerUser string `json:"amount_per_user" validate:"omitempty,max=32"`
}

type RecoverRequest struct {
	BannedAccountID   string `json:"banned_account_id" validate:"required,uuid4"`
	VerifiedAccountID string `json:"verified_account_id" validate:"required,uuid4"`
	Reason            string `json:"reason" validate:"required,min=3,max=200"`
}

// TransferResult wraps a transaction with its idempotency outcome. Duplicate
// is true when the response replays a previously committed transaction.
type TransferResult struct {
	Transaction *Transaction `json:"transaction"`
	Duplicate   bool         `json:"duplicate"`
}

// MintSummary reports one completed daily mint run.
type MintSummary struct {
	BatchID       string          `json:"batch_id"`
	Accounts      int             `json:"accounts"`
	AmountPerUser decimal.Decimal `json:"amount_per_user"`
}

// TransactionFilter narrows ledger queries.
type TransactionFilter struct {
	AccountID string
	Kind      string
	Status    string
	BatchID   string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}
