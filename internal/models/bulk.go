package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Bulk job statuses
const (
	BulkStatusQueued    = "queued"
	BulkStatusRunning   = "running"
	BulkStatusCompleted = "completed"
	BulkStatusFailed    = "failed"
)

// BulkRow is one credit/transfer row handed to the bulk runner. Rows arrive
// already parsed (the CSV reader lives client-side); amounts stay strings
// until the runner converts them.
type BulkRow struct {
	FromAccountID string `json:"from_account_id,omitempty" validate:"omitempty,uuid4"`
	ToAccountID   string `json:"to_account_id" validate:"required,uuid4"`
	Amount        string `json:"amount" validate:"required,max=32"`
	Reason        string `json:"reason,omitempty" validate:"max=200"`
}

// BulkRowError records why one row was rejected or skipped.
type BulkRowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// BulkJob is a queued batch of rows applied as a single atomic unit of work.
// Status is updated in the same DB transaction that commits the rows, so a
// redelivered job id can be recognized and skipped.
type BulkJob struct {
	ID             string        `json:"id" db:"id"`
	AdminID        string        `json:"admin_id" db:"admin_id"`
	AdminIP        string        `json:"admin_ip,omitempty" db:"admin_ip"`
	AdminUserAgent string        `json:"admin_user_agent,omitempty" db:"admin_user_agent"`
	Status         string        `json:"status" db:"status"`
	Attempts       int           `json:"attempts" db:"attempts"`
	Rows           BulkRows      `json:"rows" db:"job_rows"`
	SuccessCount   int           `json:"success_count" db:"success_count"`
	FailedCount    int           `json:"failed_count" db:"failed_count"`
	RowErrors      BulkRowErrors `json:"row_errors,omitempty" db:"row_errors"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

type BulkSubmitRequest struct {
	Rows []BulkRow `json:"rows" validate:"required,min=1,max=10000,dive"`
}

// BulkSubmitResponse reports what was queued and which rows were rejected
// before queueing.
type BulkSubmitResponse struct {
	JobID    string         `json:"job_id"`
	Accepted int            `json:"accepted"`
	Rejected []BulkRowError `json:"rejected,omitempty"`
}

// BulkRows is the JSONB column holding a job's rows.
type BulkRows []BulkRow

// Value implements driver.Valuer for BulkRows
func (r BulkRows) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner for BulkRows
func (r *BulkRows) Scan(value any) error {
	if value == nil {
		*r = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, r)
}

// BulkRowErrors is the JSONB column holding per-row failures.
type BulkRowErrors []BulkRowError

// Value implements driver.Valuer for BulkRowErrors
func (e BulkRowErrors) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

// Scan implements sql.Scanner for BulkRowErrors
func (e *BulkRowErrors) Scan(value any) error {
	if value == nil {
		*e = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, e)
}
