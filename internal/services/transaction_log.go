package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/chipbank/backend/internal/models"
)

// txColumns is the canonical column order every transaction scan uses.
const txColumns = `id, from_account_id, to_account_id, amount, kind, status, idempotency_key, is_reversal, original_tx_id, reversed_by_tx_id, admin_id, admin_ip, admin_user_agent, batch_id, reason, recovered_from, created_at`

// TransactionLog is the append-only record of every chip movement. Committed
// entries are immutable: the only in-place mutations are the status
// transitions implemented below, each guarded by a compare-and-swap WHERE
// clause so a racing transition loses explicitly instead of silently.
type TransactionLog struct {
	db *sql.DB
}

func NewTransactionLog(db *sql.DB) *TransactionLog {
	return &TransactionLog{db: db}
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(
		&t.ID, &t.FromAccountID, &t.ToAccountID, &t.Amount, &t.Kind, &t.Status,
		&t.IdempotencyKey, &t.IsReversal, &t.OriginalTxID, &t.ReversedByTxID,
		&t.AdminID, &t.AdminIP, &t.AdminUserAgent, &t.BatchID, &t.Reason,
		&t.RecoveredFrom, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Append inserts one entry inside dbtx. A duplicate idempotency key trips
// the partial unique index and surfaces as ErrDuplicateIdempotencyKey; this
// is the durable backstop behind the Redis fast path.
func (l *TransactionLog) Append(dbtx *sql.Tx, entry *models.Transaction) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := dbtx.Exec(`
		INSERT INTO transactions (id, from_account_id, to_account_id, amount, kind, status, idempotency_key, is_reversal, original_tx_id, reversed_by_tx_id, admin_id, admin_ip, admin_user_agent, batch_id, reason, recovered_from, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		entry.ID, entry.FromAccountID, entry.ToAccountID, entry.Amount, entry.Kind,
		entry.Status, entry.IdempotencyKey, entry.IsReversal, entry.OriginalTxID,
		entry.ReversedByTxID, entry.AdminID, entry.AdminIP, entry.AdminUserAgent,
		entry.BatchID, entry.Reason, entry.RecoveredFrom, entry.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && strings.Contains(pqErr.Constraint, "idempotency") {
			return fmt.Errorf("idempotency key already used: %w", ErrDuplicateIdempotencyKey)
		}
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// FindByID fetches one entry.
func (l *TransactionLog) FindByID(ctx context.Context, id string) (*models.Transaction, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)

	entry, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return entry, nil
}

// FindByIdempotencyKey fetches the entry committed under key, if any.
func (l *TransactionLog) FindByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE idempotency_key = $1`, key)

	entry, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency key: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find by idempotency key: %w", err)
	}
	return entry, nil
}

// Find returns entries matching the filter, newest first.
func (l *TransactionLog) Find(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions`
	var clauses []string
	var args []any

	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		clauses = append(clauses, fmt.Sprintf("(from_account_id = $%d OR to_account_id = $%d)", len(args), len(args)))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		clauses = append(clauses, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.BatchID != "" {
		args = append(args, filter.BatchID)
		clauses = append(clauses, fmt.Sprintf("batch_id = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find transactions: %w", err)
	}
	defer rows.Close()

	var entries []models.Transaction
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Update always fails. Committed ledger entries are immutable; the status
// transitions below are the only sanctioned mutations and they are not
// reachable from outside the package.
func (l *TransactionLog) Update(_ context.Context, id string, _ map[string]any) error {
	return fmt.Errorf("transaction %s: %w", id, ErrImmutable)
}

// Delete always fails. The ledger is append-only.
func (l *TransactionLog) Delete(_ context.Context, id string) error {
	return fmt.Errorf("transaction %s: %w", id, ErrImmutable)
}

// lockEntry reads an entry inside dbtx holding its row lock, serializing
// concurrent approve/reject/reverse attempts on the same entry.
func (l *TransactionLog) lockEntry(dbtx *sql.Tx, id string) (*models.Transaction, error) {
	row := dbtx.QueryRow(
		`SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)

	entry, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock transaction: %w", err)
	}
	return entry, nil
}

// markApproved transitions pending -> approved and stamps the acting admin.
func (l *TransactionLog) markApproved(dbtx *sql.Tx, id, adminID, adminIP, adminUA string) error {
	result, err := dbtx.Exec(`
		UPDATE transactions
		SET status = 'approved', admin_id = $2, admin_ip = $3, admin_user_agent = $4
		WHERE id = $1 AND status = 'pending'`,
		id, adminID, adminIP, adminUA)
	if err != nil {
		return fmt.Errorf("approve transaction: %w", err)
	}
	return l.requireTransition(result, id)
}

// markFailed transitions pending -> failed, appending the rejection reason
// to whatever reason the entry already carried.
func (l *TransactionLog) markFailed(dbtx *sql.Tx, id, adminID, appended string) error {
	result, err := dbtx.Exec(`
		UPDATE transactions
		SET status = 'failed', admin_id = $2,
		    reason = CASE WHEN reason = '' THEN $3 ELSE reason || '; ' || $3 END
		WHERE id = $1 AND status = 'pending'`,
		id, adminID, appended)
	if err != nil {
		return fmt.Errorf("fail transaction: %w", err)
	}
	return l.requireTransition(result, id)
}

// markReversed transitions approved -> reversed and links the reversal entry.
func (l *TransactionLog) markReversed(dbtx *sql.Tx, id, reversalID string) error {
	result, err := dbtx.Exec(`
		UPDATE transactions
		SET status = 'reversed', reversed_by_tx_id = $2
		WHERE id = $1 AND status = 'approved' AND is_reversal = FALSE`,
		id, reversalID)
	if err != nil {
		return fmt.Errorf("reverse transaction: %w", err)
	}
	return l.requireTransition(result, id)
}

func (l *TransactionLog) requireTransition(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("transaction %s not in a transitionable state: %w", id, ErrInvalidState)
	}
	return nil
}
