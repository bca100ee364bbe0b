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
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/chipbank/backend/internal/models"
)

// accountColumns is the canonical column order every account scan uses.
const accountColumns = `id, email, display_name, role, balance, is_banned, ban_reason, banned_at, banned_by, is_verified, verified_at, verified_by, suspicious_count, suspicious_flags, last_activity_at, recovery_enabled, password_hash, version, created_at, updated_at`

// AccountStore owns reads and writes of account rows. Balance writes only
// happen inside a caller-owned *sql.Tx so they commit or roll back together
// with the ledger entries that explain them.
type AccountStore struct {
	db         *sql.DB
	maxBalance decimal.Decimal
}

func NewAccountStore(db *sql.DB, maxBalance decimal.Decimal) *AccountStore {
	return &AccountStore{db: db, maxBalance: maxBalance}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID, &a.Email, &a.DisplayName, &a.Role, &a.Balance,
		&a.IsBanned, &a.BanReason, &a.BannedAt, &a.BannedBy,
		&a.IsVerified, &a.VerifiedAt, &a.VerifiedBy,
		&a.SuspiciousCount, &a.SuspiciousFlags, &a.LastActivityAt,
		&a.RecoveryEnabled, &a.PasswordHash, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Get fetches one account by id.
func (s *AccountStore) Get(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)

	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

// GetByEmail fetches one account by email. Emails are stored lowercase.
func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)

	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return account, nil
}

// Create inserts a new account row. Duplicate emails surface as ErrEmailTaken.
func (s *AccountStore) Create(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.Email = strings.ToLower(strings.TrimSpace(account.Email))
	if account.Role == "" {
		account.Role = models.RolePlayer
	}
	now := time.Now().UTC()
	account.CreatedAt, account.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, display_name, role, balance, recovery_enabled, password_hash, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)`,
		account.ID, account.Email, account.DisplayName, account.Role,
		account.Balance, account.RecoveryEnabled, account.PasswordHash, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("email %s: %w", account.Email, ErrEmailTaken)
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// List returns accounts matching the filter, newest first.
func (s *AccountStore) List(ctx context.Context, filter models.AccountFilter) ([]models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	var clauses []string
	var args []any

	if filter.Role != "" {
		args = append(args, filter.Role)
		clauses = append(clauses, fmt.Sprintf("role = $%d", len(args)))
	}
	if filter.Banned != nil {
		args = append(args, *filter.Banned)
		clauses = append(clauses, fmt.Sprintf("is_banned = $%d", len(args)))
	}
	if filter.Verified != nil {
		args = append(args, *filter.Verified)
		clauses = append(clauses, fmt.Sprintf("is_verified = $%d", len(args)))
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

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// LockForUpdate reads an account inside dbtx holding its row lock until the
// transaction ends. Callers locking more than one account must lock in
// ascending id order to avoid deadlocks.
func (s *AccountStore) LockForUpdate(dbtx *sql.Tx, id string) (*models.Account, error) {
	row := dbtx.QueryRow(
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)

	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	return account, nil
}

// AdjustBalance applies delta to a previously locked account. The version
// check backstops the row lock against lost updates; the in-memory account
// is advanced so later adjustments in the same transaction see the result.
func (s *AccountStore) AdjustBalance(dbtx *sql.Tx, account *models.Account, delta decimal.Decimal) error {
	newBalance := account.Balance.Add(delta)
	if newBalance.IsNegative() {
		return fmt.Errorf("account %s: %w", account.ID, ErrInsufficientBalance)
	}
	if newBalance.GreaterThan(s.maxBalance) {
		return fmt.Errorf("account %s balance would exceed %s: %w", account.ID, s.maxBalance.String(), ErrLimitExceeded)
	}

	result, err := dbtx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, last_activity_at = $2, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now().UTC(), account.ID, account.Version)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", account.ID)
	}

	account.Balance = newBalance
	account.Version++
	return nil
}

// SnapshotIDs returns every account id in ascending order inside dbtx. The
// daily mint uses this as its population snapshot: accounts created after
// the read are not part of the mint.
func (s *AccountStore) SnapshotIDs(dbtx *sql.Tx) ([]string, error) {
	rows, err := dbtx.Query(`SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("snapshot accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetBanState bans or unbans an account. Admin accounts can never be banned.
// Ban state has no effect on the ledger log; it only gates future operations.
func (s *AccountStore) SetBanState(ctx context.Context, id string, banned bool, reason, actorID string) (*models.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	account, err := s.LockForUpdate(tx, id)
	if err != nil {
		return nil, err
	}
	if banned && account.Role == models.RoleAdmin {
		return nil, fmt.Errorf("admin accounts cannot be banned: %w", ErrInvalidState)
	}

	if banned {
		_, err = tx.Exec(`
			UPDATE accounts
			SET is_banned = TRUE, ban_reason = $1, banned_at = NOW(), banned_by = $2, version = version + 1, updated_at = NOW()
			WHERE id = $3`,
			reason, actorID, id)
	} else {
		_, err = tx.Exec(`
			UPDATE accounts
			SET is_banned = FALSE, ban_reason = '', banned_at = NULL, banned_by = NULL, version = version + 1, updated_at = NOW()
			WHERE id = $1`,
			id)
	}
	if err != nil {
		return nil, fmt.Errorf("set ban state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Info().Str("account_id", id).Bool("banned", banned).Str("actor", actorID).Msg("ban state changed")
	return s.Get(ctx, id)
}

// SetVerifyState marks an account verified or unverified.
func (s *AccountStore) SetVerifyState(ctx context.Context, id string, verified bool, actorID string) (*models.Account, error) {
	var err error
	if verified {
		_, err = s.db.ExecContext(ctx, `
			UPDATE accounts
			SET is_verified = TRUE, verified_at = NOW(), verified_by = $1, version = version + 1, updated_at = NOW()
			WHERE id = $2`,
			actorID, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE accounts
			SET is_verified = FALSE, verified_at = NULL, verified_by = NULL, version = version + 1, updated_at = NOW()
			WHERE id = $1`,
			id)
	}
	if err != nil {
		return nil, fmt.Errorf("set verify state: %w", err)
	}

	account, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Info().Str("account_id", id).Bool("verified", verified).Str("actor", actorID).Msg("verify state changed")
	return account, nil
}

// SetRecoveryEnabled toggles whether the account's chips may be swept by
// chip recovery after a ban.
func (s *AccountStore) SetRecoveryEnabled(ctx context.Context, id string, enabled bool) (*models.Account, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET recovery_enabled = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2`,
		enabled, id)
	if err != nil {
		return nil, fmt.Errorf("set recovery enabled: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return s.Get(ctx, id)
}

// RecordSuspicious increments the account's suspicious-activity counter and
// appends a flag describing what happened. Best effort; failures are logged.
func (s *AccountStore) RecordSuspicious(ctx context.Context, id, flag string) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET suspicious_count = suspicious_count + 1,
		    suspicious_flags = COALESCE(suspicious_flags, '[]'::jsonb) || to_jsonb($1::text),
		    last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $2`,
		flag, id)
	if err != nil {
		log.Warn().Err(err).Str("account_id", id).Str("flag", flag).Msg("failed to record suspicious activity")
	}
}

// TouchActivity stamps last_activity_at inside dbtx for accounts whose
// balances did not move (e.g. the parties of a pending request).
func (s *AccountStore) TouchActivity(dbtx *sql.Tx, ids ...string) error {
	for _, id := range ids {
		if _, err := dbtx.Exec(`UPDATE accounts SET last_activity_at = NOW() WHERE id = $1`, id); err != nil {
			return fmt.Errorf("touch activity: %w", err)
		}
	}
	return nil
}
