package handlers

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/chipbank/backend/internal/config"
	"github.com/chipbank/backend/internal/middleware"
	"github.com/chipbank/backend/internal/models"
	"github.com/chipbank/backend/internal/services"
)

// Fixed ids so lock ordering is deterministic: alice < bob.
const (
	testAliceID = "11111111-1111-4111-8111-111111111111"
	testBobID   = "22222222-2222-4222-8222-222222222222"
	testAdminID = "99999999-9999-4999-8999-999999999999"
)

// Column orders mirrored from the stores; the mocked rows below must scan
// positionally.
const (
	accountColumns = `id, email, display_name, role, balance, is_banned, ban_reason, banned_at, banned_by, is_verified, verified_at, verified_by, suspicious_count, suspicious_flags, last_activity_at, recovery_enabled, password_hash, version, created_at, updated_at`
	txColumns      = `id, from_account_id, to_account_id, amount, kind, status, idempotency_key, is_reversal, original_tx_id, reversed_by_tx_id, admin_id, admin_ip, admin_user_agent, batch_id, reason, recovered_from, created_at`
	bulkJobColumns = `id, admin_id, admin_ip, admin_user_agent, status, attempts, job_rows, success_count, failed_count, row_errors, created_at, updated_at, completed_at`
)

func testLedgerConfig() config.LedgerConfig {
	return config.LedgerConfig{
		MaxBalance:      decimal.New(2, 13),
		DailyMintAmount: decimal.NewFromInt(100),
		BalanceCacheTTL: time.Minute,
		IdempotencyTTL:  time.Hour,
	}
}

// newLedger builds a LedgerService over the mocked database with no Redis:
// the idempotency guard degrades to its durable path and the cache no-ops.
func newLedger(db *sql.DB) *services.LedgerService {
	accounts := services.NewAccountStore(db, decimal.New(2, 13))
	txLog := services.NewTransactionLog(db)
	guard := services.NewIdempotencyGuard(nil, txLog, time.Hour)
	cache := services.NewBalanceCache(nil, time.Minute)
	return services.NewLedgerService(db, accounts, txLog, guard, cache, services.NoopNotifier{}, testLedgerConfig())
}

func newBulk(db *sql.DB, rdb *redis.Client) *services.BulkService {
	accounts := services.NewAccountStore(db, decimal.New(2, 13))
	txLog := services.NewTransactionLog(db)
	cache := services.NewBalanceCache(nil, time.Minute)
	bulkCfg := config.BulkConfig{QueueKey: "bulk:jobs", MaxAttempts: 3, RetryBase: time.Millisecond, Workers: 1}
	return services.NewBulkService(db, rdb, accounts, txLog, cache, services.NoopNotifier{}, bulkCfg, testLedgerConfig())
}

func asAdmin(r *http.Request) *http.Request {
	p := models.Principal{AccountID: testAdminID, Role: models.RoleAdmin}
	return r.WithContext(middleware.WithPrincipal(r.Context(), p))
}

func asPlayer(r *http.Request, id string) *http.Request {
	p := models.Principal{AccountID: id, Role: models.RolePlayer}
	return r.WithContext(middleware.WithPrincipal(r.Context(), p))
}

func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func testAccount(id, balance string, version int) *models.Account {
	now := time.Now().UTC()
	return &models.Account{
		ID:              id,
		Email:           id[:8] + "@chipbank.test",
		DisplayName:     "Player " + id[:4],
		Role:            models.RolePlayer,
		Balance:         decimal.RequireFromString(balance),
		RecoveryEnabled: true,
		PasswordHash:    "x",
		Version:         version,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func testTx(id, from, to, amount, kind, status string) *models.Transaction {
	entry := &models.Transaction{
		ID:        id,
		Amount:    decimal.RequireFromString(amount),
		Kind:      kind,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	if from != "" {
		entry.FromAccountID = &from
	}
	if to != "" {
		entry.ToAccountID = &to
	}
	return entry
}

func strOrNil(p *string) driver.Value {
	if p == nil {
		return nil
	}
	return *p
}

func timeOrNil(p *time.Time) driver.Value {
	if p == nil {
		return nil
	}
	return *p
}

func columnList(columns string) []string {
	return strings.Split(columns, ", ")
}

func accountRow(a *models.Account) *sqlmock.Rows {
	return sqlmock.NewRows(columnList(accountColumns)).AddRow(
		a.ID, a.Email, a.DisplayName, a.Role, a.Balance.String(),
		a.IsBanned, a.BanReason, timeOrNil(a.BannedAt), strOrNil(a.BannedBy),
		a.IsVerified, timeOrNil(a.VerifiedAt), strOrNil(a.VerifiedBy),
		a.SuspiciousCount, nil, timeOrNil(a.LastActivityAt),
		a.RecoveryEnabled, a.PasswordHash, a.Version, a.CreatedAt, a.UpdatedAt,
	)
}

func txRow(t *models.Transaction) *sqlmock.Rows {
	return sqlmock.NewRows(columnList(txColumns)).AddRow(
		t.ID, strOrNil(t.FromAccountID), strOrNil(t.ToAccountID), t.Amount.String(),
		t.Kind, t.Status, strOrNil(t.IdempotencyKey), t.IsReversal,
		strOrNil(t.OriginalTxID), strOrNil(t.ReversedByTxID), strOrNil(t.AdminID),
		t.AdminIP, t.AdminUserAgent, strOrNil(t.BatchID), t.Reason,
		strOrNil(t.RecoveredFrom), t.CreatedAt,
	)
}

func bulkJobRow(t *testing.T, job *models.BulkJob) *sqlmock.Rows {
	t.Helper()
	rowsJSON, err := json.Marshal(job.Rows)
	assert.NoError(t, err)
	var errsJSON any
	if job.RowErrors != nil {
		raw, err := json.Marshal(job.RowErrors)
		assert.NoError(t, err)
		errsJSON = raw
	}
	return sqlmock.NewRows(columnList(bulkJobColumns)).AddRow(
		job.ID, job.AdminID, job.AdminIP, job.AdminUserAgent, job.Status,
		job.Attempts, rowsJSON, job.SuccessCount, job.FailedCount,
		errsJSON, job.CreatedAt, job.UpdatedAt, timeOrNil(job.CompletedAt),
	)
}
