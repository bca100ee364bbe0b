package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"
	"sync"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"github.com/chipbank/backend/internal/config"
	"github.com/chipbank/backend/internal/models"
)

// Fixed ids so lock ordering is deterministic: alice < bob < carol.
const (
	testAliceID = "11111111-1111-4111-8111-111111111111"
	testBobID   = "22222222-2222-4222-8222-222222222222"
	testCarolID = "33333333-3333-4333-8333-333333333333"
	testAdminID = "99999999-9999-4999-8999-999999999999"
)

func adminPrincipal() models.Principal {
	return models.Principal{AccountID: testAdminID, Role: models.RoleAdmin}
}

func playerPrincipal(id string) models.Principal {
	return models.Principal{AccountID: id, Role: models.RolePlayer}
}

func testLedgerConfig() config.LedgerConfig {
	return config.LedgerConfig{
		MaxBalance:      decimal.New(2, 13),
		DailyMintAmount: decimal.NewFromInt(100),
		BalanceCacheTTL: time.Minute,
		IdempotencyTTL:  time.Hour,
	}
}

// newLedgerService wires a LedgerService onto a mocked database with no
// Redis (the guard and cache degrade to their durable/no-op paths) and a
// recording notifier.
func newLedgerService(db *sql.DB) (*LedgerService, *recordingNotifier) {
	accounts := NewAccountStore(db, decimal.New(2, 13))
	txLog := NewTransactionLog(db)
	guard := NewIdempotencyGuard(nil, txLog, time.Hour)
	cache := NewBalanceCache(nil, time.Minute)
	notifier := &recordingNotifier{}
	svc := NewLedgerService(db, accounts, txLog, guard, cache, notifier, testLedgerConfig())
	return svc, notifier
}

// recordingNotifier captures published events. The ledger publishes from a
// goroutine after commit, so access is mutex-guarded and assertions go
// through waitFor instead of a fixed sleep.
type recordingNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (n *recordingNotifier) Publish(_ context.Context, event models.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]string, 0, len(n.events))
	for _, event := range n.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func (n *recordingNotifier) waitFor(kind string, within time.Duration) bool {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		for _, k := range n.kinds() {
			if k == kind {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
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

func strPtr(s string) *string {
	return &s
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

// accountRow renders an account as the single-row result of an account
// scan, in accountColumns order.
func accountRow(a *models.Account) *sqlmock.Rows {
	return sqlmock.NewRows(columnList(accountColumns)).AddRow(
		a.ID, a.Email, a.DisplayName, a.Role, a.Balance.String(),
		a.IsBanned, a.BanReason, timeOrNil(a.BannedAt), strOrNil(a.BannedBy),
		a.IsVerified, timeOrNil(a.VerifiedAt), strOrNil(a.VerifiedBy),
		a.SuspiciousCount, nil, timeOrNil(a.LastActivityAt),
		a.RecoveryEnabled, a.PasswordHash, a.Version, a.CreatedAt, a.UpdatedAt,
	)
}

// txRow renders a transaction as a single-row result in txColumns order.
func txRow(t *models.Transaction) *sqlmock.Rows {
	return sqlmock.NewRows(columnList(txColumns)).AddRow(
		t.ID, strOrNil(t.FromAccountID), strOrNil(t.ToAccountID), t.Amount.String(),
		t.Kind, t.Status, strOrNil(t.IdempotencyKey), t.IsReversal,
		strOrNil(t.OriginalTxID), strOrNil(t.ReversedByTxID), strOrNil(t.AdminID),
		t.AdminIP, t.AdminUserAgent, strOrNil(t.BatchID), t.Reason,
		strOrNil(t.RecoveredFrom), t.CreatedAt,
	)
}
