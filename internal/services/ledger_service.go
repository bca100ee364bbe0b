package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/chipbank/backend/internal/config"
	"github.com/chipbank/backend/internal/models"
)

// LedgerService is the only writer of balances and ledger entries. Every
// operation runs its reads and writes inside one database transaction that
// commits or rolls back as a whole; account rows are locked FOR UPDATE in
// ascending id order before any balance math happens.
type LedgerService struct {
	db         *sql.DB
	accounts   *AccountStore
	txLog      *TransactionLog
	guard      *IdempotencyGuard
	cache      *BalanceCache
	notifier   Notifier
	maxAmount  decimal.Decimal
	mintAmount decimal.Decimal
}

func NewLedgerService(
	db *sql.DB,
	accounts *AccountStore,
	txLog *TransactionLog,
	guard *IdempotencyGuard,
	cache *BalanceCache,
	notifier Notifier,
	cfg config.LedgerConfig,
) *LedgerService {
	return &LedgerService{
		db:         db,
		accounts:   accounts,
		txLog:      txLog,
		guard:      guard,
		cache:      cache,
		notifier:   notifier,
		maxAmount:  cfg.MaxBalance,
		mintAmount: cfg.DailyMintAmount,
	}
}

// AdminMeta is request provenance recorded on admin actions.
type AdminMeta struct {
	IP        string
	UserAgent string
}

// TransferInput is a typed transfer submission. Kind decides the flow:
// manual moves chips immediately (admin), request creates a pending entry
// awaiting approval (player).
type TransferInput struct {
	FromAccountID  string
	ToAccountID    string
	Amount         decimal.Decimal
	Kind           string
	Reason         string
	IdempotencyKey string
	Admin          AdminMeta
}

// RecoverInput names the two parties of a chip recovery.
type RecoverInput struct {
	BannedAccountID   string
	VerifiedAccountID string
	Reason            string
	Admin             AdminMeta
}

type balanceChange struct {
	accountID string
	balance   decimal.Decimal
}

// ParseAmount converts a wire amount into an exact decimal. Only plain
// decimal strings are accepted; scientific notation and signs are caller
// mistakes.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, validationErrorf("amount is required")
	}
	if strings.ContainsAny(raw, "eE+") {
		return decimal.Zero, validationErrorf("amount %q is not a plain decimal", raw)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, validationErrorf("amount %q is not a valid decimal", raw)
	}
	return amount, nil
}

// Transfer submits a chip movement. Duplicate idempotency keys replay the
// originally committed transaction instead of moving chips twice.
func (s *LedgerService) Transfer(ctx context.Context, principal models.Principal, input TransferInput) (*models.TransferResult, error) {
	if err := s.validateTransfer(principal, &input); err != nil {
		return nil, err
	}
	return s.submitTransfer(ctx, principal, input)
}

// TransferFromCode opens a pending chip request from a scanned payment code.
// The scanner is the payer consenting to be debited once an admin approves;
// the code names the payee and the amount. The code nonce doubles as the
// idempotency key so a double scan cannot open two requests.
func (s *LedgerService) TransferFromCode(ctx context.Context, principal models.Principal, code *models.PaymentCode) (*models.TransferResult, error) {
	if principal.IsAdmin() {
		return nil, fmt.Errorf("payment codes are for player accounts: %w", ErrForbidden)
	}
	if code.ToAccountID == principal.AccountID {
		return nil, validationErrorf("cannot pay your own payment code")
	}
	if err := s.checkAmount(code.Amount); err != nil {
		return nil, err
	}

	input := TransferInput{
		FromAccountID:  principal.AccountID,
		ToAccountID:    code.ToAccountID,
		Amount:         code.Amount,
		Kind:           models.TxKindRequest,
		Reason:         "payment code " + code.Nonce,
		IdempotencyKey: "qr-" + code.Nonce,
	}
	return s.submitTransfer(ctx, principal, input)
}

func (s *LedgerService) submitTransfer(ctx context.Context, principal models.Principal, input TransferInput) (*models.TransferResult, error) {
	// replay check before any unit of work opens
	if existing, err := s.guard.Check(ctx, input.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		log.Info().Str("op", "transfer").Str("tx_id", existing.ID).Msg("idempotent replay")
		return &models.TransferResult{Transaction: existing, Duplicate: true}, nil
	}

	entry, changes, err := s.executeTransfer(ctx, principal, input)
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// lost a race against a concurrent submission with the same key;
			// the winner's entry is already durable
			if existing, lookupErr := s.txLog.FindByIdempotencyKey(ctx, input.IdempotencyKey); lookupErr == nil {
				return &models.TransferResult{Transaction: existing, Duplicate: true}, nil
			}
			return nil, err
		}
		if errors.Is(err, ErrInsufficientBalance) && input.FromAccountID != "" && input.Kind == models.TxKindManual {
			s.accounts.RecordSuspicious(ctx, input.FromAccountID, "insufficient_balance_attempt")
		}
		return nil, err
	}

	s.guard.MarkSeen(ctx, input.IdempotencyKey, entry.ID)
	s.afterCommit(ctx, entry, changes)

	log.Info().
		Str("op", "transfer").
		Str("tx_id", entry.ID).
		Str("kind", entry.Kind).
		Str("status", entry.Status).
		Str("amount", entry.Amount.String()).
		Msg("transfer committed")
	return &models.TransferResult{Transaction: entry, Duplicate: false}, nil
}

func (s *LedgerService) validateTransfer(principal models.Principal, input *TransferInput) error {
	switch input.Kind {
	case models.TxKindManual:
		if !principal.IsAdmin() {
			return fmt.Errorf("manual transfers are admin-only: %w", ErrForbidden)
		}
	case models.TxKindRequest:
		if principal.IsAdmin() {
			return fmt.Errorf("chip requests are player-only: %w", ErrForbidden)
		}
		if input.FromAccountID == "" {
			return validationErrorf("a chip request needs the account being asked to pay")
		}
		// the requester always receives
		input.ToAccountID = principal.AccountID
	default:
		return validationErrorf("unsupported transfer kind %q", input.Kind)
	}

	if err := s.checkAmount(input.Amount); err != nil {
		return err
	}
	if input.ToAccountID == "" {
		return validationErrorf("to_account_id is required")
	}
	if input.FromAccountID != "" && input.FromAccountID == input.ToAccountID {
		return validationErrorf("cannot move chips to the same account")
	}
	return nil
}

func (s *LedgerService) checkAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return validationErrorf("amount must be positive")
	}
	if amount.GreaterThan(s.maxAmount) {
		return fmt.Errorf("amount exceeds the %s chip cap: %w", s.maxAmount.String(), ErrLimitExceeded)
	}
	return nil
}

func (s *LedgerService) executeTransfer(ctx context.Context, principal models.Principal, input TransferInput) (*models.Transaction, []balanceChange, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transfer: %w", err)
	}
	defer dbtx.Rollback()

	entry := &models.Transaction{
		ID:     uuid.New().String(),
		Amount: input.Amount,
		Kind:   input.Kind,
		Reason: input.Reason,
	}
	if input.IdempotencyKey != "" {
		key := input.IdempotencyKey
		entry.IdempotencyKey = &key
	}
	to := input.ToAccountID
	entry.ToAccountID = &to
	if input.FromAccountID != "" {
		from := input.FromAccountID
		entry.FromAccountID = &from
	}

	var changes []balanceChange
	switch input.Kind {
	case models.TxKindRequest:
		entry.Status = models.TxStatusPending
		from, toAcct, err := s.lockPair(dbtx, input.FromAccountID, input.ToAccountID)
		if err != nil {
			return nil, nil, err
		}
		if err := requireActive(from); err != nil {
			return nil, nil, err
		}
		if err := requireActive(toAcct); err != nil {
			return nil, nil, err
		}
		if err := s.accounts.TouchActivity(dbtx, from.ID, toAcct.ID); err != nil {
			return nil, nil, err
		}

	case models.TxKindManual:
		entry.Status = models.TxStatusApproved
		adminID := principal.AccountID
		entry.AdminID = &adminID
		entry.AdminIP = input.Admin.IP
		entry.AdminUserAgent = input.Admin.UserAgent

		if input.FromAccountID == "" {
			// mint from the system: credit only
			toAcct, err := s.accounts.LockForUpdate(dbtx, input.ToAccountID)
			if err != nil {
				return nil, nil, err
			}
			if err := requireActive(toAcct); err != nil {
				return nil, nil, err
			}
			if err := s.accounts.AdjustBalance(dbtx, toAcct, input.Amount); err != nil {
				return nil, nil, err
			}
			changes = append(changes, balanceChange{toAcct.ID, toAcct.Balance})
		} else {
			from, toAcct, err := s.lockPair(dbtx, input.FromAccountID, input.ToAccountID)
			if err != nil {
				return nil, nil, err
			}
			if err := requireActive(from); err != nil {
				return nil, nil, err
			}
			if err := requireActive(toAcct); err != nil {
				return nil, nil, err
			}
			if err := s.accounts.AdjustBalance(dbtx, from, input.Amount.Neg()); err != nil {
				return nil, nil, err
			}
			if err := s.accounts.AdjustBalance(dbtx, toAcct, input.Amount); err != nil {
				return nil, nil, err
			}
			changes = append(changes,
				balanceChange{from.ID, from.Balance},
				balanceChange{toAcct.ID, toAcct.Balance})
		}
	}

	if err := s.txLog.Append(dbtx, entry); err != nil {
		return nil, nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transfer: %w", err)
	}
	return entry, changes, nil
}

// ApproveRequest settles a pending chip request. The payer's balance is
// validated now, at approval time; on failure the request stays pending.
func (s *LedgerService) ApproveRequest(ctx context.Context, principal models.Principal, txID string, meta AdminMeta) (*models.Transaction, error) {
	if !principal.IsAdmin() {
		return nil, fmt.Errorf("approving requests is admin-only: %w", ErrForbidden)
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin approve: %w", err)
	}
	defer dbtx.Rollback()

	entry, err := s.txLog.lockEntry(dbtx, txID)
	if err != nil {
		return nil, err
	}
	if entry.Kind != models.TxKindRequest {
		return nil, fmt.Errorf("transaction %s is not a chip request: %w", txID, ErrInvalidState)
	}
	if entry.Status != models.TxStatusPending {
		return nil, fmt.Errorf("request %s is already %s: %w", txID, entry.Status, ErrInvalidState)
	}

	from, to, err := s.lockPair(dbtx, *entry.FromAccountID, *entry.ToAccountID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(from); err != nil {
		return nil, err
	}
	if err := requireActive(to); err != nil {
		return nil, err
	}

	if err := s.accounts.AdjustBalance(dbtx, from, entry.Amount.Neg()); err != nil {
		return nil, err
	}
	if err := s.accounts.AdjustBalance(dbtx, to, entry.Amount); err != nil {
		return nil, err
	}
	if err := s.txLog.markApproved(dbtx, entry.ID, principal.AccountID, meta.IP, meta.UserAgent); err != nil {
		return nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit approve: %w", err)
	}

	adminID := principal.AccountID
	entry.Status = models.TxStatusApproved
	entry.AdminID = &adminID
	entry.AdminIP = meta.IP
	entry.AdminUserAgent = meta.UserAgent

	s.afterCommit(ctx, entry, []balanceChange{
		{from.ID, from.Balance},
		{to.ID, to.Balance},
	})
	log.Info().Str("op", "approve").Str("tx_id", entry.ID).Str("admin", principal.AccountID).Msg("request approved")
	return entry, nil
}

// RejectRequest fails a pending chip request without moving chips. The
// rejection reason is appended to the entry's reason, never overwriting it.
func (s *LedgerService) RejectRequest(ctx context.Context, principal models.Principal, txID, reason string, meta AdminMeta) (*models.Transaction, error) {
	if !principal.IsAdmin() {
		return nil, fmt.Errorf("rejecting requests is admin-only: %w", ErrForbidden)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, validationErrorf("a rejection needs a reason")
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reject: %w", err)
	}
	defer dbtx.Rollback()

	entry, err := s.txLog.lockEntry(dbtx, txID)
	if err != nil {
		return nil, err
	}
	if entry.Kind != models.TxKindRequest {
		return nil, fmt.Errorf("transaction %s is not a chip request: %w", txID, ErrInvalidState)
	}
	if entry.Status != models.TxStatusPending {
		return nil, fmt.Errorf("request %s is already %s: %w", txID, entry.Status, ErrInvalidState)
	}

	appended := "rejected: " + reason
	if err := s.txLog.markFailed(dbtx, entry.ID, principal.AccountID, appended); err != nil {
		return nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reject: %w", err)
	}

	adminID := principal.AccountID
	entry.Status = models.TxStatusFailed
	entry.AdminID = &adminID
	if entry.Reason == "" {
		entry.Reason = appended
	} else {
		entry.Reason += "; " + appended
	}

	log.Info().Str("op", "reject").Str("tx_id", entry.ID).Str("admin", principal.AccountID).Msg("request rejected")
	return entry, nil
}

// ReverseTransaction undoes an approved transaction by committing a linked
// inverse entry. The original is never edited beyond its status flip, and a
// reversal itself can never be reversed.
func (s *LedgerService) ReverseTransaction(ctx context.Context, principal models.Principal, txID, reason string, meta AdminMeta) (*models.Transaction, error) {
	if !principal.IsAdmin() {
		return nil, fmt.Errorf("reversals are admin-only: %w", ErrForbidden)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, validationErrorf("a reversal needs a reason")
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reverse: %w", err)
	}
	defer dbtx.Rollback()

	orig, err := s.txLog.lockEntry(dbtx, txID)
	if err != nil {
		return nil, err
	}
	if orig.Status == models.TxStatusReversed {
		return nil, fmt.Errorf("transaction %s: %w", txID, ErrAlreadyReversed)
	}
	if orig.IsReversal {
		return nil, fmt.Errorf("transaction %s is itself a reversal: %w", txID, ErrInvalidState)
	}
	if orig.Status != models.TxStatusApproved {
		return nil, fmt.Errorf("only approved transactions can be reversed, %s is %s: %w", txID, orig.Status, ErrInvalidState)
	}

	adminID := principal.AccountID
	reversal := &models.Transaction{
		ID:             uuid.New().String(),
		FromAccountID:  orig.ToAccountID,
		ToAccountID:    orig.FromAccountID,
		Amount:         orig.Amount,
		Kind:           models.TxKindReversal,
		Status:         models.TxStatusApproved,
		IsReversal:     true,
		OriginalTxID:   &orig.ID,
		AdminID:        &adminID,
		AdminIP:        meta.IP,
		AdminUserAgent: meta.UserAgent,
		Reason:         reason,
	}

	var changes []balanceChange
	if orig.FromAccountID == nil {
		// reversing a mint burns the chips back to the system
		debtor, err := s.accounts.LockForUpdate(dbtx, *orig.ToAccountID)
		if err != nil {
			return nil, err
		}
		if err := s.accounts.AdjustBalance(dbtx, debtor, orig.Amount.Neg()); err != nil {
			return nil, err
		}
		changes = append(changes, balanceChange{debtor.ID, debtor.Balance})
	} else {
		debtor, creditor, err := s.lockPair(dbtx, *orig.ToAccountID, *orig.FromAccountID)
		if err != nil {
			return nil, err
		}
		if err := s.accounts.AdjustBalance(dbtx, debtor, orig.Amount.Neg()); err != nil {
			return nil, err
		}
		if err := s.accounts.AdjustBalance(dbtx, creditor, orig.Amount); err != nil {
			return nil, err
		}
		changes = append(changes,
			balanceChange{debtor.ID, debtor.Balance},
			balanceChange{creditor.ID, creditor.Balance})
	}

	if err := s.txLog.Append(dbtx, reversal); err != nil {
		return nil, err
	}
	if err := s.txLog.markReversed(dbtx, orig.ID, reversal.ID); err != nil {
		return nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reverse: %w", err)
	}

	s.afterCommit(ctx, reversal, changes)
	log.Info().Str("op", "reverse").Str("tx_id", orig.ID).Str("reversal_id", reversal.ID).Str("admin", principal.AccountID).Msg("transaction reversed")
	return reversal, nil
}

// GetBalance reads a balance through the cache. Players may only read their
// own.
func (s *LedgerService) GetBalance(ctx context.Context, principal models.Principal, accountID string) (decimal.Decimal, error) {
	if !principal.IsAdmin() && principal.AccountID != accountID {
		return decimal.Zero, fmt.Errorf("balances are private: %w", ErrForbidden)
	}

	if balance, ok := s.cache.Get(ctx, accountID); ok {
		return balance, nil
	}
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	s.cache.Set(ctx, accountID, account.Balance)
	return account.Balance, nil
}

// GetTransaction fetches one entry. Players only see entries they are party
// to; anything else reads as not found.
func (s *LedgerService) GetTransaction(ctx context.Context, principal models.Principal, txID string) (*models.Transaction, error) {
	entry, err := s.txLog.FindByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !principal.IsAdmin() && !isParty(entry, principal.AccountID) {
		return nil, fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	return entry, nil
}

// ListTransactions queries the log. Player listings are forced onto their
// own account.
func (s *LedgerService) ListTransactions(ctx context.Context, principal models.Principal, filter models.TransactionFilter) ([]models.Transaction, error) {
	if !principal.IsAdmin() {
		filter.AccountID = principal.AccountID
	}
	return s.txLog.Find(ctx, filter)
}

// lockPair locks two accounts in ascending id order to prevent deadlocks,
// returning them in argument order.
func (s *LedgerService) lockPair(dbtx *sql.Tx, firstID, secondID string) (*models.Account, *models.Account, error) {
	lockFirst, lockSecond := firstID, secondID
	if lockFirst > lockSecond {
		lockFirst, lockSecond = lockSecond, lockFirst
	}

	a, err := s.accounts.LockForUpdate(dbtx, lockFirst)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.accounts.LockForUpdate(dbtx, lockSecond)
	if err != nil {
		return nil, nil, err
	}

	if a.ID != firstID {
		a, b = b, a
	}
	return a, b, nil
}

func requireActive(account *models.Account) error {
	if account.IsBanned {
		return fmt.Errorf("account %s is banned: %w", account.ID, ErrInvalidState)
	}
	return nil
}

func isParty(entry *models.Transaction, accountID string) bool {
	if entry.FromAccountID != nil && *entry.FromAccountID == accountID {
		return true
	}
	if entry.ToAccountID != nil && *entry.ToAccountID == accountID {
		return true
	}
	return false
}

// afterCommit runs the post-commit side effects: synchronous cache
// invalidation, then fire-and-forget notifications.
func (s *LedgerService) afterCommit(ctx context.Context, entry *models.Transaction, changes []balanceChange) {
	ids := make([]string, 0, len(changes))
	for _, change := range changes {
		ids = append(ids, change.accountID)
	}
	s.cache.Invalidate(ctx, ids...)

	go func(entry models.Transaction, changes []balanceChange) {
		bg := context.Background()
		s.notifier.Publish(bg, models.Event{Kind: models.EventTransactionCreated, Transaction: &entry})
		for _, change := range changes {
			balance := change.balance
			s.notifier.Publish(bg, models.Event{
				Kind:      models.EventBalanceUpdated,
				AccountID: change.accountID,
				Balance:   &balance,
			})
		}
	}(*entry, changes)
}
