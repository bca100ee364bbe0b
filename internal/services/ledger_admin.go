package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/chipbank/backend/internal/models"
)

// DailyMint credits every existing account amountPerUser chips in one
// atomic run. The id snapshot taken at the start is the mint population:
// accounts created while the mint runs are untouched. Any failed credit,
// a ceiling hit included, aborts the whole mint.
func (s *LedgerService) DailyMint(ctx context.Context, principal models.Principal, amountPerUser decimal.Decimal, meta AdminMeta) (*models.MintSummary, error) {
	if !principal.IsAdmin() {
		return nil, fmt.Errorf("the daily mint is admin-only: %w", ErrForbidden)
	}
	if amountPerUser.IsZero() {
		amountPerUser = s.mintAmount
	}
	if err := s.checkAmount(amountPerUser); err != nil {
		return nil, err
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mint: %w", err)
	}
	defer dbtx.Rollback()

	ids, err := s.accounts.SnapshotIDs(dbtx)
	if err != nil {
		return nil, err
	}

	batchID := uuid.New().String()
	adminID := principal.AccountID
	for _, id := range ids {
		account, err := s.accounts.LockForUpdate(dbtx, id)
		if err != nil {
			return nil, err
		}
		if err := s.accounts.AdjustBalance(dbtx, account, amountPerUser); err != nil {
			return nil, fmt.Errorf("daily mint aborted at account %s: %w", id, err)
		}

		to := id
		entry := &models.Transaction{
			ID:             uuid.New().String(),
			ToAccountID:    &to,
			Amount:         amountPerUser,
			Kind:           models.TxKindDailyMint,
			Status:         models.TxStatusApproved,
			AdminID:        &adminID,
			AdminIP:        meta.IP,
			AdminUserAgent: meta.UserAgent,
			BatchID:        &batchID,
		}
		if err := s.txLog.Append(dbtx, entry); err != nil {
			return nil, err
		}
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mint: %w", err)
	}

	s.cache.Invalidate(ctx, ids...)
	go s.notifier.Publish(context.Background(), models.Event{
		Kind:    models.EventDailyMintCompleted,
		BatchID: batchID,
		Count:   len(ids),
	})

	log.Info().
		Str("op", "daily_mint").
		Str("batch_id", batchID).
		Int("accounts", len(ids)).
		Str("amount_per_user", amountPerUser.String()).
		Msg("daily mint completed")
	return &models.MintSummary{BatchID: batchID, Accounts: len(ids), AmountPerUser: amountPerUser}, nil
}

// RecoverChips sweeps the full balance of a banned account into a verified
// one, leaving a single chip-recovery entry as the audit trail. This is the
// only path by which a banned account's chips move.
func (s *LedgerService) RecoverChips(ctx context.Context, principal models.Principal, input RecoverInput) (*models.Transaction, error) {
	if !principal.IsAdmin() {
		return nil, fmt.Errorf("chip recovery is admin-only: %w", ErrForbidden)
	}
	if strings.TrimSpace(input.Reason) == "" {
		return nil, validationErrorf("a chip recovery needs a reason")
	}
	if input.BannedAccountID == input.VerifiedAccountID {
		return nil, validationErrorf("cannot recover chips into the same account")
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin recovery: %w", err)
	}
	defer dbtx.Rollback()

	source, dest, err := s.lockPair(dbtx, input.BannedAccountID, input.VerifiedAccountID)
	if err != nil {
		return nil, err
	}
	if !source.IsBanned {
		return nil, fmt.Errorf("account %s is not banned: %w", source.ID, ErrInvalidState)
	}
	if !source.RecoveryEnabled {
		return nil, fmt.Errorf("account %s has chip recovery disabled: %w", source.ID, ErrInvalidState)
	}
	if dest.IsBanned {
		return nil, fmt.Errorf("destination %s is banned: %w", dest.ID, ErrInvalidState)
	}
	if !dest.IsVerified {
		return nil, fmt.Errorf("destination %s is not verified: %w", dest.ID, ErrInvalidState)
	}

	amount := source.Balance
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("account %s holds no chips: %w", source.ID, ErrInvalidState)
	}

	if err := s.accounts.AdjustBalance(dbtx, source, amount.Neg()); err != nil {
		return nil, err
	}
	if err := s.accounts.AdjustBalance(dbtx, dest, amount); err != nil {
		return nil, err
	}

	adminID := principal.AccountID
	entry := &models.Transaction{
		ID:             uuid.New().String(),
		FromAccountID:  &source.ID,
		ToAccountID:    &dest.ID,
		Amount:         amount,
		Kind:           models.TxKindChipRecovery,
		Status:         models.TxStatusApproved,
		AdminID:        &adminID,
		AdminIP:        input.Admin.IP,
		AdminUserAgent: input.Admin.UserAgent,
		Reason:         input.Reason,
		RecoveredFrom:  &source.ID,
	}
	if err := s.txLog.Append(dbtx, entry); err != nil {
		return nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recovery: %w", err)
	}

	s.afterCommit(ctx, entry, []balanceChange{
		{source.ID, source.Balance},
		{dest.ID, dest.Balance},
	})
	go s.notifier.Publish(context.Background(), models.Event{
		Kind:      models.EventChipRecoveryCompleted,
		AccountID: dest.ID,
	})

	log.Info().
		Str("op", "recover_chips").
		Str("from", source.ID).
		Str("to", dest.ID).
		Str("amount", amount.String()).
		Str("admin", principal.AccountID).
		Msg("chips recovered")
	return entry, nil
}

// BanAccount freezes an account. Its chips stay where they are; transfers
// involving it are refused until unban or recovery.
func (s *LedgerService) BanAccount(ctx context.Context, principal models.Principal, accountID, reason string) (*models.Account, error) {
	if !principal.IsAdmin() {
		return nil, fmt.Errorf("bans are admin-only: %w", ErrForbidden)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, validationErrorf("a ban needs a reason")
	}
	return s.accounts.SetBanState(ctx, accountID, true, reason, principal.AccountID)
}

func (s *LedgerService) UnbanAccount(ctx context.Context, principal models.Principal, accountID string) (*models.Account, error) {
	if !principal.IsAdmin() {
		return nil, fmt.Errorf("unbans are admin-only: %w", ErrForbidden)
	}
	return s.accounts.SetBanState(ctx, accountID, false, "", principal.AccountID)
}

func (s *LedgerService) SetAccountVerified(ctx context.Context, principal models.Principal, accountID string, verified bool) (*models.Account, error) {
	if !principal.IsAdmin() {
		return nil, fmt.Errorf("verification is admin-only: %w", ErrForbidden)
	}
	return s.accounts.SetVerifyState(ctx, accountID, verified, principal.AccountID)
}

// SetRecoveryEnabled lets players opt their own account out of post-ban chip
// recovery; admins can toggle any account.
func (s *LedgerService) SetRecoveryEnabled(ctx context.Context, principal models.Principal, accountID string, enabled bool) (*models.Account, error) {
	if !principal.IsAdmin() && principal.AccountID != accountID {
		return nil, fmt.Errorf("cannot change another account's recovery setting: %w", ErrForbidden)
	}
	return s.accounts.SetRecoveryEnabled(ctx, accountID, enabled)
}

// GetAccount returns one account. Players only see their own.
func (s *LedgerService) GetAccount(ctx context.Context, principal models.Principal, accountID string) (*models.Account, error) {
	if !principal.IsAdmin() && principal.AccountID != accountID {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrForbidden)
	}
	return s.accounts.Get(ctx, accountID)
}

// ListAccounts is admin-only.
func (s *LedgerService) ListAccounts(ctx context.Context, principal models.Principal, filter models.AccountFilter) ([]models.Account, error) {
	if !principal.IsAdmin() {
		return nil, fmt.Errorf("account listing is admin-only: %w", ErrForbidden)
	}
	return s.accounts.List(ctx, filter)
}
