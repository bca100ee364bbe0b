package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/chipbank/backend/internal/config"
	"github.com/chipbank/backend/internal/models"
)

const bulkJobColumns = `id, admin_id, admin_ip, admin_user_agent, status, attempts, job_rows, success_count, failed_count, row_errors, created_at, updated_at, completed_at`

// BulkService queues admin-submitted batches of credits/transfers and runs
// them. One job is one atomic unit of work: all of its surviving rows commit
// together with the job's completion record, so a redelivered job id can be
// recognized and skipped instead of double-applying.
type BulkService struct {
	db        *sql.DB
	redis     *redis.Client
	accounts  *AccountStore
	txLog     *TransactionLog
	cache     *BalanceCache
	notifier  Notifier
	validate  *validator.Validate
	cfg       config.BulkConfig
	maxAmount decimal.Decimal
}

func NewBulkService(
	db *sql.DB,
	rdb *redis.Client,
	accounts *AccountStore,
	txLog *TransactionLog,
	cache *BalanceCache,
	notifier Notifier,
	bulkCfg config.BulkConfig,
	ledgerCfg config.LedgerConfig,
) *BulkService {
	return &BulkService{
		db:        db,
		redis:     rdb,
		accounts:  accounts,
		txLog:     txLog,
		cache:     cache,
		notifier:  notifier,
		validate:  validator.New(),
		cfg:       bulkCfg,
		maxAmount: ledgerCfg.MaxBalance,
	}
}

// Submit validates rows, persists the job and queues it. Structurally bad
// rows are rejected here with their submission index; they never reach the
// queue. Valid rows proceed even when some neighbors were rejected.
func (b *BulkService) Submit(ctx context.Context, principal models.Principal, rows []models.BulkRow, meta AdminMeta) (*models.BulkSubmitResponse, error) {
	if !principal.IsAdmin() {
		return nil, fmt.Errorf("bulk jobs are admin-only: %w", ErrForbidden)
	}
	if len(rows) == 0 {
		return nil, validationErrorf("no rows submitted")
	}

	var accepted models.BulkRows
	var rejected []models.BulkRowError
	for i, row := range rows {
		if err := b.validateRow(row); err != nil {
			rejected = append(rejected, models.BulkRowError{Row: i, Error: err.Error()})
			continue
		}
		accepted = append(accepted, row)
	}
	if len(accepted) == 0 {
		return nil, validationErrorf("no valid rows in submission (%d rejected)", len(rejected))
	}

	job := &models.BulkJob{
		ID:             uuid.New().String(),
		AdminID:        principal.AccountID,
		AdminIP:        meta.IP,
		AdminUserAgent: meta.UserAgent,
		Status:         models.BulkStatusQueued,
		Rows:           accepted,
	}
	if _, err := b.db.ExecContext(ctx, `
		INSERT INTO bulk_jobs (id, admin_id, admin_ip, admin_user_agent, status, job_rows, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`,
		job.ID, job.AdminID, job.AdminIP, job.AdminUserAgent, job.Status, job.Rows); err != nil {
		return nil, fmt.Errorf("persist bulk job: %w", err)
	}

	if b.redis != nil {
		if err := b.enqueue(ctx, job.ID); err != nil {
			return nil, err
		}
	} else {
		// no queue tier: run the job directly so it is not stranded
		go b.processJob(context.Background(), job.ID)
	}

	log.Info().
		Str("op", "bulk_submit").
		Str("job_id", job.ID).
		Int("accepted", len(accepted)).
		Int("rejected", len(rejected)).
		Str("admin", principal.AccountID).
		Msg("bulk job queued")
	return &models.BulkSubmitResponse{JobID: job.ID, Accepted: len(accepted), Rejected: rejected}, nil
}

func (b *BulkService) validateRow(row models.BulkRow) error {
	if err := b.validate.Struct(row); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return validationErrorf("field %s failed %s validation", fieldErrs[0].Field(), fieldErrs[0].Tag())
		}
		return err
	}
	amount, err := ParseAmount(row.Amount)
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return validationErrorf("amount must be positive")
	}
	if amount.GreaterThan(b.maxAmount) {
		return fmt.Errorf("amount exceeds the %s chip cap: %w", b.maxAmount.String(), ErrLimitExceeded)
	}
	if row.FromAccountID != "" && row.FromAccountID == row.ToAccountID {
		return validationErrorf("cannot move chips to the same account")
	}
	return nil
}

// GetJob returns job status and results. Admin-only.
func (b *BulkService) GetJob(ctx context.Context, principal models.Principal, jobID string) (*models.BulkJob, error) {
	if !principal.IsAdmin() {
		return nil, fmt.Errorf("bulk jobs are admin-only: %w", ErrForbidden)
	}
	return b.loadJob(ctx, jobID)
}

func (b *BulkService) loadJob(ctx context.Context, jobID string) (*models.BulkJob, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+bulkJobColumns+` FROM bulk_jobs WHERE id = $1`, jobID)

	var job models.BulkJob
	err := row.Scan(
		&job.ID, &job.AdminID, &job.AdminIP, &job.AdminUserAgent, &job.Status,
		&job.Attempts, &job.Rows, &job.SuccessCount, &job.FailedCount,
		&job.RowErrors, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bulk job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load bulk job: %w", err)
	}
	return &job, nil
}

func (b *BulkService) enqueue(ctx context.Context, jobID string) error {
	if err := b.redis.RPush(ctx, b.cfg.QueueKey, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue bulk job: %w", err)
	}
	return nil
}

// Run starts the worker pool and blocks until ctx is done. Jobs left in
// queued or running state by an earlier crash are re-enqueued first; the
// completion guard in applyJob keeps that safe.
func (b *BulkService) Run(ctx context.Context) {
	if b.redis == nil {
		log.Warn().Msg("bulk runner idle: no redis queue, jobs run inline at submission")
		<-ctx.Done()
		return
	}

	b.requeueStalled(ctx)

	done := make(chan struct{})
	for i := 0; i < b.workerCount(); i++ {
		go func(worker int) {
			defer func() { done <- struct{}{} }()
			b.worker(ctx, worker)
		}(i)
	}
	for i := 0; i < b.workerCount(); i++ {
		<-done
	}
}

func (b *BulkService) workerCount() int {
	if b.cfg.Workers < 1 {
		return 1
	}
	return b.cfg.Workers
}

func (b *BulkService) worker(ctx context.Context, worker int) {
	log.Info().Int("worker", worker).Str("queue", b.cfg.QueueKey).Msg("bulk worker started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := b.redis.BLPop(ctx, 5*time.Second, b.cfg.QueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("bulk queue read failed")
			time.Sleep(time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}
		b.processJob(ctx, result[1])
	}
}

func (b *BulkService) requeueStalled(ctx context.Context) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id FROM bulk_jobs WHERE status IN ('queued', 'running') ORDER BY created_at`)
	if err != nil {
		log.Warn().Err(err).Msg("stalled bulk job scan failed")
		return
	}
	defer rows.Close()

	requeued := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			log.Warn().Err(err).Msg("stalled bulk job scan failed")
			return
		}
		if err := b.enqueue(ctx, id); err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("stalled bulk job requeue failed")
			continue
		}
		requeued++
	}
	if requeued > 0 {
		log.Info().Int("jobs", requeued).Msg("requeued stalled bulk jobs")
	}
}

func (b *BulkService) processJob(ctx context.Context, jobID string) {
	job, err := b.loadJob(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("bulk job load failed")
		return
	}

	switch job.Status {
	case models.BulkStatusCompleted:
		log.Info().Str("job_id", jobID).Msg("bulk job already completed, skipping redelivery")
		return
	case models.BulkStatusFailed:
		return
	}
	if job.Attempts >= b.cfg.MaxAttempts {
		b.markFailed(ctx, job.ID)
		return
	}

	if err := b.markRunning(ctx, job.ID); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("bulk job claim failed")
		b.retryOrFail(job)
		return
	}
	job.Attempts++

	if err := b.applyJob(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Int("attempt", job.Attempts).Msg("bulk job attempt failed")
		b.retryOrFail(job)
	}
}

func (b *BulkService) markRunning(ctx context.Context, jobID string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE bulk_jobs
		SET status = 'running', attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')`,
		jobID)
	return err
}

func (b *BulkService) markFailed(ctx context.Context, jobID string) {
	if _, err := b.db.ExecContext(ctx, `
		UPDATE bulk_jobs SET status = 'failed', updated_at = NOW() WHERE id = $1`,
		jobID); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("bulk job failure mark failed")
		return
	}
	log.Error().Str("job_id", jobID).Msg("bulk job failed permanently, left for inspection")
}

// retryOrFail schedules a delayed re-enqueue with exponential backoff, or
// gives the job up once its attempts are spent.
func (b *BulkService) retryOrFail(job *models.BulkJob) {
	if job.Attempts >= b.cfg.MaxAttempts {
		b.markFailed(context.Background(), job.ID)
		return
	}
	// Attempts is still zero when the claim itself failed; the shift must not
	// go negative.
	shift := job.Attempts - 1
	if shift < 0 {
		shift = 0
	}
	delay := b.cfg.RetryBase * time.Duration(1<<shift)
	log.Warn().Str("job_id", job.ID).Dur("delay", delay).Msg("bulk job retry scheduled")
	time.AfterFunc(delay, func() {
		if b.redis == nil {
			b.processJob(context.Background(), job.ID)
			return
		}
		if err := b.enqueue(context.Background(), job.ID); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("bulk job requeue failed")
		}
	})
}

// applyJob runs the whole job inside one database transaction. The job row
// is locked first and must still be running; a duplicate delivery of the
// same id serializes on that lock, finds the winner's settled status and
// rolls back before touching any account. A bad row is recorded and skipped
// without poisoning its neighbors; only infrastructure errors abort the
// transaction (and the caller retries the job). The job's completion commits
// atomically with its rows.
func (b *BulkService) applyJob(ctx context.Context, job *models.BulkJob) error {
	dbtx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk job: %w", err)
	}
	defer dbtx.Rollback()

	status, err := b.lockJob(dbtx, job.ID)
	if err != nil {
		return err
	}
	if status != models.BulkStatusRunning {
		log.Info().Str("job_id", job.ID).Str("status", status).Msg("bulk job already settled, skipping redelivery")
		return nil
	}

	locked, err := b.lockAccounts(dbtx, job.Rows)
	if err != nil {
		return err
	}

	var rowErrors models.BulkRowErrors
	var touched []string
	successCount := 0
	for i, row := range job.Rows {
		if err := b.applyRow(dbtx, job, locked, row); err != nil {
			if isRowError(err) {
				rowErrors = append(rowErrors, models.BulkRowError{Row: i, Error: err.Error()})
				log.Warn().Str("job_id", job.ID).Int("row", i).Str("error", err.Error()).Msg("bulk row skipped")
				continue
			}
			return err
		}
		successCount++
		if row.FromAccountID != "" {
			touched = append(touched, row.FromAccountID)
		}
		touched = append(touched, row.ToAccountID)
	}

	if _, err := dbtx.Exec(`
		UPDATE bulk_jobs
		SET status = 'completed', success_count = $2, failed_count = $3, row_errors = $4, updated_at = NOW(), completed_at = NOW()
		WHERE id = $1`,
		job.ID, successCount, len(rowErrors), rowErrors); err != nil {
		return fmt.Errorf("complete bulk job: %w", err)
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit bulk job: %w", err)
	}

	b.cache.Invalidate(ctx, touched...)
	go b.notifier.Publish(context.Background(), models.Event{
		Kind:    models.EventBulkJobCompleted,
		BatchID: job.ID,
		Count:   successCount,
	})

	log.Info().
		Str("op", "bulk_apply").
		Str("job_id", job.ID).
		Int("succeeded", successCount).
		Int("failed", len(rowErrors)).
		Msg("bulk job completed")
	return nil
}

// lockJob takes the job's row lock and reports the committed status. A
// worker holding a duplicate delivery blocks here until the first one
// commits, then sees the settled status instead of a still-running job.
func (b *BulkService) lockJob(dbtx *sql.Tx, jobID string) (string, error) {
	var status string
	err := dbtx.QueryRow(`SELECT status FROM bulk_jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("bulk job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lock bulk job: %w", err)
	}
	return status, nil
}

// lockAccounts locks every account referenced by the job in ascending id
// order, the same order single transfers use. Ids that do not resolve are
// left out of the map so only their rows fail.
func (b *BulkService) lockAccounts(dbtx *sql.Tx, rows models.BulkRows) (map[string]*models.Account, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, row := range rows {
		for _, id := range []string{row.FromAccountID, row.ToAccountID} {
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)

	locked := make(map[string]*models.Account, len(ids))
	for _, id := range ids {
		account, err := b.accounts.LockForUpdate(dbtx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		locked[id] = account
	}
	return locked, nil
}

func (b *BulkService) applyRow(dbtx *sql.Tx, job *models.BulkJob, locked map[string]*models.Account, row models.BulkRow) error {
	amount, err := ParseAmount(row.Amount)
	if err != nil {
		return err
	}

	to := locked[row.ToAccountID]
	if to == nil {
		return fmt.Errorf("account %s: %w", row.ToAccountID, ErrNotFound)
	}
	if to.IsBanned {
		return fmt.Errorf("account %s is banned: %w", to.ID, ErrInvalidState)
	}

	var from *models.Account
	if row.FromAccountID != "" {
		from = locked[row.FromAccountID]
		if from == nil {
			return fmt.Errorf("account %s: %w", row.FromAccountID, ErrNotFound)
		}
		if from.IsBanned {
			return fmt.Errorf("account %s is banned: %w", from.ID, ErrInvalidState)
		}
	}

	// check both sides before writing either, so a skipped row writes nothing
	if from != nil && from.Balance.LessThan(amount) {
		return fmt.Errorf("account %s: %w", from.ID, ErrInsufficientBalance)
	}
	if to.Balance.Add(amount).GreaterThan(b.maxAmount) {
		return fmt.Errorf("account %s balance would exceed %s: %w", to.ID, b.maxAmount.String(), ErrLimitExceeded)
	}

	if from != nil {
		if err := b.accounts.AdjustBalance(dbtx, from, amount.Neg()); err != nil {
			return err
		}
	}
	if err := b.accounts.AdjustBalance(dbtx, to, amount); err != nil {
		return err
	}

	adminID := job.AdminID
	batchID := job.ID
	toID := row.ToAccountID
	entry := &models.Transaction{
		ID:             uuid.New().String(),
		ToAccountID:    &toID,
		Amount:         amount,
		Kind:           models.TxKindManual,
		Status:         models.TxStatusApproved,
		AdminID:        &adminID,
		AdminIP:        job.AdminIP,
		AdminUserAgent: job.AdminUserAgent,
		BatchID:        &batchID,
		Reason:         row.Reason,
	}
	if row.FromAccountID != "" {
		fromID := row.FromAccountID
		entry.FromAccountID = &fromID
	}
	return b.txLog.Append(dbtx, entry)
}

// isRowError distinguishes per-row outcomes from infrastructure failures.
func isRowError(err error) bool {
	return IsValidation(err) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrInvalidState)
}
