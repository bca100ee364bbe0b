package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/chipbank/backend/internal/config"
	"github.com/chipbank/backend/internal/models"
)

func testBulkConfig() config.BulkConfig {
	return config.BulkConfig{
		QueueKey:    "bulk:jobs",
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		Workers:     1,
	}
}

func newBulkService(db *sql.DB, rdb *redis.Client) (*BulkService, *recordingNotifier) {
	accounts := NewAccountStore(db, decimal.New(2, 13))
	txLog := NewTransactionLog(db)
	cache := NewBalanceCache(nil, time.Minute)
	notifier := &recordingNotifier{}
	svc := NewBulkService(db, rdb, accounts, txLog, cache, notifier, testBulkConfig(), testLedgerConfig())
	return svc, notifier
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

func TestBulkService_Submit(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	rdb, rmock := redismock.NewClientMock()
	service, _ := newBulkService(db, rdb)
	meta := AdminMeta{IP: "10.0.0.1", UserAgent: "cli"}

	t.Run("persists valid rows and queues the job", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO bulk_jobs`).
			WithArgs(sqlmock.AnyArg(), testAdminID, "10.0.0.1", "cli",
				models.BulkStatusQueued, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		rmock.Regexp().ExpectRPush("bulk:jobs", `.+`).SetVal(1)

		response, err := service.Submit(context.Background(), adminPrincipal(), []models.BulkRow{
			{ToAccountID: testBobID, Amount: "100"},
			{ToAccountID: "not-a-uuid", Amount: "100"},
			{ToAccountID: testCarolID, Amount: "-5"},
		}, meta)
		assert.NoError(t, err)
		assert.NotEmpty(t, response.JobID)
		assert.Equal(t, 1, response.Accepted)
		assert.Len(t, response.Rejected, 2)
		assert.Equal(t, 1, response.Rejected[0].Row)
		assert.Equal(t, 2, response.Rejected[1].Row)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("submission with no valid rows is refused", func(t *testing.T) {
		_, err := service.Submit(context.Background(), adminPrincipal(), []models.BulkRow{
			{ToAccountID: "not-a-uuid", Amount: "100"},
		}, meta)
		assert.True(t, IsValidation(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty submission is refused", func(t *testing.T) {
		_, err := service.Submit(context.Background(), adminPrincipal(), nil, meta)
		assert.True(t, IsValidation(err))
	})

	t.Run("bulk jobs are admin-only", func(t *testing.T) {
		_, err := service.Submit(context.Background(), playerPrincipal(testAliceID), []models.BulkRow{
			{ToAccountID: testBobID, Amount: "100"},
		}, meta)
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestBulkService_validateRow(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service, _ := newBulkService(db, nil)

	t.Run("valid transfer row", func(t *testing.T) {
		err := service.validateRow(models.BulkRow{
			FromAccountID: testAliceID,
			ToAccountID:   testBobID,
			Amount:        "12.50",
		})
		assert.NoError(t, err)
	})

	t.Run("missing destination", func(t *testing.T) {
		err := service.validateRow(models.BulkRow{Amount: "10"})
		assert.True(t, IsValidation(err))
	})

	t.Run("same account", func(t *testing.T) {
		err := service.validateRow(models.BulkRow{
			FromAccountID: testAliceID,
			ToAccountID:   testAliceID,
			Amount:        "10",
		})
		assert.True(t, IsValidation(err))
	})

	t.Run("amount above the chip cap", func(t *testing.T) {
		err := service.validateRow(models.BulkRow{
			ToAccountID: testBobID,
			Amount:      "20000000000001",
		})
		assert.ErrorIs(t, err, ErrLimitExceeded)
	})

	t.Run("scientific notation", func(t *testing.T) {
		err := service.validateRow(models.BulkRow{
			ToAccountID: testBobID,
			Amount:      "1e6",
		})
		assert.True(t, IsValidation(err))
	})
}

func TestBulkService_GetJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service, _ := newBulkService(db, nil)

	t.Run("returns the job with its results", func(t *testing.T) {
		now := time.Now().UTC()
		job := &models.BulkJob{
			ID:           "job-1",
			AdminID:      testAdminID,
			Status:       models.BulkStatusCompleted,
			Attempts:     1,
			Rows:         models.BulkRows{{ToAccountID: testBobID, Amount: "100"}},
			SuccessCount: 1,
			RowErrors:    models.BulkRowErrors{{Row: 2, Error: "account missing"}},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		mock.ExpectQuery(`FROM bulk_jobs WHERE id = \$1`).
			WithArgs("job-1").
			WillReturnRows(bulkJobRow(t, job))

		got, err := service.GetJob(context.Background(), adminPrincipal(), "job-1")
		assert.NoError(t, err)
		assert.Equal(t, models.BulkStatusCompleted, got.Status)
		assert.Len(t, got.Rows, 1)
		assert.Len(t, got.RowErrors, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown job is not found", func(t *testing.T) {
		mock.ExpectQuery(`FROM bulk_jobs WHERE id = \$1`).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(columnList(bulkJobColumns)))

		_, err := service.GetJob(context.Background(), adminPrincipal(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("job status is admin-only", func(t *testing.T) {
		_, err := service.GetJob(context.Background(), playerPrincipal(testAliceID), "job-1")
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestBulkService_applyJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service, notifier := newBulkService(db, nil)

	t.Run("bad rows are skipped, the rest commit with the completion", func(t *testing.T) {
		job := &models.BulkJob{
			ID:             "job-1",
			AdminID:        testAdminID,
			AdminIP:        "10.0.0.1",
			AdminUserAgent: "cli",
			Status:         models.BulkStatusRunning,
			Attempts:       1,
			Rows: models.BulkRows{
				{ToAccountID: testAliceID, Amount: "100", Reason: "bonus"},
				{FromAccountID: testAliceID, ToAccountID: testBobID, Amount: "9999"},
				{ToAccountID: testCarolID, Amount: "25"},
			},
		}

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT status FROM bulk_jobs WHERE id = \$1 FOR UPDATE`).
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.BulkStatusRunning))
		// every referenced account is locked up front, ascending
		mock.ExpectQuery(`FROM accounts WHERE id = \$1 FOR UPDATE`).
			WithArgs(testAliceID).
			WillReturnRows(accountRow(testAccount(testAliceID, "500", 3)))
		mock.ExpectQuery(`FROM accounts WHERE id = \$1 FOR UPDATE`).
			WithArgs(testBobID).
			WillReturnRows(accountRow(testAccount(testBobID, "100", 7)))
		mock.ExpectQuery(`FROM accounts WHERE id = \$1 FOR UPDATE`).
			WithArgs(testCarolID).
			WillReturnRows(sqlmock.NewRows(columnList(accountColumns)))

		// row 0 commits; row 1 (insufficient) and row 2 (unknown) write nothing
		mock.ExpectExec(`UPDATE accounts SET balance = \$1`).
			WithArgs("600", sqlmock.AnyArg(), testAliceID, 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO transactions`).
			WithArgs(sqlmock.AnyArg(), nil, testAliceID, "100", models.TxKindManual,
				models.TxStatusApproved, nil, false, nil, nil, testAdminID, "10.0.0.1",
				"cli", "job-1", "bonus", nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec(`UPDATE bulk_jobs SET status = 'completed'`).
			WithArgs("job-1", 1, 2, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.applyJob(context.Background(), job)
		assert.NoError(t, err)
		assert.True(t, notifier.waitFor(models.EventBulkJobCompleted, time.Second))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("an infrastructure failure aborts the attempt", func(t *testing.T) {
		job := &models.BulkJob{
			ID:      "job-2",
			AdminID: testAdminID,
			Status:  models.BulkStatusRunning,
			Rows:    models.BulkRows{{ToAccountID: testAliceID, Amount: "100"}},
		}

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT status FROM bulk_jobs WHERE id = \$1 FOR UPDATE`).
			WithArgs("job-2").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.BulkStatusRunning))
		mock.ExpectQuery(`FROM accounts WHERE id = \$1 FOR UPDATE`).
			WithArgs(testAliceID).
			WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		err := service.applyJob(context.Background(), job)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("a job settled by another delivery rolls back untouched", func(t *testing.T) {
		job := &models.BulkJob{
			ID:      "job-3",
			AdminID: testAdminID,
			Status:  models.BulkStatusRunning,
			Rows:    models.BulkRows{{ToAccountID: testAliceID, Amount: "100"}},
		}

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT status FROM bulk_jobs WHERE id = \$1 FOR UPDATE`).
			WithArgs("job-3").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.BulkStatusCompleted))
		mock.ExpectRollback()

		err := service.applyJob(context.Background(), job)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBulkService_processJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service, _ := newBulkService(db, nil)
	now := time.Now().UTC()

	t.Run("a redelivered completed job is skipped", func(t *testing.T) {
		done := now
		job := &models.BulkJob{
			ID:           "job-1",
			AdminID:      testAdminID,
			Status:       models.BulkStatusCompleted,
			Attempts:     1,
			Rows:         models.BulkRows{{ToAccountID: testBobID, Amount: "100"}},
			SuccessCount: 1,
			CreatedAt:    now,
			UpdatedAt:    now,
			CompletedAt:  &done,
		}
		mock.ExpectQuery(`FROM bulk_jobs WHERE id = \$1`).
			WithArgs("job-1").
			WillReturnRows(bulkJobRow(t, job))

		service.processJob(context.Background(), "job-1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("spent attempts fail the job permanently", func(t *testing.T) {
		job := &models.BulkJob{
			ID:        "job-2",
			AdminID:   testAdminID,
			Status:    models.BulkStatusQueued,
			Attempts:  3,
			Rows:      models.BulkRows{{ToAccountID: testBobID, Amount: "100"}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		mock.ExpectQuery(`FROM bulk_jobs WHERE id = \$1`).
			WithArgs("job-2").
			WillReturnRows(bulkJobRow(t, job))
		mock.ExpectExec(`UPDATE bulk_jobs SET status = 'failed'`).
			WithArgs("job-2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		service.processJob(context.Background(), "job-2")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("a duplicate delivery cannot apply the job twice", func(t *testing.T) {
		job := &models.BulkJob{
			ID:        "job-3",
			AdminID:   testAdminID,
			Status:    models.BulkStatusRunning,
			Attempts:  1,
			Rows:      models.BulkRows{{ToAccountID: testBobID, Amount: "100"}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		mock.ExpectQuery(`FROM bulk_jobs WHERE id = \$1`).
			WithArgs("job-3").
			WillReturnRows(bulkJobRow(t, job))
		// the first delivery completed the job in between; the claim matches nothing
		mock.ExpectExec(`UPDATE bulk_jobs SET status = 'running'`).
			WithArgs("job-3").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT status FROM bulk_jobs WHERE id = \$1 FOR UPDATE`).
			WithArgs("job-3").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.BulkStatusCompleted))
		mock.ExpectRollback()

		service.processJob(context.Background(), "job-3")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBulkService_retryOrFail(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service, _ := newBulkService(db, nil)
	now := time.Now().UTC()

	t.Run("a claim failure before the first attempt retries at the base delay", func(t *testing.T) {
		// with no queue tier the redelivery loads the job inline and finds it
		// already settled
		done := now
		mock.ExpectQuery(`FROM bulk_jobs WHERE id = \$1`).
			WithArgs("job-1").
			WillReturnRows(bulkJobRow(t, &models.BulkJob{
				ID:           "job-1",
				AdminID:      testAdminID,
				Status:       models.BulkStatusCompleted,
				Attempts:     1,
				Rows:         models.BulkRows{{ToAccountID: testBobID, Amount: "100"}},
				SuccessCount: 1,
				CreatedAt:    now,
				UpdatedAt:    now,
				CompletedAt:  &done,
			}))

		assert.NotPanics(t, func() {
			service.retryOrFail(&models.BulkJob{ID: "job-1", Attempts: 0})
		})

		deadline := time.Now().Add(time.Second)
		for mock.ExpectationsWereMet() != nil && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exhausted attempts fail instead of rescheduling", func(t *testing.T) {
		mock.ExpectExec(`UPDATE bulk_jobs SET status = 'failed'`).
			WithArgs("job-2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		service.retryOrFail(&models.BulkJob{ID: "job-2", Attempts: 3})
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
