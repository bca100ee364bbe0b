package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"

	"github.com/chipbank/backend/internal/models"
)

func TestBulkHandler_Submit(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	rdb, rmock := redismock.NewClientMock()
	handler := NewBulkHandler(newBulk(db, rdb))

	t.Run("queues valid rows and reports rejected ones", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO bulk_jobs`).
			WithArgs(sqlmock.AnyArg(), testAdminID, "192.0.2.1:1234", "", models.BulkStatusQueued, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		rmock.Regexp().ExpectRPush("bulk:jobs", `.+`).SetVal(1)

		body := fmt.Sprintf(`{"rows":[{"to_account_id":%q,"amount":"10","reason":"bonus"},{"to_account_id":"not-a-uuid","amount":"5"}]}`, testBobID)
		w := httptest.NewRecorder()
		handler.Submit(w, asAdmin(jsonRequest("POST", "/api/v1/admin/bulk/transfers", body)))

		assert.Equal(t, http.StatusAccepted, w.Code)
		response := decodeBody(t, w)
		assert.NotEmpty(t, response["job_id"])
		assert.Equal(t, float64(1), response["accepted"])
		rejected := response["rejected"].([]any)
		assert.Len(t, rejected, 1)
		assert.Equal(t, float64(1), rejected[0].(map[string]any)["row"])
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("a submission needs at least one row", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.Submit(w, asAdmin(jsonRequest("POST", "/api/v1/admin/bulk/transfers", `{"rows":[]}`)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Validation failed", decodeBody(t, w)["error"])
	})

	t.Run("wholly invalid submissions are refused", func(t *testing.T) {
		body := `{"rows":[{"to_account_id":"nope","amount":"1"}]}`
		w := httptest.NewRecorder()
		handler.Submit(w, asAdmin(jsonRequest("POST", "/api/v1/admin/bulk/transfers", body)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("players cannot submit", func(t *testing.T) {
		body := fmt.Sprintf(`{"rows":[{"to_account_id":%q,"amount":"10"}]}`, testBobID)
		w := httptest.NewRecorder()
		handler.Submit(w, asPlayer(jsonRequest("POST", "/api/v1/admin/bulk/transfers", body), testAliceID))

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestBulkHandler_GetJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	rdb, _ := redismock.NewClientMock()
	handler := NewBulkHandler(newBulk(db, rdb))

	router := chi.NewRouter()
	router.Get("/bulk/transfers/{id}", handler.GetJob)

	t.Run("returns job status with row outcomes", func(t *testing.T) {
		now := time.Now().UTC()
		job := &models.BulkJob{
			ID:           "job-1",
			AdminID:      testAdminID,
			Status:       models.BulkStatusCompleted,
			Attempts:     1,
			Rows:         models.BulkRows{{ToAccountID: testBobID, Amount: "10"}},
			SuccessCount: 1,
			FailedCount:  1,
			RowErrors:    models.BulkRowErrors{{Row: 1, Error: "account missing"}},
			CreatedAt:    now,
			UpdatedAt:    now,
			CompletedAt:  &now,
		}
		mock.ExpectQuery(`FROM bulk_jobs WHERE id = \$1`).
			WithArgs("job-1").
			WillReturnRows(bulkJobRow(t, job))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, asAdmin(httptest.NewRequest("GET", "/bulk/transfers/job-1", nil)))

		assert.Equal(t, http.StatusOK, w.Code)
		got := decodeBody(t, w)["job"].(map[string]any)
		assert.Equal(t, models.BulkStatusCompleted, got["status"])
		assert.Equal(t, float64(1), got["success_count"])
		assert.Equal(t, float64(1), got["failed_count"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown job", func(t *testing.T) {
		mock.ExpectQuery(`FROM bulk_jobs WHERE id = \$1`).
			WithArgs("job-missing").
			WillReturnRows(sqlmock.NewRows(columnList(bulkJobColumns)))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, asAdmin(httptest.NewRequest("GET", "/bulk/transfers/job-missing", nil)))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("players cannot inspect jobs", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, asPlayer(httptest.NewRequest("GET", "/bulk/transfers/job-1", nil), testAliceID))

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
