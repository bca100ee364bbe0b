package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/chipbank/backend/internal/middleware"
	"github.com/chipbank/backend/internal/models"
	"github.com/chipbank/backend/internal/services"
)

type LedgerHandler struct {
	ledger    *services.LedgerService
	txLog     *services.TransactionLog
	validator *services.ValidationHelper
}

func NewLedgerHandler(ledger *services.LedgerService, txLog *services.TransactionLog) *LedgerHandler {
	return &LedgerHandler{
		ledger:    ledger,
		txLog:     txLog,
		validator: services.NewValidationHelper(),
	}
}

// Transfer submits a chip movement
// @Summary Submit transfer
// @Description Submit a manual transfer (admin) or a chip request (player)
// @Tags Ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param Idempotency-Key header string false "Idempotency key"
// @Param request body models.TransferRequest true "Transfer request"
// @Success 200 {object} models.TransferResult "Replayed duplicate"
// @Success 201 {object} models.TransferResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /transfers [post]
func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.Principal(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.TransferRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amount, err := services.ParseAmount(req.Amount)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	result, err := h.ledger.Transfer(r.Context(), principal, services.TransferInput{
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         amount,
		Kind:           req.Kind,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Admin:          adminMeta(r),
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success":     true,
		"transaction": result.Transaction,
		"duplicate":   result.Duplicate,
	})
}

// Approve settles a pending chip request
// @Summary Approve request
// @Description Approve a pending chip request, moving the chips
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /transactions/{id}/approve [post]
func (h *LedgerHandler) Approve(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.Principal(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	entry, err := h.ledger.ApproveRequest(r.Context(), principal, chi.URLParam(r, "id"), adminMeta(r))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "transaction": entry})
}

// Reject fails a pending chip request
// @Summary Reject request
// @Description Reject a pending chip request without moving chips
// @Tags Ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Param request body models.RejectRequest true "Rejection"
// @Success 200 {object} models.Transaction
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /transactions/{id}/reject [post]
func (h *LedgerHandler) Reject(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.Principal(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.RejectRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	entry, err := h.ledger.RejectRequest(r.Context(), principal, chi.URLParam(r, "id"), req.Reason, adminMeta(r))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "transaction": entry})
}

// Reverse undoes an approved transaction
// @Summary Reverse transaction
// @Description Reverse an approved transaction with a linked inverse entry
// @Tags Ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Param request body models.ReverseRequest true "Reversal"
// @Success 201 {object} models.Transaction
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /transactions/{id}/reverse [post]
func (h *LedgerHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.Principal(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.ReverseRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	reversal, err := h.ledger.ReverseTransaction(r.Context(), principal, chi.URLParam(r, "id"), req.Reason, adminMeta(r))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "transaction": reversal})
}

// Mint credits every account
// @Summary Daily mint
// @Description Credit every account with the daily chip allowance
// @Tags Ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.MintRequest false "Mint amount override"
// @Success 200 {object} models.MintSummary
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Router /mint [post]
func (h *LedgerHandler) Mint(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.Principal(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.MintRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	// the body is optional; an empty one means the configured amount
	if err := dec.Decode(&req); err != nil && err != io.EOF {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	amount := decimal.Zero
	if req.AmountPerUser != "" {
		parsed, err := services.ParseAmount(req.AmountPerUser)
		if err != nil {
			services.SendServiceError(w, err)
			return
		}
		amount = parsed
	}

	summary, err := h.ledger.DailyMint(r.Context(), principal, amount, adminMeta(r))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "mint": summary})
}

// Recover sweeps a banned account into a verified one
// @Summary Recover chips
// @Description Sweep the full balance of a banned opted-in account to a verified account
// @Tags Ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.RecoverRequest true "Recovery request"
// @Success 201 {object} models.Transaction
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /recover [post]
func (h *LedgerHandler) Recover(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.Principal(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.RecoverRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	entry, err := h.ledger.RecoverChips(r.Context(), principal, services.RecoverInput{
		BannedAccountID:   req.BannedAccountID,
		VerifiedAccountID: req.VerifiedAccountID,
		Reason:            req.Reason,
		Admin:             adminMeta(r),
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "transaction": entry})
}

// GetTransaction returns one ledger entry
// @Summary Get transaction
// @Description Fetch one ledger entry; players only see entries they are party to
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} services.ErrorResponse
// @Router /transactions/{id} [get]
func (h *LedgerHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.Principal(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	entry, err := h.ledger.GetTransaction(r.Context(), principal, chi.URLParam(r, "id"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "transaction": entry})
}

// ListTransactions queries the ledger
// @Summary List transactions
// @Description Query ledger entries; player listings are scoped to their own account
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Param account_id query string false "Filter by account"
// @Param kind query string false "Filter by kind"
// @Param status query string false "Filter by status"
// @Param batch_id query string false "Filter by batch"
// @Param since query string false "RFC3339 lower bound"
// @Param until query string false "RFC3339 upper bound"
// @Success 200 {array} models.Transaction
// @Router /transactions [get]
func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.Principal(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	filter := models.TransactionFilter{
		AccountID: r.URL.Query().Get("account_id"),
		Kind:      r.URL.Query().Get("kind"),
		Status:    r.URL.Query().Get("status"),
		BatchID:   r.URL.Query().Get("batch_id"),
		Since:     timeQuery(r, "since"),
		Until:     timeQuery(r, "until"),
		Limit:     intQuery(r, "limit"),
		Offset:    intQuery(r, "offset"),
	}

	entries, err := h.ledger.ListTransactions(r.Context(), principal, filter)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "transactions": entries, "count": len(entries)})
}

// UpdateTransaction always refuses; the ledger is append-only
// @Summary Update transaction
// @Description Ledger entries are immutable; this always returns 409
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Failure 409 {object} services.ErrorResponse
// @Router /transactions/{id} [patch]
func (h *LedgerHandler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	err := h.txLog.Update(r.Context(), chi.URLParam(r, "id"), nil)
	services.SendServiceError(w, err)
}

// DeleteTransaction always refuses; the ledger is append-only
// @Summary Delete transaction
// @Description Ledger entries are immutable; this always returns 409
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Failure 409 {object} services.ErrorResponse
// @Router /transactions/{id} [delete]
func (h *LedgerHandler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	err := h.txLog.Delete(r.Context(), chi.URLParam(r, "id"))
	services.SendServiceError(w, err)
}

func adminMeta(r *http.Request) services.AdminMeta {
	return services.AdminMeta{IP: r.RemoteAddr, UserAgent: r.UserAgent()}
}

func timeQuery(r *http.Request, name string) *time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}
