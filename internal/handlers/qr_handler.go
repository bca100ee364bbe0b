package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/chipbank/backend/internal/middleware"
	"github.com/chipbank/backend/internal/models"
	"github.com/chipbank/backend/internal/services"
)

type QRHandler struct {
	qr        *services.QRService
	ledger    *services.LedgerService
	validator *services.ValidationHelper
}

func NewQRHandler(qr *services.QRService, ledger *services.LedgerService) *QRHandler {
	return &QRHandler{
		qr:        qr,
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

// Generate renders a payment code naming the caller as payee
// @Summary Generate payment QR
// @Description Generate a single-use QR code requesting chips for the caller
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.QRGenerateRequest true "QR generation request"
// @Success 200 {object} models.QRGenerateResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Router /qr/generate [post]
func (h *QRHandler) Generate(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.Principal(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if principal.IsAdmin() {
		services.SendErrorResponse(w, "Payment codes are for player accounts", http.StatusForbidden, nil)
		return
	}

	var req models.QRGenerateRequest

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

	amount, err := services.ParseAmount(req.Amount)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	resp, err := h.qr.GeneratePaymentQR(r.Context(), principal.AccountID, amount)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"code":    resp.Code,
		"png":     resp.PNG,
		"expires": resp.Expires,
	})
}

// Scan consumes a payment code and opens the chip request
// @Summary Scan payment QR
// @Description Resolve a scanned code and open a pending chip request with the caller as payer
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.QRScanRequest true "Scanned code"
// @Success 201 {object} models.TransferResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Router /qr/scan [post]
func (h *QRHandler) Scan(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.Principal(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.QRScanRequest

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

	code, err := h.qr.ResolvePaymentQR(r.Context(), req.Code)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	result, err := h.ledger.TransferFromCode(r.Context(), principal, code)
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
