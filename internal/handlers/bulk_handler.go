package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chipbank/backend/internal/middleware"
	"github.com/chipbank/backend/internal/models"
	"github.com/chipbank/backend/internal/services"
)

type BulkHandler struct {
	service   *services.BulkService
	validator *services.ValidationHelper
}

func NewBulkHandler(service *services.BulkService) *BulkHandler {
	return &BulkHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// Submit accepts a bulk transfer job
// @Summary Submit bulk job
// @Description Queue a batch of transfers as one atomic job; invalid rows are rejected at submission
// @Tags Bulk
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.BulkSubmitRequest true "Bulk rows"
// @Success 202 {object} models.BulkSubmitResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Router /bulk/transfers [post]
func (h *BulkHandler) Submit(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.Principal(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.BulkSubmitRequest

	r.Body = http.MaxBytesReader(w, r.Body, 4_194_304)
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

	resp, err := h.service.Submit(r.Context(), principal, req.Rows, adminMeta(r))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"success":  true,
		"job_id":   resp.JobID,
		"accepted": resp.Accepted,
		"rejected": resp.Rejected,
	})
}

// GetJob returns a bulk job with row outcomes
// @Summary Get bulk job
// @Description Fetch a bulk job's status, counts and per-row errors
// @Tags Bulk
// @Produce json
// @Security BearerAuth
// @Param id path string true "Job ID"
// @Success 200 {object} models.BulkJob
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /bulk/transfers/{id} [get]
func (h *BulkHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.Principal(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	job, err := h.service.GetJob(r.Context(), principal, chi.URLParam(r, "id"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "job": job})
}
