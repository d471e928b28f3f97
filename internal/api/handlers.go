/**
 * @description
 * This file contains the HTTP handlers for the donation-service's API endpoints.
 * Handlers parse incoming requests, call the application service and map its errors
 * onto HTTP status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain: Service logic, models and the error taxonomy.
 */

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/soutien/donation-service/internal/app"
	"github.com/soutien/donation-service/internal/domain"
)

const maxBodyBytes = 1 << 20

// Handlers holds the application service that handlers will use.
type Handlers struct {
	service *app.Service
	logger  zerolog.Logger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service *app.Service, logger zerolog.Logger) *Handlers {
	return &Handlers{
		service: service,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

type createDonationRequest struct {
	BeneficiaryID       uuid.UUID  `json:"beneficiary_id"`
	Amount              int64      `json:"amount"`
	Currency            string     `json:"currency"`
	AssistanceRequestID *uuid.UUID `json:"assistance_request_id,omitempty"`
	Description         string     `json:"description,omitempty"`
}

// CreateDonationHandler handles POST /donations. A settled donation answers 201; one
// still awaiting the ledger answers 202.
func (h *Handlers) CreateDonationHandler(w http.ResponseWriter, r *http.Request) {
	donorID, ok := GetAuthUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	var body createDonationRequest
	if !decodeBody(w, r, &body) {
		return
	}

	donation, err := h.service.ProcessDonation(r.Context(), domain.DonationRequest{
		DonorID:             donorID,
		BeneficiaryID:       body.BeneficiaryID,
		Amount:              body.Amount,
		Currency:            body.Currency,
		AssistanceRequestID: body.AssistanceRequestID,
		Description:         body.Description,
		IdempotencyKey:      r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.writeServiceError(w, r, "create_donation", err)
		return
	}

	status := http.StatusCreated
	if donation.Status == domain.DonationPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, donation)
}

// ListMyDonationsHandler handles GET /donations/mine.
func (h *Handlers) ListMyDonationsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	limit, offset := pagination(r)
	donations, err := h.service.ListMyDonations(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, "list_my_donations", err)
		return
	}
	writeJSON(w, http.StatusOK, donations)
}

// ListReceivedDonationsHandler handles GET /donations/received.
func (h *Handlers) ListReceivedDonationsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	limit, offset := pagination(r)
	donations, err := h.service.ListReceivedDonations(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, "list_received_donations", err)
		return
	}
	writeJSON(w, http.StatusOK, donations)
}

// GetDonationHandler handles GET /donations/{id}.
func (h *Handlers) GetDonationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	donationID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	donation, err := h.service.GetDonation(r.Context(), userID, donationID)
	if err != nil {
		h.writeServiceError(w, r, "get_donation", err)
		return
	}
	writeJSON(w, http.StatusOK, donation)
}

// ListMyBadgesHandler handles GET /badges/mine.
func (h *Handlers) ListMyBadgesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	badges, err := h.service.ListMyBadges(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, "list_badges", err)
		return
	}
	writeJSON(w, http.StatusOK, badges)
}

// GetBadgeHandler handles GET /badges/{id}.
func (h *Handlers) GetBadgeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	badgeID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	badge, err := h.service.GetBadge(r.Context(), userID, badgeID)
	if err != nil {
		h.writeServiceError(w, r, "get_badge", err)
		return
	}
	writeJSON(w, http.StatusOK, badge)
}

// GetReputationHandler handles GET /users/me/reputation.
func (h *Handlers) GetReputationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	snapshot, err := h.service.GetReputation(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, "get_reputation", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// GetUserStatsHandler handles GET /users/stats.
func (h *Handlers) GetUserStatsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	stats, err := h.service.GetUserStats(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, "get_user_stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListAssistanceRequestsHandler handles GET /assistance-requests.
// Optional query filters: category, urgency, status.
func (h *Handlers) ListAssistanceRequestsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AssistanceRequestFilter{
		Category: q.Get("category"),
		Urgency:  q.Get("urgency"),
		Status:   domain.AssistanceRequestStatus(q.Get("status")),
	}
	limit, offset := pagination(r)
	requests, err := h.service.ListAssistanceRequests(r.Context(), filter, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, "list_assistance_requests", err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

// ListMyAssistanceRequestsHandler handles GET /assistance-requests/my-requests.
func (h *Handlers) ListMyAssistanceRequestsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	limit, offset := pagination(r)
	requests, err := h.service.ListMyAssistanceRequests(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, "list_my_assistance_requests", err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

// CreateAssistanceRequestHandler handles POST /assistance-requests.
func (h *Handlers) CreateAssistanceRequestHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	var body domain.CreateAssistanceRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := h.service.CreateAssistanceRequest(r.Context(), userID, body)
	if err != nil {
		h.writeServiceError(w, r, "create_assistance_request", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// GetAssistanceRequestHandler handles GET /assistance-requests/{id}.
func (h *Handlers) GetAssistanceRequestHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	req, err := h.service.GetAssistanceRequest(r.Context(), requestID)
	if err != nil {
		h.writeServiceError(w, r, "get_assistance_request", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// CancelAssistanceRequestHandler handles POST /internal/assistance-requests/{id}/cancel.
func (h *Handlers) CancelAssistanceRequestHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	req, err := h.service.CancelAssistanceRequest(r.Context(), requestID)
	if err != nil {
		h.writeServiceError(w, r, "cancel_assistance_request", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type completeEffectsRequest struct {
	DonorID uuid.UUID `json:"donor_id"`
}

// CompleteDonationEffectsHandler handles POST /internal/donations/{id}/effects.
func (h *Handlers) CompleteDonationEffectsHandler(w http.ResponseWriter, r *http.Request) {
	donationID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var body completeEffectsRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.service.CompleteDonationEffects(r.Context(), body.DonorID, donationID); err != nil {
		h.writeServiceError(w, r, "complete_donation_effects", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

type reconcileResponse struct {
	Pending app.ReconcileResult `json:"pending"`
	Effects app.ReconcileResult `json:"effects"`
}

// ReconcileHandler handles POST /internal/reconcile by running both reconciliation passes.
func (h *Handlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	pending, err := h.service.ReconcilePendingDonations(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, "reconcile_pending", err)
		return
	}
	effects, err := h.service.ReconcileDonationEffects(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, "reconcile_effects", err)
		return
	}
	writeJSON(w, http.StatusOK, reconcileResponse{Pending: pending, Effects: effects})
}

// writeServiceError maps an application error onto a status code.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	var rateErr *app.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "Too many donation attempts. Please wait and try again.")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrPrecondition):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case domain.IsExternal(err):
		h.logger.Warn().Str("endpoint", endpoint).Err(err).Msg("external dependency failed")
		writeError(w, http.StatusBadGateway, "Upstream service unavailable")
	default:
		h.logger.Error().Str("endpoint", endpoint).Str("path", r.URL.Path).Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
