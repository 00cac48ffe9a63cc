/**
 * @description
 * This file contains the HTTP handlers for the settlement service's API
 * endpoints. Handlers parse incoming requests, call the appropriate methods on
 * the application service, and write the HTTP response. They act as the bridge
 * between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: Service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tradepost/settlement-service/internal/app"
	"github.com/tradepost/settlement-service/internal/domain"
	"github.com/tradepost/settlement-service/internal/store"
)

// SettlementHandlers holds the application service that handlers will use.
type SettlementHandlers struct {
	service *app.Service
}

// NewSettlementHandlers creates a new instance of SettlementHandlers.
func NewSettlementHandlers(service *app.Service) *SettlementHandlers {
	return &SettlementHandlers{service: service}
}

// ListBanksHandler returns the processor's bank directory for recipient setup.
func (h *SettlementHandlers) ListBanksHandler(w http.ResponseWriter, r *http.Request) {
	banks, err := h.service.ListBanks(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"bank list failed\" err=%v", err)
		h.writeError(w, http.StatusBadGateway, "Unable to fetch the bank list right now")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"banks": banks})
}

// CreateBankRecipientHandler registers a bank account payout destination for
// the authenticated user.
func (h *SettlementHandlers) CreateBankRecipientHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	var req domain.CreateBankAccountRecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	recipient, err := h.service.CreateBankAccountRecipient(r.Context(), userID, req)
	if err != nil {
		h.writeRecipientError(w, userID, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, recipient)
}

// CreateAuthorizationRecipientHandler registers a stored card authorization as
// a payout destination for the authenticated user.
func (h *SettlementHandlers) CreateAuthorizationRecipientHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	var req domain.CreateAuthorizationRecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	recipient, err := h.service.CreateAuthorizationRecipient(r.Context(), userID, req)
	if err != nil {
		h.writeRecipientError(w, userID, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, recipient)
}

// ListRecipientsHandler returns the authenticated user's payout destinations.
// Inactive destinations are included when ?include_inactive=true.
func (h *SettlementHandlers) ListRecipientsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	recipients, err := h.service.GetUserRecipients(r.Context(), userID, includeInactive)
	if err != nil {
		log.Printf("level=error component=api msg=\"recipient list failed\" user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list recipients")
		return
	}
	if recipients == nil {
		recipients = []domain.TransferRecipient{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"recipients": recipients})
}

// UpdateRecipientHandler applies the mutable fields of one of the
// authenticated user's recipients.
func (h *SettlementHandlers) UpdateRecipientHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}
	recipientID, err := uuid.Parse(chi.URLParam(r, "recipientID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid recipient ID")
		return
	}

	var req domain.UpdateRecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	recipient, err := h.service.UpdateRecipient(r.Context(), recipientID, userID, req)
	if err != nil {
		h.writeRecipientError(w, userID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, recipient)
}

// DeactivateRecipientHandler soft-deletes one of the authenticated user's
// payout destinations.
func (h *SettlementHandlers) DeactivateRecipientHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}
	recipientID, err := uuid.Parse(chi.URLParam(r, "recipientID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid recipient ID")
		return
	}

	if err := h.service.DeactivateRecipient(r.Context(), recipientID, &userID); err != nil {
		h.writeRecipientError(w, userID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// GetTransferStatusHandler returns the current read model for a transfer.
func (h *SettlementHandlers) GetTransferStatusHandler(w http.ResponseWriter, r *http.Request) {
	transferID, err := uuid.Parse(chi.URLParam(r, "transferID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer ID")
		return
	}

	projection, err := h.service.GetTransferStatus(r.Context(), transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Transfer not found")
			return
		}
		log.Printf("level=error component=api msg=\"transfer status failed\" transfer_id=%s err=%v", transferID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch transfer status")
		return
	}
	h.writeJSON(w, http.StatusOK, projection)
}

// InitiateTransferHandler accepts a payout instruction from an internal
// caller. The transfer is returned in its accepted (pending) state.
func (h *SettlementHandlers) InitiateTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.InitiateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	transfer, err := h.service.InitiateTransfer(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrAmountOutOfRange):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrRecipientInactive), errors.Is(err, app.ErrRecipientNotValidated):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, store.ErrRecipientNotFound):
			h.writeError(w, http.StatusNotFound, "Recipient not found")
		case errors.Is(err, store.ErrDuplicateReference):
			h.writeError(w, http.StatusConflict, "A transfer with this reference already exists")
		default:
			log.Printf("level=error component=api msg=\"transfer initiation failed\" err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Unable to initiate transfer")
		}
		return
	}
	h.writeJSON(w, http.StatusAccepted, transfer)
}

// CreateEscrowHandler records an escrow hold reported by the order subsystem.
func (h *SettlementHandlers) CreateEscrowHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateEscrowTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	escrow, err := h.service.RecordEscrowTransaction(r.Context(), req)
	if err != nil {
		if errors.Is(err, app.ErrInvalidEscrowAmounts) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api msg=\"escrow creation failed\" reference=%s err=%v", req.Reference, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to record escrow transaction")
		return
	}
	h.writeJSON(w, http.StatusCreated, escrow)
}

// FundEscrowHandler records that the buyer's payment for an escrow settled.
func (h *SettlementHandlers) FundEscrowHandler(w http.ResponseWriter, r *http.Request) {
	escrowID, err := uuid.Parse(chi.URLParam(r, "escrowID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid escrow ID")
		return
	}

	escrow, err := h.service.MarkEscrowFunded(r.Context(), escrowID)
	if err != nil {
		if errors.Is(err, store.ErrEscrowNotFound) {
			h.writeError(w, http.StatusNotFound, "Escrow transaction not found")
			return
		}
		log.Printf("level=error component=api msg=\"escrow funding failed\" escrow_id=%s err=%v", escrowID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to mark escrow funded")
		return
	}
	h.writeJSON(w, http.StatusOK, escrow)
}

// ReleaseEscrowHandler releases a funded escrow and starts the seller payout.
func (h *SettlementHandlers) ReleaseEscrowHandler(w http.ResponseWriter, r *http.Request) {
	escrowID, err := uuid.Parse(chi.URLParam(r, "escrowID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid escrow ID")
		return
	}

	var req domain.ReleaseEscrowRequest
	if r.Body != nil {
		// An empty body means an unattributed release.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	transfer, err := h.service.ProcessEscrowRelease(r.Context(), escrowID, req)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrEscrowNotFound):
			h.writeError(w, http.StatusNotFound, "Escrow transaction not found")
		case errors.Is(err, app.ErrEscrowNotReleasable):
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, app.ErrNoActiveRecipient):
			h.writeError(w, http.StatusUnprocessableEntity, "The seller has no usable payout recipient")
		case errors.Is(err, app.ErrAmountOutOfRange):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			log.Printf("level=error component=api msg=\"escrow release failed\" escrow_id=%s err=%v", escrowID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to release escrow")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, transfer)
}

// writeRecipientError maps recipient directory errors onto HTTP statuses.
func (h *SettlementHandlers) writeRecipientError(w http.ResponseWriter, userID uuid.UUID, err error) {
	switch {
	case errors.Is(err, store.ErrRecipientNotFound):
		h.writeError(w, http.StatusNotFound, "Recipient not found")
	case errors.Is(err, app.ErrInvalidRecipientDetails):
		h.writeError(w, http.StatusBadRequest, "Recipient details are incomplete")
	case errors.Is(err, app.ErrAccountValidationFailed):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("level=error component=api msg=\"recipient operation failed\" user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Recipient operation failed")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *SettlementHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *SettlementHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
