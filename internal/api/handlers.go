/**
 * @description
 * This file contains the HTTP handlers for the transfer-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the transfer coordinator, and writing the HTTP response. They act as
 * the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ledgerbridge/transfer-service/internal/domain"
	"github.com/ledgerbridge/transfer-service/internal/store"
)

// TransferService is the slice of the coordinator the handlers depend on.
type TransferService interface {
	RequestTransfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error)
	GetTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	ListTransfers(ctx context.Context, ownerID string, limit, offset int) ([]domain.Transfer, error)
}

// RelayOperations is the slice of the sweeper the operator endpoints depend on.
type RelayOperations interface {
	SweepOnce(ctx context.Context) (*domain.RelaySweepResult, error)
	Report(ctx context.Context) ([]domain.PendingRelayEntry, error)
}

// RateLimiter counts submissions per subject; a nil limiter allows everything.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// TransferHandlers holds the services that handlers will use.
type TransferHandlers struct {
	service         TransferService
	relayOps        RelayOperations
	limiter         RateLimiter
	rateLimit       int
	rateLimitWindow time.Duration
}

func NewTransferHandlers(service TransferService, relayOps RelayOperations, limiter RateLimiter, rateLimit int, rateLimitWindow time.Duration) *TransferHandlers {
	return &TransferHandlers{
		service:         service,
		relayOps:        relayOps,
		limiter:         limiter,
		rateLimit:       rateLimit,
		rateLimitWindow: rateLimitWindow,
	}
}

// transferResponse is the caller-facing body for a transfer submission.
type transferResponse struct {
	TransferID       string `json:"transfer_id,omitempty"`
	Outcome          string `json:"outcome"`
	NewSourceBalance *int64 `json:"new_source_balance,omitempty"`
	RelayTicketID    string `json:"relay_ticket_id,omitempty"`
	Which            string `json:"which,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

func buildTransferResponse(result *domain.TransferResult) transferResponse {
	resp := transferResponse{
		Outcome:       result.Outcome,
		RelayTicketID: result.RelayTicketID,
		Which:         result.Which,
		Reason:        result.Reason,
	}
	if result.TransferID != uuid.Nil {
		resp.TransferID = result.TransferID.String()
	}
	if result.NewSourceBalance != nil {
		balance := result.NewSourceBalance.Int64()
		resp.NewSourceBalance = &balance
	}
	return resp
}

// outcomeStatus maps a transfer outcome to its HTTP status.
func outcomeStatus(outcome string) int {
	switch outcome {
	case domain.OutcomeCompleted, domain.OutcomeReversed:
		return http.StatusOK
	case domain.OutcomePending:
		return http.StatusAccepted
	case domain.OutcomeValidationFailed:
		return http.StatusBadRequest
	case domain.OutcomeAccountNotFound:
		return http.StatusNotFound
	case domain.OutcomeInsufficientFunds:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

// CreateTransferHandler handles POST /transfers.
func (h *TransferHandlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	subject, ok := GetAuthenticatedSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// The authenticated subject owns the source ledger; the body cannot move
	// someone else's money.
	req.SourceOwnerID = subject

	if h.limiter != nil && h.rateLimit > 0 {
		count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), "transfers", subject, h.rateLimit, h.rateLimitWindow)
		if err != nil {
			log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" subject=%s err=%v", subject, err)
		} else if count > h.rateLimit {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Too many transfer requests. Please wait and try again.")
			return
		}
	}

	result, err := h.service.RequestTransfer(r.Context(), req)
	if err != nil {
		log.Printf("level=error component=api msg=\"transfer request failed\" owner=%s err=%v", subject, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to process transfer")
		return
	}
	h.writeJSON(w, outcomeStatus(result.Outcome), buildTransferResponse(result))
}

// GetTransferHandler handles GET /transfers/{transferID}.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	subject, ok := GetAuthenticatedSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "transferID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer id")
		return
	}

	transfer, err := h.service.GetTransfer(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Transfer not found")
			return
		}
		log.Printf("level=error component=api msg=\"transfer lookup failed\" transfer_id=%s err=%v", id, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch transfer")
		return
	}
	if transfer.SourceOwnerID != subject {
		h.writeError(w, http.StatusNotFound, "Transfer not found")
		return
	}
	h.writeJSON(w, http.StatusOK, transfer)
}

// ListTransfersHandler handles GET /transfers for the authenticated owner.
func (h *TransferHandlers) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	subject, ok := GetAuthenticatedSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	limit := parseQueryInt(r, "limit", 50)
	offset := parseQueryInt(r, "offset", 0)

	transfers, err := h.service.ListTransfers(r.Context(), subject, limit, offset)
	if err != nil {
		log.Printf("level=error component=api msg=\"transfer list failed\" owner=%s err=%v", subject, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list transfers")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transfers": transfers,
		"count":     len(transfers),
	})
}

// RelayReconciliationHandler handles GET /internal/relay/reconciliation.
func (h *TransferHandlers) RelayReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := h.relayOps.Report(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"reconciliation report failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to build reconciliation report")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": entries,
		"count":   len(entries),
	})
}

// RelaySweepHandler handles POST /internal/relay/sweep, running one expiry
// sweep on demand.
func (h *TransferHandlers) RelaySweepHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.relayOps.SweepOnce(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"manual sweep failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Sweep failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func parseQueryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

// writeJSON is a helper for writing JSON responses.
func (h *TransferHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *TransferHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
