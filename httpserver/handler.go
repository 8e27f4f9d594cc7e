package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/compact-allocator/allocator"
	"github.com/ruteri/compact-allocator/balance"
	"github.com/ruteri/compact-allocator/compact"
	"github.com/ruteri/compact-allocator/nonce"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler processes the allocator's API requests, delegating all domain
// logic to the submission orchestrator.
type Handler struct {
	orchestrator *allocator.Orchestrator
	log          *slog.Logger
}

// NewHandler creates an API handler around the orchestrator.
func NewHandler(orchestrator *allocator.Orchestrator, log *slog.Logger) *Handler {
	return &Handler{orchestrator: orchestrator, log: log}
}

// submitRequest is the body of POST /compact.
type submitRequest struct {
	ChainID   string          `json:"chainId"`
	Compact   compact.Compact `json:"compact"`
	Sponsor   string          `json:"sponsor"`
	Signature *string         `json:"signature,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleSubmitCompact processes a compact submission.
//
// URL format: POST /compact
// Response: JSON {hash, signature, nonce} on acceptance, {error} otherwise.
func (h *Handler) HandleSubmitCompact(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.orchestrator.SubmitCompact(r.Context(), req.ChainID, &req.Compact, req.Sponsor, req.Signature)
	if err != nil {
		h.log.Info("Compact rejected", "err", err, "chainId", req.ChainID, "sponsor", req.Sponsor)
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleSuggestedNonce returns the next unused nonce for a sponsor.
//
// URL format: GET /suggested-nonce/{chain_id}/{account}
func (h *Handler) HandleSuggestedNonce(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chain_id")
	account := chi.URLParam(r, "account")

	n, err := h.orchestrator.SuggestedNonce(r.Context(), chainID, account)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"nonce": n.String()})
}

// HandleGetBalance returns the reconciled balances for one lock.
//
// URL format: GET /balance/{chain_id}/{lock_id}/{account}
func (h *Handler) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chain_id")
	lockID := chi.URLParam(r, "lock_id")
	account := chi.URLParam(r, "account")

	sum, err := h.orchestrator.GetBalance(r.Context(), chainID, lockID, account)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"allocatableBalance":         sum.AllocatableBalance.String(),
		"allocatedBalance":           sum.AllocatedBalance.String(),
		"balanceAvailableToAllocate": sum.AvailableBalance.String(),
		"withdrawalStatus":           sum.WithdrawalStatus,
	})
}

// statusForError maps pipeline errors onto HTTP statuses: authorization
// failures are 403, everything else the caller can correct is 400, and
// dependency failures are 502.
func statusForError(err error) int {
	switch {
	case errors.Is(err, allocator.ErrNoAuthorization),
		errors.Is(err, nonce.ErrNonceUsed),
		errors.Is(err, nonce.ErrSponsorMismatch),
		errors.Is(err, balance.ErrForcedWithdrawal),
		errors.Is(err, balance.ErrInvalidAllocatorID):
		return http.StatusForbidden
	default:
		if isDependencyError(err) {
			return http.StatusBadGateway
		}
		return http.StatusBadRequest
	}
}

func isDependencyError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"could not fetch", "could not query", "could not load", "transaction", "registration query failed"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
