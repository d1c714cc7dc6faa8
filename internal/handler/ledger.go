package handler

import (
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/famledger/internal/ledger"
)

type LedgerHandler struct {
	svc    *ledger.Service
	logger *slog.Logger
}

func NewLedgerHandler(svc *ledger.Service, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, logger: logger}
}

// Balance returns the caller's balance, or another member's with ?member_id=.
func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	memberID, err := queryInt(r, "member_id")
	if err != nil {
		writeBadRequest(w, "invalid member_id")
		return
	}
	b, err := h.svc.GetBalance(r.Context(), actor(r), memberID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// History returns entries newest first. ?limit= is clamped by the service.
func (h *LedgerHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeBadRequest(w, "invalid limit")
		return
	}
	entries, err := h.svc.GetHistory(r.Context(), actor(r), int(limit))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type creditRequest struct {
	PayeeID     int64           `json:"payee_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := h.svc.Transfer(r.Context(), actor(r), req.PayeeID, req.Amount, req.Description)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *LedgerHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := h.svc.Adjust(r.Context(), actor(r), req.PayeeID, req.Amount, req.Description)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// Reconcile compares every member's balance against the ledger.
func (h *LedgerHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rows, err := h.svc.Reconcile(r.Context(), actor(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
