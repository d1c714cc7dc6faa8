// Package handler is the JSON API over the family, task, allowance and ledger
// services. Handlers decode input, call one service operation and map its
// error kind to an HTTP status.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/famledger/internal/apperr"
	"github.com/dukerupert/famledger/internal/auth"
	"github.com/dukerupert/famledger/internal/policy"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

var kindStatus = map[apperr.Kind]int{
	apperr.KindNotAuthorized:       http.StatusForbidden,
	apperr.KindInvalidState:        http.StatusConflict,
	apperr.KindInvalidRequest:      http.StatusBadRequest,
	apperr.KindNotFound:            http.StatusNotFound,
	apperr.KindInvariantViolation:  http.StatusInternalServerError,
	apperr.KindConcurrencyConflict: http.StatusConflict,
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
}

// writeServiceError maps a service error to a status and JSON body. Errors
// without a kind are logged and reported as a generic 500.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}

	status, ok := kindStatus[e.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		logger.Error("request failed", "kind", e.Kind.String(), "error", err)
	}
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: e.Kind.String(), From: e.From, To: e.To})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: apperr.KindInvalidRequest.String()})
}

// decodeJSON reads the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON")
		return false
	}
	return true
}

func parseIDParam(r *http.Request) (int64, error) {
	idStr := r.PathValue("id")
	return strconv.ParseInt(idStr, 10, 64)
}

// queryInt returns the named query parameter, or 0 when it is absent.
func queryInt(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// actor returns the authenticated actor. Routes using it sit behind
// middleware.RequireAuth.
func actor(r *http.Request) policy.Actor {
	a, _ := auth.FromContext(r.Context())
	return a
}
