package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/famledger/internal/auth"
	"github.com/dukerupert/famledger/internal/model"
	"github.com/dukerupert/famledger/internal/store"
	"github.com/dukerupert/famledger/internal/verify"
)

// VerifyHandler issues and checks phone verification codes. With no store
// configured both routes answer 503.
type VerifyHandler struct {
	codes   *verify.Store
	members *store.MemberStore
	tokens  *auth.JWTManager
	logger  *slog.Logger
}

func NewVerifyHandler(codes *verify.Store, members *store.MemberStore, tokens *auth.JWTManager, logger *slog.Logger) *VerifyHandler {
	return &VerifyHandler{codes: codes, members: members, tokens: tokens, logger: logger}
}

type verifyRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

type checkResponse struct {
	Token                string        `json:"token,omitempty"`
	Member               *model.Member `json:"member,omitempty"`
	RequiresRegistration bool          `json:"requires_registration"`
}

// Issue creates a code. No SMS sender is wired, so the code is written to
// the debug log for local use.
func (h *VerifyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	if h.codes == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "verification is not configured"})
		return
	}
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	code, err := h.codes.Issue(r.Context(), req.Phone)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.logger.Debug("verification code issued", "phone", req.Phone, "code", code)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// Check consumes a code. A phone that belongs to a member signs that member
// in; an unknown phone is marked verified so it can register.
func (h *VerifyHandler) Check(w http.ResponseWriter, r *http.Request) {
	if h.codes == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "verification is not configured"})
		return
	}
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	phone, err := verify.NormalizePhone(req.Phone)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if err := h.codes.Check(r.Context(), phone, req.Code); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	m, err := h.members.GetByPhone(r.Context(), phone)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if m == nil {
		if err := h.codes.MarkVerified(r.Context(), phone); err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, checkResponse{RequiresRegistration: true})
		return
	}

	token, err := h.tokens.Generate(m.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.logger.Info("member signed in", "member_id", m.ID)
	writeJSON(w, http.StatusOK, checkResponse{Token: token, Member: m})
}
