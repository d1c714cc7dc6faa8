package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/famledger/internal/auth"
	"github.com/dukerupert/famledger/internal/family"
	"github.com/dukerupert/famledger/internal/model"
	"github.com/dukerupert/famledger/internal/verify"
)

type MemberHandler struct {
	families *family.Service
	codes    *verify.Store
	tokens   *auth.JWTManager
	// open skips the verified-phone requirement for local bootstrap.
	open   bool
	logger *slog.Logger
}

func NewMemberHandler(families *family.Service, codes *verify.Store, tokens *auth.JWTManager, open bool, logger *slog.Logger) *MemberHandler {
	return &MemberHandler{families: families, codes: codes, tokens: tokens, open: open, logger: logger}
}

type registerRequest struct {
	Name  string     `json:"name"`
	Phone string     `json:"phone"`
	Role  model.Role `json:"role"`
}

type authResponse struct {
	Token  string        `json:"token"`
	Member *model.Member `json:"member"`
}

// Register creates a member and returns a bearer token for it. The phone
// must have passed verification unless open registration is enabled.
func (h *MemberHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	phone := ""
	if strings.TrimSpace(req.Phone) != "" || !h.open {
		p, err := verify.NormalizePhone(req.Phone)
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
		phone = p
	}
	if !h.open {
		if h.codes == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "verification is not configured"})
			return
		}
		if err := h.codes.ConsumeVerified(r.Context(), phone); err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
	}

	m, err := h.families.RegisterMember(r.Context(), req.Name, phone, req.Role)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	token, err := h.tokens.Generate(m.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, Member: m})
}
