package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/famledger/internal/family"
	"github.com/dukerupert/famledger/internal/model"
)

type FamilyHandler struct {
	svc    *family.Service
	logger *slog.Logger
}

func NewFamilyHandler(svc *family.Service, logger *slog.Logger) *FamilyHandler {
	return &FamilyHandler{svc: svc, logger: logger}
}

type createFamilyRequest struct {
	Name                  string `json:"name"`
	DependentsCreateTasks bool   `json:"dependents_create_tasks"`
}

func (h *FamilyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createFamilyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	v, err := h.svc.Create(r.Context(), actor(r), req.Name, req.DependentsCreateTasks)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *FamilyHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Get(r.Context(), actor(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type joinRequest struct {
	Code string `json:"code"`
}

func (h *FamilyHandler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	v, err := h.svc.Join(r.Context(), actor(r), req.Code)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *FamilyHandler) RegenerateJoinCode(w http.ResponseWriter, r *http.Request) {
	f, err := h.svc.RegenerateJoinCode(r.Context(), actor(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FamilyHandler) Leave(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Leave(r.Context(), actor(r)); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FamilyHandler) Members(w http.ResponseWriter, r *http.Request) {
	members, err := h.svc.Members(r.Context(), actor(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if members == nil {
		members = []model.Member{}
	}
	writeJSON(w, http.StatusOK, members)
}

type policyRequest struct {
	DependentsCreateTasks *bool `json:"dependents_create_tasks"`
}

func (h *FamilyHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DependentsCreateTasks == nil {
		writeBadRequest(w, "dependents_create_tasks is required")
		return
	}
	f, err := h.svc.UpdatePolicy(r.Context(), actor(r), *req.DependentsCreateTasks)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}
