package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/famledger/internal/chore"
	"github.com/dukerupert/famledger/internal/model"
	"github.com/dukerupert/famledger/internal/policy"
)

type TaskHandler struct {
	svc    *chore.Service
	logger *slog.Logger
}

func NewTaskHandler(svc *chore.Service, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{svc: svc, logger: logger}
}

type taskRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Reward      decimal.Decimal `json:"reward"`
	DueAt       *time.Time      `json:"due_at"`
	AssigneeID  *int64          `json:"assignee_id"`
}

func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := h.svc.Create(r.Context(), actor(r), chore.NewTask{
		Title:       req.Title,
		Description: req.Description,
		Reward:      req.Reward,
		DueAt:       req.DueAt,
		AssigneeID:  req.AssigneeID,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// List accepts an optional ?status= filter.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	status := model.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := h.svc.List(r.Context(), actor(r), status)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid id")
		return
	}
	t, err := h.svc.Get(r.Context(), actor(r), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid id")
		return
	}
	if err := h.svc.Delete(r.Context(), actor(r), id); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) Claim(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Claim)
}

type completeRequest struct {
	Note string `json:"note"`
}

// Complete takes an optional JSON body with a completion note.
func (h *TaskHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	h.transition(w, r, func(ctx context.Context, a policy.Actor, id int64) (*model.Task, error) {
		return h.svc.Complete(ctx, a, id, req.Note)
	})
}

func (h *TaskHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Approve)
}

func (h *TaskHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Reject)
}

func (h *TaskHandler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, policy.Actor, int64) (*model.Task, error)) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid id")
		return
	}
	t, err := fn(r.Context(), actor(r), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
