package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/famledger/internal/allowance"
	"github.com/dukerupert/famledger/internal/model"
)

type ScheduleHandler struct {
	svc    *allowance.Service
	logger *slog.Logger
}

func NewScheduleHandler(svc *allowance.Service, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{svc: svc, logger: logger}
}

// scheduleRequest is shared by create and update. Omitted fields are left
// unchanged on update.
type scheduleRequest struct {
	MemberID   int64            `json:"member_id"`
	Amount     *decimal.Decimal `json:"amount"`
	Frequency  *model.Frequency `json:"frequency"`
	DayOfWeek  *time.Weekday    `json:"day_of_week"`
	DayOfMonth *int             `json:"day_of_month"`
	Active     *bool            `json:"active"`
}

func (req scheduleRequest) input() allowance.ScheduleInput {
	return allowance.ScheduleInput{
		MemberID:   req.MemberID,
		Amount:     req.Amount,
		Frequency:  req.Frequency,
		DayOfWeek:  req.DayOfWeek,
		DayOfMonth: req.DayOfMonth,
		Active:     req.Active,
	}
}

func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sc, err := h.svc.Create(r.Context(), actor(r), req.input())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.svc.List(r.Context(), actor(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if schedules == nil {
		schedules = []model.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid id")
		return
	}
	sc, err := h.svc.Get(r.Context(), actor(r), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid id")
		return
	}
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sc, err := h.svc.Update(r.Context(), actor(r), id, req.input())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
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

// Process runs the due-schedule batch for the caller's family. Per-schedule
// failures are reported in the result body, not as an error status.
func (h *ScheduleHandler) Process(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ProcessDueSchedules(r.Context(), actor(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if res.Err != nil {
		h.logger.Warn("allowance batch had failures", "run_id", res.RunID, "failed", res.Failed, "error", res.Err)
	}
	writeJSON(w, http.StatusOK, res)
}
