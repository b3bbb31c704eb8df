package closinghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/period-close/internal/closing"
	"github.com/odyssey-erp/period-close/internal/platform/httpx"
)

type closingService interface {
	Define(ctx context.Context, in closing.DefineInput) (closing.Job, error)
	Redefine(ctx context.Context, jobID int64, in closing.DefineInput) (closing.Job, error)
	Job(ctx context.Context, jobID int64) (closing.Job, error)
	Start(ctx context.Context, jobID int64) (closing.Job, error)
	Pause(ctx context.Context, jobID int64) (closing.Job, error)
	Advance(ctx context.Context, jobID int64) error
}

// Handler exposes the closing job lifecycle over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   closingService
	validator *validator.Validate
	rateLimit int
}

// NewHandler constructs the handler. rateLimit caps mutations per client IP per minute.
func NewHandler(logger *slog.Logger, service closingService, rateLimit int) *Handler {
	if rateLimit <= 0 {
		rateLimit = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
		rateLimit: rateLimit,
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/closing/jobs", func(r chi.Router) {
		r.Get("/{id}", h.getJob)
		r.Get("/{id}/total", h.getTotal)
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(h.rateLimit, time.Minute))
			r.Post("/", h.define)
			r.Put("/{id}", h.redefine)
			r.Post("/{id}/start", h.start)
			r.Post("/{id}/pause", h.pause)
			r.Post("/{id}/advance", h.advance)
		})
	})
}

type defineRequest struct {
	CompanyID      int64  `json:"company_id" validate:"required,gt=0"`
	FiscalYear     string `json:"fiscal_year" validate:"required,max=20"`
	PeriodName     string `json:"period_name" validate:"max=64"`
	StartDate      string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate        string `json:"end_date" validate:"required,datetime=2006-01-02"`
	ClosingAccount string `json:"closing_account" validate:"required,max=140"`
	Remarks        string `json:"remarks" validate:"max=500"`
}

type unitResponse struct {
	Date           string                  `json:"date"`
	Status         closing.Status          `json:"status"`
	ClosingBalance closing.AggregateResult `json:"closing_balance,omitempty"`
}

type jobResponse struct {
	ID             int64                  `json:"id"`
	Status         closing.Status         `json:"status"`
	CompanyID      int64                  `json:"company_id"`
	FiscalYear     string                 `json:"fiscal_year"`
	PeriodName     string                 `json:"period_name,omitempty"`
	StartDate      string                 `json:"start_date"`
	EndDate        string                 `json:"end_date"`
	ClosingAccount string                 `json:"closing_account"`
	Remarks        string                 `json:"remarks,omitempty"`
	Progress       map[closing.Status]int `json:"progress"`
	Units          []unitResponse         `json:"units"`
}

func (h *Handler) define(w http.ResponseWriter, r *http.Request) {
	in, err := h.decodeDefinition(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	job, err := h.service.Define(r.Context(), in)
	if err != nil {
		h.fail(w, "define closing job", err)
		return
	}
	w.Header().Set("Location", "/closing/jobs/"+strconv.FormatInt(job.ID, 10))
	httpx.JSON(w, http.StatusCreated, toJobResponse(job))
}

func (h *Handler) redefine(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	in, err := h.decodeDefinition(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	job, err := h.service.Redefine(r.Context(), id, in)
	if err != nil {
		h.fail(w, "redefine closing job", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toJobResponse(job))
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	job, err := h.service.Job(r.Context(), id)
	if err != nil {
		h.fail(w, "load closing job", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toJobResponse(job))
}

func (h *Handler) getTotal(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	job, err := h.service.Job(r.Context(), id)
	if err != nil {
		h.fail(w, "load closing job", err)
		return
	}
	if job.Status != closing.StatusCompleted || job.PeriodTotal == nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "period total is available once the job completes")
		return
	}
	httpx.JSON(w, http.StatusOK, job.PeriodTotal)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "start closing job", h.service.Start)
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "pause closing job", h.service.Pause)
}

func (h *Handler) advance(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "advance closing job", func(ctx context.Context, id int64) (closing.Job, error) {
		if err := h.service.Advance(ctx, id); err != nil {
			return closing.Job{}, err
		}
		return h.service.Job(ctx, id)
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, int64) (closing.Job, error)) {
	id, err := jobID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	job, err := fn(r.Context(), id)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, toJobResponse(job))
}

func (h *Handler) decodeDefinition(r *http.Request) (closing.DefineInput, error) {
	var req defineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return closing.DefineInput{}, err
	}
	if err := h.validator.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, strings.ToLower(fe.Field())+" "+fe.Tag())
			}
			return closing.DefineInput{}, fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(fields, ", "))
		}
		return closing.DefineInput{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	start, err := closing.ParseDate(req.StartDate)
	if err != nil {
		return closing.DefineInput{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	end, err := closing.ParseDate(req.EndDate)
	if err != nil {
		return closing.DefineInput{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return closing.DefineInput{
		CompanyID:      req.CompanyID,
		FiscalYear:     req.FiscalYear,
		PeriodName:     req.PeriodName,
		StartDate:      start,
		EndDate:        end,
		ClosingAccount: req.ClosingAccount,
		Remarks:        req.Remarks,
	}, nil
}

// fail maps closing errors onto HTTP problems.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, closing.ErrJobNotFound), errors.Is(err, closing.ErrUnitNotFound):
		err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, closing.ErrInvalidRange), errors.Is(err, closing.ErrInvalidDefinition):
		err = fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, closing.ErrJobCompleted), errors.Is(err, closing.ErrAlreadyPosted):
		err = fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, closing.ErrLedgerCommit):
		h.logger.Error(op, slog.Any("error", err))
		err = fmt.Errorf("%w: ledger commit failed, retry advance", httpx.ErrUnavailable)
	default:
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func jobID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid job id %q", httpx.ErrValidation, raw)
	}
	return id, nil
}

func toJobResponse(job closing.Job) jobResponse {
	resp := jobResponse{
		ID:             job.ID,
		Status:         job.Status,
		CompanyID:      job.Source.CompanyID,
		FiscalYear:     job.Source.FiscalYear,
		PeriodName:     job.Source.PeriodName,
		StartDate:      closing.FormatDate(job.Source.StartDate),
		EndDate:        closing.FormatDate(job.Source.EndDate),
		ClosingAccount: job.Source.ClosingAccount,
		Remarks:        job.Source.Remarks,
		Progress:       job.Progress(),
		Units:          make([]unitResponse, 0, len(job.Units)),
	}
	for _, u := range job.Units {
		resp.Units = append(resp.Units, unitResponse{
			Date:           closing.FormatDate(u.ProcessingDate),
			Status:         u.Status,
			ClosingBalance: u.ClosingBalance,
		})
	}
	return resp
}
