package dues

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/memberly-app/memberly-billing/internal/platform/httpx"
	"github.com/memberly-app/memberly-billing/internal/shared"
)

// Handler manages dues endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers dues routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/chapters/{chapterID}/cycles", h.createCycle)
	r.Get("/chapters/{chapterID}/cycles", h.listCycles)
	r.Get("/chapters/{chapterID}/assignments", h.listByChapter)
	r.Post("/cycles/{cycleID}/assignments", h.assign)
	r.Get("/cycles/{cycleID}/assignments", h.listByCycle)
	r.Patch("/assignments/{assignmentID}", h.update)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func (h *Handler) validate(req any) error {
	err := h.validator.Struct(req)
	if err == nil {
		return nil
	}
	fields := make([]string, 0, 4)
	for _, fieldErr := range err.(validator.ValidationErrors) {
		fields = append(fields, fieldErr.Field())
	}
	return &validationError{fields: fields}
}

type validationError struct {
	fields []string
}

func (e *validationError) Error() string {
	return "invalid fields: " + strings.Join(e.fields, ", ")
}

func (e *validationError) Unwrap() error { return httpx.ErrValidation }

type createCycleRequest struct {
	Name              string          `json:"name" validate:"required"`
	BaseAmount        decimal.Decimal `json:"base_amount"`
	StartsAt          time.Time       `json:"starts_at"`
	DueAt             time.Time       `json:"due_at" validate:"required"`
	ClosesAt          *time.Time      `json:"closes_at"`
	AllowPaymentPlans bool            `json:"allow_payment_plans"`
	PlanOptions       []PlanOption    `json:"plan_options"`
	LateFee           *LateFeePolicy  `json:"late_fee"`
}

func (h *Handler) createCycle(w http.ResponseWriter, r *http.Request) {
	chapterID, ok := pathID(r, "chapterID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid chapter id")
		return
	}
	var req createCycleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	actor := shared.ActorFromContext(r.Context())
	cycle, err := h.service.CreateCycle(r.Context(), actor.MemberID, CycleInput{
		ChapterID:         chapterID,
		Name:              req.Name,
		BaseAmount:        req.BaseAmount,
		StartsAt:          req.StartsAt,
		DueAt:             req.DueAt,
		ClosesAt:          req.ClosesAt,
		AllowPaymentPlans: req.AllowPaymentPlans,
		PlanOptions:       req.PlanOptions,
		LateFee:           req.LateFee,
	})
	if err != nil {
		h.logger.Error("create cycle", slog.Int64("chapter_id", chapterID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, cycle)
}

func (h *Handler) listCycles(w http.ResponseWriter, r *http.Request) {
	chapterID, ok := pathID(r, "chapterID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid chapter id")
		return
	}
	cycles, err := h.service.ListCycles(r.Context(), chapterID)
	if err != nil {
		h.logger.Error("list cycles", slog.Int64("chapter_id", chapterID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}

type assignRequest struct {
	MemberID int64           `json:"member_id" validate:"required,gt=0"`
	Amount   decimal.Decimal `json:"amount"`
	Notes    string          `json:"notes"`
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	cycleID, ok := pathID(r, "cycleID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid cycle id")
		return
	}
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	actor := shared.ActorFromContext(r.Context())
	assignment, err := h.service.Assign(r.Context(), actor.MemberID, AssignInput{
		CycleID:  cycleID,
		MemberID: req.MemberID,
		Amount:   req.Amount,
		Notes:    req.Notes,
	})
	if err != nil {
		h.logger.Error("assign dues", slog.Int64("cycle_id", cycleID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignment)
}

type updateAssignmentRequest struct {
	Status         *AssignmentStatus `json:"status"`
	AmountAssessed *decimal.Decimal  `json:"amount_assessed"`
	AmountDue      *decimal.Decimal  `json:"amount_due"`
	Notes          *string           `json:"notes"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	assignmentID, ok := pathID(r, "assignmentID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid assignment id")
		return
	}
	var req updateAssignmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}

	actor := shared.ActorFromContext(r.Context())
	assignment, err := h.service.Update(r.Context(), actor.MemberID, assignmentID, AssignmentPatch{
		Status:         req.Status,
		AmountAssessed: req.AmountAssessed,
		AmountDue:      req.AmountDue,
		Notes:          req.Notes,
	})
	if err != nil {
		h.logger.Error("update assignment", slog.Int64("assignment_id", assignmentID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, assignment)
}

func (h *Handler) listByCycle(w http.ResponseWriter, r *http.Request) {
	cycleID, ok := pathID(r, "cycleID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid cycle id")
		return
	}
	rows, err := h.service.ListByCycle(r.Context(), cycleID)
	if err != nil {
		h.logger.Error("list assignments by cycle", slog.Int64("cycle_id", cycleID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": rows})
}

func (h *Handler) listByChapter(w http.ResponseWriter, r *http.Request) {
	chapterID, ok := pathID(r, "chapterID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid chapter id")
		return
	}
	rows, err := h.service.ListByChapter(r.Context(), chapterID)
	if err != nil {
		h.logger.Error("list assignments by chapter", slog.Int64("chapter_id", chapterID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": rows})
}
