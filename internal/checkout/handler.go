package checkout

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/memberly-app/memberly-billing/internal/platform/httpx"
)

// Handler manages the checkout endpoint.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers checkout routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/checkout", h.start)
}

type startRequest struct {
	AssignmentID int64 `json:"assignment_id" validate:"required,gt=0"`
	PaymentPlan  bool  `json:"payment_plan"`
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "assignment_id is required")
		return
	}

	result, err := h.service.StartCheckout(r.Context(), req.AssignmentID, req.PaymentPlan)
	if err != nil {
		h.logger.Error("start checkout", slog.Int64("assignment_id", req.AssignmentID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Resumed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, result)
}
