package ledger

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/memberly-app/memberly-billing/internal/authz"
	"github.com/memberly-app/memberly-billing/internal/platform/httpx"
	"github.com/memberly-app/memberly-billing/internal/shared"
)

// Handler manages budget reporting endpoints.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	authorizer authz.Authorizer
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, authorizer authz.Authorizer) *Handler {
	return &Handler{logger: logger, service: service, authorizer: authorizer}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/chapters/{chapterID}/budget", h.budget)
	r.Get("/chapters/{chapterID}/ledger", h.list)
}

func (h *Handler) requireOfficer(r *http.Request, chapterID int64) error {
	actor := shared.ActorFromContext(r.Context())
	ok, err := h.authorizer.CanManageChapter(r.Context(), actor.MemberID, chapterID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ledger: member %d cannot view chapter %d finances: %w", actor.MemberID, chapterID, httpx.ErrPermission)
	}
	return nil
}

func parseWindow(r *http.Request, now time.Time) (Window, error) {
	window := Window{From: now.AddDate(-1, 0, 0), To: now}
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Window{}, fmt.Errorf("ledger: bad from timestamp: %w", httpx.ErrValidation)
		}
		window.From = from
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Window{}, fmt.Errorf("ledger: bad to timestamp: %w", httpx.ErrValidation)
		}
		window.To = to
	}
	if !window.To.After(window.From) {
		return Window{}, fmt.Errorf("ledger: window end must follow start: %w", httpx.ErrValidation)
	}
	return window, nil
}

func (h *Handler) budget(w http.ResponseWriter, r *http.Request) {
	chapterID, err := strconv.ParseInt(chi.URLParam(r, "chapterID"), 10, 64)
	if err != nil || chapterID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid chapter id")
		return
	}
	if err := h.requireOfficer(r, chapterID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	window, err := parseWindow(r, time.Now())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	snapshot, err := h.service.BudgetSnapshot(r.Context(), chapterID, window)
	if err != nil {
		h.logger.Error("budget snapshot", slog.Int64("chapter_id", chapterID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snapshot)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	chapterID, err := strconv.ParseInt(chi.URLParam(r, "chapterID"), 10, 64)
	if err != nil || chapterID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid chapter id")
		return
	}
	if err := h.requireOfficer(r, chapterID); err != nil {
		httpx.RespondError(w, err)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 50
	}

	entries, total, err := h.service.ListForChapter(r.Context(), chapterID, perPage, (page-1)*perPage)
	if err != nil {
		h.logger.Error("list ledger entries", slog.Int64("chapter_id", chapterID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entries":    entries,
		"pagination": shared.NewPagination(page, perPage, total),
	})
}
