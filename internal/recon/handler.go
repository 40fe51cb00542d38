package recon

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/memberly-app/memberly-billing/internal/observability"
	"github.com/memberly-app/memberly-billing/internal/platform/httpx"
)

// maxBodyBytes caps webhook payload size; gateway events are small.
const maxBodyBytes = 1 << 20

// Handler terminates the inbound webhook endpoint. It verifies the signature
// over the raw body before any parsing is trusted, then hands the decoded
// event to the engine. The gateway only understands retry-or-not, so
// responses carry no detail: 400 means stop retrying, 500 means retry.
type Handler struct {
	logger  *slog.Logger
	engine  *Engine
	secret  string
	metrics *observability.Metrics
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, engine *Engine, secret string, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, engine: engine, secret: secret, metrics: metrics}
}

// MountRoutes registers the webhook route.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/webhooks/gateway", h.receive)
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "unreadable request body")
		return
	}

	if err := VerifySignature(h.secret, r.Header.Get(SignatureHeader), body); err != nil {
		h.logger.Warn("webhook signature rejected",
			slog.String("remote", r.RemoteAddr), slog.Any("error", err))
		h.metrics.ObserveWebhookEvent("unverified", "rejected")
		httpx.RespondError(w, err)
		return
	}

	evt, err := DecodeEvent(body)
	if err != nil {
		h.logger.Warn("webhook body undecodable", slog.Any("error", err))
		h.metrics.ObserveWebhookEvent("undecodable", "rejected")
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "malformed event body")
		return
	}

	if !evt.Type.recognized() {
		// Accepted and ignored: rejecting would make the gateway retry an
		// event we will never handle.
		h.metrics.ObserveWebhookEvent(string(evt.Type), "ignored")
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if err := h.engine.Process(r.Context(), evt); err != nil {
		h.logger.Error("webhook processing failed",
			slog.String("event_id", evt.ID), slog.String("type", string(evt.Type)), slog.Any("error", err))
		h.metrics.ObserveWebhookEvent(string(evt.Type), "error")
		httpx.Problem(w, http.StatusInternalServerError, "Processing Failed", "event processing failed, retry later")
		return
	}

	h.metrics.ObserveWebhookEvent(string(evt.Type), "processed")
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "processed"})
}
