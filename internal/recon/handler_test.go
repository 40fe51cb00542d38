package recon

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/memberly-app/memberly-billing/internal/observability"
)

const testSecret = "whsec-test"

func newHandlerFixture(t *testing.T) (*chi.Mux, *memoryLedger, *memoryAssignments) {
	t.Helper()
	ledgerStore := newMemoryLedger()
	assignments := newMemoryAssignments()
	assignments.seed(42, "100")
	engine := NewEngine(ledgerStore, assignments, newMemorySubscriptions(), &recordingNotifier{}, slog.Default(), nil)
	handler := NewHandler(slog.Default(), engine, testSecret, observability.NewMetrics())

	router := chi.NewRouter()
	handler.MountRoutes(router)
	return router, ledgerStore, assignments
}

func postWebhook(router *chi.Mux, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestWebhookValidSignatureProcesses(t *testing.T) {
	router, ledgerStore, _ := newHandlerFixture(t)
	body := []byte(`{
		"id": "evt-1",
		"type": "checkout.session.completed",
		"data": {
			"transaction_ref": "txn-1",
			"amount": 10000,
			"currency": "USD",
			"metadata": {"type": "dues", "chapter_id": "7", "member_id": "5", "dues_cycle_id": "1", "dues_assignment_id": "42"}
		}
	}`)

	rr := postWebhook(router, body, Sign(testSecret, body))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, ledgerStore.entries, 1)
}

func TestWebhookBadSignatureWritesNothing(t *testing.T) {
	router, ledgerStore, assignments := newHandlerFixture(t)
	body := []byte(`{"id": "evt-1", "type": "payment.succeeded", "data": {"transaction_ref": "txn-1", "amount": 10000, "metadata": {"dues_assignment_id": "42"}}}`)

	rr := postWebhook(router, body, Sign("wrong-secret", body))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, ledgerStore.entries)
	require.Empty(t, assignments.appliedRefs)
}

func TestWebhookMissingSignatureRejected(t *testing.T) {
	router, ledgerStore, _ := newHandlerFixture(t)
	body := []byte(`{"id": "evt-1", "type": "checkout.session.completed", "data": {}}`)

	rr := postWebhook(router, body, "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, ledgerStore.entries)
}

func TestWebhookPrefixedSignatureAccepted(t *testing.T) {
	router, _, _ := newHandlerFixture(t)
	body := []byte(`{"id": "evt-1", "type": "gateway.future.event", "data": {}}`)

	rr := postWebhook(router, body, "sha256="+Sign(testSecret, body))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestWebhookUnknownTypeAcceptedWithoutWrites(t *testing.T) {
	router, ledgerStore, assignments := newHandlerFixture(t)
	body := []byte(`{"id": "evt-1", "type": "gateway.future.event", "data": {"transaction_ref": "txn-1", "amount": 10000}}`)

	rr := postWebhook(router, body, Sign(testSecret, body))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, ledgerStore.entries)
	require.Empty(t, assignments.appliedRefs)
}

func TestWebhookMalformedBodyRejected(t *testing.T) {
	router, _, _ := newHandlerFixture(t)
	body := []byte(`{"id": "evt-1", "type":`)

	rr := postWebhook(router, body, Sign(testSecret, body))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
