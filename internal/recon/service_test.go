package recon

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/memberly-app/memberly-billing/internal/dues"
	"github.com/memberly-app/memberly-billing/internal/ledger"
	"github.com/memberly-app/memberly-billing/internal/notify"
	"github.com/memberly-app/memberly-billing/internal/subscription"
)

type memoryLedger struct {
	entries map[string]*ledger.Entry
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{entries: make(map[string]*ledger.Entry)}
}

func (l *memoryLedger) RecordSettlement(ctx context.Context, entry ledger.Entry) (bool, error) {
	if _, ok := l.entries[entry.ExternalRef]; ok {
		return false, nil
	}
	entry.Status = ledger.EntrySucceeded
	l.entries[entry.ExternalRef] = &entry
	return true, nil
}

func (l *memoryLedger) MarkRefunded(ctx context.Context, externalRef string) (bool, error) {
	entry, ok := l.entries[externalRef]
	if !ok || entry.Status != ledger.EntrySucceeded {
		return false, nil
	}
	entry.Status = ledger.EntryRefunded
	return true, nil
}

type memoryAssignments struct {
	assignments map[int64]*dues.Assignment
	appliedRefs map[string]bool
}

func newMemoryAssignments() *memoryAssignments {
	return &memoryAssignments{
		assignments: make(map[int64]*dues.Assignment),
		appliedRefs: make(map[string]bool),
	}
}

func (a *memoryAssignments) seed(id int64, due string) *dues.Assignment {
	assignment := &dues.Assignment{
		ID:             id,
		CycleID:        1,
		MemberID:       5,
		AmountAssessed: decimal.RequireFromString(due),
		AmountDue:      decimal.RequireFromString(due),
		AmountPaid:     decimal.Zero,
		Status:         dues.StatusPending,
	}
	a.assignments[id] = assignment
	return assignment
}

func (a *memoryAssignments) ApplyPayment(ctx context.Context, assignmentID int64, externalRef string, amount decimal.Decimal) (*dues.ApplyResult, error) {
	assignment, ok := a.assignments[assignmentID]
	if !ok {
		return nil, errNotFound
	}
	if a.appliedRefs[externalRef] {
		return &dues.ApplyResult{Applied: false, Assignment: *assignment}, nil
	}
	a.appliedRefs[externalRef] = true

	previous := assignment.Status
	assignment.AmountPaid = assignment.AmountPaid.Add(amount)
	assignment.Status = dues.StatusForAmounts(previous, assignment.AmountPaid, assignment.AmountDue)
	return &dues.ApplyResult{
		Applied:      true,
		Assignment:   *assignment,
		Transitioned: assignment.Status != previous,
		Previous:     previous,
	}, nil
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "assignment not found" }

type memorySubscriptions struct {
	records map[string]*subscription.Subscription
}

func newMemorySubscriptions() *memorySubscriptions {
	return &memorySubscriptions{records: make(map[string]*subscription.Subscription)}
}

func (s *memorySubscriptions) Upsert(ctx context.Context, input subscription.UpsertInput) error {
	existing, ok := s.records[input.GatewayRef]
	if !ok {
		s.records[input.GatewayRef] = &subscription.Subscription{
			ChapterID:         input.ChapterID,
			GatewayRef:        input.GatewayRef,
			Status:            input.Status,
			CancelAtPeriodEnd: input.CancelAtPeriodEnd,
			PaidThrough:       input.PaidThrough,
		}
		return nil
	}
	existing.Status = input.Status
	existing.CancelAtPeriodEnd = input.CancelAtPeriodEnd
	if input.PaidThrough.After(existing.PaidThrough) {
		existing.PaidThrough = input.PaidThrough
	}
	return nil
}

func (s *memorySubscriptions) ExtendPaidThrough(ctx context.Context, gatewayRef string, through time.Time) error {
	if existing, ok := s.records[gatewayRef]; ok && through.After(existing.PaidThrough) {
		existing.PaidThrough = through
	}
	return nil
}

type recordingNotifier struct {
	statusChanges []notify.DuesStatusChange
	refunds       []notify.RefundEvent
}

func (n *recordingNotifier) DuesStatusChanged(ctx context.Context, change notify.DuesStatusChange) error {
	n.statusChanges = append(n.statusChanges, change)
	return nil
}

func (n *recordingNotifier) RefundRecorded(ctx context.Context, refund notify.RefundEvent) error {
	n.refunds = append(n.refunds, refund)
	return nil
}

func newEngineFixture(t *testing.T) (*Engine, *memoryLedger, *memoryAssignments, *memorySubscriptions, *recordingNotifier) {
	t.Helper()
	ledgerStore := newMemoryLedger()
	assignments := newMemoryAssignments()
	subs := newMemorySubscriptions()
	notifier := &recordingNotifier{}
	engine := NewEngine(ledgerStore, assignments, subs, notifier, slog.Default(), nil)
	return engine, ledgerStore, assignments, subs, notifier
}

func duesMetadata() Metadata {
	return Metadata{
		"type":               "dues",
		"chapter_id":         "7",
		"member_id":          "5",
		"dues_cycle_id":      "1",
		"dues_assignment_id": "42",
	}
}

func sessionCompletedEvent(ref string, amountMinor int64) *Event {
	return &Event{
		ID:   "evt-" + ref,
		Type: EventSessionCompleted,
		Data: EventData{
			TransactionRef: ref,
			AmountMinor:    amountMinor,
			Currency:       "USD",
			Method:         "card",
			Metadata:       duesMetadata(),
		},
	}
}

func paymentSucceededEvent(ref string, amountMinor int64) *Event {
	return &Event{
		ID:   "evt-pay-" + ref,
		Type: EventPaymentSucceeded,
		Data: EventData{
			TransactionRef: ref,
			AmountMinor:    amountMinor,
			Currency:       "USD",
			Metadata:       duesMetadata(),
		},
	}
}

func TestFullSettlementFlow(t *testing.T) {
	engine, ledgerStore, assignments, _, _ := newEngineFixture(t)
	assignments.seed(42, "100")
	ctx := context.Background()

	// Session completes: one ledger entry, assignment untouched.
	require.NoError(t, engine.Process(ctx, sessionCompletedEvent("txn-1", 10000)))
	require.Len(t, ledgerStore.entries, 1)
	require.Equal(t, dues.StatusPending, assignments.assignments[42].Status)

	// Payment succeeds: assignment paid in full.
	require.NoError(t, engine.Process(ctx, paymentSucceededEvent("txn-1", 10000)))
	assignment := assignments.assignments[42]
	require.Equal(t, dues.StatusPaid, assignment.Status)
	require.True(t, assignment.AmountPaid.Equal(decimal.RequireFromString("100")))
}

func TestSessionCompletedReplayWritesOneEntry(t *testing.T) {
	engine, ledgerStore, assignments, _, _ := newEngineFixture(t)
	assignments.seed(42, "100")
	ctx := context.Background()

	evt := sessionCompletedEvent("txn-1", 10000)
	require.NoError(t, engine.Process(ctx, evt))
	require.NoError(t, engine.Process(ctx, evt))

	require.Len(t, ledgerStore.entries, 1)
}

func TestPaymentSucceededReplayAppliesOnce(t *testing.T) {
	engine, _, assignments, _, notifier := newEngineFixture(t)
	assignments.seed(42, "100")
	ctx := context.Background()

	evt := paymentSucceededEvent("txn-1", 10000)
	require.NoError(t, engine.Process(ctx, evt))
	require.NoError(t, engine.Process(ctx, evt))

	assignment := assignments.assignments[42]
	require.True(t, assignment.AmountPaid.Equal(decimal.RequireFromString("100")))
	require.Equal(t, dues.StatusPaid, assignment.Status)
	require.Len(t, notifier.statusChanges, 1)
}

func TestOrderIndependence(t *testing.T) {
	// payment-succeeded before session-completed converges to the same state
	// as the natural order.
	engine, ledgerStore, assignments, _, _ := newEngineFixture(t)
	assignments.seed(42, "100")
	ctx := context.Background()

	require.NoError(t, engine.Process(ctx, paymentSucceededEvent("txn-1", 10000)))
	require.NoError(t, engine.Process(ctx, sessionCompletedEvent("txn-1", 10000)))

	require.Len(t, ledgerStore.entries, 1)
	require.Equal(t, dues.StatusPaid, assignments.assignments[42].Status)
	require.True(t, assignments.assignments[42].AmountPaid.Equal(decimal.RequireFromString("100")))
}

func TestPartialPaymentsAccumulate(t *testing.T) {
	engine, _, assignments, _, notifier := newEngineFixture(t)
	assignments.seed(42, "100")
	ctx := context.Background()

	require.NoError(t, engine.Process(ctx, paymentSucceededEvent("txn-1", 4000)))
	assignment := assignments.assignments[42]
	require.Equal(t, dues.StatusPartial, assignment.Status)
	require.True(t, assignment.AmountPaid.Equal(decimal.RequireFromString("40")))

	require.NoError(t, engine.Process(ctx, paymentSucceededEvent("txn-2", 6000)))
	require.Equal(t, dues.StatusPaid, assignment.Status)
	require.True(t, assignment.AmountPaid.Equal(decimal.RequireFromString("100")))

	require.Len(t, notifier.statusChanges, 2)
	require.Equal(t, "pending", notifier.statusChanges[0].Previous)
	require.Equal(t, "partial", notifier.statusChanges[0].Current)
	require.Equal(t, "paid", notifier.statusChanges[1].Current)
}

func TestRefundFlipsLedgerNotAssignment(t *testing.T) {
	engine, ledgerStore, assignments, _, notifier := newEngineFixture(t)
	assignments.seed(42, "100")
	ctx := context.Background()

	require.NoError(t, engine.Process(ctx, sessionCompletedEvent("txn-1", 10000)))
	require.NoError(t, engine.Process(ctx, paymentSucceededEvent("txn-1", 10000)))

	refund := &Event{
		ID:   "evt-refund",
		Type: EventChargeRefunded,
		Data: EventData{
			TransactionRef: "txn-1",
			AmountMinor:    10000,
			Currency:       "USD",
			Metadata:       duesMetadata(),
		},
	}
	require.NoError(t, engine.Process(ctx, refund))

	require.Equal(t, ledger.EntryRefunded, ledgerStore.entries["txn-1"].Status)
	require.Equal(t, dues.StatusPaid, assignments.assignments[42].Status)
	require.Len(t, notifier.refunds, 1)

	// Replayed refund: no second flip, no second notification.
	require.NoError(t, engine.Process(ctx, refund))
	require.Len(t, notifier.refunds, 1)
}

func TestUnknownEventIsIgnored(t *testing.T) {
	engine, ledgerStore, assignments, _, _ := newEngineFixture(t)
	assignments.seed(42, "100")

	evt := &Event{ID: "evt-x", Type: EventType("gateway.future.event")}
	require.NoError(t, engine.Process(context.Background(), evt))
	require.Empty(t, ledgerStore.entries)
	require.Equal(t, dues.StatusPending, assignments.assignments[42].Status)
}

func TestSubscriptionSessionUpserts(t *testing.T) {
	engine, ledgerStore, _, subs, _ := newEngineFixture(t)
	ctx := context.Background()

	periodEnd := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	evt := &Event{
		ID:   "evt-sub",
		Type: EventSessionCompleted,
		Data: EventData{
			TransactionRef:    "txn-sub-1",
			SubscriptionRef:   "sub-9",
			SubscriptionState: "active",
			PeriodEnd:         periodEnd,
			Metadata:          Metadata{"type": "subscription", "chapter_id": "7"},
		},
	}
	require.NoError(t, engine.Process(ctx, evt))
	require.Empty(t, ledgerStore.entries)
	require.Equal(t, "active", subs.records["sub-9"].Status)
	require.Equal(t, periodEnd, subs.records["sub-9"].PaidThrough)
}

func TestInvoicePaidExtendsButNeverShortens(t *testing.T) {
	engine, _, _, subs, _ := newEngineFixture(t)
	ctx := context.Background()

	later := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, subs.Upsert(ctx, subscription.UpsertInput{GatewayRef: "sub-9", Status: "active", PaidThrough: later}))

	evt := &Event{
		ID:   "evt-inv",
		Type: EventInvoicePaid,
		Data: EventData{SubscriptionRef: "sub-9", PeriodEnd: earlier},
	}
	require.NoError(t, engine.Process(ctx, evt))
	require.Equal(t, later, subs.records["sub-9"].PaidThrough)
}

func TestSubscriptionUpdatedMirrorsCancellation(t *testing.T) {
	engine, _, _, subs, _ := newEngineFixture(t)
	ctx := context.Background()

	evt := &Event{
		ID:   "evt-sub-upd",
		Type: EventSubscriptionUpdated,
		Data: EventData{
			SubscriptionRef:   "sub-9",
			SubscriptionState: "active",
			CancelAtPeriodEnd: true,
			PeriodEnd:         time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
			Metadata:          Metadata{"chapter_id": "7"},
		},
	}
	require.NoError(t, engine.Process(ctx, evt))
	require.True(t, subs.records["sub-9"].CancelAtPeriodEnd)
}

func TestPaymentWithoutAssignmentReferenceIsIgnored(t *testing.T) {
	engine, _, assignments, _, _ := newEngineFixture(t)
	assignments.seed(42, "100")

	evt := &Event{
		ID:   "evt-stray",
		Type: EventPaymentSucceeded,
		Data: EventData{TransactionRef: "txn-stray", AmountMinor: 10000, Metadata: Metadata{}},
	}
	require.NoError(t, engine.Process(context.Background(), evt))
	require.Equal(t, dues.StatusPending, assignments.assignments[42].Status)
}
