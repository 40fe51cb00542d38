package checkout

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/memberly-app/memberly-billing/internal/dues"
	"github.com/memberly-app/memberly-billing/internal/gateway"
	"github.com/memberly-app/memberly-billing/internal/platform/httpx"
)

type memoryDuesPort struct {
	assignments map[int64]*dues.Assignment
	cycles      map[int64]*dues.Cycle
}

func (p *memoryDuesPort) AssignmentWithCycle(ctx context.Context, assignmentID int64) (*dues.Assignment, *dues.Cycle, error) {
	a, ok := p.assignments[assignmentID]
	if !ok {
		return nil, nil, httpx.ErrNotFound
	}
	return a, p.cycles[a.CycleID], nil
}

type memoryCheckoutStore struct {
	customerRefs map[int64]string
	sessions     map[string]*StoredSession
	members      map[int64]*Member
}

func newMemoryCheckoutStore() *memoryCheckoutStore {
	return &memoryCheckoutStore{
		customerRefs: make(map[int64]string),
		sessions:     make(map[string]*StoredSession),
		members:      make(map[int64]*Member),
	}
}

func (s *memoryCheckoutStore) CustomerRef(ctx context.Context, memberID int64) (string, error) {
	return s.customerRefs[memberID], nil
}

func (s *memoryCheckoutStore) SaveCustomerRef(ctx context.Context, memberID int64, ref string) (string, error) {
	if existing, ok := s.customerRefs[memberID]; ok {
		return existing, nil
	}
	s.customerRefs[memberID] = ref
	return ref, nil
}

func (s *memoryCheckoutStore) ActiveSession(ctx context.Context, assignmentID int64) (*StoredSession, error) {
	for _, sess := range s.sessions {
		if sess.AssignmentID == assignmentID && sess.Active {
			return sess, nil
		}
	}
	return nil, nil
}

func (s *memoryCheckoutStore) SaveSession(ctx context.Context, session StoredSession) error {
	s.sessions[session.OrderRef] = &session
	return nil
}

func (s *memoryCheckoutStore) DeactivateSession(ctx context.Context, orderRef string) error {
	if sess, ok := s.sessions[orderRef]; ok {
		sess.Active = false
	}
	return nil
}

func (s *memoryCheckoutStore) Member(ctx context.Context, memberID int64) (*Member, error) {
	return s.members[memberID], nil
}

type fakeGateway struct {
	createdSessions []gateway.SessionRequest
	customerCalls   int
	statuses        map[string]gateway.SessionStatus
	statusErr       error
}

func (g *fakeGateway) EnsureCustomer(ctx context.Context, input gateway.CustomerInput) (string, error) {
	g.customerCalls++
	return "cust-fake", nil
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
	g.createdSessions = append(g.createdSessions, req)
	return &gateway.Session{ID: req.OrderRef, Token: "tok-" + req.OrderRef, RedirectURL: "https://pay.example/" + req.OrderRef}, nil
}

func (g *fakeGateway) SessionStatus(ctx context.Context, orderRef string) (gateway.SessionStatus, error) {
	if g.statusErr != nil {
		return gateway.SessionUnknown, g.statusErr
	}
	if status, ok := g.statuses[orderRef]; ok {
		return status, nil
	}
	return gateway.SessionUnknown, nil
}

func (g *fakeGateway) CancelSession(ctx context.Context, orderRef string) error { return nil }

func newCheckoutFixture(t *testing.T) (*Service, *memoryDuesPort, *memoryCheckoutStore, *fakeGateway) {
	t.Helper()
	duesPort := &memoryDuesPort{
		assignments: make(map[int64]*dues.Assignment),
		cycles:      make(map[int64]*dues.Cycle),
	}
	store := newMemoryCheckoutStore()
	gw := &fakeGateway{statuses: make(map[string]gateway.SessionStatus)}
	svc := NewService(duesPort, store, store, store, gw, Config{
		SuccessURL: "https://app.example/dues/success",
		CancelURL:  "https://app.example/dues/cancel",
	}, slog.Default())
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return svc, duesPort, store, gw
}

func seedAssignment(duesPort *memoryDuesPort, store *memoryCheckoutStore, status dues.AssignmentStatus, due, paid string) *dues.Assignment {
	cycle := &dues.Cycle{
		ID:                10,
		ChapterID:         7,
		Name:              "Spring 2026",
		AllowPaymentPlans: true,
		PlanOptions: []dues.PlanOption{
			{Label: "monthly", Amount: decimal.RequireFromString("50"), DueOffsetDays: 30},
		},
		DueAt: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	assignment := &dues.Assignment{
		ID:             42,
		CycleID:        cycle.ID,
		MemberID:       5,
		AmountAssessed: decimal.RequireFromString(due),
		AmountDue:      decimal.RequireFromString(due),
		AmountPaid:     decimal.RequireFromString(paid),
		Status:         status,
	}
	duesPort.cycles[cycle.ID] = cycle
	duesPort.assignments[assignment.ID] = assignment
	store.members[5] = &Member{ID: 5, Name: "Dana Whitfield", Email: "dana@example.org"}
	return assignment
}

func TestStartCheckoutCreatesSession(t *testing.T) {
	svc, duesPort, store, gw := newCheckoutFixture(t)
	seedAssignment(duesPort, store, dues.StatusPending, "150", "0")

	result, err := svc.StartCheckout(context.Background(), 42, false)
	require.NoError(t, err)
	require.False(t, result.Resumed)
	require.NotEmpty(t, result.Token)

	require.Len(t, gw.createdSessions, 1)
	req := gw.createdSessions[0]
	require.Equal(t, int64(15000), req.AmountMinor)
	require.Equal(t, "dues", req.Metadata["type"])
	require.Equal(t, "42", req.Metadata["dues_assignment_id"])
	require.Equal(t, "7", req.Metadata["chapter_id"])

	saved, err := store.ActiveSession(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, saved)
	require.True(t, saved.Active)
}

func TestStartCheckoutChargesOutstandingForPartial(t *testing.T) {
	svc, duesPort, store, gw := newCheckoutFixture(t)
	seedAssignment(duesPort, store, dues.StatusPartial, "150", "100")

	_, err := svc.StartCheckout(context.Background(), 42, false)
	require.NoError(t, err)
	require.Equal(t, int64(5000), gw.createdSessions[0].AmountMinor)
}

func TestStartCheckoutRejectsSettledBeforeGatewayCall(t *testing.T) {
	svc, duesPort, store, gw := newCheckoutFixture(t)
	seedAssignment(duesPort, store, dues.StatusPaid, "150", "150")

	_, err := svc.StartCheckout(context.Background(), 42, false)
	require.ErrorIs(t, err, httpx.ErrAlreadySettled)
	require.Empty(t, gw.createdSessions)
	require.Zero(t, gw.customerCalls)
}

func TestStartCheckoutUnknownAssignment(t *testing.T) {
	svc, _, _, _ := newCheckoutFixture(t)

	_, err := svc.StartCheckout(context.Background(), 999, false)
	require.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestStartCheckoutResumesPendingSession(t *testing.T) {
	svc, duesPort, store, gw := newCheckoutFixture(t)
	seedAssignment(duesPort, store, dues.StatusPending, "150", "0")
	require.NoError(t, store.SaveSession(context.Background(), StoredSession{
		OrderRef:     "dues-42-100",
		AssignmentID: 42,
		MemberID:     5,
		Token:        "tok-earlier",
		RedirectURL:  "https://pay.example/dues-42-100",
		Active:       true,
	}))
	gw.statuses["dues-42-100"] = gateway.SessionPending

	result, err := svc.StartCheckout(context.Background(), 42, false)
	require.NoError(t, err)
	require.True(t, result.Resumed)
	require.Equal(t, "tok-earlier", result.Token)
	require.Empty(t, gw.createdSessions)
}

func TestStartCheckoutReplacesFailedSession(t *testing.T) {
	svc, duesPort, store, gw := newCheckoutFixture(t)
	seedAssignment(duesPort, store, dues.StatusPending, "150", "0")
	require.NoError(t, store.SaveSession(context.Background(), StoredSession{
		OrderRef:     "dues-42-100",
		AssignmentID: 42,
		Active:       true,
	}))
	gw.statuses["dues-42-100"] = gateway.SessionFailed

	result, err := svc.StartCheckout(context.Background(), 42, false)
	require.NoError(t, err)
	require.False(t, result.Resumed)
	require.Len(t, gw.createdSessions, 1)
	require.False(t, store.sessions["dues-42-100"].Active)
}

func TestStartCheckoutSettledSessionConflicts(t *testing.T) {
	svc, duesPort, store, gw := newCheckoutFixture(t)
	seedAssignment(duesPort, store, dues.StatusPartial, "150", "50")
	require.NoError(t, store.SaveSession(context.Background(), StoredSession{
		OrderRef:     "dues-42-100",
		AssignmentID: 42,
		Active:       true,
	}))
	gw.statuses["dues-42-100"] = gateway.SessionSettled

	_, err := svc.StartCheckout(context.Background(), 42, false)
	require.ErrorIs(t, err, httpx.ErrAlreadySettled)
	require.Empty(t, gw.createdSessions)
}

func TestStartCheckoutPaymentPlanUsesFirstInstallment(t *testing.T) {
	svc, duesPort, store, gw := newCheckoutFixture(t)
	seedAssignment(duesPort, store, dues.StatusPending, "150", "0")

	_, err := svc.StartCheckout(context.Background(), 42, true)
	require.NoError(t, err)
	require.Equal(t, int64(5000), gw.createdSessions[0].AmountMinor)
}

func TestStartCheckoutInstallmentCappedAtOutstanding(t *testing.T) {
	svc, duesPort, store, gw := newCheckoutFixture(t)
	seedAssignment(duesPort, store, dues.StatusPartial, "150", "120")

	// Outstanding 30 is below the 50 installment; charge only what remains.
	_, err := svc.StartCheckout(context.Background(), 42, true)
	require.NoError(t, err)
	require.Equal(t, int64(3000), gw.createdSessions[0].AmountMinor)
}

func TestStartCheckoutPaymentPlanRejectedWhenCycleForbidsIt(t *testing.T) {
	svc, duesPort, store, _ := newCheckoutFixture(t)
	seedAssignment(duesPort, store, dues.StatusPending, "150", "0")
	duesPort.cycles[10].AllowPaymentPlans = false

	_, err := svc.StartCheckout(context.Background(), 42, true)
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestStartCheckoutReusesCustomerRef(t *testing.T) {
	svc, duesPort, store, gw := newCheckoutFixture(t)
	seedAssignment(duesPort, store, dues.StatusPending, "150", "0")
	store.customerRefs[5] = "cust-existing"

	_, err := svc.StartCheckout(context.Background(), 42, false)
	require.NoError(t, err)
	require.Zero(t, gw.customerCalls)
	require.Equal(t, "cust-existing", gw.createdSessions[0].CustomerRef)
}

func TestStartCheckoutUnverifiableSessionRetired(t *testing.T) {
	svc, duesPort, store, gw := newCheckoutFixture(t)
	seedAssignment(duesPort, store, dues.StatusPending, "150", "0")
	require.NoError(t, store.SaveSession(context.Background(), StoredSession{
		OrderRef:     "dues-42-100",
		AssignmentID: 42,
		Active:       true,
	}))
	gw.statusErr = errors.New("gateway unreachable")

	result, err := svc.StartCheckout(context.Background(), 42, false)
	require.NoError(t, err)
	require.False(t, result.Resumed)
	require.Len(t, gw.createdSessions, 1)
	require.False(t, store.sessions["dues-42-100"].Active)
}
