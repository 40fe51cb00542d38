package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/memberly-app/memberly-billing/internal/dues"
	"github.com/memberly-app/memberly-billing/internal/gateway"
	"github.com/memberly-app/memberly-billing/internal/platform/httpx"
	"github.com/memberly-app/memberly-billing/internal/shared"
)

// DuesPort loads assignments for checkout.
type DuesPort interface {
	AssignmentWithCycle(ctx context.Context, assignmentID int64) (*dues.Assignment, *dues.Cycle, error)
}

// CustomerStore persists gateway customer references per member.
type CustomerStore interface {
	CustomerRef(ctx context.Context, memberID int64) (string, error)
	// SaveCustomerRef stores the reference and returns the winning value:
	// concurrent checkouts race to insert, and the loser adopts the winner's
	// reference instead of leaving two customers at the gateway.
	SaveCustomerRef(ctx context.Context, memberID int64, ref string) (string, error)
}

// SessionStore persists local checkout session records.
type SessionStore interface {
	ActiveSession(ctx context.Context, assignmentID int64) (*StoredSession, error)
	SaveSession(ctx context.Context, session StoredSession) error
	DeactivateSession(ctx context.Context, orderRef string) error
}

// MemberDirectory resolves member display fields. Member storage itself is
// outside this subsystem.
type MemberDirectory interface {
	Member(ctx context.Context, memberID int64) (*Member, error)
}

// Config carries the redirect targets handed to the gateway.
type Config struct {
	SuccessURL string
	CancelURL  string
}

// Service initiates checkout sessions.
type Service struct {
	dues      DuesPort
	customers CustomerStore
	sessions  SessionStore
	directory MemberDirectory
	gateway   gateway.Client
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds a Service instance.
func NewService(duesPort DuesPort, customers CustomerStore, sessions SessionStore, directory MemberDirectory, gw gateway.Client, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		dues:      duesPort,
		customers: customers,
		sessions:  sessions,
		directory: directory,
		gateway:   gw,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// StartCheckout loads the assignment and asks the gateway for a payable
// session carrying the assignment's identity in opaque metadata. The settled
// check happens before any gateway traffic: an already-paid assignment must
// be rejected without a session ever being created.
func (s *Service) StartCheckout(ctx context.Context, assignmentID int64, paymentPlan bool) (*StartResult, error) {
	assignment, cycle, err := s.dues.AssignmentWithCycle(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if assignment.Status == dues.StatusPaid || !assignment.Outstanding().IsPositive() {
		return nil, fmt.Errorf("checkout: assignment %d: %w", assignmentID, httpx.ErrAlreadySettled)
	}
	if paymentPlan && (!cycle.AllowPaymentPlans || len(cycle.PlanOptions) == 0) {
		return nil, fmt.Errorf("checkout: cycle %d does not offer payment plans: %w", cycle.ID, httpx.ErrValidation)
	}

	if resumed, err := s.resumeExisting(ctx, assignmentID); err != nil {
		return nil, err
	} else if resumed != nil {
		return resumed, nil
	}

	member, err := s.directory.Member(ctx, assignment.MemberID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, fmt.Errorf("checkout: member %d: %w", assignment.MemberID, httpx.ErrNotFound)
	}

	customerRef, err := s.ensureCustomer(ctx, *member)
	if err != nil {
		return nil, err
	}

	amount := assignment.Outstanding()
	if paymentPlan {
		if installment := cycle.PlanOptions[0].Amount; installment.LessThan(amount) {
			amount = installment
		}
	}
	amountMinor := shared.ToMinorUnits(amount)
	if amountMinor <= 0 {
		return nil, fmt.Errorf("checkout: nothing to collect for assignment %d: %w", assignmentID, httpx.ErrAlreadySettled)
	}

	orderRef := fmt.Sprintf("dues-%d-%d", assignment.ID, s.now().Unix())
	session, err := s.gateway.CreateCheckoutSession(ctx, gateway.SessionRequest{
		OrderRef:      orderRef,
		CustomerRef:   customerRef,
		CustomerName:  member.Name,
		CustomerEmail: member.Email,
		AmountMinor:   amountMinor,
		Description:   fmt.Sprintf("%s dues", cycle.Name),
		SuccessURL:    s.cfg.SuccessURL,
		CancelURL:     s.cfg.CancelURL,
		Metadata: map[string]string{
			"type":               "dues",
			"chapter_id":         strconv.FormatInt(cycle.ChapterID, 10),
			"member_id":          strconv.FormatInt(assignment.MemberID, 10),
			"dues_cycle_id":      strconv.FormatInt(cycle.ID, 10),
			"dues_assignment_id": strconv.FormatInt(assignment.ID, 10),
		},
	})
	if err != nil {
		return nil, err
	}

	err = s.sessions.SaveSession(ctx, StoredSession{
		OrderRef:     session.ID,
		AssignmentID: assignment.ID,
		MemberID:     assignment.MemberID,
		Token:        session.Token,
		RedirectURL:  session.RedirectURL,
		Active:       true,
		CreatedAt:    s.now(),
	})
	if err != nil {
		return nil, err
	}

	return &StartResult{SessionID: session.ID, Token: session.Token, RedirectURL: session.RedirectURL}, nil
}

// resumeExisting checks for an active session and decides its fate from the
// gateway's view of it. A still-pending session is handed back unchanged so a
// member who closed the payment page does not accumulate charge attempts.
func (s *Service) resumeExisting(ctx context.Context, assignmentID int64) (*StartResult, error) {
	existing, err := s.sessions.ActiveSession(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	status, err := s.gateway.SessionStatus(ctx, existing.OrderRef)
	if err != nil {
		// The local record is unverifiable; retire it and start fresh.
		s.logger.Warn("checkout session status check failed",
			slog.String("order_ref", existing.OrderRef), slog.Any("error", err))
		return nil, s.sessions.DeactivateSession(ctx, existing.OrderRef)
	}

	switch status {
	case gateway.SessionSettled:
		return nil, fmt.Errorf("checkout: session %s already settled: %w", existing.OrderRef, httpx.ErrAlreadySettled)
	case gateway.SessionPending:
		return &StartResult{
			SessionID:   existing.OrderRef,
			Token:       existing.Token,
			RedirectURL: existing.RedirectURL,
			Resumed:     true,
		}, nil
	default:
		return nil, s.sessions.DeactivateSession(ctx, existing.OrderRef)
	}
}

func (s *Service) ensureCustomer(ctx context.Context, member Member) (string, error) {
	ref, err := s.customers.CustomerRef(ctx, member.ID)
	if err != nil {
		return "", err
	}
	if ref != "" {
		return ref, nil
	}
	minted, err := s.gateway.EnsureCustomer(ctx, gateway.CustomerInput{
		MemberID: member.ID,
		Name:     member.Name,
		Email:    member.Email,
	})
	if err != nil {
		return "", err
	}
	return s.customers.SaveCustomerRef(ctx, member.ID, minted)
}
