package dues

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memberly-app/memberly-billing/internal/authz"
	"github.com/memberly-app/memberly-billing/internal/platform/httpx"
	"github.com/memberly-app/memberly-billing/internal/shared"
)

// CycleInput carries the fields for creating a billing cycle.
type CycleInput struct {
	ChapterID         int64
	Name              string
	BaseAmount        decimal.Decimal
	StartsAt          time.Time
	DueAt             time.Time
	ClosesAt          *time.Time
	AllowPaymentPlans bool
	PlanOptions       []PlanOption
	LateFee           *LateFeePolicy
}

// AssignInput carries the fields for assigning dues to a member.
type AssignInput struct {
	CycleID  int64
	MemberID int64
	Amount   decimal.Decimal
	Notes    string
}

// AssignmentPatch is an officer override of an assignment. Nil fields are
// left untouched.
type AssignmentPatch struct {
	Status         *AssignmentStatus
	AmountAssessed *decimal.Decimal
	AmountDue      *decimal.Decimal
	Notes          *string
}

// RepositoryPort defines data access methods for cycles and assignments.
type RepositoryPort interface {
	CreateCycle(ctx context.Context, input CycleInput) (*Cycle, error)
	ListCycles(ctx context.Context, chapterID int64) ([]Cycle, error)
	GetCycle(ctx context.Context, id int64) (*Cycle, error)

	CreateAssignment(ctx context.Context, input AssignInput) (*Assignment, error)
	GetAssignment(ctx context.Context, id int64) (*Assignment, error)
	UpdateAssignment(ctx context.Context, id int64, patch AssignmentPatch) (*Assignment, error)
	ApplyPayment(ctx context.Context, assignmentID int64, externalRef string, amount decimal.Decimal) (*ApplyResult, error)
	ListByCycle(ctx context.Context, cycleID int64) ([]AssignmentWithMember, error)
	ListByChapter(ctx context.Context, chapterID int64) ([]AssignmentWithMember, error)
}

// ProjectionPort writes the denormalized member-profile dues mirror.
type ProjectionPort interface {
	UpsertMemberDues(ctx context.Context, projection MemberDuesProjection) error
}

// Service handles dues cycle and assignment business logic.
type Service struct {
	repo       RepositoryPort
	projection ProjectionPort
	authorizer authz.Authorizer
	audit      *shared.AuditTrail
	logger     *slog.Logger
	now        func() time.Time
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, projection ProjectionPort, authorizer authz.Authorizer, audit *shared.AuditTrail, logger *slog.Logger) *Service {
	return &Service{
		repo:       repo,
		projection: projection,
		authorizer: authorizer,
		audit:      audit,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Service) requireManage(ctx context.Context, actorID, chapterID int64) error {
	ok, err := s.authorizer.CanManageChapter(ctx, actorID, chapterID)
	if err != nil {
		return fmt.Errorf("dues: check chapter permission: %w", err)
	}
	if !ok {
		return fmt.Errorf("dues: member %d cannot manage chapter %d: %w", actorID, chapterID, httpx.ErrPermission)
	}
	return nil
}

// CreateCycle creates an active billing cycle for a chapter.
func (s *Service) CreateCycle(ctx context.Context, actorID int64, input CycleInput) (*Cycle, error) {
	if err := s.requireManage(ctx, actorID, input.ChapterID); err != nil {
		return nil, err
	}
	if input.Name == "" {
		return nil, fmt.Errorf("dues: cycle name required: %w", httpx.ErrValidation)
	}
	if input.BaseAmount.IsNegative() {
		return nil, fmt.Errorf("dues: base amount must not be negative: %w", httpx.ErrValidation)
	}
	if input.DueAt.IsZero() {
		return nil, fmt.Errorf("dues: due date required: %w", httpx.ErrValidation)
	}
	if input.StartsAt.IsZero() {
		input.StartsAt = s.now()
	}
	if input.DueAt.Before(input.StartsAt) {
		return nil, fmt.Errorf("dues: due date before start date: %w", httpx.ErrValidation)
	}
	for _, opt := range input.PlanOptions {
		if opt.Amount.IsNegative() {
			return nil, fmt.Errorf("dues: plan option %q amount must not be negative: %w", opt.Label, httpx.ErrValidation)
		}
	}

	cycle, err := s.repo.CreateCycle(ctx, input)
	if err != nil {
		return nil, err
	}
	s.audit.Try(ctx, shared.AuditEntry{
		ActorID:  actorID,
		Action:   "dues.cycle.create",
		Entity:   "dues_cycle",
		EntityID: strconv.FormatInt(cycle.ID, 10),
		Meta:     map[string]any{"chapter_id": cycle.ChapterID, "base_amount": cycle.BaseAmount.String()},
	})
	return cycle, nil
}

// ListCycles returns a chapter's cycles, newest first.
func (s *Service) ListCycles(ctx context.Context, chapterID int64) ([]Cycle, error) {
	return s.repo.ListCycles(ctx, chapterID)
}

// Assign creates one pending obligation for a member within a cycle.
func (s *Service) Assign(ctx context.Context, actorID int64, input AssignInput) (*Assignment, error) {
	cycle, err := s.repo.GetCycle(ctx, input.CycleID)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, fmt.Errorf("dues: cycle %d: %w", input.CycleID, httpx.ErrNotFound)
	}
	if err := s.requireManage(ctx, actorID, cycle.ChapterID); err != nil {
		return nil, err
	}
	if input.MemberID == 0 {
		return nil, fmt.Errorf("dues: member id required: %w", httpx.ErrValidation)
	}
	if input.Amount.IsNegative() {
		return nil, fmt.Errorf("dues: assigned amount must not be negative: %w", httpx.ErrValidation)
	}

	assignment, err := s.repo.CreateAssignment(ctx, input)
	if err != nil {
		return nil, err
	}
	s.propagateProjection(ctx, *assignment)
	s.audit.Try(ctx, shared.AuditEntry{
		ActorID:  actorID,
		Action:   "dues.assignment.create",
		Entity:   "dues_assignment",
		EntityID: strconv.FormatInt(assignment.ID, 10),
		Meta:     map[string]any{"cycle_id": input.CycleID, "member_id": input.MemberID, "amount": input.Amount.String()},
	})
	return assignment, nil
}

// Update applies an officer override to an assignment. All transitions are
// permitted here, including into waived; the state machine constraints apply
// only to the reconciliation engine's automatic transitions.
func (s *Service) Update(ctx context.Context, actorID, assignmentID int64, patch AssignmentPatch) (*Assignment, error) {
	current, err := s.repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("dues: assignment %d: %w", assignmentID, httpx.ErrNotFound)
	}
	cycle, err := s.repo.GetCycle(ctx, current.CycleID)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, fmt.Errorf("dues: cycle %d: %w", current.CycleID, httpx.ErrNotFound)
	}
	if err := s.requireManage(ctx, actorID, cycle.ChapterID); err != nil {
		return nil, err
	}
	if patch.Status != nil && *patch.Status == StatusOverdue {
		return nil, fmt.Errorf("dues: overdue is derived, not stored: %w", httpx.ErrValidation)
	}
	if patch.AmountAssessed != nil && patch.AmountAssessed.IsNegative() {
		return nil, fmt.Errorf("dues: assessed amount must not be negative: %w", httpx.ErrValidation)
	}
	if patch.AmountDue != nil && patch.AmountDue.IsNegative() {
		return nil, fmt.Errorf("dues: due amount must not be negative: %w", httpx.ErrValidation)
	}

	updated, err := s.repo.UpdateAssignment(ctx, assignmentID, patch)
	if err != nil {
		return nil, err
	}
	s.propagateProjection(ctx, *updated)
	s.audit.Try(ctx, shared.AuditEntry{
		ActorID:  actorID,
		Action:   "dues.assignment.update",
		Entity:   "dues_assignment",
		EntityID: strconv.FormatInt(assignmentID, 10),
		Meta:     map[string]any{"status": string(updated.Status)},
	})
	return updated, nil
}

// ApplyPayment records one settlement event's amount against an assignment.
// It is the reconciliation engine's write path: the repository both gates on
// the transaction reference (replays return Applied=false) and recomputes the
// status from the resulting amounts in a single atomic statement.
func (s *Service) ApplyPayment(ctx context.Context, assignmentID int64, externalRef string, amount decimal.Decimal) (*ApplyResult, error) {
	if externalRef == "" {
		return nil, fmt.Errorf("dues: transaction reference required: %w", httpx.ErrValidation)
	}
	result, err := s.repo.ApplyPayment(ctx, assignmentID, externalRef, amount)
	if err != nil {
		return nil, err
	}
	if result.Applied {
		s.propagateProjection(ctx, result.Assignment)
	}
	return result, nil
}

// AssignmentWithCycle loads an assignment together with its cycle.
func (s *Service) AssignmentWithCycle(ctx context.Context, assignmentID int64) (*Assignment, *Cycle, error) {
	assignment, err := s.repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, nil, err
	}
	if assignment == nil {
		return nil, nil, fmt.Errorf("dues: assignment %d: %w", assignmentID, httpx.ErrNotFound)
	}
	cycle, err := s.repo.GetCycle(ctx, assignment.CycleID)
	if err != nil {
		return nil, nil, err
	}
	if cycle == nil {
		return nil, nil, fmt.Errorf("dues: cycle %d: %w", assignment.CycleID, httpx.ErrNotFound)
	}
	return assignment, cycle, nil
}

// ListByCycle returns a cycle's assignments with the overdue classification
// applied at read time.
func (s *Service) ListByCycle(ctx context.Context, cycleID int64) ([]AssignmentWithMember, error) {
	rows, err := s.repo.ListByCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	s.deriveStatuses(rows)
	return rows, nil
}

// ListByChapter returns all assignments across a chapter's cycles.
func (s *Service) ListByChapter(ctx context.Context, chapterID int64) ([]AssignmentWithMember, error) {
	rows, err := s.repo.ListByChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	s.deriveStatuses(rows)
	return rows, nil
}

func (s *Service) deriveStatuses(rows []AssignmentWithMember) {
	now := s.now()
	for i := range rows {
		rows[i].Status = rows[i].EffectiveStatus(rows[i].CycleDueAt, now)
	}
}

// propagateProjection refreshes the member-profile mirror. Best effort: the
// authoritative write has already committed, so a projection failure is
// logged and never unwinds it.
func (s *Service) propagateProjection(ctx context.Context, assignment Assignment) {
	if s.projection == nil {
		return
	}
	err := s.projection.UpsertMemberDues(ctx, MemberDuesProjection{
		MemberID:   assignment.MemberID,
		CycleID:    assignment.CycleID,
		AmountDue:  assignment.AmountDue,
		AmountPaid: assignment.AmountPaid,
		Status:     assignment.Status,
		UpdatedAt:  s.now(),
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("dues projection write failed",
			slog.Int64("assignment_id", assignment.ID),
			slog.Int64("member_id", assignment.MemberID),
			slog.Any("error", err))
	}
}
