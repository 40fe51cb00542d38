package dues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/memberly-app/memberly-billing/internal/platform/db"
	"github.com/memberly-app/memberly-billing/internal/platform/httpx"
)

// Repository provides PostgreSQL backed persistence for cycles and assignments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const cycleColumns = `id, chapter_id, name, base_amount, starts_at, due_at, closes_at,
	allow_payment_plans, plan_options, late_fee, status, created_at, updated_at`

func scanCycle(row pgx.Row) (*Cycle, error) {
	var c Cycle
	var planJSON, feeJSON []byte
	err := row.Scan(&c.ID, &c.ChapterID, &c.Name, &c.BaseAmount, &c.StartsAt, &c.DueAt, &c.ClosesAt,
		&c.AllowPaymentPlans, &planJSON, &feeJSON, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(planJSON) > 0 {
		if err := json.Unmarshal(planJSON, &c.PlanOptions); err != nil {
			return nil, fmt.Errorf("dues: decode plan options for cycle %d: %w", c.ID, err)
		}
	}
	if len(feeJSON) > 0 {
		var fee LateFeePolicy
		if err := json.Unmarshal(feeJSON, &fee); err != nil {
			return nil, fmt.Errorf("dues: decode late fee for cycle %d: %w", c.ID, err)
		}
		c.LateFee = &fee
	}
	return &c, nil
}

// CreateCycle inserts a new active cycle.
func (r *Repository) CreateCycle(ctx context.Context, input CycleInput) (*Cycle, error) {
	planJSON, err := json.Marshal(input.PlanOptions)
	if err != nil {
		return nil, fmt.Errorf("dues: encode plan options: %w", err)
	}
	var feeJSON []byte
	if input.LateFee != nil {
		if feeJSON, err = json.Marshal(input.LateFee); err != nil {
			return nil, fmt.Errorf("dues: encode late fee: %w", err)
		}
	}

	const query = `
		INSERT INTO dues_cycles (
			chapter_id, name, base_amount, starts_at, due_at, closes_at,
			allow_payment_plans, plan_options, late_fee, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'active', NOW(), NOW())
		RETURNING ` + cycleColumns

	return scanCycle(r.pool.QueryRow(ctx, query,
		input.ChapterID, input.Name, input.BaseAmount, input.StartsAt, input.DueAt, input.ClosesAt,
		input.AllowPaymentPlans, planJSON, feeJSON))
}

// ListCycles returns a chapter's cycles, newest first.
func (r *Repository) ListCycles(ctx context.Context, chapterID int64) ([]Cycle, error) {
	const query = `SELECT ` + cycleColumns + ` FROM dues_cycles WHERE chapter_id = $1 ORDER BY created_at DESC, id DESC`
	rows, err := r.pool.Query(ctx, query, chapterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, *c)
	}
	return cycles, rows.Err()
}

// GetCycle loads one cycle, returning nil when absent.
func (r *Repository) GetCycle(ctx context.Context, id int64) (*Cycle, error) {
	const query = `SELECT ` + cycleColumns + ` FROM dues_cycles WHERE id = $1`
	c, err := scanCycle(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

const assignmentColumns = `id, cycle_id, member_id, amount_assessed, amount_due, amount_paid,
	status, notes, created_at, updated_at`

func scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.CycleID, &a.MemberID, &a.AmountAssessed, &a.AmountDue, &a.AmountPaid,
		&a.Status, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAssignment inserts one pending assignment.
func (r *Repository) CreateAssignment(ctx context.Context, input AssignInput) (*Assignment, error) {
	const query = `
		INSERT INTO dues_assignments (
			cycle_id, member_id, amount_assessed, amount_due, amount_paid,
			status, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $3, 0, 'pending', $4, NOW(), NOW())
		RETURNING ` + assignmentColumns

	return scanAssignment(r.pool.QueryRow(ctx, query, input.CycleID, input.MemberID, input.Amount, input.Notes))
}

// GetAssignment loads one assignment, returning nil when absent.
func (r *Repository) GetAssignment(ctx context.Context, id int64) (*Assignment, error) {
	const query = `SELECT ` + assignmentColumns + ` FROM dues_assignments WHERE id = $1`
	a, err := scanAssignment(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// UpdateAssignment applies an officer patch under a row lock. When amounts
// change without an explicit status, the status is recomputed from the
// resulting figures.
func (r *Repository) UpdateAssignment(ctx context.Context, id int64, patch AssignmentPatch) (*Assignment, error) {
	var updated *Assignment
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := scanAssignment(tx.QueryRow(ctx,
			`SELECT `+assignmentColumns+` FROM dues_assignments WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("dues: assignment %d: %w", id, httpx.ErrNotFound)
		}
		if err != nil {
			return err
		}

		next := *current
		if patch.AmountAssessed != nil {
			next.AmountAssessed = *patch.AmountAssessed
		}
		if patch.AmountDue != nil {
			next.AmountDue = *patch.AmountDue
		}
		if patch.Notes != nil {
			next.Notes = *patch.Notes
		}
		if patch.Status != nil {
			next.Status = *patch.Status
		} else if patch.AmountAssessed != nil || patch.AmountDue != nil {
			next.Status = StatusForAmounts(next.Status, next.AmountPaid, next.AmountDue)
		}

		updated, err = scanAssignment(tx.QueryRow(ctx, `
			UPDATE dues_assignments
			SET amount_assessed = $2, amount_due = $3, status = $4, notes = $5, updated_at = NOW()
			WHERE id = $1
			RETURNING `+assignmentColumns,
			id, next.AmountAssessed, next.AmountDue, next.Status, next.Notes))
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ApplyPayment applies one settlement event's amount exactly once. The insert
// into dues_payment_applications is the idempotency gate: a replayed
// transaction reference loses the insert race and the assignment is left
// untouched. The increment and status recomputation happen in one UPDATE so
// concurrent handlers cannot interleave between read and write.
func (r *Repository) ApplyPayment(ctx context.Context, assignmentID int64, externalRef string, amount decimal.Decimal) (*ApplyResult, error) {
	var result ApplyResult
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO dues_payment_applications (external_ref, assignment_id, amount, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (external_ref) DO NOTHING`,
			externalRef, assignmentID, amount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			current, err := scanAssignment(tx.QueryRow(ctx,
				`SELECT `+assignmentColumns+` FROM dues_assignments WHERE id = $1`, assignmentID))
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("dues: assignment %d: %w", assignmentID, httpx.ErrNotFound)
			}
			if err != nil {
				return err
			}
			result = ApplyResult{Applied: false, Assignment: *current, Previous: current.Status}
			return nil
		}

		var previous AssignmentStatus
		err = tx.QueryRow(ctx,
			`SELECT status FROM dues_assignments WHERE id = $1 FOR UPDATE`, assignmentID).Scan(&previous)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("dues: assignment %d: %w", assignmentID, httpx.ErrNotFound)
		}
		if err != nil {
			return err
		}

		updated, err := scanAssignment(tx.QueryRow(ctx, `
			UPDATE dues_assignments
			SET amount_paid = amount_paid + $2,
			    status = CASE
			        WHEN status IN ('waived', 'refunded') THEN status
			        WHEN amount_due > 0 AND amount_paid + $2 >= amount_due THEN 'paid'
			        WHEN amount_paid + $2 > 0 THEN 'partial'
			        ELSE status
			    END,
			    updated_at = NOW()
			WHERE id = $1
			RETURNING `+assignmentColumns,
			assignmentID, amount))
		if err != nil {
			return err
		}
		result = ApplyResult{
			Applied:      true,
			Assignment:   *updated,
			Transitioned: updated.Status != previous,
			Previous:     previous,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

const assignmentListQuery = `
	SELECT a.id, a.cycle_id, a.member_id, a.amount_assessed, a.amount_due, a.amount_paid,
	       a.status, a.notes, a.created_at, a.updated_at,
	       m.name, m.email, c.name, c.due_at
	FROM dues_assignments a
	JOIN dues_cycles c ON c.id = a.cycle_id
	JOIN members m ON m.id = a.member_id`

func (r *Repository) listAssignments(ctx context.Context, query string, arg any) ([]AssignmentWithMember, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AssignmentWithMember
	for rows.Next() {
		var row AssignmentWithMember
		err := rows.Scan(&row.ID, &row.CycleID, &row.MemberID, &row.AmountAssessed, &row.AmountDue, &row.AmountPaid,
			&row.Status, &row.Notes, &row.CreatedAt, &row.UpdatedAt,
			&row.MemberName, &row.MemberEmail, &row.CycleName, &row.CycleDueAt)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListByCycle returns a cycle's assignments with member display fields.
func (r *Repository) ListByCycle(ctx context.Context, cycleID int64) ([]AssignmentWithMember, error) {
	return r.listAssignments(ctx, assignmentListQuery+` WHERE a.cycle_id = $1 ORDER BY m.name, a.id`, cycleID)
}

// ListByChapter returns all assignments across a chapter's cycles.
func (r *Repository) ListByChapter(ctx context.Context, chapterID int64) ([]AssignmentWithMember, error) {
	return r.listAssignments(ctx, assignmentListQuery+` WHERE c.chapter_id = $1 ORDER BY c.created_at DESC, m.name, a.id`, chapterID)
}

// ProjectionRepository writes the member-profile dues mirror.
type ProjectionRepository struct {
	pool *pgxpool.Pool
}

// NewProjectionRepository constructs a ProjectionRepository.
func NewProjectionRepository(pool *pgxpool.Pool) *ProjectionRepository {
	return &ProjectionRepository{pool: pool}
}

// UpsertMemberDues replaces the member's projection row for the cycle.
func (p *ProjectionRepository) UpsertMemberDues(ctx context.Context, projection MemberDuesProjection) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO member_dues_projection (member_id, cycle_id, amount_due, amount_paid, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (member_id, cycle_id) DO UPDATE
		SET amount_due = EXCLUDED.amount_due,
		    amount_paid = EXCLUDED.amount_paid,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at`,
		projection.MemberID, projection.CycleID, projection.AmountDue, projection.AmountPaid,
		projection.Status, projection.UpdatedAt)
	return err
}
