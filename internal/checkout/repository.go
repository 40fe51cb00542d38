package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memberly-app/memberly-billing/internal/platform/db"
)

// Repository provides PostgreSQL backed storage for checkout sessions,
// gateway customer references, and the member directory lookup.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CustomerRef returns the stored gateway customer reference for the member,
// or "" when none has been minted yet.
func (r *Repository) CustomerRef(ctx context.Context, memberID int64) (string, error) {
	var ref string
	err := r.pool.QueryRow(ctx,
		`SELECT gateway_customer_ref FROM member_gateway_customers WHERE member_id = $1`,
		memberID).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load customer ref: %w", err)
	}
	return ref, nil
}

// SaveCustomerRef stores the minted reference. Two concurrent checkouts can
// both mint one; the unique constraint on member_id picks the winner, and the
// loser reads back and returns the winning reference.
func (r *Repository) SaveCustomerRef(ctx context.Context, memberID int64, ref string) (string, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO member_gateway_customers (member_id, gateway_customer_ref, created_at)
		VALUES ($1, $2, NOW())`,
		memberID, ref)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return r.CustomerRef(ctx, memberID)
		}
		return "", fmt.Errorf("save customer ref: %w", err)
	}
	return ref, nil
}

// ActiveSession returns the most recent active session for the assignment,
// or nil when there is none.
func (r *Repository) ActiveSession(ctx context.Context, assignmentID int64) (*StoredSession, error) {
	var s StoredSession
	err := r.pool.QueryRow(ctx, `
		SELECT order_ref, assignment_id, member_id, token, redirect_url, active, created_at
		FROM checkout_sessions
		WHERE assignment_id = $1 AND active
		ORDER BY created_at DESC
		LIMIT 1`,
		assignmentID).Scan(&s.OrderRef, &s.AssignmentID, &s.MemberID, &s.Token, &s.RedirectURL, &s.Active, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active session: %w", err)
	}
	return &s, nil
}

// SaveSession records a freshly created session.
func (r *Repository) SaveSession(ctx context.Context, session StoredSession) error {
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO checkout_sessions (order_ref, assignment_id, member_id, token, redirect_url, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.OrderRef, session.AssignmentID, session.MemberID, session.Token,
		session.RedirectURL, session.Active, createdAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// DeactivateSession retires a session record so it is never resumed again.
func (r *Repository) DeactivateSession(ctx context.Context, orderRef string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE checkout_sessions SET active = FALSE WHERE order_ref = $1`,
		orderRef)
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	return nil
}

// Member resolves the directory fields for a member, nil when absent.
func (r *Repository) Member(ctx context.Context, memberID int64) (*Member, error) {
	var m Member
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, email FROM members WHERE id = $1`,
		memberID).Scan(&m.ID, &m.Name, &m.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load member: %w", err)
	}
	return &m, nil
}
