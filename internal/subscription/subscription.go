// Package subscription mirrors gateway-side subscription state onto local
// records. The mirror is written only by the reconciliation engine; the
// gateway remains the source of truth.
package subscription

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Subscription is the local mirror of one gateway subscription.
type Subscription struct {
	ID                int64     `json:"id"`
	ChapterID         int64     `json:"chapter_id"`
	GatewayRef        string    `json:"gateway_ref"`
	Status            string    `json:"status"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end"`
	PaidThrough       time.Time `json:"paid_through"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UpsertInput carries the mirrored fields of a subscription event.
type UpsertInput struct {
	ChapterID         int64
	GatewayRef        string
	Status            string
	CancelAtPeriodEnd bool
	PaidThrough       time.Time
}

// Repository provides PostgreSQL backed persistence for the mirror.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert creates or refreshes the mirror record keyed by the gateway
// reference. Replayed events land on the same row, so the write is naturally
// idempotent.
func (r *Repository) Upsert(ctx context.Context, input UpsertInput) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO app_subscriptions (
			chapter_id, gateway_ref, status, cancel_at_period_end, paid_through, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (gateway_ref) DO UPDATE
		SET status = EXCLUDED.status,
		    cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		    paid_through = GREATEST(app_subscriptions.paid_through, EXCLUDED.paid_through),
		    updated_at = NOW()`,
		input.ChapterID, input.GatewayRef, input.Status, input.CancelAtPeriodEnd, input.PaidThrough)
	return err
}

// ExtendPaidThrough moves the paid-through date forward, never backward, so a
// replayed or late invoice event cannot shorten the covered period.
func (r *Repository) ExtendPaidThrough(ctx context.Context, gatewayRef string, through time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE app_subscriptions
		SET paid_through = GREATEST(paid_through, $2), updated_at = NOW()
		WHERE gateway_ref = $1`,
		gatewayRef, through)
	return err
}
