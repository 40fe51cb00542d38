package shared

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEntry is a record stored in audit_logs. Officer overrides of billing
// state (waivers, amount edits) must leave a trail because assignments are
// never physically deleted.
type AuditEntry struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditTrail writes records into audit_logs.
type AuditTrail struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewAuditTrail returns a new AuditTrail.
func NewAuditTrail(pool *pgxpool.Pool, logger *slog.Logger) *AuditTrail {
	return &AuditTrail{pool: pool, logger: logger}
}

// Record persists the entry.
func (t *AuditTrail) Record(ctx context.Context, entry AuditEntry) error {
	if t == nil || t.pool == nil {
		return errors.New("audit trail not initialised")
	}
	if entry.Action == "" || entry.Entity == "" || entry.EntityID == "" {
		return errors.New("audit entry requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return err
	}
	_, err = t.pool.Exec(ctx,
		`INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE(NULLIF($6, '0001-01-01T00:00:00Z'::timestamptz), NOW()))`,
		entry.ActorID, entry.Action, entry.Entity, entry.EntityID, metaJSON, entry.At)
	return err
}

// Try records the entry and only logs on failure. Used where the audit write
// must not fail the authoritative mutation it describes.
func (t *AuditTrail) Try(ctx context.Context, entry AuditEntry) {
	if t == nil {
		return
	}
	if err := t.Record(ctx, entry); err != nil && t.logger != nil {
		t.logger.Warn("audit record failed",
			slog.String("action", entry.Action),
			slog.String("entity", entry.Entity),
			slog.Any("error", err))
	}
}
