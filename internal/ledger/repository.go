package ledger

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository provides PostgreSQL backed persistence for the settlement log.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordSettlement inserts the entry unless its external reference was seen
// before. Concurrent deliveries race on the unique constraint; the loser's
// rejection is reported as inserted=false, not an error.
func (r *Repository) RecordSettlement(ctx context.Context, entry Entry) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO payment_ledger_entries (
			chapter_id, member_id, dues_cycle_id, external_ref,
			amount, currency, method, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'succeeded', NOW())
		ON CONFLICT (external_ref) DO NOTHING`,
		entry.ChapterID, entry.MemberID, entry.DuesCycleID, entry.ExternalRef,
		entry.Amount, entry.Currency, entry.Method)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRefunded flips the matching entry's status. Returns false when no entry
// carries the reference or it was already refunded.
func (r *Repository) MarkRefunded(ctx context.Context, externalRef string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payment_ledger_entries SET status = 'refunded'
		WHERE external_ref = $1 AND status = 'succeeded'`,
		externalRef)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SumForChapter aggregates settled amounts for a chapter within the window.
// Refunded entries are excluded: the money came in and went back out.
func (r *Repository) SumForChapter(ctx context.Context, chapterID int64, window Window) (decimal.Decimal, int, error) {
	var total decimal.Decimal
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*)
		FROM payment_ledger_entries
		WHERE chapter_id = $1 AND status = 'succeeded'
		  AND created_at >= $2 AND created_at < $3`,
		chapterID, window.From, window.To).Scan(&total, &count)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return total, count, nil
}

// ListForChapter returns a chapter's entries, newest first, for auditing.
func (r *Repository) ListForChapter(ctx context.Context, chapterID int64, limit, offset int) ([]Entry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_ledger_entries WHERE chapter_id = $1`, chapterID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, chapter_id, member_id, dues_cycle_id, external_ref,
		       amount, currency, method, status, created_at
		FROM payment_ledger_entries
		WHERE chapter_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		chapterID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(&e.ID, &e.ChapterID, &e.MemberID, &e.DuesCycleID, &e.ExternalRef,
			&e.Amount, &e.Currency, &e.Method, &e.Status, &e.CreatedAt)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
