// Package ledger keeps the append-mostly settlement log and derives chapter
// budget figures from it.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryStatus enumerates settlement entry statuses. succeeded is the only
// insert status; refunded is the only permitted later flip.
type EntryStatus string

const (
	EntrySucceeded EntryStatus = "succeeded"
	EntryRefunded  EntryStatus = "refunded"
)

// Entry is an immutable record of a settled monetary event. The external
// transaction reference is unique; that constraint is the subsystem's single
// idempotency boundary for settlement writes.
type Entry struct {
	ID          int64           `json:"id"`
	ChapterID   int64           `json:"chapter_id"`
	MemberID    int64           `json:"member_id"`
	DuesCycleID *int64          `json:"dues_cycle_id,omitempty"`
	ExternalRef string          `json:"external_ref"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Method      string          `json:"method"`
	Status      EntryStatus     `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Window bounds a budget aggregation, half-open: [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// BudgetSnapshot is a derived view over the ledger, never stored state.
type BudgetSnapshot struct {
	ChapterID  int64           `json:"chapter_id"`
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	Total      decimal.Decimal `json:"total"`
	EntryCount int             `json:"entry_count"`
	ComputedAt time.Time       `json:"computed_at"`
}
