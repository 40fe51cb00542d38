// Package dues implements billing cycles and per-member dues assignments.
package dues

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleStatus enumerates billing cycle statuses.
type CycleStatus string

const (
	CycleActive CycleStatus = "active"
	CycleClosed CycleStatus = "closed"
)

// AssignmentStatus enumerates dues assignment statuses.
type AssignmentStatus string

const (
	StatusPending  AssignmentStatus = "pending"
	StatusPartial  AssignmentStatus = "partial"
	StatusPaid     AssignmentStatus = "paid"
	StatusWaived   AssignmentStatus = "waived"
	StatusRefunded AssignmentStatus = "refunded"
	// StatusOverdue is derived at read time and never stored: persisting it
	// would require a second writer racing with the reconciliation engine.
	StatusOverdue AssignmentStatus = "overdue"
)

// PlanOption describes one installment option of a payment plan.
type PlanOption struct {
	Label         string          `json:"label"`
	Amount        decimal.Decimal `json:"amount"`
	DueOffsetDays int             `json:"due_offset_days"`
}

// LateFeePolicy describes the fee added to amount_due after the grace window.
type LateFeePolicy struct {
	Amount    decimal.Decimal `json:"amount"`
	GraceDays int             `json:"grace_days"`
}

// Cycle is a chapter's billing period with one base amount and one due date.
type Cycle struct {
	ID                int64           `json:"id"`
	ChapterID         int64           `json:"chapter_id"`
	Name              string          `json:"name"`
	BaseAmount        decimal.Decimal `json:"base_amount"`
	StartsAt          time.Time       `json:"starts_at"`
	DueAt             time.Time       `json:"due_at"`
	ClosesAt          *time.Time      `json:"closes_at,omitempty"`
	AllowPaymentPlans bool            `json:"allow_payment_plans"`
	PlanOptions       []PlanOption    `json:"plan_options,omitempty"`
	LateFee           *LateFeePolicy  `json:"late_fee,omitempty"`
	Status            CycleStatus     `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Assignment is one member's obligation within a cycle. Assignments are never
// deleted; terminal outcomes are expressed as status transitions to preserve
// the audit history.
type Assignment struct {
	ID             int64            `json:"id"`
	CycleID        int64            `json:"cycle_id"`
	MemberID       int64            `json:"member_id"`
	AmountAssessed decimal.Decimal  `json:"amount_assessed"`
	AmountDue      decimal.Decimal  `json:"amount_due"`
	AmountPaid     decimal.Decimal  `json:"amount_paid"`
	Status         AssignmentStatus `json:"status"`
	Notes          string           `json:"notes,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Outstanding returns the unpaid balance, never negative.
func (a Assignment) Outstanding() decimal.Decimal {
	out := a.AmountDue.Sub(a.AmountPaid)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// EffectiveStatus derives the read-time status: an unpaid assignment past the
// cycle's due date reports as overdue without that fact ever being written.
func (a Assignment) EffectiveStatus(cycleDueAt, now time.Time) AssignmentStatus {
	if a.Status != StatusPending && a.Status != StatusPartial {
		return a.Status
	}
	if now.After(cycleDueAt) && a.AmountPaid.LessThan(a.AmountDue) {
		return StatusOverdue
	}
	return a.Status
}

// StatusForAmounts recomputes the stored status from paid vs due. The result
// depends only on the current amounts, not on which settlement event produced
// them, which is what makes reconciliation order-independent. Terminal states
// (waived, refunded) are sticky so late-arriving events cannot reopen them.
func StatusForAmounts(current AssignmentStatus, paid, due decimal.Decimal) AssignmentStatus {
	if current == StatusWaived || current == StatusRefunded {
		return current
	}
	switch {
	case due.GreaterThan(decimal.Zero) && paid.GreaterThanOrEqual(due):
		return StatusPaid
	case paid.GreaterThan(decimal.Zero):
		return StatusPartial
	default:
		return StatusPending
	}
}

// AssignmentWithMember joins member and cycle display fields for listings.
type AssignmentWithMember struct {
	Assignment
	MemberName  string    `json:"member_name"`
	MemberEmail string    `json:"member_email"`
	CycleName   string    `json:"cycle_name"`
	CycleDueAt  time.Time `json:"cycle_due_at"`
}

// MemberDuesProjection is the denormalized "current dues" mirror written onto
// the member profile for fast display. It is a read optimization subordinate
// to the Assignment record; on mismatch the assignment wins.
type MemberDuesProjection struct {
	MemberID   int64
	CycleID    int64
	AmountDue  decimal.Decimal
	AmountPaid decimal.Decimal
	Status     AssignmentStatus
	UpdatedAt  time.Time
}

// ApplyResult reports the outcome of applying one settlement event's amount.
type ApplyResult struct {
	// Applied is false when the transaction reference was seen before and the
	// event was treated as a replay.
	Applied    bool
	Assignment Assignment
	// Transitioned is true when the stored status changed.
	Transitioned bool
	Previous     AssignmentStatus
}
