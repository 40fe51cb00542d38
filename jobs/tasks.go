// Package jobs runs the queue-backed side of billing: notification delivery
// and the daily dues reminder scan. Webhook handlers enqueue; everything
// slow happens here.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	jobmetrics "github.com/memberly-app/memberly-billing/internal/jobs"
	"github.com/memberly-app/memberly-billing/internal/notify"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDuesReminder is the per-member reminder email task.
	TaskDuesReminder = "dues:reminder"
)

// DuesReminderPayload identifies one member's outstanding assignment.
type DuesReminderPayload struct {
	AssignmentID int64  `json:"assignment_id"`
	MemberID     int64  `json:"member_id"`
	CycleName    string `json:"cycle_name"`
	// OutstandingMinor is the unpaid balance in minor currency units.
	OutstandingMinor int64  `json:"outstanding_minor"`
	Currency         string `json:"currency"`
}

// NewDuesReminderTask constructs an Asynq task.
func NewDuesReminderTask(payload DuesReminderPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDuesReminder, data), nil
}

// TaskContext carries the shared dependencies of task handlers.
type TaskContext struct {
	Pool    *pgxpool.Pool
	Mailer  *Mailer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// HandleDuesStatusChanged mails the member when their assignment status
// moves. Delivered at-least-once; sending the same notice twice is
// acceptable, losing it is not.
func (tc *TaskContext) HandleDuesStatusChanged(ctx context.Context, t *asynq.Task) error {
	return tc.Metrics.Track(notify.TaskDuesStatusChanged).End(tc.duesStatusChanged(ctx, t))
}

func (tc *TaskContext) duesStatusChanged(ctx context.Context, t *asynq.Task) error {
	var change notify.DuesStatusChange
	if err := json.Unmarshal(t.Payload(), &change); err != nil {
		return asynq.SkipRetry
	}
	email, name, err := tc.memberContact(ctx, change.MemberID)
	if err != nil {
		return err
	}
	if email == "" {
		tc.Logger.Warn("status notice skipped, member has no email", slog.Int64("member_id", change.MemberID))
		return nil
	}

	amount := formatAmount(change.Currency, change.AmountMinor)
	subject := fmt.Sprintf("Dues payment received: status is now %s", change.Current)
	body := fmt.Sprintf("Hi %s,\n\nWe received your payment of %s. Your dues status changed from %s to %s.\n",
		name, amount, change.Previous, change.Current)
	return tc.Mailer.Send(ctx, email, subject, body)
}

// HandleRefundFollowup notifies the chapter's treasurer address about a
// refunded settlement so a human can decide the member's standing.
func (tc *TaskContext) HandleRefundFollowup(ctx context.Context, t *asynq.Task) error {
	return tc.Metrics.Track(notify.TaskRefundFollowup).End(tc.refundFollowup(ctx, t))
}

func (tc *TaskContext) refundFollowup(ctx context.Context, t *asynq.Task) error {
	var refund notify.RefundEvent
	if err := json.Unmarshal(t.Payload(), &refund); err != nil {
		return asynq.SkipRetry
	}
	email, err := tc.chapterOfficerEmail(ctx, refund.ChapterID)
	if err != nil {
		return err
	}
	if email == "" {
		tc.Logger.Warn("refund followup skipped, no officer contact", slog.Int64("chapter_id", refund.ChapterID))
		return nil
	}

	subject := "Refund recorded: member dues need review"
	body := fmt.Sprintf("A payment of %s (reference %s) was refunded. The member's dues status was intentionally left unchanged; please review their standing.\n",
		formatAmount(refund.Currency, refund.AmountMinor), refund.ExternalRef)
	return tc.Mailer.Send(ctx, email, subject, body)
}

// HandleDuesReminder mails one member about an outstanding balance.
func (tc *TaskContext) HandleDuesReminder(ctx context.Context, t *asynq.Task) error {
	return tc.Metrics.Track(TaskDuesReminder).End(tc.duesReminder(ctx, t))
}

func (tc *TaskContext) duesReminder(ctx context.Context, t *asynq.Task) error {
	var payload DuesReminderPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	email, name, err := tc.memberContact(ctx, payload.MemberID)
	if err != nil {
		return err
	}
	if email == "" {
		return nil
	}

	subject := fmt.Sprintf("Dues reminder: %s", payload.CycleName)
	body := fmt.Sprintf("Hi %s,\n\nYour %s dues have an outstanding balance of %s. You can pay from your member dashboard.\n",
		name, payload.CycleName, formatAmount(payload.Currency, payload.OutstandingMinor))
	return tc.Mailer.Send(ctx, email, subject, body)
}

func (tc *TaskContext) memberContact(ctx context.Context, memberID int64) (email, name string, err error) {
	err = tc.Pool.QueryRow(ctx,
		`SELECT email, name FROM members WHERE id = $1`, memberID).Scan(&email, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("load member %d contact: %w", memberID, err)
	}
	return email, name, nil
}

// chapterOfficerEmail picks the treasurer's address, falling back to any
// officer of the chapter.
func (tc *TaskContext) chapterOfficerEmail(ctx context.Context, chapterID int64) (string, error) {
	var email string
	err := tc.Pool.QueryRow(ctx, `
		SELECT m.email
		FROM chapter_officers o
		JOIN members m ON m.id = o.member_id
		WHERE o.chapter_id = $1
		ORDER BY CASE WHEN o.role = 'treasurer' THEN 0 ELSE 1 END
		LIMIT 1`,
		chapterID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load chapter %d officer contact: %w", chapterID, err)
	}
	return email, nil
}

// formatAmount renders a minor-unit amount with the currency's symbol, e.g.
// "US$ 150.00". Unknown codes fall back to a plain decimal rendering.
func formatAmount(code string, minor int64) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Sprintf("%.2f %s", float64(minor)/100, code)
	}
	printer := message.NewPrinter(language.English)
	return printer.Sprint(currency.Symbol(unit.Amount(float64(minor) / 100)))
}
