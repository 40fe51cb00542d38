package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/memberly-app/memberly-billing/internal/jobs"
	"github.com/memberly-app/memberly-billing/internal/shared"
)

// TaskDuesReminderScan is the nightly cron task that fans out per-member
// reminders.
const TaskDuesReminderScan = "dues:reminder_scan"

// ReminderScanPayload configures one scan run.
type ReminderScanPayload struct {
	Currency string `json:"currency"`
}

// NewReminderScanTask constructs the cron task.
func NewReminderScanTask(currencyCode string) (*asynq.Task, error) {
	data, err := json.Marshal(ReminderScanPayload{Currency: currencyCode})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDuesReminderScan, data), nil
}

// ReminderScanner finds assignments past their cycle's due date with an
// outstanding balance and enqueues one reminder per member. The scan only
// reads and enqueues; it never writes billing state, so it cannot race the
// reconciliation engine.
type ReminderScanner struct {
	pool    *pgxpool.Pool
	client  *asynq.Client
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewReminderScanner builds a ReminderScanner.
func NewReminderScanner(pool *pgxpool.Pool, client *asynq.Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReminderScanner {
	return &ReminderScanner{pool: pool, client: client, logger: logger, metrics: metrics}
}

// HandleScan processes one TaskDuesReminderScan run.
func (s *ReminderScanner) HandleScan(ctx context.Context, t *asynq.Task) error {
	return s.metrics.Track(TaskDuesReminderScan).End(s.scan(ctx, t))
}

func (s *ReminderScanner) scan(ctx context.Context, t *asynq.Task) error {
	var payload ReminderScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.member_id, c.name, a.amount_due, a.amount_paid
		FROM dues_assignments a
		JOIN dues_cycles c ON c.id = a.cycle_id
		WHERE a.status IN ('pending', 'partial')
		  AND c.due_at < NOW()
		  AND c.status = 'active'`)
	if err != nil {
		return fmt.Errorf("reminder scan query: %w", err)
	}
	defer rows.Close()

	enqueued := 0
	for rows.Next() {
		var (
			assignmentID, memberID int64
			cycleName              string
			due, paid              decimal.Decimal
		)
		if err := rows.Scan(&assignmentID, &memberID, &cycleName, &due, &paid); err != nil {
			return fmt.Errorf("reminder scan row: %w", err)
		}
		outstanding := due.Sub(paid)
		if !outstanding.IsPositive() {
			continue
		}
		task, err := NewDuesReminderTask(DuesReminderPayload{
			AssignmentID:     assignmentID,
			MemberID:         memberID,
			CycleName:        cycleName,
			OutstandingMinor: shared.ToMinorUnits(outstanding),
			Currency:         payload.Currency,
		})
		if err != nil {
			return err
		}
		if _, err := s.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault)); err != nil {
			s.logger.Warn("reminder enqueue failed",
				slog.Int64("assignment_id", assignmentID), slog.Any("error", err))
			continue
		}
		enqueued++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reminder scan rows: %w", err)
	}

	s.logger.Info("dues reminder scan complete", slog.Int("enqueued", enqueued))
	return nil
}
