// Package notify dispatches member-facing notifications for billing events.
// Dispatch is queue-backed and fire-and-forget: webhook handlers must not
// wait on a slow mail host, so delivery happens on the worker.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Task type names shared with the worker.
const (
	TaskDuesStatusChanged = "dues:status_changed"
	TaskRefundFollowup    = "dues:refund_followup"
)

// DuesStatusChange describes one assignment status transition.
type DuesStatusChange struct {
	AssignmentID int64  `json:"assignment_id"`
	MemberID     int64  `json:"member_id"`
	ChapterID    int64  `json:"chapter_id"`
	Previous     string `json:"previous"`
	Current      string `json:"current"`
	AmountMinor  int64  `json:"amount_minor"`
	Currency     string `json:"currency"`
}

// RefundEvent describes a refunded ledger entry needing officer follow-up.
type RefundEvent struct {
	ExternalRef string `json:"external_ref"`
	ChapterID   int64  `json:"chapter_id"`
	MemberID    int64  `json:"member_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// Notifier is the outbound notification port.
type Notifier interface {
	DuesStatusChanged(ctx context.Context, change DuesStatusChange) error
	RefundRecorded(ctx context.Context, refund RefundEvent) error
}

// QueueNotifier enqueues notification tasks for the worker to deliver.
type QueueNotifier struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewQueueNotifier builds a QueueNotifier.
func NewQueueNotifier(client *asynq.Client, logger *slog.Logger) *QueueNotifier {
	return &QueueNotifier{client: client, logger: logger}
}

// DuesStatusChanged enqueues a status-change notification.
func (n *QueueNotifier) DuesStatusChanged(ctx context.Context, change DuesStatusChange) error {
	return n.enqueue(ctx, TaskDuesStatusChanged, change)
}

// RefundRecorded enqueues a refund follow-up notification for the chapter's
// officers.
func (n *QueueNotifier) RefundRecorded(ctx context.Context, refund RefundEvent) error {
	return n.enqueue(ctx, TaskRefundFollowup, refund)
}

func (n *QueueNotifier) enqueue(ctx context.Context, taskType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := n.client.EnqueueContext(ctx, asynq.NewTask(taskType, data), asynq.MaxRetry(5)); err != nil {
		n.logger.Warn("notification enqueue failed", slog.String("task", taskType), slog.Any("error", err))
		return err
	}
	return nil
}

// Nop discards all notifications. Used in tests and when no queue is
// configured.
type Nop struct{}

func (Nop) DuesStatusChanged(ctx context.Context, change DuesStatusChange) error { return nil }
func (Nop) RefundRecorded(ctx context.Context, refund RefundEvent) error         { return nil }
