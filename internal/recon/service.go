package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memberly-app/memberly-billing/internal/dues"
	"github.com/memberly-app/memberly-billing/internal/ledger"
	"github.com/memberly-app/memberly-billing/internal/notify"
	"github.com/memberly-app/memberly-billing/internal/observability"
	"github.com/memberly-app/memberly-billing/internal/subscription"
)

// LedgerPort writes the settlement log.
type LedgerPort interface {
	RecordSettlement(ctx context.Context, entry ledger.Entry) (bool, error)
	MarkRefunded(ctx context.Context, externalRef string) (bool, error)
}

// AssignmentsPort applies settlement amounts to dues assignments.
type AssignmentsPort interface {
	ApplyPayment(ctx context.Context, assignmentID int64, externalRef string, amount decimal.Decimal) (*dues.ApplyResult, error)
}

// SubscriptionsPort mirrors gateway subscription state.
type SubscriptionsPort interface {
	Upsert(ctx context.Context, input subscription.UpsertInput) error
	ExtendPaidThrough(ctx context.Context, gatewayRef string, through time.Time) error
}

// Engine applies gateway events to local state. Every handler is safe to run
// twice: all deduplication happens on unique external references in the
// store, so concurrent or replayed deliveries converge without coordination
// in process.
type Engine struct {
	ledger        LedgerPort
	assignments   AssignmentsPort
	subscriptions SubscriptionsPort
	notifier      notify.Notifier
	logger        *slog.Logger
	metrics       *observability.Metrics
}

// NewEngine builds an Engine instance.
func NewEngine(ledgerPort LedgerPort, assignments AssignmentsPort, subscriptions SubscriptionsPort, notifier notify.Notifier, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		ledger:        ledgerPort,
		assignments:   assignments,
		subscriptions: subscriptions,
		notifier:      notifier,
		logger:        logger,
		metrics:       metrics,
	}
}

// Process dispatches one authenticated event. A nil return means the gateway
// may stop retrying; unknown types return nil without touching any store.
func (e *Engine) Process(ctx context.Context, evt *Event) error {
	switch evt.Type {
	case EventSessionCompleted:
		return e.sessionCompleted(ctx, evt)
	case EventPaymentSucceeded:
		return e.paymentSucceeded(ctx, evt)
	case EventInvoicePaid:
		return e.invoicePaid(ctx, evt)
	case EventSubscriptionUpdated:
		return e.subscriptionUpdated(ctx, evt)
	case EventChargeRefunded:
		return e.chargeRefunded(ctx, evt)
	default:
		e.logger.Info("ignoring unrecognized gateway event",
			slog.String("event_id", evt.ID), slog.String("type", string(evt.Type)))
		return nil
	}
}

// sessionCompleted records the settlement. For dues sessions that is one
// ledger entry keyed by the transaction reference; replays lose the insert
// race and are treated as success. Subscription sessions mirror onto the
// local subscription record instead.
func (e *Engine) sessionCompleted(ctx context.Context, evt *Event) error {
	switch evt.Data.Metadata["type"] {
	case "dues":
		entry := ledger.Entry{
			ChapterID:   evt.Data.Metadata.Int64("chapter_id"),
			MemberID:    evt.Data.Metadata.Int64("member_id"),
			ExternalRef: evt.Data.TransactionRef,
			Amount:      evt.Data.Amount(),
			Currency:    evt.Data.Currency,
			Method:      evt.Data.Method,
			Status:      ledger.EntrySucceeded,
		}
		if cycleID := evt.Data.Metadata.Int64("dues_cycle_id"); cycleID > 0 {
			entry.DuesCycleID = &cycleID
		}
		inserted, err := e.ledger.RecordSettlement(ctx, entry)
		if err != nil {
			return fmt.Errorf("record settlement %s: %w", evt.Data.TransactionRef, err)
		}
		if inserted {
			e.metrics.ObserveSettlement()
		} else {
			e.logger.Info("settlement replay ignored", slog.String("external_ref", evt.Data.TransactionRef))
		}
		return nil
	case "subscription":
		return e.upsertSubscription(ctx, evt)
	default:
		e.logger.Info("session completed with unhandled metadata type",
			slog.String("event_id", evt.ID), slog.String("metadata_type", evt.Data.Metadata["type"]))
		return nil
	}
}

// paymentSucceeded applies the paid amount to the referenced assignment. The
// application is gated on the transaction reference, so a replayed event is a
// no-op and a reordered one (arriving before session-completed) still applies
// exactly once.
func (e *Engine) paymentSucceeded(ctx context.Context, evt *Event) error {
	assignmentID := evt.Data.Metadata.Int64("dues_assignment_id")
	if assignmentID == 0 {
		e.logger.Info("payment succeeded without assignment reference", slog.String("event_id", evt.ID))
		return nil
	}

	result, err := e.assignments.ApplyPayment(ctx, assignmentID, evt.Data.TransactionRef, evt.Data.Amount())
	if err != nil {
		return fmt.Errorf("apply payment to assignment %d: %w", assignmentID, err)
	}
	if !result.Applied {
		e.logger.Info("payment replay ignored",
			slog.Int64("assignment_id", assignmentID), slog.String("external_ref", evt.Data.TransactionRef))
		return nil
	}
	if result.Transitioned {
		// Queued, never awaited: a slow notifier must not make the gateway
		// think reconciliation failed.
		if err := e.notifier.DuesStatusChanged(ctx, notify.DuesStatusChange{
			AssignmentID: result.Assignment.ID,
			MemberID:     result.Assignment.MemberID,
			ChapterID:    evt.Data.Metadata.Int64("chapter_id"),
			Previous:     string(result.Previous),
			Current:      string(result.Assignment.Status),
			AmountMinor:  evt.Data.AmountMinor,
			Currency:     evt.Data.Currency,
		}); err != nil {
			e.logger.Warn("status change notification dropped",
				slog.Int64("assignment_id", result.Assignment.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (e *Engine) invoicePaid(ctx context.Context, evt *Event) error {
	if evt.Data.SubscriptionRef == "" {
		e.logger.Info("invoice paid without subscription reference", slog.String("event_id", evt.ID))
		return nil
	}
	if err := e.subscriptions.ExtendPaidThrough(ctx, evt.Data.SubscriptionRef, evt.Data.PeriodEnd); err != nil {
		return fmt.Errorf("extend subscription %s: %w", evt.Data.SubscriptionRef, err)
	}
	return nil
}

func (e *Engine) subscriptionUpdated(ctx context.Context, evt *Event) error {
	return e.upsertSubscription(ctx, evt)
}

func (e *Engine) upsertSubscription(ctx context.Context, evt *Event) error {
	if evt.Data.SubscriptionRef == "" {
		e.logger.Info("subscription event without reference", slog.String("event_id", evt.ID))
		return nil
	}
	err := e.subscriptions.Upsert(ctx, subscription.UpsertInput{
		ChapterID:         evt.Data.Metadata.Int64("chapter_id"),
		GatewayRef:        evt.Data.SubscriptionRef,
		Status:            evt.Data.SubscriptionState,
		CancelAtPeriodEnd: evt.Data.CancelAtPeriodEnd,
		PaidThrough:       evt.Data.PeriodEnd,
	})
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", evt.Data.SubscriptionRef, err)
	}
	return nil
}

// chargeRefunded flips the ledger entry only. The assignment keeps its
// status: a refund is a financial fact needing human follow-up, and
// auto-reverting membership state risks flapping.
func (e *Engine) chargeRefunded(ctx context.Context, evt *Event) error {
	flipped, err := e.ledger.MarkRefunded(ctx, evt.Data.TransactionRef)
	if err != nil {
		return fmt.Errorf("mark refunded %s: %w", evt.Data.TransactionRef, err)
	}
	if !flipped {
		e.logger.Info("refund event for unknown or already refunded entry",
			slog.String("external_ref", evt.Data.TransactionRef))
		return nil
	}
	if err := e.notifier.RefundRecorded(ctx, notify.RefundEvent{
		ExternalRef: evt.Data.TransactionRef,
		ChapterID:   evt.Data.Metadata.Int64("chapter_id"),
		MemberID:    evt.Data.Metadata.Int64("member_id"),
		AmountMinor: evt.Data.AmountMinor,
		Currency:    evt.Data.Currency,
	}); err != nil {
		e.logger.Warn("refund notification dropped",
			slog.String("external_ref", evt.Data.TransactionRef), slog.Any("error", err))
	}
	return nil
}
