// Package recon is the webhook reconciliation engine. It receives
// gateway-originated settlement events, verifies their authenticity, and
// applies each event's state transition exactly once, tolerating duplicates,
// reordering, and unknown event types, because the gateway promises
// at-least-once delivery and nothing else.
package recon

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// EventType classifies a gateway event. The vocabulary grows on the gateway's
// side; anything not listed here is handled as EventUnknown.
type EventType string

const (
	EventSessionCompleted    EventType = "checkout.session.completed"
	EventPaymentSucceeded    EventType = "payment.succeeded"
	EventInvoicePaid         EventType = "invoice.paid"
	EventSubscriptionUpdated EventType = "customer.subscription.updated"
	EventChargeRefunded      EventType = "charge.refunded"
	EventUnknown             EventType = ""
)

// Metadata is the opaque key/value bag supplied at session creation and
// echoed back on every event for that session.
type Metadata map[string]string

// Int64 reads a metadata field as an integer id, 0 when absent or malformed.
func (m Metadata) Int64(key string) int64 {
	v, err := strconv.ParseInt(m[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Event is the decoded envelope of one gateway notification. Fields are
// decoded defensively: a missing or oddly shaped field yields its zero value
// rather than a decode failure, since the gateway's payloads vary by type.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	Data EventData `json:"data"`
}

// EventData carries the per-type payload fields. Only the fields relevant to
// the event's type are populated; the rest stay zero.
type EventData struct {
	// TransactionRef is the gateway's globally unique transaction reference,
	// the idempotency key for everything downstream.
	TransactionRef string `json:"transaction_ref"`
	// Amount is in minor currency units, matching what the gateway charged.
	AmountMinor       int64     `json:"amount"`
	Currency          string    `json:"currency"`
	Method            string    `json:"payment_method"`
	SubscriptionRef   string    `json:"subscription_ref"`
	SubscriptionState string    `json:"subscription_status"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end"`
	PeriodEnd         time.Time `json:"period_end"`
	Metadata          Metadata  `json:"metadata"`
}

// Amount converts the minor-unit figure to a decimal major-unit amount.
func (d EventData) Amount() decimal.Decimal {
	return decimal.New(d.AmountMinor, -2)
}

// DecodeEvent parses a raw webhook body into an Event. Unknown event types
// decode successfully with Type preserved; only a structurally unreadable
// body fails.
func DecodeEvent(body []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, err
	}
	if evt.Data.Metadata == nil {
		evt.Data.Metadata = Metadata{}
	}
	return &evt, nil
}

// recognized reports whether the engine has a handler for the type.
func (t EventType) recognized() bool {
	switch t {
	case EventSessionCompleted, EventPaymentSucceeded, EventInvoicePaid,
		EventSubscriptionUpdated, EventChargeRefunded:
		return true
	default:
		return false
	}
}
