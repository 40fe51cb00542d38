// Package gateway defines the outbound payment-gateway port and its concrete
// adapter. The billing services only see the port; the adapter is injected at
// startup, which keeps gateway SDK types out of the domain packages and lets
// tests substitute doubles.
package gateway

import "context"

// SessionStatus classifies a gateway-side checkout session.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionSettled SessionStatus = "settled"
	SessionFailed  SessionStatus = "failed"
	SessionUnknown SessionStatus = "unknown"
)

// CustomerInput identifies the member a customer reference is minted for.
type CustomerInput struct {
	MemberID int64
	Name     string
	Email    string
}

// SessionRequest describes one payable checkout session.
type SessionRequest struct {
	OrderRef      string
	CustomerRef   string
	CustomerName  string
	CustomerEmail string
	// AmountMinor is the line item amount in minor currency units; the
	// gateway never sees decimals.
	AmountMinor int64
	Description string
	SuccessURL  string
	CancelURL   string
	// Metadata is echoed back verbatim on every settlement event for this
	// session. It carries the assignment identity the reconciliation engine
	// recovers later.
	Metadata map[string]string
}

// Session is the gateway's answer to a session request.
type Session struct {
	ID          string
	Token       string
	RedirectURL string
}

// Client is the outbound gateway port.
type Client interface {
	// EnsureCustomer returns a gateway-side customer reference for the
	// member. Callers persist the reference for reuse; the gateway is only
	// asked once per member.
	EnsureCustomer(ctx context.Context, input CustomerInput) (string, error)
	// CreateCheckoutSession requests a payable session.
	CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error)
	// SessionStatus reports the gateway's view of an earlier session.
	SessionStatus(ctx context.Context, orderRef string) (SessionStatus, error)
	// CancelSession voids a pending session at the gateway.
	CancelSession(ctx context.Context, orderRef string) error
}
