package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
)

// Midtrans adapts the Midtrans Snap/Core APIs to the gateway port.
type Midtrans struct {
	snapClient snap.Client
	coreClient coreapi.Client
}

// NewMidtrans configures Snap and Core API clients from the server key.
func NewMidtrans(serverKey string, production bool) *Midtrans {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}

	var s snap.Client
	s.New(serverKey, env)

	var c coreapi.Client
	c.New(serverKey, env)

	return &Midtrans{snapClient: s, coreClient: c}
}

// EnsureCustomer mints a customer reference. Midtrans has no server-side
// customer objects; customer details travel with each session instead, so the
// reference only needs to be unique and stable once persisted by the caller.
func (m *Midtrans) EnsureCustomer(ctx context.Context, input CustomerInput) (string, error) {
	if input.MemberID == 0 {
		return "", fmt.Errorf("gateway: member id required for customer reference")
	}
	return fmt.Sprintf("cust-%d-%s", input.MemberID, uuid.NewString()[:8]), nil
}

// CreateCheckoutSession creates a Snap transaction and returns its token and
// redirect URL.
func (m *Midtrans) CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error) {
	param := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.OrderRef,
			GrossAmt: req.AmountMinor,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: req.CustomerName,
			Email: req.CustomerEmail,
		},
		Items: &[]midtrans.ItemDetails{
			{
				ID:    req.OrderRef,
				Name:  req.Description,
				Price: req.AmountMinor,
				Qty:   1,
			},
		},
		Callbacks: &snap.Callbacks{Finish: req.SuccessURL},
	}
	if len(req.Metadata) > 0 {
		param.Metadata = req.Metadata
	}

	resp, err := m.snapClient.CreateTransaction(param)
	if err != nil {
		return nil, fmt.Errorf("gateway: create snap transaction: %v", err)
	}

	return &Session{ID: req.OrderRef, Token: resp.Token, RedirectURL: resp.RedirectURL}, nil
}

// SessionStatus maps the Midtrans transaction status vocabulary onto the
// port's classification.
func (m *Midtrans) SessionStatus(ctx context.Context, orderRef string) (SessionStatus, error) {
	resp, err := m.coreClient.CheckTransaction(orderRef)
	if err != nil {
		return SessionUnknown, fmt.Errorf("gateway: check transaction %s: %v", orderRef, err)
	}
	switch resp.TransactionStatus {
	case "settlement", "capture":
		return SessionSettled, nil
	case "deny", "expire", "cancel", "failure":
		return SessionFailed, nil
	case "pending", "authorize":
		return SessionPending, nil
	default:
		return SessionUnknown, nil
	}
}

// CancelSession voids a pending transaction.
func (m *Midtrans) CancelSession(ctx context.Context, orderRef string) error {
	if _, err := m.coreClient.CancelTransaction(orderRef); err != nil {
		return fmt.Errorf("gateway: cancel transaction %s: %v", orderRef, err)
	}
	return nil
}
