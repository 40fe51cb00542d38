// Package checkout turns a dues assignment into a payable gateway session.
// It never records settlement itself: whether money moved is only ever
// decided by the reconciliation engine, from gateway events.
package checkout

import "time"

// Member carries the display fields the gateway wants with a session.
type Member struct {
	ID    int64
	Name  string
	Email string
}

// StoredSession is the local record of a gateway checkout session, kept so an
// abandoned session can be resumed instead of minting a new charge attempt.
type StoredSession struct {
	OrderRef     string
	AssignmentID int64
	MemberID     int64
	Token        string
	RedirectURL  string
	Active       bool
	CreatedAt    time.Time
}

// StartResult is returned to the paying member.
type StartResult struct {
	SessionID   string `json:"session_id"`
	Token       string `json:"token,omitempty"`
	RedirectURL string `json:"redirect_url"`
	// Resumed is true when an earlier, still-pending session was returned
	// instead of a fresh one.
	Resumed bool `json:"resumed"`
}
