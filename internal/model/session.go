package model

import "time"

type SessionStatus string

const (
	SessionDisconnected SessionStatus = "disconnected"
	SessionNeedsPairing SessionStatus = "needs_pairing"
	SessionConnected    SessionStatus = "connected"
	SessionError        SessionStatus = "error"
)

// Session is the persisted connection state for one tenant. There is
// exactly one row per tenant; only the lifecycle manager mutates it.
type Session struct {
	TenantID     string
	Status       SessionStatus
	PairingCode  []byte // PNG, present only while needs_pairing
	LastSeenAt   *time.Time
	ErrorMessage string
	UpdatedAt    time.Time
}
