// Package driver defines the automation handle contract: one live,
// stateful browser session per tenant driving the external messaging
// web client. The core treats every operation as a black box with its
// own internal waits; timeouts on DOM mechanics belong to the
// implementation, not the callers.
package driver

import (
	"context"
	"time"
)

type State string

const (
	StateConnected    State = "connected"
	StateNeedsPairing State = "needs_pairing"
	StateError        State = "error"
)

// SendResult reports a completed send attempt. Confirmed is true only
// when the client showed a positive delivery indicator; EvidencePNG
// carries a screenshot when the attempt failed.
type SendResult struct {
	Confirmed   bool
	EvidencePNG []byte
}

type Contact struct {
	Name  string
	Phone string
}

type Handle interface {
	DetectState(ctx context.Context) (State, error)
	// CapturePairingCode returns a PNG of the pairing code, or nil when
	// the code is not currently displayed.
	CapturePairingCode(ctx context.Context) ([]byte, error)
	// WaitForPairing blocks until the session is paired or the timeout
	// elapses, reporting whether pairing completed.
	WaitForPairing(ctx context.Context, timeout time.Duration) (bool, error)
	CheckHealth(ctx context.Context) (bool, error)
	SendText(ctx context.Context, recipient, text string) (SendResult, error)
	SendImage(ctx context.Context, recipient, localPath, caption string) (SendResult, error)
	ScrapeContacts(ctx context.Context, max int) ([]Contact, error)
	Close(ctx context.Context) error
}

// Factory creates a fresh handle for a tenant. Owned by the session
// registry; nothing else constructs handles.
type Factory interface {
	New(ctx context.Context, tenantID string) (Handle, error)
}
