// Package repo defines the persistence interfaces the core depends on
// and their Postgres implementations. Persisted rows are the source of
// truth; every mutation is a narrow, status-conditioned update so
// concurrent job executions cannot lose writes.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/heraldhq/herald/internal/model"
)

var ErrNotFound = errors.New("repo: not found")

type SessionRepository interface {
	GetByTenant(ctx context.Context, tenantID string) (*model.Session, error)
	// SetStatus overwrites status, pairing code and error message in one
	// write. A nil pairingCode clears the stored code.
	SetStatus(ctx context.Context, tenantID string, status model.SessionStatus, pairingCode []byte, errMsg string) error
	TouchLastSeen(ctx context.Context, tenantID string, at time.Time) error
	// ListStaleConnected returns sessions persisted as connected whose
	// last_seen_at is older than the cutoff (or never set).
	ListStaleConnected(ctx context.Context, cutoff time.Time) ([]model.Session, error)
}

type MessageRepository interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	// MarkSending flips queued|sending -> sending and increments
	// attempts, returning the post-increment attempt count. The claim
	// stays re-entrant for crash recovery, so duplicate deliveries can
	// both land it; the caller must treat attempts > max as already
	// exhausted. Returns false when the row is missing or already
	// terminal (e.g. cancelled by a campaign pause), in which case the
	// job must be dropped.
	MarkSending(ctx context.Context, id string) (int, bool, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time, fallbackUsed bool) error
	MarkFailed(ctx context.Context, id string, errMsg, evidenceRef string) error
	// MarkQueuedForRetry returns the message to queued with backoff
	// metadata; only valid from sending.
	MarkQueuedForRetry(ctx context.Context, id string, nextRetryAt time.Time, errMsg, evidenceRef string) error
	// CancelQueuedByCampaign cancels every still-queued message of a
	// campaign and reports how many rows changed.
	CancelQueuedByCampaign(ctx context.Context, campaignID string) (int64, error)
	// RequeueCancelled returns a paused campaign's cancelled messages
	// to queued and yields the rows so their jobs can be re-scheduled.
	// Attempt counts and errors are preserved.
	RequeueCancelled(ctx context.Context, campaignID string) ([]model.Message, error)
}

type CampaignRepository interface {
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	// MarkRunning transitions a fresh (draft or scheduled) campaign to
	// running, stamping started_at and the total recipient count.
	// Paused campaigns resume through UpdateStatusIf so their counters
	// and total survive. Returns false when no row matched.
	MarkRunning(ctx context.Context, id string, total int, at time.Time) (bool, error)
	// ReconcileTotal shrinks a running campaign's total after a partial
	// expansion so the aggregate can still terminate.
	ReconcileTotal(ctx context.Context, id string, total int) error
	// UpdateStatusIf performs a conditioned transition and reports
	// whether a row changed.
	UpdateStatusIf(ctx context.Context, id string, from, to model.CampaignStatus) (bool, error)
	IncrementSent(ctx context.Context, id string) error
	IncrementFailed(ctx context.Context, id string) error
	// CompleteIfDone marks a running campaign completed once
	// sent+failed >= total. Safe to call after every terminal outcome.
	CompleteIfDone(ctx context.Context, id string) (bool, error)
}

type ContactRepository interface {
	// ListEligible returns non-opted-out contacts of a tenant,
	// restricted to those carrying at least one of tags when non-empty.
	ListEligible(ctx context.Context, tenantID string, tags []string) ([]model.Contact, error)
	// UpsertScraped stores contacts discovered by a sync job, keyed by
	// (tenant, phone), and reports how many rows were written.
	UpsertScraped(ctx context.Context, tenantID string, contacts []model.Contact) (int, error)
}

type AuditRepository interface {
	Append(ctx context.Context, e model.AuditEntry) error
}
