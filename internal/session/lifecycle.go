package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/heraldhq/herald/internal/client"
	"github.com/heraldhq/herald/internal/clock"
	"github.com/heraldhq/herald/internal/driver"
	"github.com/heraldhq/herald/internal/model"
	"github.com/heraldhq/herald/internal/queue"
	"github.com/heraldhq/herald/internal/repo"
)

var (
	ErrPairingTimeout = errors.New("session: pairing timed out")
	ErrNotConnected   = errors.New("session: not connected")
)

// Lifecycle is the only component that mutates persisted session
// status. Every mutation also goes to the status sink, best effort.
type Lifecycle struct {
	registry *Registry
	sessions repo.SessionRepository
	contacts repo.ContactRepository
	audit    repo.AuditRepository
	producer queue.Producer
	sink     client.StatusSink
	clk      clock.Clock

	pollInterval time.Duration
	pollTimeout  time.Duration
	staleness    time.Duration

	log *slog.Logger
}

type LifecycleDeps struct {
	Registry *Registry
	Sessions repo.SessionRepository
	Contacts repo.ContactRepository
	Audit    repo.AuditRepository
	Producer queue.Producer
	Sink     client.StatusSink
	Clock    clock.Clock

	PollInterval time.Duration
	PollTimeout  time.Duration
	Staleness    time.Duration
}

func NewLifecycle(d LifecycleDeps) *Lifecycle {
	return &Lifecycle{
		registry:     d.Registry,
		sessions:     d.Sessions,
		contacts:     d.Contacts,
		audit:        d.Audit,
		producer:     d.Producer,
		sink:         d.Sink,
		clk:          d.Clock,
		pollInterval: d.PollInterval,
		pollTimeout:  d.PollTimeout,
		staleness:    d.Staleness,
		log:          slog.With("component", "lifecycle"),
	}
}

// RequestConnect persists needs_pairing, clears any previous error and
// enqueues the connect job.
func (l *Lifecycle) RequestConnect(ctx context.Context, tenantID string) error {
	if err := l.setStatus(ctx, tenantID, model.SessionNeedsPairing, nil, ""); err != nil {
		return err
	}
	return l.producer.Enqueue(ctx, queue.TopicConnectSession, queue.ConnectSession{TenantID: tenantID})
}

// RequestDisconnect enqueues the disconnect job.
func (l *Lifecycle) RequestDisconnect(ctx context.Context, tenantID string) error {
	return l.producer.Enqueue(ctx, queue.TopicDisconnectSession, queue.DisconnectSession{TenantID: tenantID})
}

// RequestSync enqueues a contact sync job. maxContacts <= 0 means no
// cap.
func (l *Lifecycle) RequestSync(ctx context.Context, tenantID string, maxContacts int) error {
	return l.producer.Enqueue(ctx, queue.TopicSyncContacts, queue.SyncContacts{TenantID: tenantID, MaxContacts: maxContacts})
}

// HandleConnect is the connect-job handler.
func (l *Lifecycle) HandleConnect(ctx context.Context, job queue.Job) error {
	var p queue.ConnectSession
	if err := job.Decode(&p); err != nil {
		l.log.Error("malformed connect payload", "job", job.ID, "err", err)
		return nil
	}

	h, err := l.registry.Acquire(ctx, p.TenantID)
	if err != nil {
		if setErr := l.setStatus(ctx, p.TenantID, model.SessionError, nil, err.Error()); setErr != nil {
			l.log.Error("persist session error failed", "tenant", p.TenantID, "err", setErr)
		}
		return err
	}

	st, err := h.DetectState(ctx)
	if err != nil {
		return l.probeFailed(ctx, p.TenantID, err)
	}

	switch st {
	case driver.StateConnected:
		return l.markConnected(ctx, p.TenantID)
	case driver.StateNeedsPairing:
		return l.pollPairing(ctx, p.TenantID, h)
	default:
		return l.probeFailed(ctx, p.TenantID, fmt.Errorf("client rendered neither chat list nor pairing code"))
	}
}

// pollPairing re-probes on a fixed interval until the user scans the
// code or the hard timeout passes, refreshing the persisted code every
// round because the client rotates it.
func (l *Lifecycle) pollPairing(ctx context.Context, tenantID string, h driver.Handle) error {
	deadline := l.clk.Now().Add(l.pollTimeout)

	for {
		code, err := h.CapturePairingCode(ctx)
		if err != nil {
			l.log.Warn("pairing code capture failed", "tenant", tenantID, "err", err)
		} else if len(code) > 0 {
			if err := l.setStatus(ctx, tenantID, model.SessionNeedsPairing, code, ""); err != nil {
				return err
			}
		}

		if err := l.clk.Sleep(ctx, l.pollInterval); err != nil {
			return err
		}

		st, err := h.DetectState(ctx)
		if err != nil {
			return l.probeFailed(ctx, tenantID, err)
		}
		if st == driver.StateConnected {
			return l.markConnected(ctx, tenantID)
		}

		if !l.clk.Now().Before(deadline) {
			if err := l.setStatus(ctx, tenantID, model.SessionNeedsPairing, nil, ErrPairingTimeout.Error()); err != nil {
				return err
			}
			l.appendAudit(ctx, tenantID, model.AuditPairingTimeout, "pairing window elapsed")
			l.log.Warn("pairing timed out", "tenant", tenantID, "timeout", l.pollTimeout)
			return nil
		}
	}
}

// HandleDisconnect is the disconnect-job handler. Idempotent.
func (l *Lifecycle) HandleDisconnect(ctx context.Context, job queue.Job) error {
	var p queue.DisconnectSession
	if err := job.Decode(&p); err != nil {
		l.log.Error("malformed disconnect payload", "job", job.ID, "err", err)
		return nil
	}

	l.registry.Release(ctx, p.TenantID)
	if err := l.setStatus(ctx, p.TenantID, model.SessionDisconnected, nil, ""); err != nil {
		return err
	}
	l.appendAudit(ctx, p.TenantID, model.AuditDisconnected, "")
	return nil
}

// HandleSyncContacts scrapes the client's chat list into the contact
// store.
func (l *Lifecycle) HandleSyncContacts(ctx context.Context, job queue.Job) error {
	var p queue.SyncContacts
	if err := job.Decode(&p); err != nil {
		l.log.Error("malformed sync payload", "job", job.ID, "err", err)
		return nil
	}

	h, err := l.registry.Acquire(ctx, p.TenantID)
	if err != nil {
		return err
	}
	st, err := h.DetectState(ctx)
	if err != nil {
		return l.probeFailed(ctx, p.TenantID, err)
	}
	if st != driver.StateConnected {
		return ErrNotConnected
	}

	scraped, err := h.ScrapeContacts(ctx, p.MaxContacts)
	if err != nil {
		return fmt.Errorf("scrape contacts for %s: %w", p.TenantID, err)
	}

	contacts := make([]model.Contact, 0, len(scraped))
	for _, c := range scraped {
		contacts = append(contacts, model.Contact{
			TenantID:    p.TenantID,
			DisplayName: c.Name,
			Phone:       c.Phone,
		})
	}
	written, err := l.contacts.UpsertScraped(ctx, p.TenantID, contacts)
	if err != nil {
		return err
	}

	l.appendAudit(ctx, p.TenantID, model.AuditContactsSynced, fmt.Sprintf("scraped=%d written=%d", len(scraped), written))
	l.log.Info("contacts synced", "tenant", p.TenantID, "scraped", len(scraped), "written", written)
	return nil
}

// AuditTick runs the periodic health audit: sessions persisted as
// connected but not seen within the staleness threshold are
// health-checked and demoted to needs_pairing when unhealthy.
func (l *Lifecycle) AuditTick(ctx context.Context) {
	cutoff := l.clk.Now().Add(-l.staleness)
	stale, err := l.sessions.ListStaleConnected(ctx, cutoff)
	if err != nil {
		l.log.Error("stale session scan failed", "err", err)
		return
	}

	for _, s := range stale {
		h, ok := l.registry.Peek(s.TenantID)
		if ok {
			healthy, err := h.CheckHealth(ctx)
			if err == nil && healthy {
				if err := l.sessions.TouchLastSeen(ctx, s.TenantID, l.clk.Now()); err != nil {
					l.log.Error("touch last seen failed", "tenant", s.TenantID, "err", err)
				}
				continue
			}
		}

		l.log.Warn("stale session demoted to needs_pairing", "tenant", s.TenantID, "had_handle", ok)
		if err := l.setStatus(ctx, s.TenantID, model.SessionNeedsPairing, nil, "session unhealthy, re-pairing required"); err != nil {
			l.log.Error("persist needs_pairing failed", "tenant", s.TenantID, "err", err)
			continue
		}
		l.registry.Release(ctx, s.TenantID)
	}
}

// ForcePairing is the recoverable-session path used by the dispatcher
// when a tenant turns out not to be usable for sending.
func (l *Lifecycle) ForcePairing(ctx context.Context, tenantID string, release bool, reason string) {
	if err := l.setStatus(ctx, tenantID, model.SessionNeedsPairing, nil, reason); err != nil {
		l.log.Error("persist needs_pairing failed", "tenant", tenantID, "err", err)
	}
	if release {
		l.registry.Release(ctx, tenantID)
	}
}

func (l *Lifecycle) markConnected(ctx context.Context, tenantID string) error {
	if err := l.setStatus(ctx, tenantID, model.SessionConnected, nil, ""); err != nil {
		return err
	}
	if err := l.sessions.TouchLastSeen(ctx, tenantID, l.clk.Now()); err != nil {
		return err
	}
	l.appendAudit(ctx, tenantID, model.AuditConnected, "")
	l.log.Info("session connected", "tenant", tenantID)
	return nil
}

func (l *Lifecycle) probeFailed(ctx context.Context, tenantID string, cause error) error {
	if err := l.setStatus(ctx, tenantID, model.SessionError, nil, cause.Error()); err != nil {
		l.log.Error("persist session error failed", "tenant", tenantID, "err", err)
	}
	l.registry.Release(ctx, tenantID)
	return cause
}

// setStatus persists the transition and notifies the sink. The sink is
// fire-and-forget: its failure is logged and swallowed.
func (l *Lifecycle) setStatus(ctx context.Context, tenantID string, status model.SessionStatus, pairingCode []byte, errMsg string) error {
	if err := l.sessions.SetStatus(ctx, tenantID, status, pairingCode, errMsg); err != nil {
		return err
	}
	if err := l.sink.UpdateSessionStatus(ctx, tenantID, status, client.StatusExtra{
		PairingCode:  pairingCode,
		ErrorMessage: errMsg,
	}); err != nil {
		l.log.Warn("status sink notify failed", "tenant", tenantID, "status", status, "err", err)
	}
	return nil
}

func (l *Lifecycle) appendAudit(ctx context.Context, tenantID string, kind model.AuditKind, detail string) {
	if err := l.audit.Append(ctx, model.AuditEntry{
		TenantID: tenantID,
		Kind:     kind,
		Detail:   detail,
	}); err != nil {
		l.log.Warn("audit append failed", "tenant", tenantID, "kind", kind, "err", err)
	}
}
