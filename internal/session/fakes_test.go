package session

import (
	"context"
	"sync"
	"time"

	"github.com/heraldhq/herald/internal/client"
	"github.com/heraldhq/herald/internal/driver"
	"github.com/heraldhq/herald/internal/model"
	"github.com/heraldhq/herald/internal/queue"
)

type fakeHandle struct {
	mu sync.Mutex

	states    []driver.State // consumed one per DetectState call; last repeats
	stateIdx  int
	detectErr error

	code       []byte
	captureErr error

	healthy bool
	closed  bool

	contacts []driver.Contact
}

func (h *fakeHandle) DetectState(ctx context.Context) (driver.State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.detectErr != nil {
		return driver.StateError, h.detectErr
	}
	if len(h.states) == 0 {
		return driver.StateConnected, nil
	}
	st := h.states[h.stateIdx]
	if h.stateIdx < len(h.states)-1 {
		h.stateIdx++
	}
	return st, nil
}

func (h *fakeHandle) CapturePairingCode(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code, h.captureErr
}

func (h *fakeHandle) WaitForPairing(ctx context.Context, timeout time.Duration) (bool, error) {
	st, err := h.DetectState(ctx)
	return st == driver.StateConnected, err
}

func (h *fakeHandle) CheckHealth(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy, nil
}

func (h *fakeHandle) SendText(ctx context.Context, recipient, text string) (driver.SendResult, error) {
	return driver.SendResult{Confirmed: true}, nil
}

func (h *fakeHandle) SendImage(ctx context.Context, recipient, localPath, caption string) (driver.SendResult, error) {
	return driver.SendResult{Confirmed: true}, nil
}

func (h *fakeHandle) ScrapeContacts(ctx context.Context, max int) ([]driver.Contact, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if max > 0 && max < len(h.contacts) {
		return h.contacts[:max], nil
	}
	return h.contacts, nil
}

func (h *fakeHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	handles []*fakeHandle // returned in order; last repeats
	idx     int
	calls   int
	err     error
	delay   time.Duration // real sleep inside New, for racing acquires
}

func (f *fakeFactory) New(ctx context.Context, tenantID string) (driver.Handle, error) {
	f.mu.Lock()
	f.calls++
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.handles) == 0 {
		return &fakeHandle{}, nil
	}
	h := f.handles[f.idx]
	if f.idx < len(f.handles)-1 {
		f.idx++
	}
	return h, nil
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*model.Session)}
}

func (r *fakeSessionRepo) get(tenantID string) *model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tenantID]
	if !ok {
		s = &model.Session{TenantID: tenantID, Status: model.SessionDisconnected}
		r.sessions[tenantID] = s
	}
	return s
}

func (r *fakeSessionRepo) GetByTenant(ctx context.Context, tenantID string) (*model.Session, error) {
	s := *r.get(tenantID)
	return &s, nil
}

func (r *fakeSessionRepo) SetStatus(ctx context.Context, tenantID string, status model.SessionStatus, pairingCode []byte, errMsg string) error {
	s := r.get(tenantID)
	r.mu.Lock()
	defer r.mu.Unlock()
	s.Status = status
	s.PairingCode = pairingCode
	s.ErrorMessage = errMsg
	return nil
}

func (r *fakeSessionRepo) TouchLastSeen(ctx context.Context, tenantID string, at time.Time) error {
	s := r.get(tenantID)
	r.mu.Lock()
	defer r.mu.Unlock()
	s.LastSeenAt = &at
	return nil
}

func (r *fakeSessionRepo) ListStaleConnected(ctx context.Context, cutoff time.Time) ([]model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Session
	for _, s := range r.sessions {
		if s.Status != model.SessionConnected {
			continue
		}
		if s.LastSeenAt == nil || s.LastSeenAt.Before(cutoff) {
			out = append(out, *s)
		}
	}
	return out, nil
}

type fakeContactRepo struct {
	mu       sync.Mutex
	eligible []model.Contact
	upserted []model.Contact
}

func (r *fakeContactRepo) ListEligible(ctx context.Context, tenantID string, tags []string) ([]model.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eligible, nil
}

func (r *fakeContactRepo) UpsertScraped(ctx context.Context, tenantID string, contacts []model.Contact) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserted = append(r.upserted, contacts...)
	return len(contacts), nil
}

type fakeAuditRepo struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (r *fakeAuditRepo) Append(ctx context.Context, e model.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *fakeAuditRepo) kinds() []model.AuditKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AuditKind, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Kind
	}
	return out
}

type enqueued struct {
	topic   queue.Topic
	payload any
	delay   time.Duration
}

type fakeProducer struct {
	mu   sync.Mutex
	jobs []enqueued
}

func (p *fakeProducer) Enqueue(ctx context.Context, topic queue.Topic, payload any) error {
	return p.EnqueueIn(ctx, topic, payload, 0)
}

func (p *fakeProducer) EnqueueIn(ctx context.Context, topic queue.Topic, payload any, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, enqueued{topic: topic, payload: payload, delay: delay})
	return nil
}

func (p *fakeProducer) all() []enqueued {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]enqueued, len(p.jobs))
	copy(out, p.jobs)
	return out
}

type sinkCall struct {
	tenantID string
	status   model.SessionStatus
	extra    client.StatusExtra
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
}

func (s *recordingSink) UpdateSessionStatus(ctx context.Context, tenantID string, status model.SessionStatus, extra client.StatusExtra) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{tenantID: tenantID, status: status, extra: extra})
	return s.err
}

func (s *recordingSink) all() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkCall, len(s.calls))
	copy(out, s.calls)
	return out
}
