package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/heraldhq/herald/internal/driver"
	"github.com/heraldhq/herald/internal/model"
	"github.com/heraldhq/herald/internal/queue"
)

type textSend struct {
	recipient string
	text      string
}

type imageSend struct {
	recipient string
	path      string
	caption   string
}

type fakeHandle struct {
	mu sync.Mutex

	state     driver.State
	healthy   bool
	textRes   driver.SendResult
	textErr   error
	imageRes  driver.SendResult
	imageErr  error
	textSent  []textSend
	imageSent []imageSend
}

func newConnectedHandle() *fakeHandle {
	return &fakeHandle{
		state:    driver.StateConnected,
		healthy:  true,
		textRes:  driver.SendResult{Confirmed: true},
		imageRes: driver.SendResult{Confirmed: true},
	}
}

func (h *fakeHandle) DetectState(ctx context.Context) (driver.State, error) {
	return h.state, nil
}

func (h *fakeHandle) CapturePairingCode(ctx context.Context) ([]byte, error) { return nil, nil }

func (h *fakeHandle) WaitForPairing(ctx context.Context, timeout time.Duration) (bool, error) {
	return h.state == driver.StateConnected, nil
}

func (h *fakeHandle) CheckHealth(ctx context.Context) (bool, error) { return h.healthy, nil }

func (h *fakeHandle) SendText(ctx context.Context, recipient, text string) (driver.SendResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.textSent = append(h.textSent, textSend{recipient: recipient, text: text})
	return h.textRes, h.textErr
}

func (h *fakeHandle) SendImage(ctx context.Context, recipient, localPath, caption string) (driver.SendResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.imageSent = append(h.imageSent, imageSend{recipient: recipient, path: localPath, caption: caption})
	return h.imageRes, h.imageErr
}

func (h *fakeHandle) ScrapeContacts(ctx context.Context, max int) ([]driver.Contact, error) {
	return nil, nil
}

func (h *fakeHandle) Close(ctx context.Context) error { return nil }

type fakeHandleSource struct {
	handle     *fakeHandle
	acquireErr error
	released   []string
}

func (s *fakeHandleSource) Acquire(ctx context.Context, tenantID string) (driver.Handle, error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	return s.handle, nil
}

func (s *fakeHandleSource) Release(ctx context.Context, tenantID string) {
	s.released = append(s.released, tenantID)
}

type pairingCall struct {
	tenantID string
	release  bool
	reason   string
}

type fakeControl struct {
	calls []pairingCall
}

func (c *fakeControl) ForcePairing(ctx context.Context, tenantID string, release bool, reason string) {
	c.calls = append(c.calls, pairingCall{tenantID: tenantID, release: release, reason: reason})
}

type fakeMessageRepo struct {
	mu   sync.Mutex
	msgs map[string]*model.Message
	// trail records every status a message passed through.
	trail map[string][]model.MessageStatus
}

func newFakeMessageRepo(msgs ...*model.Message) *fakeMessageRepo {
	r := &fakeMessageRepo{
		msgs:  make(map[string]*model.Message),
		trail: make(map[string][]model.MessageStatus),
	}
	for _, m := range msgs {
		r.msgs[m.ID] = m
		r.trail[m.ID] = []model.MessageStatus{m.Status}
	}
	return r
}

func (r *fakeMessageRepo) Create(ctx context.Context, m *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.msgs[m.ID] = &cp
	r.trail[m.ID] = []model.MessageStatus{m.Status}
	return nil
}

func (r *fakeMessageRepo) GetByID(ctx context.Context, id string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.msgs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *m
	return &cp, nil
}

func (r *fakeMessageRepo) setStatus(id string, st model.MessageStatus) {
	r.msgs[id].Status = st
	r.trail[id] = append(r.trail[id], st)
}

func (r *fakeMessageRepo) MarkSending(ctx context.Context, id string) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.msgs[id]
	if !ok || m.Status.Terminal() {
		return 0, false, nil
	}
	m.Attempts++
	m.NextRetryAt = nil
	r.setStatus(id, model.MessageSending)
	return m.Attempts, true, nil
}

func (r *fakeMessageRepo) MarkSent(ctx context.Context, id string, sentAt time.Time, fallbackUsed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.msgs[id]
	m.SentAt = &sentAt
	m.FallbackUsed = fallbackUsed
	m.ErrorMessage = ""
	r.setStatus(id, model.MessageSent)
	return nil
}

func (r *fakeMessageRepo) MarkFailed(ctx context.Context, id string, errMsg, evidenceRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.msgs[id]
	m.ErrorMessage = errMsg
	m.EvidenceRef = evidenceRef
	m.NextRetryAt = nil
	r.setStatus(id, model.MessageFailed)
	return nil
}

func (r *fakeMessageRepo) MarkQueuedForRetry(ctx context.Context, id string, nextRetryAt time.Time, errMsg, evidenceRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.msgs[id]
	m.NextRetryAt = &nextRetryAt
	m.ErrorMessage = errMsg
	m.EvidenceRef = evidenceRef
	r.setStatus(id, model.MessageQueued)
	return nil
}

func (r *fakeMessageRepo) CancelQueuedByCampaign(ctx context.Context, campaignID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, m := range r.msgs {
		if m.CampaignID == campaignID && m.Status == model.MessageQueued {
			r.setStatus(id, model.MessageCancelled)
			n++
		}
	}
	return n, nil
}

func (r *fakeMessageRepo) RequeueCancelled(ctx context.Context, campaignID string) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	for id, m := range r.msgs {
		if m.CampaignID == campaignID && m.Status == model.MessageCancelled {
			r.setStatus(id, model.MessageQueued)
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *fakeMessageRepo) get(id string) model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.msgs[id]
}

func (r *fakeMessageRepo) statusTrail(id string) []model.MessageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.MessageStatus, len(r.trail[id]))
	copy(out, r.trail[id])
	return out
}

type fakeCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign
}

func newFakeCampaignRepo(cs ...*model.Campaign) *fakeCampaignRepo {
	r := &fakeCampaignRepo{campaigns: make(map[string]*model.Campaign)}
	for _, c := range cs {
		r.campaigns[c.ID] = c
	}
	return r
}

func (r *fakeCampaignRepo) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *c
	return &cp, nil
}

func (r *fakeCampaignRepo) MarkRunning(ctx context.Context, id string, total int, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.campaigns[id]
	if c.Status != model.CampaignDraft && c.Status != model.CampaignScheduled {
		return false, nil
	}
	c.Status = model.CampaignRunning
	c.Total = total
	c.StartedAt = &at
	return true, nil
}

func (r *fakeCampaignRepo) ReconcileTotal(ctx context.Context, id string, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.campaigns[id]; ok && c.Status == model.CampaignRunning {
		c.Total = total
	}
	return nil
}

func (r *fakeCampaignRepo) UpdateStatusIf(ctx context.Context, id string, from, to model.CampaignStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	return true, nil
}

func (r *fakeCampaignRepo) IncrementSent(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.campaigns[id]; ok {
		c.SentCount++
	}
	return nil
}

func (r *fakeCampaignRepo) IncrementFailed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.campaigns[id]; ok {
		c.FailedCount++
	}
	return nil
}

func (r *fakeCampaignRepo) CompleteIfDone(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.Status != model.CampaignRunning {
		return false, nil
	}
	if c.SentCount+c.FailedCount < c.Total {
		return false, nil
	}
	c.Status = model.CampaignCompleted
	return true, nil
}

func (r *fakeCampaignRepo) get(id string) model.Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.campaigns[id]
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

type fakeFetcher struct {
	path string
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, mediaURL string) (string, error) {
	return f.path, f.err
}

type fakeEvidence struct {
	mu   sync.Mutex
	refs []string
}

func (e *fakeEvidence) Put(png []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ref := "evidence-" + string(rune('a'+len(e.refs)))
	e.refs = append(e.refs, ref)
	return ref, nil
}
