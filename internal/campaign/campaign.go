// Package campaign expands a campaign activation into per-contact send
// jobs. The orchestrator writes the queued message rows and schedules
// one job per recipient with a randomized start delay; from that point
// on the dispatch pipeline owns every message.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/heraldhq/herald/internal/clock"
	"github.com/heraldhq/herald/internal/model"
	"github.com/heraldhq/herald/internal/queue"
	"github.com/heraldhq/herald/internal/repo"
)

var (
	ErrNotStartable        = errors.New("campaign: not in a startable status")
	ErrNotRunning          = errors.New("campaign: not running")
	ErrSessionNotConnected = errors.New("campaign: tenant session not connected")
	ErrNoRecipients        = errors.New("campaign: no eligible recipients")
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Render substitutes named {placeholder} tokens with contact values.
// {name} resolves to the display name, anything else to the contact's
// custom fields. Unknown placeholders render as empty strings so one
// sparse contact never blocks a whole campaign.
func Render(template string, contact model.Contact) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(tok string) string {
		key := tok[1 : len(tok)-1]
		if key == "name" {
			return contact.DisplayName
		}
		return contact.Fields[key]
	})
}

type Orchestrator struct {
	campaigns repo.CampaignRepository
	messages  repo.MessageRepository
	contacts  repo.ContactRepository
	sessions  repo.SessionRepository
	audit     repo.AuditRepository
	producer  queue.Producer
	clk       clock.Clock

	defaultMaxAttempts int

	log *slog.Logger
}

type Deps struct {
	Campaigns repo.CampaignRepository
	Messages  repo.MessageRepository
	Contacts  repo.ContactRepository
	Sessions  repo.SessionRepository
	Audit     repo.AuditRepository
	Producer  queue.Producer
	Clock     clock.Clock

	// DefaultMaxAttempts applies to campaigns created without an
	// explicit attempt cap.
	DefaultMaxAttempts int
}

func New(d Deps) *Orchestrator {
	maxAttempts := d.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Orchestrator{
		campaigns:          d.Campaigns,
		messages:           d.Messages,
		contacts:           d.Contacts,
		sessions:           d.Sessions,
		audit:              d.Audit,
		producer:           d.Producer,
		clk:                d.Clock,
		defaultMaxAttempts: maxAttempts,
		log:                slog.With("component", "campaign"),
	}
}

// Start activates a campaign. A fresh (draft or scheduled) campaign
// freezes its eligible recipient set, flips to running and gets one
// send job per contact with a start delay sampled uniformly from the
// throttle bounds. A paused campaign resumes instead: only the
// messages its pause cancelled go back to queued, so counters, total
// and already-delivered recipients are untouched. Returns the number
// of jobs scheduled.
func (o *Orchestrator) Start(ctx context.Context, campaignID string) (int, error) {
	c, err := o.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	if !c.Status.Startable() {
		return 0, fmt.Errorf("%w: status=%s", ErrNotStartable, c.Status)
	}

	sess, err := o.sessions.GetByTenant(ctx, c.TenantID)
	if err != nil {
		return 0, fmt.Errorf("load session for %s: %w", c.TenantID, err)
	}
	if sess.Status != model.SessionConnected {
		return 0, fmt.Errorf("%w: status=%s", ErrSessionNotConnected, sess.Status)
	}

	if c.Status == model.CampaignPaused {
		return o.resume(ctx, c)
	}

	eligible, err := o.contacts.ListEligible(ctx, c.TenantID, c.TagFilter)
	if err != nil {
		return 0, fmt.Errorf("list eligible contacts: %w", err)
	}
	if len(eligible) == 0 {
		return 0, ErrNoRecipients
	}

	now := o.clk.Now()
	ok, err := o.campaigns.MarkRunning(ctx, campaignID, len(eligible), now)
	if err != nil {
		return 0, fmt.Errorf("mark running: %w", err)
	}
	if !ok {
		// Lost a start race; the winner already froze the recipient set.
		return 0, fmt.Errorf("%w: concurrent activation", ErrNotStartable)
	}

	scheduled := 0
	for _, contact := range eligible {
		if err := o.scheduleOne(ctx, c, contact, now); err != nil {
			// Scheduled rows are real; shrink total to them so the
			// aggregate can still terminate.
			o.reconcileTotal(ctx, c.ID, scheduled)
			return scheduled, fmt.Errorf("schedule contact %s: %w", contact.ID, err)
		}
		scheduled++
	}

	o.appendAudit(ctx, c.TenantID, model.AuditCampaignStarted, campaignID)
	o.log.Info("campaign started",
		"campaign", campaignID, "tenant", c.TenantID, "recipients", scheduled)
	return scheduled, nil
}

// resume flips paused back to running and re-schedules exactly the
// messages the pause cancelled.
func (o *Orchestrator) resume(ctx context.Context, c *model.Campaign) (int, error) {
	ok, err := o.campaigns.UpdateStatusIf(ctx, c.ID, model.CampaignPaused, model.CampaignRunning)
	if err != nil {
		return 0, fmt.Errorf("resume campaign: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: concurrent activation", ErrNotStartable)
	}

	msgs, err := o.messages.RequeueCancelled(ctx, c.ID)
	if err != nil {
		return 0, fmt.Errorf("requeue cancelled messages: %w", err)
	}

	scheduled := 0
	for i := range msgs {
		if err := o.producer.EnqueueIn(ctx, queue.TopicSendMessage, sendPayload(&msgs[i]), o.startDelay(c)); err != nil {
			return scheduled, fmt.Errorf("re-schedule message %s: %w", msgs[i].ID, err)
		}
		scheduled++
	}
	if scheduled == 0 {
		// Everything reached a terminal status before the pause landed;
		// nothing will trigger the dispatcher's completion check again.
		o.completeIfDone(ctx, c.ID)
	}

	o.appendAudit(ctx, c.TenantID, model.AuditCampaignStarted, c.ID)
	o.log.Info("campaign resumed",
		"campaign", c.ID, "tenant", c.TenantID, "requeued", scheduled)
	return scheduled, nil
}

func (o *Orchestrator) scheduleOne(ctx context.Context, c *model.Campaign, contact model.Contact, now time.Time) error {
	body := Render(c.Template, contact)
	fallback := body
	if c.Type == model.MessageImage {
		// Pre-rendered so the dispatch fallback path needs no campaign
		// lookup.
		fallback = body + " " + c.MediaURL
	}

	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.defaultMaxAttempts
	}
	msg := &model.Message{
		ID:           uuid.NewString(),
		TenantID:     c.TenantID,
		CampaignID:   c.ID,
		ContactID:    contact.ID,
		Recipient:    contact.Phone,
		Type:         c.Type,
		Body:         body,
		MediaURL:     c.MediaURL,
		FallbackText: fallback,
		Status:       model.MessageQueued,
		MaxAttempts:  maxAttempts,
		QueuedAt:     now,
	}
	if err := o.messages.Create(ctx, msg); err != nil {
		return err
	}
	return o.producer.EnqueueIn(ctx, queue.TopicSendMessage, sendPayload(msg), o.startDelay(c))
}

func sendPayload(m *model.Message) queue.SendMessage {
	return queue.SendMessage{
		MessageID:    m.ID,
		TenantID:     m.TenantID,
		Recipient:    m.Recipient,
		Type:         m.Type,
		BodyText:     m.Body,
		MediaURL:     m.MediaURL,
		FallbackText: m.FallbackText,
	}
}

func (o *Orchestrator) reconcileTotal(ctx context.Context, campaignID string, scheduled int) {
	if err := o.campaigns.ReconcileTotal(ctx, campaignID, scheduled); err != nil {
		o.log.Error("total reconcile failed", "campaign", campaignID, "err", err)
		return
	}
	if scheduled == 0 {
		o.completeIfDone(ctx, campaignID)
	}
}

func (o *Orchestrator) completeIfDone(ctx context.Context, campaignID string) {
	done, err := o.campaigns.CompleteIfDone(ctx, campaignID)
	if err != nil {
		o.log.Error("campaign completion check failed", "campaign", campaignID, "err", err)
		return
	}
	if done {
		o.log.Info("campaign completed", "campaign", campaignID)
	}
}

// startDelay samples the campaign throttle bounds uniformly.
func (o *Orchestrator) startDelay(c *model.Campaign) time.Duration {
	delay := c.MinDelay
	if span := c.MaxDelay - c.MinDelay; span > 0 {
		delay += rand.N(span)
	}
	return delay
}

// Pause stops a running campaign: queued messages are cancelled so
// their jobs drop on arrival, while in-flight sends finish on their
// own. Returns how many messages were cancelled.
func (o *Orchestrator) Pause(ctx context.Context, campaignID string) (int64, error) {
	c, err := o.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	ok, err := o.campaigns.UpdateStatusIf(ctx, campaignID, model.CampaignRunning, model.CampaignPaused)
	if err != nil {
		return 0, fmt.Errorf("pause campaign: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: status=%s", ErrNotRunning, c.Status)
	}

	cancelled, err := o.messages.CancelQueuedByCampaign(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("cancel queued messages: %w", err)
	}

	o.appendAudit(ctx, c.TenantID, model.AuditCampaignPaused, campaignID)
	o.log.Info("campaign paused",
		"campaign", campaignID, "tenant", c.TenantID, "cancelled", cancelled)
	return cancelled, nil
}

func (o *Orchestrator) appendAudit(ctx context.Context, tenantID string, kind model.AuditKind, detail string) {
	if err := o.audit.Append(ctx, model.AuditEntry{
		TenantID: tenantID,
		Kind:     kind,
		Detail:   detail,
	}); err != nil {
		o.log.Warn("audit append failed", "tenant", tenantID, "kind", kind, "err", err)
	}
}
