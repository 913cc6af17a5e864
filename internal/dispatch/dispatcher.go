// Package dispatch executes send-message jobs: it resolves the
// tenant's automation handle, attempts the send with image-to-text
// fallback, and owns all retry timing through persisted backoff plus
// delayed re-enqueue. UI flakiness is an expected failure mode here,
// not an exception.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/heraldhq/herald/internal/clock"
	"github.com/heraldhq/herald/internal/driver"
	"github.com/heraldhq/herald/internal/model"
	"github.com/heraldhq/herald/internal/queue"
	"github.com/heraldhq/herald/internal/repo"
)

var (
	ErrSessionNotReady = errors.New("dispatch: session not ready")
	ErrUnconfirmed     = errors.New("dispatch: send not confirmed")
)

// HandleSource is the slice of the session registry the dispatcher
// needs.
type HandleSource interface {
	Acquire(ctx context.Context, tenantID string) (driver.Handle, error)
	Release(ctx context.Context, tenantID string)
}

// SessionControl is the recoverable-session escape hatch: persisting
// needs_pairing stays the lifecycle manager's job even when the
// dispatcher discovers the problem.
type SessionControl interface {
	ForcePairing(ctx context.Context, tenantID string, release bool, reason string)
}

// MediaFetcher pulls campaign media into a scratch file the dispatcher
// must remove.
type MediaFetcher interface {
	Fetch(ctx context.Context, mediaURL string) (string, error)
}

type EvidenceSink interface {
	Put(png []byte) (string, error)
}

type Config struct {
	BackoffBase   time.Duration
	PacingMin     time.Duration
	PacingMax     time.Duration
	PacingPerSec  float64
	StrictConfirm bool
}

type Dispatcher struct {
	handles   HandleSource
	control   SessionControl
	messages  repo.MessageRepository
	campaigns repo.CampaignRepository
	audit     repo.AuditRepository
	producer  queue.Producer
	fetcher   MediaFetcher
	evidence  EvidenceSink
	clk       clock.Clock
	limiter   *rate.Limiter
	cfg       Config

	log *slog.Logger
}

type Deps struct {
	Handles   HandleSource
	Control   SessionControl
	Messages  repo.MessageRepository
	Campaigns repo.CampaignRepository
	Audit     repo.AuditRepository
	Producer  queue.Producer
	Fetcher   MediaFetcher
	Evidence  EvidenceSink
	Clock     clock.Clock
	Config    Config
}

func New(d Deps) *Dispatcher {
	perSec := d.Config.PacingPerSec
	if perSec <= 0 {
		perSec = 1
	}
	return &Dispatcher{
		handles:   d.Handles,
		control:   d.Control,
		messages:  d.Messages,
		campaigns: d.Campaigns,
		audit:     d.Audit,
		producer:  d.Producer,
		fetcher:   d.Fetcher,
		evidence:  d.Evidence,
		clk:       d.Clock,
		limiter:   rate.NewLimiter(rate.Limit(perSec), 1),
		cfg:       d.Config,
		log:       slog.With("component", "dispatch"),
	}
}

// attemptOutcome is what one automation attempt produced, before any
// persistence decision.
type attemptOutcome struct {
	fallbackUsed bool
	result       driver.SendResult
	err          error
}

// HandleSend is the message.send job handler.
func (d *Dispatcher) HandleSend(ctx context.Context, job queue.Job) error {
	var p queue.SendMessage
	if err := job.Decode(&p); err != nil {
		d.log.Error("malformed send payload", "job", job.ID, "err", err)
		return nil
	}

	// Claim before any automation call so a crash mid-send leaves a
	// retryable row, never a silently stuck one.
	attempts, ok, err := d.messages.MarkSending(ctx, p.MessageID)
	if err != nil {
		return err
	}
	if !ok {
		d.log.Info("send job dropped, message gone or terminal", "message", p.MessageID)
		return nil
	}

	msg, err := d.messages.GetByID(ctx, p.MessageID)
	if err != nil {
		return err
	}
	// The claim is re-entrant, so a duplicate delivery can push the
	// counter past the budget. Settle without another automation
	// attempt.
	msg.Attempts = attempts
	if attempts > msg.MaxAttempts {
		d.settleFailure(ctx, msg, "attempt budget exhausted", "")
		d.log.Error("message failed, attempt budget exhausted",
			"message", msg.ID, "attempts", attempts, "max", msg.MaxAttempts)
		return nil
	}

	// Unexpected panics still settle local bookkeeping before the
	// queue's own retry sees them.
	defer func() {
		if r := recover(); r != nil {
			d.settleFailure(ctx, msg, fmt.Sprintf("unexpected failure: %v", r), "")
			panic(r)
		}
	}()

	out := d.attempt(ctx, msg)

	if out.err == nil && d.cfg.StrictConfirm && !out.result.Confirmed {
		out.err = ErrUnconfirmed
	}

	if out.err == nil {
		if err := d.messages.MarkSent(ctx, msg.ID, d.clk.Now(), out.fallbackUsed); err != nil {
			return err
		}
		if msg.CampaignID != "" {
			if err := d.campaigns.IncrementSent(ctx, msg.CampaignID); err != nil {
				return err
			}
		}
		d.log.Info("message sent", "message", msg.ID, "tenant", msg.TenantID, "fallback", out.fallbackUsed)
	} else {
		evidenceRef := d.storeEvidence(out.result.EvidencePNG)
		if msg.Attempts < msg.MaxAttempts {
			delay := d.backoff(msg.Attempts)
			retryAt := d.clk.Now().Add(delay)
			if err := d.messages.MarkQueuedForRetry(ctx, msg.ID, retryAt, out.err.Error(), evidenceRef); err != nil {
				return err
			}
			if err := d.producer.EnqueueIn(ctx, queue.TopicSendMessage, p, delay); err != nil {
				return err
			}
			d.log.Warn("message retry scheduled",
				"message", msg.ID, "attempt", msg.Attempts, "max", msg.MaxAttempts, "delay", delay, "err", out.err)
		} else {
			if err := d.messages.MarkFailed(ctx, msg.ID, out.err.Error(), evidenceRef); err != nil {
				return err
			}
			if msg.CampaignID != "" {
				if err := d.campaigns.IncrementFailed(ctx, msg.CampaignID); err != nil {
					return err
				}
			}
			d.log.Error("message failed permanently",
				"message", msg.ID, "attempts", msg.Attempts, "err", out.err)
		}
	}

	if msg.CampaignID != "" {
		d.completeIfDone(ctx, msg.TenantID, msg.CampaignID)
	}

	d.pace(ctx)
	return nil
}

// attempt performs one automation attempt, including the image-to-text
// fallback ladder.
func (d *Dispatcher) attempt(ctx context.Context, msg *model.Message) attemptOutcome {
	h, err := d.handles.Acquire(ctx, msg.TenantID)
	if err != nil {
		return attemptOutcome{err: fmt.Errorf("%w: %v", ErrSessionNotReady, err)}
	}

	st, err := h.DetectState(ctx)
	if err != nil || st != driver.StateConnected {
		d.control.ForcePairing(ctx, msg.TenantID, false, "send attempted while not connected")
		return attemptOutcome{err: fmt.Errorf("%w: state=%s", ErrSessionNotReady, st)}
	}

	healthy, err := h.CheckHealth(ctx)
	if err != nil || !healthy {
		d.control.ForcePairing(ctx, msg.TenantID, true, "handle unhealthy before send")
		return attemptOutcome{err: fmt.Errorf("%w: unhealthy handle", ErrSessionNotReady)}
	}

	if msg.Type != model.MessageImage {
		res, err := h.SendText(ctx, msg.Recipient, msg.Body)
		return attemptOutcome{result: res, err: err}
	}
	return d.attemptImage(ctx, h, msg)
}

func (d *Dispatcher) attemptImage(ctx context.Context, h driver.Handle, msg *model.Message) attemptOutcome {
	path, fetchErr := d.fetcher.Fetch(ctx, msg.MediaURL)
	if fetchErr != nil {
		// Resource errors are not retried as fetches; the message still
		// goes out as text.
		d.log.Warn("media fetch failed, falling back to text",
			"message", msg.ID, "url", msg.MediaURL, "err", fetchErr)
		res, err := h.SendText(ctx, msg.Recipient, msg.FallbackText)
		return attemptOutcome{fallbackUsed: true, result: res, err: err}
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			d.log.Warn("scratch file cleanup failed", "path", path, "err", err)
		}
	}()

	res, err := h.SendImage(ctx, msg.Recipient, path, msg.Body)
	if err == nil {
		return attemptOutcome{result: res}
	}

	d.log.Warn("image send failed, falling back to text", "message", msg.ID, "err", err)
	res, err = h.SendText(ctx, msg.Recipient, msg.FallbackText)
	return attemptOutcome{fallbackUsed: true, result: res, err: err}
}

func (d *Dispatcher) storeEvidence(png []byte) string {
	if len(png) == 0 {
		return ""
	}
	ref, err := d.evidence.Put(png)
	if err != nil {
		d.log.Warn("evidence store failed", "err", err)
		return ""
	}
	return ref
}

// backoff returns base*2^attempts for the attempt count already
// persisted on the message.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	return d.cfg.BackoffBase * (1 << attempts)
}

// settleFailure is the panic path: terminal failure plus campaign
// counters, never skipped.
func (d *Dispatcher) settleFailure(ctx context.Context, msg *model.Message, reason, evidenceRef string) {
	if err := d.messages.MarkFailed(ctx, msg.ID, reason, evidenceRef); err != nil {
		d.log.Error("mark failed during unwind failed", "message", msg.ID, "err", err)
		return
	}
	if msg.CampaignID != "" {
		if err := d.campaigns.IncrementFailed(ctx, msg.CampaignID); err != nil {
			d.log.Error("failed-counter increment during unwind failed", "campaign", msg.CampaignID, "err", err)
		}
		d.completeIfDone(ctx, msg.TenantID, msg.CampaignID)
	}
}

func (d *Dispatcher) completeIfDone(ctx context.Context, tenantID, campaignID string) {
	done, err := d.campaigns.CompleteIfDone(ctx, campaignID)
	if err != nil {
		d.log.Error("campaign completion check failed", "campaign", campaignID, "err", err)
		return
	}
	if !done {
		return
	}
	d.log.Info("campaign completed", "campaign", campaignID)
	if err := d.audit.Append(ctx, model.AuditEntry{
		TenantID: tenantID,
		Kind:     model.AuditCampaignCompleted,
		Detail:   campaignID,
	}); err != nil {
		d.log.Warn("audit append failed", "campaign", campaignID, "err", err)
	}
}

// pace applies the second throttling layer, independent of the
// queue-level start delays: a process-wide rate floor plus a small
// randomized inter-message sleep.
func (d *Dispatcher) pace(ctx context.Context) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}
	span := d.cfg.PacingMax - d.cfg.PacingMin
	delay := d.cfg.PacingMin
	if span > 0 {
		delay += rand.N(span)
	}
	_ = d.clk.Sleep(ctx, delay)
}
