package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/heraldhq/herald/internal/model"
)

type PostgresCampaignRepo struct {
	db *sql.DB
}

func NewPostgresCampaignRepo(db *sql.DB) *PostgresCampaignRepo {
	return &PostgresCampaignRepo{db: db}
}

func (r *PostgresCampaignRepo) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	var (
		c          model.Campaign
		cType      string
		status     string
		tagsRaw    []byte
		minDelayMs int64
		maxDelayMs int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, type, template, media_url, tag_filter,
		       min_delay_ms, max_delay_ms, max_attempts, status,
		       total_recipients, sent_count, failed_count, started_at, created_at
		FROM campaigns
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.TenantID, &cType, &c.Template, &c.MediaURL, &tagsRaw,
		&minDelayMs, &maxDelayMs, &c.MaxAttempts, &status,
		&c.Total, &c.SentCount, &c.FailedCount, &c.StartedAt, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Type = model.MessageType(cType)
	c.Status = model.CampaignStatus(status)
	c.MinDelay = time.Duration(minDelayMs) * time.Millisecond
	c.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
	if len(tagsRaw) > 0 {
		if err := json.Unmarshal(tagsRaw, &c.TagFilter); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (r *PostgresCampaignRepo) MarkRunning(ctx context.Context, id string, total int, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'running',
		    total_recipients = $2,
		    started_at = $3
		WHERE id = $1
		  AND status IN ('draft', 'scheduled')
	`, id, total, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresCampaignRepo) ReconcileTotal(ctx context.Context, id string, total int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET total_recipients = $2
		WHERE id = $1
		  AND status = 'running'
	`, id, total)
	return err
}

func (r *PostgresCampaignRepo) UpdateStatusIf(ctx context.Context, id string, from, to model.CampaignStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $3
		WHERE id = $1
		  AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresCampaignRepo) IncrementSent(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET sent_count = sent_count + 1 WHERE id = $1
	`, id)
	return err
}

func (r *PostgresCampaignRepo) IncrementFailed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET failed_count = failed_count + 1 WHERE id = $1
	`, id)
	return err
}

func (r *PostgresCampaignRepo) CompleteIfDone(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'completed'
		WHERE id = $1
		  AND status = 'running'
		  AND sent_count + failed_count >= total_recipients
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
