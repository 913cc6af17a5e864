package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/heraldhq/herald/internal/model"
)

type PostgresMessageRepo struct {
	db *sql.DB
}

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

func (r *PostgresMessageRepo) Create(ctx context.Context, m *model.Message) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, tenant_id, campaign_id, contact_id, recipient, type,
			body, media_url, fallback_text, fallback_used,
			status, error_message, evidence_ref,
			attempts, max_attempts, next_retry_at, queued_at, sent_at
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17, $18)
	`,
		m.ID, m.TenantID, m.CampaignID, m.ContactID, m.Recipient, string(m.Type),
		m.Body, m.MediaURL, m.FallbackText, m.FallbackUsed,
		string(m.Status), m.ErrorMessage, m.EvidenceRef,
		m.Attempts, m.MaxAttempts, m.NextRetryAt, m.QueuedAt.UTC(), m.SentAt,
	)
	return err
}

func (r *PostgresMessageRepo) GetByID(ctx context.Context, id string) (*model.Message, error) {
	var (
		m          model.Message
		campaignID sql.NullString
		contactID  sql.NullString
		status     string
		msgType    string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, campaign_id, contact_id, recipient, type,
		       body, media_url, fallback_text, fallback_used,
		       status, error_message, evidence_ref,
		       attempts, max_attempts, next_retry_at, queued_at, sent_at
		FROM messages
		WHERE id = $1
	`, id).Scan(
		&m.ID, &m.TenantID, &campaignID, &contactID, &m.Recipient, &msgType,
		&m.Body, &m.MediaURL, &m.FallbackText, &m.FallbackUsed,
		&status, &m.ErrorMessage, &m.EvidenceRef,
		&m.Attempts, &m.MaxAttempts, &m.NextRetryAt, &m.QueuedAt, &m.SentAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.CampaignID = campaignID.String
	m.ContactID = contactID.String
	m.Status = model.MessageStatus(status)
	m.Type = model.MessageType(msgType)
	return &m, nil
}

func (r *PostgresMessageRepo) MarkSending(ctx context.Context, id string) (int, bool, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx, `
		UPDATE messages
		SET status = 'sending',
		    attempts = attempts + 1,
		    next_retry_at = NULL
		WHERE id = $1
		  AND status IN ('queued', 'sending')
		RETURNING attempts
	`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return attempts, true, nil
}

func (r *PostgresMessageRepo) MarkSent(ctx context.Context, id string, sentAt time.Time, fallbackUsed bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'sent',
		    sent_at = $2,
		    fallback_used = $3,
		    error_message = ''
		WHERE id = $1
		  AND status = 'sending'
	`, id, sentAt.UTC(), fallbackUsed)
	return err
}

func (r *PostgresMessageRepo) MarkFailed(ctx context.Context, id string, errMsg, evidenceRef string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'failed',
		    error_message = $2,
		    evidence_ref = $3,
		    next_retry_at = NULL
		WHERE id = $1
		  AND status = 'sending'
	`, id, errMsg, evidenceRef)
	return err
}

func (r *PostgresMessageRepo) MarkQueuedForRetry(ctx context.Context, id string, nextRetryAt time.Time, errMsg, evidenceRef string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'queued',
		    next_retry_at = $2,
		    error_message = $3,
		    evidence_ref = $4
		WHERE id = $1
		  AND status = 'sending'
	`, id, nextRetryAt.UTC(), errMsg, evidenceRef)
	return err
}

func (r *PostgresMessageRepo) CancelQueuedByCampaign(ctx context.Context, campaignID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'cancelled',
		    next_retry_at = NULL
		WHERE campaign_id = $1
		  AND status = 'queued'
	`, campaignID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresMessageRepo) RequeueCancelled(ctx context.Context, campaignID string) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE messages
		SET status = 'queued'
		WHERE campaign_id = $1
		  AND status = 'cancelled'
		RETURNING id, tenant_id, contact_id, recipient, type,
		          body, media_url, fallback_text
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m         model.Message
			contactID sql.NullString
			msgType   string
		)
		if err := rows.Scan(
			&m.ID, &m.TenantID, &contactID, &m.Recipient, &msgType,
			&m.Body, &m.MediaURL, &m.FallbackText,
		); err != nil {
			return nil, err
		}
		m.CampaignID = campaignID
		m.ContactID = contactID.String
		m.Type = model.MessageType(msgType)
		m.Status = model.MessageQueued
		out = append(out, m)
	}
	return out, rows.Err()
}
