package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/heraldhq/herald/internal/model"
)

type PostgresSessionRepo struct {
	db *sql.DB
}

func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

func (r *PostgresSessionRepo) GetByTenant(ctx context.Context, tenantID string) (*model.Session, error) {
	var (
		s      model.Session
		status string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, status, pairing_code, last_seen_at, error_message, updated_at
		FROM sessions
		WHERE tenant_id = $1
	`, tenantID).Scan(
		&s.TenantID,
		&status,
		&s.PairingCode,
		&s.LastSeenAt,
		&s.ErrorMessage,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	return &s, nil
}

func (r *PostgresSessionRepo) SetStatus(ctx context.Context, tenantID string, status model.SessionStatus, pairingCode []byte, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2,
		    pairing_code = $3,
		    error_message = $4,
		    updated_at = now()
		WHERE tenant_id = $1
	`, tenantID, string(status), pairingCode, errMsg)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSessionRepo) TouchLastSeen(ctx context.Context, tenantID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET last_seen_at = $2,
		    updated_at = now()
		WHERE tenant_id = $1
	`, tenantID, at.UTC())
	return err
}

func (r *PostgresSessionRepo) ListStaleConnected(ctx context.Context, cutoff time.Time) ([]model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, status, pairing_code, last_seen_at, error_message, updated_at
		FROM sessions
		WHERE status = 'connected'
		  AND (last_seen_at IS NULL OR last_seen_at < $1)
		ORDER BY tenant_id ASC
	`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var (
			s      model.Session
			status string
		)
		if err := rows.Scan(
			&s.TenantID,
			&status,
			&s.PairingCode,
			&s.LastSeenAt,
			&s.ErrorMessage,
			&s.UpdatedAt,
		); err != nil {
			return nil, err
		}
		s.Status = model.SessionStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}
