package repo

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/heraldhq/herald/internal/model"
)

type PostgresAuditRepo struct {
	db *sql.DB
}

func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

func (r *PostgresAuditRepo) Append(ctx context.Context, e model.AuditEntry) error {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, tenant_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, id, e.TenantID, string(e.Kind), e.Detail)
	return err
}
