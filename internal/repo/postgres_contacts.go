package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"slices"

	"github.com/google/uuid"
	"github.com/heraldhq/herald/internal/model"
)

type PostgresContactRepo struct {
	db *sql.DB
}

func NewPostgresContactRepo(db *sql.DB) *PostgresContactRepo {
	return &PostgresContactRepo{db: db}
}

func (r *PostgresContactRepo) ListEligible(ctx context.Context, tenantID string, tags []string) ([]model.Contact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, display_name, phone, fields, tags, opted_out, created_at
		FROM contacts
		WHERE tenant_id = $1
		  AND opted_out = FALSE
		ORDER BY created_at ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		if len(tags) > 0 && !hasAnyTag(c.Tags, tags) {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresContactRepo) UpsertScraped(ctx context.Context, tenantID string, contacts []model.Contact) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	written := 0
	for _, c := range contacts {
		if c.Phone == "" {
			continue
		}
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (id, tenant_id, display_name, phone, fields, tags, opted_out, created_at)
			VALUES ($1, $2, $3, $4, '{}'::jsonb, '[]'::jsonb, FALSE, now())
			ON CONFLICT (tenant_id, phone)
			DO UPDATE SET display_name = EXCLUDED.display_name
		`, id, tenantID, c.DisplayName, c.Phone)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		written += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(rs rowScanner) (model.Contact, error) {
	var (
		c         model.Contact
		fieldsRaw []byte
		tagsRaw   []byte
	)
	if err := rs.Scan(
		&c.ID, &c.TenantID, &c.DisplayName, &c.Phone,
		&fieldsRaw, &tagsRaw, &c.OptedOut, &c.CreatedAt,
	); err != nil {
		return model.Contact{}, err
	}
	if len(fieldsRaw) > 0 {
		if err := json.Unmarshal(fieldsRaw, &c.Fields); err != nil {
			return model.Contact{}, err
		}
	}
	if len(tagsRaw) > 0 {
		if err := json.Unmarshal(tagsRaw, &c.Tags); err != nil {
			return model.Contact{}, err
		}
	}
	return c, nil
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}
