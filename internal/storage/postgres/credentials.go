package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/internal/storage"
)

const credentialColumns = `id, api_key, label, is_active, is_primary, error_count, last_used_at, created_at`

// CredentialRepo persists upstream API keys in gemini_api_keys.
type CredentialRepo struct{ Pool PgxPool }

// NewCredentialRepo constructs a CredentialRepo with the given pool.
func NewCredentialRepo(p PgxPool) *CredentialRepo { return &CredentialRepo{Pool: p} }

// ListActiveCredentials returns every active key.
func (r *CredentialRepo) ListActiveCredentials(ctx context.Context) ([]model.Credential, error) {
	ctx, span := otel.Tracer("repo.credentials").Start(ctx, "credentials.ListActive")
	defer span.End()
	return r.list(ctx, "op=credential.list_active",
		`SELECT `+credentialColumns+` FROM gemini_api_keys WHERE is_active
		 ORDER BY is_primary DESC, error_count ASC, last_used_at ASC NULLS FIRST`)
}

// ListCredentials returns every key, newest first.
func (r *CredentialRepo) ListCredentials(ctx context.Context) ([]model.Credential, error) {
	ctx, span := otel.Tracer("repo.credentials").Start(ctx, "credentials.List")
	defer span.End()
	return r.list(ctx, "op=credential.list",
		`SELECT `+credentialColumns+` FROM gemini_api_keys ORDER BY created_at DESC`)
}

func (r *CredentialRepo) list(ctx context.Context, op, q string) ([]model.Credential, error) {
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := []model.Credential{}
	for rows.Next() {
		var c model.Credential
		if err := rows.Scan(&c.ID, &c.Secret, &c.Label, &c.Active, &c.Primary, &c.ErrorCount, &c.LastUsedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// RecordUse stamps last_used_at and, on failure, increments error_count.
func (r *CredentialRepo) RecordUse(ctx context.Context, secret string, at time.Time, failed bool) error {
	ctx, span := otel.Tracer("repo.credentials").Start(ctx, "credentials.RecordUse")
	defer span.End()

	inc := 0
	if failed {
		inc = 1
	}
	if _, err := r.Pool.Exec(ctx,
		`UPDATE gemini_api_keys SET last_used_at = $2, error_count = error_count + $3 WHERE api_key = $1`,
		secret, at, inc,
	); err != nil {
		return fmt.Errorf("op=credential.record_use: %w", err)
	}
	return nil
}

// CountCredentials returns the number of managed keys.
func (r *CredentialRepo) CountCredentials(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("repo.credentials").Start(ctx, "credentials.Count")
	defer span.End()

	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM gemini_api_keys`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=credential.count: %w", err)
	}
	return n, nil
}

// InsertCredential stores c and assigns its id. A duplicate key yields
// storage.ErrConflict.
func (r *CredentialRepo) InsertCredential(ctx context.Context, c *model.Credential) error {
	ctx, span := otel.Tracer("repo.credentials").Start(ctx, "credentials.Insert")
	defer span.End()

	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO gemini_api_keys (id, api_key, label, is_active, is_primary, error_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6)`,
		c.ID, c.Secret, c.Label, c.Active, c.Primary, c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=credential.insert: %w", storage.ErrConflict)
		}
		return fmt.Errorf("op=credential.insert: %w", err)
	}
	return nil
}

// DeleteCredential removes a key.
func (r *CredentialRepo) DeleteCredential(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("repo.credentials").Start(ctx, "credentials.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM gemini_api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("op=credential.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=credential.delete: %w", storage.ErrNotFound)
	}
	return nil
}

// SetPrimary clears the current primary and marks id primary in one transaction.
func (r *CredentialRepo) SetPrimary(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("repo.credentials").Start(ctx, "credentials.SetPrimary")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=credential.set_primary: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE gemini_api_keys SET is_primary = false WHERE is_primary`); err != nil {
		return fmt.Errorf("op=credential.set_primary: %w", err)
	}
	tag, err := tx.Exec(ctx, `UPDATE gemini_api_keys SET is_primary = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("op=credential.set_primary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=credential.set_primary: %w", storage.ErrNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=credential.set_primary: %w", err)
	}
	return nil
}

// ToggleActive flips is_active and returns the new value.
func (r *CredentialRepo) ToggleActive(ctx context.Context, id string) (bool, error) {
	ctx, span := otel.Tracer("repo.credentials").Start(ctx, "credentials.ToggleActive")
	defer span.End()

	var active bool
	err := r.Pool.QueryRow(ctx,
		`UPDATE gemini_api_keys SET is_active = NOT is_active WHERE id = $1 RETURNING is_active`, id,
	).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("op=credential.toggle_active: %w", storage.ErrNotFound)
		}
		return false, fmt.Errorf("op=credential.toggle_active: %w", err)
	}
	return active, nil
}
