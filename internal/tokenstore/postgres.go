package tokenstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guardpost/guardpost/internal/auth"
)

// subscriptionFromString maps a stored level to the enum, defaulting to
// free for unknown values rather than failing the whole scan.
func subscriptionFromString(s string) auth.SubscriptionLevel {
	level := auth.SubscriptionLevel(s)
	if !level.Valid() {
		return auth.SubscriptionFree
	}
	return level
}

//go:embed schema.sql
var schemaSQL string

// Postgres is a Store backed by a connection-pooled PostgreSQL database.
// The pool is shared infrastructure; Close releases it.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to the database and ensures the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure token_records schema: %w", err)
	}
	return nil
}

const recordColumns = `user_id, access_token_hash, refresh_token_hash, encrypted_refresh_token,
	issued_at, expires_at, scope, subscription_level, encrypted_metadata,
	failure_count, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var subscription string
	err := row.Scan(
		&rec.UserID, &rec.AccessTokenHash, &rec.RefreshTokenHash, &rec.EncryptedRefreshToken,
		&rec.IssuedAt, &rec.ExpiresAt, &rec.Scopes, &subscription, &rec.EncryptedMetadata,
		&rec.FailureCount, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan token record: %w", err)
	}
	rec.Subscription = subscriptionFromString(subscription)
	return &rec, nil
}

// Upsert inserts or replaces the record for its UserID in one statement.
func (p *Postgres) Upsert(ctx context.Context, rec *Record) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO token_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id) DO UPDATE SET
			access_token_hash = EXCLUDED.access_token_hash,
			refresh_token_hash = EXCLUDED.refresh_token_hash,
			encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			subscription_level = EXCLUDED.subscription_level,
			encrypted_metadata = EXCLUDED.encrypted_metadata,
			failure_count = EXCLUDED.failure_count,
			updated_at = EXCLUDED.updated_at
	`, rec.UserID, rec.AccessTokenHash, rec.RefreshTokenHash, rec.EncryptedRefreshToken,
		rec.IssuedAt, rec.ExpiresAt, rec.Scopes, string(rec.Subscription), rec.EncryptedMetadata,
		rec.FailureCount, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert token record: %w", err)
	}
	return nil
}

// Get loads the record for a user.
func (p *Postgres) Get(ctx context.Context, userID string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM token_records
		WHERE user_id = $1
	`, userID)
	return scanRecord(row)
}

// Delete removes the record for a user.
func (p *Postgres) Delete(ctx context.Context, userID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM token_records WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete token record: %w", err)
	}
	return nil
}

// DeleteExpired removes every record with expires_at <= now.
func (p *Postgres) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM token_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired token records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListDueForRefresh returns records whose remaining-lifetime fraction has
// crossed below 1-threshold but are not yet expired.
func (p *Postgres) ListDueForRefresh(ctx context.Context, now time.Time, threshold float64) ([]*Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM token_records
		WHERE expires_at > $1
		  AND expires_at > issued_at
		  AND EXTRACT(EPOCH FROM (expires_at - $1)) / EXTRACT(EPOCH FROM (expires_at - issued_at)) < $2
	`, now, 1-threshold)
	if err != nil {
		return nil, fmt.Errorf("query records due for refresh: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListActive returns unexpired records below the failure ceiling.
func (p *Postgres) ListActive(ctx context.Context, now time.Time, maxFailures int) ([]*Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM token_records
		WHERE expires_at > $1 AND failure_count < $2
	`, now, maxFailures)
	if err != nil {
		return nil, fmt.Errorf("query active token records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token records: %w", err)
	}
	return records, nil
}

// IncrementFailure bumps the failure counter and returns the new value.
func (p *Postgres) IncrementFailure(ctx context.Context, userID string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `
		UPDATE token_records
		SET failure_count = failure_count + 1, updated_at = NOW()
		WHERE user_id = $1
		RETURNING failure_count
	`, userID).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment failure count: %w", err)
	}
	return count, nil
}

// Touch updates the record's updated_at timestamp.
func (p *Postgres) Touch(ctx context.Context, userID string, now time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE token_records SET updated_at = $2 WHERE user_id = $1`, userID, now)
	if err != nil {
		return fmt.Errorf("touch token record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks database reachability.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
