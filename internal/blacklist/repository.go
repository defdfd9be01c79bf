// AngelaMos | 2026
// repository.go

package blacklist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/angelamos/sessiond/internal/core"
)

// Entry is an explicit revocation independent of rotation state. Key is
// either a token hash (single logout) or a user id prefixed accordingly.
type Entry struct {
	Key           string    `db:"key"`
	Reason        string    `db:"reason"`
	ExpiresAt     time.Time `db:"expires_at"`
	BlacklistedAt time.Time `db:"blacklisted_at"`
}

type Repository interface {
	Upsert(ctx context.Context, entry *Entry) error
	Find(ctx context.Context, key string) (*Entry, error)
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

type repository struct {
	db core.DBTX
}

func NewRepository(db core.DBTX) Repository {
	return &repository{db: db}
}

func (r *repository) Upsert(ctx context.Context, entry *Entry) error {
	// Re-revoking an already revoked key is never an error; it refreshes
	// blacklisted_at so the cutoff covers tokens issued since the first
	// revocation.
	query := `
		INSERT INTO token_blacklist (key, reason, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET expires_at = GREATEST(token_blacklist.expires_at, EXCLUDED.expires_at),
			reason = EXCLUDED.reason,
			blacklisted_at = NOW()
		RETURNING blacklisted_at`

	err := r.db.GetContext(ctx, &entry.BlacklistedAt, query,
		entry.Key,
		entry.Reason,
		entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("blacklist upsert: %w", err)
	}

	return nil
}

func (r *repository) Find(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT key, reason, expires_at, blacklisted_at
		FROM token_blacklist
		WHERE key = $1 AND expires_at > NOW()`

	var entry Entry
	err := r.db.GetContext(ctx, &entry, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blacklist find: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blacklist find: %w", err)
	}

	return &entry, nil
}

func (r *repository) Delete(ctx context.Context, key string) error {
	query := `
		DELETE FROM token_blacklist
		WHERE key = $1`

	if _, err := r.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("blacklist delete: %w", err)
	}

	return nil
}

func (r *repository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM token_blacklist
		WHERE expires_at < NOW()`

	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("blacklist delete expired: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("blacklist delete expired: %w", err)
	}

	return rows, nil
}
