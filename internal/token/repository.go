// AngelaMos | 2026
// repository.go

package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/angelamos/sessiond/internal/core"
)

type Repository interface {
	Create(ctx context.Context, record *Record) error
	FindByHash(ctx context.Context, tokenHash string) (*Record, error)
	FindByID(ctx context.Context, id string) (*Record, error)
	// Consume flips is_used conditioned on is_used = false. Of two
	// concurrent calls on the same record exactly one succeeds; the
	// loser gets ErrAlreadyUsed.
	Consume(ctx context.Context, id, replacedByID string) error
	RevokeByID(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) error
	// CompromiseFamily revokes every record in the family and writes the
	// permanent marker. The two writes commit together so a crash cannot
	// leave a revoked family without its marker.
	CompromiseFamily(
		ctx context.Context,
		familyID, userID, reason string,
	) error
	IsFamilyCompromised(ctx context.Context, familyID string) (bool, error)
	ActiveSessionsForUser(
		ctx context.Context,
		userID string,
	) ([]Record, error)
	DeleteExpired(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

// ErrAlreadyUsed is the loser's outcome of the consumption race. It must
// never be conflated with a store outage: the caller treats it as reuse
// detection, not as a retryable failure.
var ErrAlreadyUsed = errors.New("refresh token already used")

type repository struct {
	db core.DBTX

	// sqlDB is set when the repository is backed by the pooled connection
	// rather than an open transaction; CompromiseFamily uses it to get
	// atomicity for its two writes.
	sqlDB *sqlx.DB
}

func NewRepository(db core.DBTX) Repository {
	r := &repository{db: db}
	if sqlDB, ok := db.(*sqlx.DB); ok {
		r.sqlDB = sqlDB
	}
	return r
}

func (r *repository) Create(ctx context.Context, record *Record) error {
	query := `
		INSERT INTO refresh_tokens (
			id, user_id, token_hash, family_id, expires_at,
			user_agent, ip_address
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		RETURNING created_at`

	err := r.db.GetContext(ctx, &record.CreatedAt, query,
		record.ID,
		record.UserID,
		record.TokenHash,
		record.FamilyID,
		record.ExpiresAt,
		record.UserAgent,
		record.IPAddress,
	)
	if err != nil {
		return fmt.Errorf("create refresh token: %w", storeErr(err))
	}

	return nil
}

func (r *repository) FindByHash(
	ctx context.Context,
	tokenHash string,
) (*Record, error) {
	query := `
		SELECT
			id, user_id, token_hash, family_id, expires_at, created_at,
			is_used, last_used_at, revoked_at, replaced_by_id,
			user_agent, ip_address
		FROM refresh_tokens
		WHERE token_hash = $1`

	var record Record
	err := r.db.GetContext(ctx, &record, query, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find refresh token: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", storeErr(err))
	}

	return &record, nil
}

func (r *repository) FindByID(
	ctx context.Context,
	id string,
) (*Record, error) {
	query := `
		SELECT
			id, user_id, token_hash, family_id, expires_at, created_at,
			is_used, last_used_at, revoked_at, replaced_by_id,
			user_agent, ip_address
		FROM refresh_tokens
		WHERE id = $1`

	var record Record
	err := r.db.GetContext(ctx, &record, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find refresh token: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", storeErr(err))
	}

	return &record, nil
}

func (r *repository) Consume(
	ctx context.Context,
	id, replacedByID string,
) error {
	query := `
		UPDATE refresh_tokens
		SET is_used = true, last_used_at = NOW(), replaced_by_id = $2
		WHERE id = $1 AND is_used = false`

	result, err := r.db.ExecContext(ctx, query, id, replacedByID)
	if err != nil {
		return fmt.Errorf("consume refresh token: %w", storeErr(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume refresh token: %w", storeErr(err))
	}

	if rows == 0 {
		return fmt.Errorf("consume refresh token: %w", ErrAlreadyUsed)
	}

	return nil
}

func (r *repository) RevokeByID(ctx context.Context, id string) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL`

	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", storeErr(err))
	}

	return nil
}


func (r *repository) RevokeAllForUser(
	ctx context.Context,
	userID string,
) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = NOW()
		WHERE user_id = $1 AND revoked_at IS NULL`

	_, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("revoke all user tokens: %w", storeErr(err))
	}

	return nil
}

func (r *repository) CompromiseFamily(
	ctx context.Context,
	familyID, userID, reason string,
) error {
	if r.sqlDB != nil {
		err := core.InTx(ctx, r.sqlDB, func(tx *sqlx.Tx) error {
			if err := revokeFamily(ctx, tx, familyID); err != nil {
				return err
			}
			return markFamilyCompromised(ctx, tx, familyID, userID, reason)
		})
		if err != nil {
			return fmt.Errorf("compromise family: %w", storeErr(err))
		}
		return nil
	}

	// Already inside a caller-owned transaction.
	if err := revokeFamily(ctx, r.db, familyID); err != nil {
		return fmt.Errorf("compromise family: %w", storeErr(err))
	}
	if err := markFamilyCompromised(ctx, r.db, familyID, userID, reason); err != nil {
		return fmt.Errorf("compromise family: %w", storeErr(err))
	}
	return nil
}

func revokeFamily(ctx context.Context, db core.DBTX, familyID string) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = NOW()
		WHERE family_id = $1 AND revoked_at IS NULL`

	_, err := db.ExecContext(ctx, query, familyID)
	return err
}

func markFamilyCompromised(
	ctx context.Context,
	db core.DBTX,
	familyID, userID, reason string,
) error {
	// ON CONFLICT keeps the write idempotent: concurrent losers of the
	// consumption race all attempt this insert, only one row lands.
	query := `
		INSERT INTO compromised_families (family_id, user_id, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (family_id) DO NOTHING`

	_, err := db.ExecContext(ctx, query, familyID, userID, reason)
	return err
}

func (r *repository) IsFamilyCompromised(
	ctx context.Context,
	familyID string,
) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM compromised_families WHERE family_id = $1
		)`

	var compromised bool
	err := r.db.GetContext(ctx, &compromised, query, familyID)
	if err != nil {
		return false, fmt.Errorf("check family: %w", storeErr(err))
	}

	return compromised, nil
}

func (r *repository) ActiveSessionsForUser(
	ctx context.Context,
	userID string,
) ([]Record, error) {
	query := `
		SELECT
			id, user_id, token_hash, family_id, expires_at, created_at,
			is_used, last_used_at, revoked_at, replaced_by_id,
			user_agent, ip_address
		FROM refresh_tokens
		WHERE user_id = $1
			AND revoked_at IS NULL
			AND is_used = false
			AND expires_at > NOW()
		ORDER BY created_at DESC`

	var records []Record
	err := r.db.SelectContext(ctx, &records, query, userID)
	if err != nil {
		return nil, fmt.Errorf("get active sessions: %w", storeErr(err))
	}

	return records, nil
}

func (r *repository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1`

	cutoff := time.Now().Add(-24 * time.Hour)

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", storeErr(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", storeErr(err))
	}

	return rows, nil
}

func (r *repository) Stats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			count(*) FILTER (
				WHERE is_used = false
					AND revoked_at IS NULL
					AND expires_at > NOW()
			) AS active,
			count(*) FILTER (WHERE revoked_at IS NOT NULL) AS revoked,
			(SELECT count(*) FROM compromised_families) AS families
		FROM refresh_tokens`

	var row struct {
		Active   int64 `db:"active"`
		Revoked  int64 `db:"revoked"`
		Families int64 `db:"families"`
	}
	if err := r.db.GetContext(ctx, &row, query); err != nil {
		return nil, fmt.Errorf("token stats: %w", storeErr(err))
	}

	return &Stats{
		ActiveTokens:        row.Active,
		RevokedTokens:       row.Revoked,
		CompromisedFamilies: row.Families,
	}, nil
}

// storeErr tags infrastructure failures as retryable. Timeouts and
// connection errors surface as core.ErrStoreUnavailable so callers can
// retry with backoff instead of misreading them as auth outcomes.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", core.ErrStoreUnavailable, err)
	}
	return err
}
