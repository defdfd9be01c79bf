// AngelaMos | 2026
// engine.go

package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/angelamos/sessiond/internal/blacklist"
	"github.com/angelamos/sessiond/internal/core"
)

var (
	// ErrTokenReuse is returned when an already consumed refresh token is
	// presented again. A genuine client retry after a dropped response is
	// indistinguishable from a replayed stolen token, so both are treated
	// as theft and the whole family is compromised.
	ErrTokenReuse = errors.New("token reuse detected")

	// ErrFamilyCompromised rejects every member of a compromised family,
	// including sibling tokens that were never consumed.
	ErrFamilyCompromised = errors.New("token family compromised")
)

const (
	reasonReuse     = "refresh token reuse"
	reasonLogout    = "logout"
	reasonLogoutAll = "logout all sessions"
)

type UserInfo struct {
	ID          string
	Role        string
	Permissions []string
	Active      bool
}

type UserProvider interface {
	FindByID(ctx context.Context, id string) (*UserInfo, error)
}

type Blacklister interface {
	Add(ctx context.Context, key, reason string, expiresAt time.Time) error
	IsBlacklisted(ctx context.Context, key string) (bool, error)
	BlacklistedSince(ctx context.Context, key string) (time.Time, bool, error)
	Remove(ctx context.Context, key string) error
}

// Engine orchestrates pair issuance, rotation, reuse detection and
// revocation. Correctness under concurrent rotation does not rely on any
// in-process lock: multiple instances may run behind a load balancer, and
// the single-winner guarantee comes from the store-side conditional update
// in Repository.Consume.
type Engine struct {
	repo         Repository
	codec        *Codec
	blacklist    Blacklister
	users        UserProvider
	logger       *slog.Logger
	tracer       trace.Tracer
	queryTimeout time.Duration
}

func NewEngine(
	repo Repository,
	codec *Codec,
	blacklist Blacklister,
	users UserProvider,
	logger *slog.Logger,
	queryTimeout time.Duration,
) *Engine {
	return &Engine{
		repo:         repo,
		codec:        codec,
		blacklist:    blacklist,
		users:        users,
		logger:       logger,
		tracer:       otel.Tracer("sessiond/token"),
		queryTimeout: queryTimeout,
	}
}

// GenerateTokenPair issues a fresh access+refresh pair on login. Each
// login starts its own family; rotation never allocates a new one.
func (e *Engine) GenerateTokenPair(
	ctx context.Context,
	user UserInfo,
	userAgent, ipAddress string,
) (*Pair, error) {
	ctx, span := e.tracer.Start(ctx, "engine.GenerateTokenPair")
	defer span.End()

	return e.issuePair(ctx, user, "", "", userAgent, ipAddress)
}

// RefreshTokens rotates a refresh token: exactly one of N concurrent calls
// presenting the same raw token succeeds; the rest observe the consumed
// record and trigger family compromise.
func (e *Engine) RefreshTokens(
	ctx context.Context,
	rawToken, userAgent, ipAddress string,
) (*Pair, error) {
	ctx, span := e.tracer.Start(ctx, "engine.RefreshTokens")
	defer span.End()

	tokenHash := core.HashToken(rawToken)

	blacklisted, err := e.blacklist.IsBlacklisted(
		ctx,
		blacklist.TokenKey(tokenHash),
	)
	if err != nil {
		return nil, fmt.Errorf("blacklist check: %w", err)
	}
	if blacklisted {
		return nil, fmt.Errorf("refresh: %w", core.ErrTokenRevoked)
	}

	claims, err := e.codec.Verify(rawToken, KindRefresh)
	if err != nil {
		return nil, err
	}

	var record *Record
	err = e.withRetry(ctx, func(ctx context.Context) error {
		var findErr error
		record, findErr = e.repo.FindByHash(ctx, tokenHash)
		return findErr
	})
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			// Signed by us but unknown to the store; do not reveal which
			// check failed.
			return nil, fmt.Errorf("refresh: %w", core.ErrTokenInvalid)
		}
		return nil, fmt.Errorf("find token: %w", err)
	}

	if !core.CompareTokenHash(rawToken, record.TokenHash) {
		return nil, fmt.Errorf("refresh: %w", core.ErrTokenInvalid)
	}

	// A user-level entry covers only the tokens that existed when it was
	// written. Records created after the cutoff belong to a later login
	// and stay valid.
	since, userBlacklisted, err := e.blacklist.BlacklistedSince(
		ctx,
		blacklist.UserKey(record.UserID),
	)
	if err != nil {
		return nil, fmt.Errorf("blacklist check: %w", err)
	}
	if userBlacklisted && !record.CreatedAt.After(since) {
		return nil, fmt.Errorf("refresh: %w", core.ErrTokenRevoked)
	}

	compromised, err := e.repo.IsFamilyCompromised(ctx, record.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("check family: %w", err)
	}
	if compromised {
		return nil, fmt.Errorf("refresh: %w", ErrFamilyCompromised)
	}

	if record.IsUsed {
		e.escalate(ctx, record.FamilyID, record.UserID, reasonReuse)
		return nil, fmt.Errorf("refresh: %w", ErrTokenReuse)
	}

	if record.IsRevoked() {
		return nil, fmt.Errorf("refresh: %w", core.ErrTokenRevoked)
	}

	if record.IsExpired() {
		return nil, fmt.Errorf("refresh: %w", core.ErrTokenExpired)
	}

	user, err := e.users.FindByID(ctx, record.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !user.Active {
		return nil, fmt.Errorf("refresh: %w", core.ErrUserInactive)
	}

	return e.issuePair(
		ctx,
		*user,
		claims.FamilyID,
		record.ID,
		userAgent,
		ipAddress,
	)
}

// RevokeRefreshToken blacklists the presented token and marks its record
// revoked. Revoking an unknown or already revoked token is a no-op.
func (e *Engine) RevokeRefreshToken(
	ctx context.Context,
	rawToken, userID string,
) error {
	ctx, span := e.tracer.Start(ctx, "engine.RevokeRefreshToken")
	defer span.End()

	tokenHash := core.HashToken(rawToken)

	record, err := e.repo.FindByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("find token: %w", err)
	}

	if userID != "" && record.UserID != userID {
		return fmt.Errorf("revoke: %w", core.ErrForbidden)
	}

	if err := e.blacklist.Add(ctx, blacklist.TokenKey(tokenHash), reasonLogout, record.ExpiresAt); err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}

	if err := e.repo.RevokeByID(ctx, record.ID); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}

	return nil
}

// RevokeAllUserTokens invalidates every live session the user owns. The
// user-level blacklist entry covers tokens an instance may still have in
// flight.
func (e *Engine) RevokeAllUserTokens(
	ctx context.Context,
	userID string,
) error {
	ctx, span := e.tracer.Start(ctx, "engine.RevokeAllUserTokens")
	defer span.End()

	if err := e.repo.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("revoke all tokens: %w", err)
	}

	expiresAt := time.Now().Add(e.codec.RefreshTTL())
	if err := e.blacklist.Add(ctx, blacklist.UserKey(userID), reasonLogoutAll, expiresAt); err != nil {
		return fmt.Errorf("blacklist user: %w", err)
	}

	return nil
}

// CompromiseFamily revokes every record in the family and writes the
// permanent compromise marker. Idempotent under concurrent escalation.
func (e *Engine) CompromiseFamily(
	ctx context.Context,
	familyID, userID, reason string,
) error {
	ctx, span := e.tracer.Start(ctx, "engine.CompromiseFamily",
		trace.WithAttributes(attribute.String("token.family_id", familyID)),
	)
	defer span.End()

	if err := e.repo.CompromiseFamily(ctx, familyID, userID, reason); err != nil {
		return fmt.Errorf("compromise family: %w", err)
	}

	return nil
}

func (e *Engine) ActiveSessions(
	ctx context.Context,
	userID string,
) ([]Record, error) {
	records, err := e.repo.ActiveSessionsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	return records, nil
}

func (e *Engine) RevokeSession(
	ctx context.Context,
	userID, sessionID string,
) error {
	record, err := e.repo.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("find session: %w", err)
	}

	if record.UserID != userID {
		return fmt.Errorf("revoke session: %w", core.ErrForbidden)
	}

	if err := e.blacklist.Add(ctx, blacklist.TokenKey(record.TokenHash), reasonLogout, record.ExpiresAt); err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}

	if err := e.repo.RevokeByID(ctx, record.ID); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	return nil
}

func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	var stats *Stats
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var statsErr error
		stats, statsErr = e.repo.Stats(ctx)
		return statsErr
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (e *Engine) DeleteExpired(ctx context.Context) (int64, error) {
	return e.repo.DeleteExpired(ctx)
}

func (e *Engine) issuePair(
	ctx context.Context,
	user UserInfo,
	familyID, oldRecordID string,
	userAgent, ipAddress string,
) (*Pair, error) {
	accessToken, err := e.codec.IssueAccess(Subject{
		UserID:      user.ID,
		Role:        user.Role,
		Permissions: user.Permissions,
	})
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}

	issued, err := e.codec.IssueRefresh(user.ID, familyID)
	if err != nil {
		return nil, fmt.Errorf("create refresh token: %w", err)
	}

	if oldRecordID != "" {
		// The conditional consume decides the winner of concurrent
		// rotations; the losers observe is_used and escalate.
		err = e.withRetry(ctx, func(ctx context.Context) error {
			return e.repo.Consume(ctx, oldRecordID, issued.TokenID)
		})
		if errors.Is(err, ErrAlreadyUsed) {
			e.escalate(ctx, issued.FamilyID, user.ID, reasonReuse)
			return nil, fmt.Errorf("refresh: %w", ErrTokenReuse)
		}
		if err != nil {
			return nil, fmt.Errorf("consume token: %w", err)
		}
	}

	record := &Record{
		ID:        issued.TokenID,
		UserID:    user.ID,
		TokenHash: issued.Hash,
		FamilyID:  issued.FamilyID,
		ExpiresAt: issued.ExpiresAt,
		UserAgent: userAgent,
		IPAddress: ipAddress,
	}

	err = e.withRetry(ctx, func(ctx context.Context) error {
		return e.repo.Create(ctx, record)
	})
	if err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	if oldRecordID != "" {
		// Kept for audit: distinct from is_used, which marks consumption.
		if revokeErr := e.repo.RevokeByID(ctx, oldRecordID); revokeErr != nil {
			e.logger.Warn("failed to revoke rotated-away record",
				"record_id", oldRecordID,
				"error", revokeErr,
			)
		}
	}

	return &Pair{
		AccessToken:  accessToken,
		RefreshToken: issued.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int(e.codec.AccessTTL() / time.Second),
	}, nil
}

func (e *Engine) escalate(
	ctx context.Context,
	familyID, userID, reason string,
) {
	e.logger.Warn("refresh token reuse detected, compromising family",
		"family_id", familyID,
		"user_id", userID,
	)

	if err := e.CompromiseFamily(ctx, familyID, userID, reason); err != nil {
		core.SetSpanError(ctx, err)
		e.logger.Error("family compromise escalation failed",
			"family_id", familyID,
			"error", err,
		)
	}
}

// withRetry retries store operations that failed for infrastructure
// reasons with bounded exponential backoff. Auth outcomes, including
// ErrAlreadyUsed, pass through untouched so a store hiccup is never
// mistaken for reuse.
func (e *Engine) withRetry(
	ctx context.Context,
	op func(ctx context.Context) error,
) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, e.queryTimeout)
		defer cancel()

		err := op(opCtx)
		if errors.Is(err, core.ErrStoreUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}
