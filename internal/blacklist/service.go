// AngelaMos | 2026
// service.go

package blacklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/angelamos/sessiond/internal/cache"
	"github.com/angelamos/sessiond/internal/core"
)

const (
	tokenKeyPrefix = "token:"
	userKeyPrefix  = "user:"
)

func TokenKey(tokenHash string) string {
	return tokenKeyPrefix + tokenHash
}

func UserKey(userID string) string {
	return userKeyPrefix + userID
}

// Service layers a cache over the durable blacklist table. The cache is a
// read accelerator only; every write goes to the store first.
//
// On a store outage during a lookup the service fails open when configured
// to: a blacklist miss lets the request proceed rather than locking every
// user out for the duration of the outage. Revoked-token exposure during
// an outage is bounded by the access-token TTL. Deployments that prefer
// fail-closed set blacklist.fail_open to false.
type Service struct {
	repo     Repository
	cache    cache.Cache
	failOpen bool
	logger   *slog.Logger
}

func NewService(
	repo Repository,
	c cache.Cache,
	failOpen bool,
	logger *slog.Logger,
) *Service {
	return &Service{
		repo:     repo,
		cache:    c,
		failOpen: failOpen,
		logger:   logger,
	}
}

func (s *Service) Add(
	ctx context.Context,
	key, reason string,
	expiresAt time.Time,
) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already expired keys cannot be replayed; nothing to record.
		return nil
	}

	entry := &Entry{
		Key:       key,
		Reason:    reason,
		ExpiresAt: expiresAt,
	}

	if err := s.repo.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("blacklist add: %w", err)
	}

	s.cacheEntry(ctx, entry)
	return nil
}

func (s *Service) IsBlacklisted(
	ctx context.Context,
	key string,
) (bool, error) {
	_, listed, err := s.BlacklistedSince(ctx, key)
	return listed, err
}

// BlacklistedSince reports whether the key is blacklisted and when the
// entry was written. Callers holding a creation timestamp can use the
// cutoff to let through records issued after the entry, so a user-level
// revocation does not outlive the user's next login.
func (s *Service) BlacklistedSince(
	ctx context.Context,
	key string,
) (time.Time, bool, error) {
	if val, hit, err := s.cache.Get(ctx, key); err == nil && hit {
		if since, parseErr := time.Parse(time.RFC3339Nano, val); parseErr == nil {
			return since, true, nil
		}
		// Unreadable cache value; the store below is authoritative.
	} else if err != nil {
		s.logger.Warn("blacklist cache lookup failed",
			"key", key,
			"error", err,
		)
	}

	entry, err := s.repo.Find(ctx, key)
	if errors.Is(err, core.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		if s.failOpen {
			s.logger.Warn("blacklist store unavailable, failing open",
				"key", key,
				"error", err,
			)
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("blacklist check: %w", err)
	}

	// Backfill so the next check for this key stays in-process.
	s.cacheEntry(ctx, entry)

	return entry.BlacklistedAt, true, nil
}

func (s *Service) cacheEntry(ctx context.Context, entry *Entry) {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return
	}

	value := entry.BlacklistedAt.Format(time.RFC3339Nano)
	if err := s.cache.Set(ctx, entry.Key, value, ttl); err != nil {
		s.logger.Warn("blacklist cache insert failed",
			"key", entry.Key,
			"error", err,
		)
	}
}

func (s *Service) Remove(ctx context.Context, key string) error {
	if err := s.repo.Delete(ctx, key); err != nil {
		return fmt.Errorf("blacklist remove: %w", err)
	}

	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn("blacklist cache evict failed",
			"key", key,
			"error", err,
		)
	}

	return nil
}

// Sweep evicts entries past expiresAt from the store; the cache layers
// expire their own entries by TTL. Runs on the background sweeper timer.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	removed, err := s.repo.DeleteExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("blacklist sweep: %w", err)
	}

	if sweeper, ok := s.cache.(interface {
		Sweep(ctx context.Context) int
	}); ok {
		sweeper.Sweep(ctx)
	}

	return removed, nil
}
