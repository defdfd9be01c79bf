// AngelaMos | 2026
// engine_test.go

package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelamos/sessiond/internal/core"
)

type fakeRepo struct {
	mu          sync.Mutex
	records     map[string]*Record
	byHash      map[string]string
	compromised map[string]string
	findErr     error
	findCalls   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		records:     make(map[string]*Record),
		byHash:      make(map[string]string),
		compromised: make(map[string]string),
	}
}

func (f *fakeRepo) Create(ctx context.Context, record *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	record.CreatedAt = time.Now()
	f.records[record.ID] = record
	f.byHash[record.TokenHash] = record.ID
	return nil
}

func (f *fakeRepo) FindByHash(
	ctx context.Context,
	tokenHash string,
) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}

	id, ok := f.byHash[tokenHash]
	if !ok {
		return nil, core.ErrNotFound
	}

	clone := *f.records[id]
	return &clone, nil
}

func (f *fakeRepo) FindByID(ctx context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	record, ok := f.records[id]
	if !ok {
		return nil, core.ErrNotFound
	}

	clone := *record
	return &clone, nil
}

func (f *fakeRepo) Consume(ctx context.Context, id, replacedByID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	record, ok := f.records[id]
	if !ok {
		return core.ErrNotFound
	}
	if record.IsUsed {
		return ErrAlreadyUsed
	}

	now := time.Now()
	record.IsUsed = true
	record.LastUsedAt = &now
	record.ReplacedByID = &replacedByID
	return nil
}

func (f *fakeRepo) RevokeByID(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if record, ok := f.records[id]; ok && record.RevokedAt == nil {
		now := time.Now()
		record.RevokedAt = &now
	}
	return nil
}

func (f *fakeRepo) RevokeAllForUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	for _, record := range f.records {
		if record.UserID == userID && record.RevokedAt == nil {
			record.RevokedAt = &now
		}
	}
	return nil
}

func (f *fakeRepo) CompromiseFamily(
	ctx context.Context,
	familyID, userID, reason string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	for _, record := range f.records {
		if record.FamilyID == familyID && record.RevokedAt == nil {
			record.RevokedAt = &now
		}
	}

	if _, exists := f.compromised[familyID]; !exists {
		f.compromised[familyID] = reason
	}
	return nil
}

func (f *fakeRepo) IsFamilyCompromised(
	ctx context.Context,
	familyID string,
) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.compromised[familyID]
	return ok, nil
}

func (f *fakeRepo) ActiveSessionsForUser(
	ctx context.Context,
	userID string,
) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var sessions []Record
	for _, record := range f.records {
		if record.UserID == userID && record.IsValid() {
			sessions = append(sessions, *record)
		}
	}
	return sessions, nil
}

func (f *fakeRepo) DeleteExpired(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var removed int64
	for id, record := range f.records {
		if record.IsExpired() {
			delete(f.byHash, record.TokenHash)
			delete(f.records, id)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeRepo) Stats(ctx context.Context) (*Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := &Stats{
		CompromisedFamilies: int64(len(f.compromised)),
	}
	for _, record := range f.records {
		if record.IsValid() {
			stats.ActiveTokens++
		}
		if record.IsRevoked() {
			stats.RevokedTokens++
		}
	}
	return stats, nil
}

func (f *fakeRepo) compromisedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.compromised)
}

type blacklistEntry struct {
	expiresAt time.Time
	addedAt   time.Time
}

type fakeBlacklist struct {
	mu      sync.Mutex
	entries map[string]blacklistEntry
}

func newFakeBlacklist() *fakeBlacklist {
	return &fakeBlacklist{entries: make(map[string]blacklistEntry)}
}

func (f *fakeBlacklist) Add(
	ctx context.Context,
	key, reason string,
	expiresAt time.Time,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = blacklistEntry{expiresAt: expiresAt, addedAt: time.Now()}
	return nil
}

func (f *fakeBlacklist) IsBlacklisted(
	ctx context.Context,
	key string,
) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[key]
	return ok && time.Now().Before(entry.expiresAt), nil
}

func (f *fakeBlacklist) BlacklistedSince(
	ctx context.Context,
	key string,
) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[key]
	if !ok || !time.Now().Before(entry.expiresAt) {
		return time.Time{}, false, nil
	}
	return entry.addedAt, true, nil
}

func (f *fakeBlacklist) Remove(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*UserInfo
}

func newFakeUsers(users ...*UserInfo) *fakeUsers {
	f := &fakeUsers{users: make(map[string]*UserInfo)}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUsers) FindByID(
	ctx context.Context,
	id string,
) (*UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}

	clone := *user
	return &clone, nil
}

func (f *fakeUsers) setActive(id string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id].Active = active
}

type engineFixture struct {
	engine    *Engine
	repo      *fakeRepo
	blacklist *fakeBlacklist
	users     *fakeUsers
	user      UserInfo
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	codec := newTestCodec(t, 15*time.Minute, 7*24*time.Hour)
	repo := newFakeRepo()
	bl := newFakeBlacklist()

	user := UserInfo{
		ID:          "user-1",
		Role:        "user",
		Permissions: []string{"read"},
		Active:      true,
	}
	users := newFakeUsers(&user)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &engineFixture{
		engine:    NewEngine(repo, codec, bl, users, logger, time.Second),
		repo:      repo,
		blacklist: bl,
		users:     users,
		user:      user,
	}
}

func TestGenerateTokenPairStartsFreshFamily(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	first, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)
	assert.NotEmpty(t, first.AccessToken)
	assert.NotEmpty(t, first.RefreshToken)
	assert.Equal(t, "Bearer", first.TokenType)

	second, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)

	firstClaims, err := fx.engine.codec.Verify(first.RefreshToken, KindRefresh)
	require.NoError(t, err)
	secondClaims, err := fx.engine.codec.Verify(second.RefreshToken, KindRefresh)
	require.NoError(t, err)

	assert.NotEqual(t, firstClaims.FamilyID, secondClaims.FamilyID,
		"each login must start its own family")
}

func TestRefreshRotatesWithinFamily(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)

	rotated, err := fx.engine.RefreshTokens(ctx, pair.RefreshToken, "ua", "1.2.3.4")
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	oldClaims, err := fx.engine.codec.Verify(pair.RefreshToken, KindRefresh)
	require.NoError(t, err)
	newClaims, err := fx.engine.codec.Verify(rotated.RefreshToken, KindRefresh)
	require.NoError(t, err)

	assert.Equal(t, oldClaims.FamilyID, newClaims.FamilyID,
		"rotation must stay within the family")

	// The rotated-to token keeps working.
	_, err = fx.engine.RefreshTokens(ctx, rotated.RefreshToken, "ua", "1.2.3.4")
	require.NoError(t, err)
}

func TestReplayedTokenCompromisesFamily(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)

	rotated, err := fx.engine.RefreshTokens(ctx, pair.RefreshToken, "ua", "1.2.3.4")
	require.NoError(t, err)

	// Replaying the consumed token is treated as theft.
	_, err = fx.engine.RefreshTokens(ctx, pair.RefreshToken, "ua", "1.2.3.4")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenReuse)
	assert.Equal(t, 1, fx.repo.compromisedCount())

	// The legitimately rotated-to sibling dies with the family.
	_, err = fx.engine.RefreshTokens(ctx, rotated.RefreshToken, "ua", "1.2.3.4")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFamilyCompromised)

	// A second replay does not create a second marker.
	_, err = fx.engine.RefreshTokens(ctx, pair.RefreshToken, "ua", "1.2.3.4")
	require.Error(t, err)
	assert.Equal(t, 1, fx.repo.compromisedCount())
}

func TestLogoutRevokesToken(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)

	err = fx.engine.RevokeRefreshToken(ctx, pair.RefreshToken, fx.user.ID)
	require.NoError(t, err)

	_, err = fx.engine.RefreshTokens(ctx, pair.RefreshToken, "ua", "1.2.3.4")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTokenRevoked)
	assert.NotErrorIs(t, err, ErrTokenReuse,
		"revocation must not look like reuse")
	assert.Equal(t, 0, fx.repo.compromisedCount())
}

func TestRevokeRefreshTokenUnknownIsNoop(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	codec := newTestCodec(t, 15*time.Minute, 7*24*time.Hour)
	issued, err := codec.IssueRefresh("user-1", "")
	require.NoError(t, err)

	require.NoError(t, fx.engine.RevokeRefreshToken(ctx, issued.Token, "user-1"))
}

func TestRevokeRefreshTokenWrongOwner(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)

	err = fx.engine.RevokeRefreshToken(ctx, pair.RefreshToken, "someone-else")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestRevokeAllUserTokens(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	other := UserInfo{ID: "user-2", Role: "user", Active: true}
	fx.users.mu.Lock()
	fx.users.users[other.ID] = &other
	fx.users.mu.Unlock()

	session1, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)
	session2, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "5.6.7.8")
	require.NoError(t, err)
	otherSession, err := fx.engine.GenerateTokenPair(ctx, other, "ua", "9.9.9.9")
	require.NoError(t, err)

	require.NoError(t, fx.engine.RevokeAllUserTokens(ctx, fx.user.ID))

	for _, pair := range []*Pair{session1, session2} {
		_, err := fx.engine.RefreshTokens(ctx, pair.RefreshToken, "ua", "1.2.3.4")
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrTokenRevoked)
	}

	// Unrelated users keep their sessions.
	_, err = fx.engine.RefreshTokens(ctx, otherSession.RefreshToken, "ua", "9.9.9.9")
	require.NoError(t, err)
}

func TestLoginAfterRevokeAllCanRefresh(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	old, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)

	require.NoError(t, fx.engine.RevokeAllUserTokens(ctx, fx.user.ID))

	// A fresh login after revoke-all starts a clean session; the
	// user-level entry must not block it for the rest of the refresh TTL.
	fresh, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)

	rotated, err := fx.engine.RefreshTokens(ctx, fresh.RefreshToken, "ua", "1.2.3.4")
	require.NoError(t, err)

	_, err = fx.engine.RefreshTokens(ctx, rotated.RefreshToken, "ua", "1.2.3.4")
	require.NoError(t, err)

	// Tokens from before the revocation stay dead.
	_, err = fx.engine.RefreshTokens(ctx, old.RefreshToken, "ua", "1.2.3.4")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTokenRevoked)
}

func TestRefreshExpiredRecord(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)

	hash := core.HashToken(pair.RefreshToken)
	fx.repo.mu.Lock()
	fx.repo.records[fx.repo.byHash[hash]].ExpiresAt = time.Now().Add(-time.Hour)
	fx.repo.mu.Unlock()

	_, err = fx.engine.RefreshTokens(ctx, pair.RefreshToken, "ua", "1.2.3.4")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTokenExpired)
}

func TestRefreshInactiveUser(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)

	fx.users.setActive(fx.user.ID, false)

	_, err = fx.engine.RefreshTokens(ctx, pair.RefreshToken, "ua", "1.2.3.4")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUserInactive)
}

func TestRefreshUnknownTokenFlattens(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	// Signed with our refresh key but never persisted.
	issued, err := fx.engine.codec.IssueRefresh(fx.user.ID, "")
	require.NoError(t, err)

	_, err = fx.engine.RefreshTokens(ctx, issued.Token, "ua", "1.2.3.4")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTokenInvalid)
	assert.NotErrorIs(t, err, core.ErrNotFound,
		"store miss must not leak through the boundary")
}

func TestRefreshStoreOutageIsNotReuse(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)

	fx.repo.mu.Lock()
	fx.repo.findErr = fmt.Errorf("connection refused: %w", core.ErrStoreUnavailable)
	fx.repo.findCalls = 0
	fx.repo.mu.Unlock()

	_, err = fx.engine.RefreshTokens(ctx, pair.RefreshToken, "ua", "1.2.3.4")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrTokenReuse)
	assert.Equal(t, 0, fx.repo.compromisedCount(),
		"an outage must never escalate to compromise")

	fx.repo.mu.Lock()
	attempts := fx.repo.findCalls
	fx.repo.findErr = nil
	fx.repo.mu.Unlock()
	assert.Greater(t, attempts, 1, "store outages are retried")

	// Once the store recovers the same token still rotates.
	_, err = fx.engine.RefreshTokens(ctx, pair.RefreshToken, "ua", "1.2.3.4")
	require.NoError(t, err)
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)

	const workers = 16

	var wg sync.WaitGroup
	results := make([]error, workers)

	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = fx.engine.RefreshTokens(
				ctx,
				pair.RefreshToken,
				"ua",
				"1.2.3.4",
			)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		assert.True(t,
			errors.Is(err, ErrTokenReuse) ||
				errors.Is(err, ErrFamilyCompromised),
			"loser must observe reuse or compromise, got %v", err,
		)
	}

	assert.Equal(t, 1, successes, "exactly one concurrent rotation wins")
	assert.Equal(t, 1, fx.repo.compromisedCount(),
		"concurrent escalation writes exactly one marker")
}

func TestActiveSessionsExcludesDeadTokens(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)
	_, err = fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "5.6.7.8")
	require.NoError(t, err)

	sessions, err := fx.engine.ActiveSessions(ctx, fx.user.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	require.NoError(t, fx.engine.RevokeRefreshToken(ctx, pair.RefreshToken, fx.user.ID))

	sessions, err = fx.engine.ActiveSessions(ctx, fx.user.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestRevokeSessionOwnership(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)

	sessions, err := fx.engine.ActiveSessions(ctx, fx.user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	err = fx.engine.RevokeSession(ctx, "someone-else", sessions[0].ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrForbidden)

	require.NoError(t, fx.engine.RevokeSession(ctx, fx.user.ID, sessions[0].ID))

	_, err = fx.engine.RefreshTokens(ctx, pair.RefreshToken, "ua", "1.2.3.4")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTokenRevoked)
}

func TestDeleteExpiredSweepsOnlyExpired(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	live, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "1.2.3.4")
	require.NoError(t, err)
	dead, err := fx.engine.GenerateTokenPair(ctx, fx.user, "ua", "5.6.7.8")
	require.NoError(t, err)

	deadHash := core.HashToken(dead.RefreshToken)
	fx.repo.mu.Lock()
	fx.repo.records[fx.repo.byHash[deadHash]].ExpiresAt = time.Now().Add(-time.Hour)
	fx.repo.mu.Unlock()

	removed, err := fx.engine.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = fx.engine.RefreshTokens(ctx, live.RefreshToken, "ua", "1.2.3.4")
	require.NoError(t, err)
}
