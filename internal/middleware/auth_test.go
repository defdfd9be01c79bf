// AngelaMos | 2026
// auth_test.go

package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelamos/sessiond/internal/core"
)

type fakeVerifier struct {
	claims *AccessTokenClaims
	err    error
}

func (f *fakeVerifier) VerifyAccessToken(
	ctx context.Context,
	token string,
) (*AccessTokenClaims, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.claims, nil
}

type fakeIdentities struct {
	users   map[string]*GateUser
	touched []string
}

func (f *fakeIdentities) FindByID(
	ctx context.Context,
	id string,
) (*GateUser, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return user, nil
}

func (f *fakeIdentities) UpdateLastActivity(userID string) {
	f.touched = append(f.touched, userID)
}

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()

	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func runAuthenticator(
	verifier TokenVerifier,
	identities IdentityProvider,
	authHeader string,
	inner http.HandlerFunc,
) *httptest.ResponseRecorder {
	handler := Authenticator(verifier, identities)(inner)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func okInner(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestAuthenticatorMissingHeader(t *testing.T) {
	rec := runAuthenticator(&fakeVerifier{}, &fakeIdentities{}, "", okInner)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeError(t, rec)
	assert.False(t, body.Success)
	assert.Equal(t, "AUTH_HEADER_MISSING", body.Error.Code)
}

func TestAuthenticatorMalformedHeader(t *testing.T) {
	for _, header := range []string{
		"Basic abc",
		"Bearer",
		"Bearer ",
		"token-without-scheme",
	} {
		rec := runAuthenticator(&fakeVerifier{}, &fakeIdentities{}, header, okInner)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
		body := decodeError(t, rec)
		assert.Equal(t, "AUTH_HEADER_MALFORMED", body.Error.Code, "header %q", header)
	}
}

func TestAuthenticatorExpiredToken(t *testing.T) {
	verifier := &fakeVerifier{
		err: fmt.Errorf("verify token: %w", core.ErrTokenExpired),
	}

	rec := runAuthenticator(verifier, &fakeIdentities{}, "Bearer x", okInner)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "TOKEN_EXPIRED", body.Error.Code)
}

func TestAuthenticatorRevokedToken(t *testing.T) {
	verifier := &fakeVerifier{
		err: fmt.Errorf("verify token: %w", core.ErrTokenRevoked),
	}

	rec := runAuthenticator(verifier, &fakeIdentities{}, "Bearer x", okInner)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "TOKEN_REVOKED", body.Error.Code)
}

func TestAuthenticatorInvalidTokenFlattens(t *testing.T) {
	for _, verifyErr := range []error{
		fmt.Errorf("verify token: %w", core.ErrTokenInvalid),
		fmt.Errorf("verify token: %w", core.ErrTokenMalformed),
	} {
		verifier := &fakeVerifier{err: verifyErr}

		rec := runAuthenticator(verifier, &fakeIdentities{}, "Bearer x", okInner)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, "TOKEN_INVALID", body.Error.Code,
			"invalid and malformed must be indistinguishable, err %v", verifyErr)
	}
}

func TestAuthenticatorDeletedUser(t *testing.T) {
	verifier := &fakeVerifier{
		claims: &AccessTokenClaims{UserID: "ghost", Role: "user"},
	}
	identities := &fakeIdentities{users: map[string]*GateUser{}}

	rec := runAuthenticator(verifier, identities, "Bearer x", okInner)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "USER_NOT_FOUND", body.Error.Code)
}

func TestAuthenticatorInactiveUser(t *testing.T) {
	verifier := &fakeVerifier{
		claims: &AccessTokenClaims{UserID: "user-1", Role: "user"},
	}
	identities := &fakeIdentities{users: map[string]*GateUser{
		"user-1": {ID: "user-1", Role: "user", Active: false},
	}}

	rec := runAuthenticator(verifier, identities, "Bearer x", okInner)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "USER_INACTIVE", body.Error.Code)
}

func TestAuthenticatorPopulatesContext(t *testing.T) {
	verifier := &fakeVerifier{
		claims: &AccessTokenClaims{
			UserID:      "user-1",
			Role:        "user",
			Permissions: []string{"read"},
		},
	}
	identities := &fakeIdentities{users: map[string]*GateUser{
		"user-1": {
			ID:          "user-1",
			Role:        "admin",
			Permissions: []string{"read", "write", "admin"},
			Active:      true,
		},
	}}

	var gotUserID, gotRole string
	var gotPerms []string
	inner := func(w http.ResponseWriter, r *http.Request) {
		gotUserID = GetUserID(r.Context())
		gotRole = GetUserRole(r.Context())
		gotPerms = GetUserPermissions(r.Context())
		assert.True(t, IsAuthenticated(r.Context()))
		w.WriteHeader(http.StatusOK)
	}

	rec := runAuthenticator(verifier, identities, "Bearer x", inner)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", gotUserID)
	// Role and permissions come from the identity store, not the token, so
	// a role change takes effect before the access token expires.
	assert.Equal(t, "admin", gotRole)
	assert.Equal(t, []string{"read", "write", "admin"}, gotPerms)
	assert.Equal(t, []string{"user-1"}, identities.touched)
}

func withIdentity(role string, permissions ...string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := req.Context()
	ctx = context.WithValue(ctx, UserIDKey, "user-1")
	ctx = context.WithValue(ctx, UserRoleKey, role)
	ctx = context.WithValue(ctx, UserPermissionsKey, permissions)
	return req.WithContext(ctx)
}

func TestRequireAdmin(t *testing.T) {
	handler := RequireAdmin(http.HandlerFunc(okInner))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, withIdentity("admin"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, withIdentity("user"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequirePermission(t *testing.T) {
	handler := RequirePermission("write")(http.HandlerFunc(okInner))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, withIdentity("user", "read", "write"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, withIdentity("user", "read"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
