// AngelaMos | 2026
// codec.go

package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/angelamos/sessiond/internal/config"
	"github.com/angelamos/sessiond/internal/core"
)

type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

var (
	ErrWrongType   = fmt.Errorf("wrong token type: %w", core.ErrTokenInvalid)
	ErrWrongIssuer = fmt.Errorf("wrong issuer: %w", core.ErrTokenInvalid)
)

type signingKey struct {
	private jwk.Key
	public  jwk.Key
}

// Codec signs and verifies both token kinds. Access and refresh tokens
// share a claims envelope but are signed with distinct keys; the pinned
// ES256 algorithm rejects "none" and algorithm-confusion inputs.
type Codec struct {
	access     signingKey
	refresh    signingKey
	publicJWKS jwk.Set
	config     config.TokenConfig
}

func NewCodec(cfg config.TokenConfig) (*Codec, error) {
	access, err := loadSigningKey(cfg.AccessPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("access key: %w", err)
	}

	refresh, err := loadSigningKey(cfg.RefreshPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("refresh key: %w", err)
	}

	publicJWKS := jwk.NewSet()
	if addErr := publicJWKS.AddKey(access.public); addErr != nil {
		return nil, fmt.Errorf("add access key to set: %w", addErr)
	}
	if addErr := publicJWKS.AddKey(refresh.public); addErr != nil {
		return nil, fmt.Errorf("add refresh key to set: %w", addErr)
	}

	return &Codec{
		access:     access,
		refresh:    refresh,
		publicJWKS: publicJWKS,
		config:     cfg,
	}, nil
}

func loadSigningKey(path string) (signingKey, error) {
	privateKeyPEM, err := os.ReadFile(path)
	if err != nil {
		return signingKey{}, fmt.Errorf("read private key: %w", err)
	}

	privateKey, err := jwk.ParseKey(privateKeyPEM, jwk.WithPEM(true))
	if err != nil {
		return signingKey{}, fmt.Errorf("parse private key: %w", err)
	}

	if setErr := privateKey.Set(jwk.AlgorithmKey, jwa.ES256()); setErr != nil {
		return signingKey{}, fmt.Errorf("set algorithm: %w", setErr)
	}

	keyID := uuid.New().String()[:8]
	if setErr := privateKey.Set(jwk.KeyIDKey, keyID); setErr != nil {
		return signingKey{}, fmt.Errorf("set key id: %w", setErr)
	}

	publicKey, err := privateKey.PublicKey()
	if err != nil {
		return signingKey{}, fmt.Errorf("derive public key: %w", err)
	}

	if setErr := publicKey.Set(jwk.KeyUsageKey, "sig"); setErr != nil {
		return signingKey{}, fmt.Errorf("set key usage: %w", setErr)
	}

	return signingKey{private: privateKey, public: publicKey}, nil
}

func GenerateKeyPair(privateKeyPath, publicKeyPath string) error {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	jwkPrivate, err := jwk.Import(privateKey)
	if err != nil {
		return fmt.Errorf("import private key: %w", err)
	}

	keyID := uuid.New().String()[:8]
	if setErr := jwkPrivate.Set(jwk.KeyIDKey, keyID); setErr != nil {
		return fmt.Errorf("set key id: %w", setErr)
	}
	if setErr := jwkPrivate.Set(jwk.AlgorithmKey, jwa.ES256()); setErr != nil {
		return fmt.Errorf("set algorithm: %w", setErr)
	}

	privatePEM, err := jwk.Pem(jwkPrivate)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}

	if writeErr := os.WriteFile(privateKeyPath, privatePEM, 0o600); writeErr != nil {
		return fmt.Errorf("write private key: %w", writeErr)
	}

	jwkPublic, err := jwkPrivate.PublicKey()
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}

	publicPEM, err := jwk.Pem(jwkPublic)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}

	//nolint:gosec // G306: public key is intentionally world-readable
	if writeErr := os.WriteFile(publicKeyPath, publicPEM, 0o644); writeErr != nil {
		return fmt.Errorf("write public key: %w", writeErr)
	}

	return nil
}

// Claims is the decoded envelope shared by both token kinds. FamilyID is
// only present on refresh tokens.
type Claims struct {
	TokenID     string
	UserID      string
	Role        string
	Permissions []string
	FamilyID    string
	Kind        Kind
	ExpiresAt   time.Time
}

type Subject struct {
	UserID      string
	Role        string
	Permissions []string
}

func (c *Codec) IssueAccess(sub Subject) (string, error) {
	now := time.Now()

	builder := jwt.NewBuilder().
		JwtID(uuid.New().String()).
		Issuer(c.config.Issuer).
		Audience([]string{c.config.Audience}).
		Subject(sub.UserID).
		IssuedAt(now).
		Expiration(now.Add(c.config.AccessTokenExpire)).
		NotBefore(now).
		Claim("role", sub.Role).
		Claim("permissions", sub.Permissions).
		Claim("type", string(KindAccess))

	tok, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.ES256(), c.access.private))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return string(signed), nil
}

// IssuedRefresh carries everything the engine persists about a freshly
// minted refresh token. Hash is the storage key; the raw token itself is
// never stored.
type IssuedRefresh struct {
	Token     string
	TokenID   string
	Hash      string
	FamilyID  string
	ExpiresAt time.Time
}

func (c *Codec) IssueRefresh(userID, familyID string) (*IssuedRefresh, error) {
	now := time.Now()
	tokenID := uuid.New().String()
	expiresAt := now.Add(c.config.RefreshTokenExpire)

	if familyID == "" {
		familyID = uuid.New().String()
	}

	tok, err := jwt.NewBuilder().
		JwtID(tokenID).
		Issuer(c.config.Issuer).
		Audience([]string{c.config.Audience}).
		Subject(userID).
		IssuedAt(now).
		Expiration(expiresAt).
		NotBefore(now).
		Claim("family_id", familyID).
		Claim("type", string(KindRefresh)).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.ES256(), c.refresh.private))
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	return &IssuedRefresh{
		Token:     string(signed),
		TokenID:   tokenID,
		Hash:      core.HashToken(string(signed)),
		FamilyID:  familyID,
		ExpiresAt: expiresAt,
	}, nil
}

// Verify checks signature, expiry, issuer, audience and the type
// discriminator. The error kinds stay distinct here; the boundary decides
// what to flatten.
func (c *Codec) Verify(tokenString string, kind Kind) (*Claims, error) {
	key := c.access.public
	if kind == KindRefresh {
		key = c.refresh.public
	}

	tok, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.ES256(), key),
		jwt.WithValidate(true),
		jwt.WithIssuer(c.config.Issuer),
		jwt.WithAudience(c.config.Audience),
	)
	if err != nil {
		switch {
		case isExpiredError(err):
			return nil, fmt.Errorf("verify token: %w", core.ErrTokenExpired)
		case isClaimError(err):
			return nil, fmt.Errorf("verify token: %w", ErrWrongIssuer)
		case isSignatureError(err):
			return nil, fmt.Errorf("verify token: %w", core.ErrTokenInvalid)
		default:
			return nil, fmt.Errorf("verify token: %w", core.ErrTokenMalformed)
		}
	}

	var tokenType string
	if err := tok.Get("type", &tokenType); err != nil ||
		tokenType != string(kind) {
		return nil, fmt.Errorf("verify token: %w", ErrWrongType)
	}

	subject, ok := tok.Subject()
	if !ok || subject == "" {
		return nil, fmt.Errorf(
			"verify token: missing subject: %w",
			core.ErrTokenMalformed,
		)
	}

	tokenID, ok := tok.JwtID()
	if !ok || tokenID == "" {
		return nil, fmt.Errorf(
			"verify token: missing jti: %w",
			core.ErrTokenMalformed,
		)
	}

	expiration, _ := tok.Expiration()

	claims := &Claims{
		TokenID:   tokenID,
		UserID:    subject,
		Kind:      kind,
		ExpiresAt: expiration,
	}

	switch kind {
	case KindAccess:
		if err := tok.Get("role", &claims.Role); err != nil {
			return nil, fmt.Errorf(
				"verify token: missing role claim: %w",
				core.ErrTokenMalformed,
			)
		}
		permissions, err := permissionsClaim(tok)
		if err != nil {
			return nil, err
		}
		claims.Permissions = permissions
	case KindRefresh:
		if err := tok.Get("family_id", &claims.FamilyID); err != nil {
			return nil, fmt.Errorf(
				"verify token: missing family claim: %w",
				core.ErrTokenMalformed,
			)
		}
	}

	return claims, nil
}

// permissionsClaim decodes the permissions claim, which JSON parsing
// hands back as []any rather than []string. Absent or null is fine; a
// present claim of the wrong shape is not.
func permissionsClaim(tok jwt.Token) ([]string, error) {
	if !tok.Has("permissions") {
		return nil, nil
	}

	malformed := fmt.Errorf(
		"verify token: malformed permissions claim: %w",
		core.ErrTokenMalformed,
	)

	var raw any
	if err := tok.Get("permissions", &raw); err != nil {
		return nil, malformed
	}

	switch values := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return values, nil
	case []any:
		permissions := make([]string, 0, len(values))
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				return nil, malformed
			}
			permissions = append(permissions, s)
		}
		return permissions, nil
	default:
		return nil, malformed
	}
}

func isExpiredError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "exp") &&
		strings.Contains(errStr, "not satisfied")
}

func isClaimError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return (strings.Contains(errStr, "iss") ||
		strings.Contains(errStr, "aud")) &&
		strings.Contains(errStr, "not satisfied")
}

// isSignatureError matches only a failed signature check on a
// structurally valid token. Parse and format failures must fall through
// to the malformed classification, so the match is deliberately narrow.
func isSignatureError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "could not verify message")
}

func (c *Codec) JWKSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")

		if err := json.NewEncoder(w).Encode(c.publicJWKS); err != nil {
			http.Error(
				w,
				"Internal Server Error",
				http.StatusInternalServerError,
			)
			return
		}
	}
}

func (c *Codec) AccessTTL() time.Duration {
	return c.config.AccessTokenExpire
}

func (c *Codec) RefreshTTL() time.Duration {
	return c.config.RefreshTokenExpire
}
