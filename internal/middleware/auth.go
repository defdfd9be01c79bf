// AngelaMos | 2026
// auth.go

package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/angelamos/sessiond/internal/core"
)

type contextKey string

const (
	UserIDKey          contextKey = "user_id"
	UserRoleKey        contextKey = "user_role"
	UserPermissionsKey contextKey = "user_permissions"
	ClaimsKey          contextKey = "jwt_claims"
)

type AccessTokenClaims struct {
	UserID      string
	Role        string
	Permissions []string
}

type TokenVerifier interface {
	VerifyAccessToken(
		ctx context.Context,
		token string,
	) (*AccessTokenClaims, error)
}

type GateUser struct {
	ID          string
	Role        string
	Permissions []string
	Active      bool
}

type IdentityProvider interface {
	FindByID(ctx context.Context, id string) (*GateUser, error)
	UpdateLastActivity(userID string)
}

// Authenticator is the per-request gate: bearer extraction, stateless
// token verification, identity lookup, context population and a
// best-effort last-activity touch. Failure kinds stay distinct so clients
// can tell refresh-worthy failures from relogin-worthy ones.
func Authenticator(
	verifier TokenVerifier,
	identities IdentityProvider,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractBearerToken(r)
			if err != nil {
				core.JSONError(w, headerError(err))
				return
			}

			claims, err := verifier.VerifyAccessToken(r.Context(), token)
			if err != nil {
				handleAuthError(w, err)
				return
			}

			user, err := identities.FindByID(r.Context(), claims.UserID)
			if err != nil {
				if errors.Is(err, core.ErrNotFound) {
					core.JSONError(w, core.NewAppError(
						core.ErrNotFound,
						"user no longer exists",
						http.StatusUnauthorized,
						"USER_NOT_FOUND",
					))
					return
				}
				core.InternalServerError(w, err)
				return
			}

			if !user.Active {
				core.JSONError(w, core.UserInactiveError())
				return
			}

			identities.UpdateLastActivity(user.ID)

			ctx := r.Context()
			ctx = context.WithValue(ctx, UserIDKey, claims.UserID)
			ctx = context.WithValue(ctx, UserRoleKey, user.Role)
			ctx = context.WithValue(ctx, UserPermissionsKey, user.Permissions)
			ctx = context.WithValue(ctx, ClaimsKey, claims)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequireRole(roles ...string) func(http.Handler) http.Handler {
	roleSet := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		roleSet[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userRole := GetUserRole(r.Context())

			if userRole == "" {
				core.JSONError(
					w,
					core.UnauthorizedError("authentication required"),
				)
				return
			}

			if _, ok := roleSet[userRole]; !ok {
				core.JSONError(
					w,
					core.ForbiddenError("insufficient permissions"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func RequireAdmin(next http.Handler) http.Handler {
	return RequireRole("admin")(next)
}

func RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range GetUserPermissions(r.Context()) {
				if p == permission {
					next.ServeHTTP(w, r)
					return
				}
			}

			core.JSONError(w, core.ForbiddenError("insufficient permissions"))
		})
	}
}

var (
	errMissingHeader   = errors.New("missing authorization header")
	errMalformedHeader = errors.New("malformed authorization header")
)

func ExtractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errMissingHeader
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errMalformedHeader
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errMalformedHeader
	}

	return token, nil
}

func headerError(err error) *core.AppError {
	if errors.Is(err, errMissingHeader) {
		return core.NewAppError(
			core.ErrTokenInvalid,
			"missing authorization token",
			http.StatusUnauthorized,
			"AUTH_HEADER_MISSING",
		)
	}
	return core.NewAppError(
		core.ErrTokenInvalid,
		"malformed authorization header",
		http.StatusUnauthorized,
		"AUTH_HEADER_MALFORMED",
	)
}

func handleAuthError(w http.ResponseWriter, err error) {
	if core.IsAppError(err) {
		core.JSONError(w, err)
		return
	}

	switch {
	case errors.Is(err, core.ErrTokenExpired):
		core.JSONError(w, core.TokenExpiredError())
	case errors.Is(err, core.ErrTokenRevoked):
		core.JSONError(w, core.TokenRevokedError())
	default:
		core.JSONError(w, core.TokenInvalidError())
	}
}

func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDKey).(string); ok {
		return id
	}
	return ""
}

func GetUserRole(ctx context.Context) string {
	if role, ok := ctx.Value(UserRoleKey).(string); ok {
		return role
	}
	return ""
}

func GetUserPermissions(ctx context.Context) []string {
	if perms, ok := ctx.Value(UserPermissionsKey).([]string); ok {
		return perms
	}
	return nil
}

func GetClaims(ctx context.Context) *AccessTokenClaims {
	if claims, ok := ctx.Value(ClaimsKey).(*AccessTokenClaims); ok {
		return claims
	}
	return nil
}

func IsAuthenticated(ctx context.Context) bool {
	return GetUserID(ctx) != ""
}

func IsAdmin(ctx context.Context) bool {
	return GetUserRole(ctx) == "admin"
}
