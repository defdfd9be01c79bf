// AngelaMos | 2026
// handler.go

package token

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/angelamos/sessiond/internal/core"
	"github.com/angelamos/sessiond/internal/middleware"
)

const refreshCookieName = "refresh_token"

type Authenticator interface {
	Login(
		ctx context.Context,
		email, password string,
	) (*UserInfo, error)
}

type Handler struct {
	engine     *Engine
	auth       Authenticator
	validator  *validator.Validate
	cookiePath string
	secure     bool
}

func NewHandler(
	engine *Engine,
	auth Authenticator,
	cookiePath string,
	secure bool,
) *Handler {
	return &Handler{
		engine:     engine,
		auth:       auth,
		validator:  validator.New(validator.WithRequiredStructEnabled()),
		cookiePath: cookiePath,
		secure:     secure,
	}
}

func (h *Handler) RegisterRoutes(
	r chi.Router,
	authenticator func(http.Handler) http.Handler,
	adminOnly func(http.Handler) http.Handler,
) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(authenticator)
			r.Post("/logout", h.Logout)
			r.Post("/logout-all", h.LogoutAll)
			r.Get("/sessions", h.GetSessions)
			r.Delete("/sessions/{sessionID}", h.RevokeSession)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(authenticator)
		r.Use(adminOnly)
		r.Get("/tokens/stats", h.GetStats)
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		core.BadRequest(w, core.FormatValidationError(err))
		return
	}

	user, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		core.JSONError(w, core.UnauthorizedError("invalid email or password"))
		return
	}

	pair, err := h.engine.GenerateTokenPair(
		r.Context(),
		*user,
		r.UserAgent(),
		extractIPAddress(r),
	)
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken)
	core.OK(w, pair)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	rawToken := h.refreshTokenFromRequest(r)
	if rawToken == "" {
		h.clearRefreshCookie(w)
		core.JSONError(w, core.TokenInvalidError())
		return
	}

	pair, err := h.engine.RefreshTokens(
		r.Context(),
		rawToken,
		r.UserAgent(),
		extractIPAddress(r),
	)
	if err != nil {
		// Every failure clears the cookie so the client re-logins cleanly
		// instead of replaying a dead credential.
		h.clearRefreshCookie(w)
		h.writeRefreshError(w, err)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken)
	core.OK(w, pair)
}

func (h *Handler) writeRefreshError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenReuse):
		core.JSONError(w, core.NewAppError(
			core.ErrTokenRevoked,
			"security alert: token reuse detected, all sessions revoked",
			http.StatusUnauthorized,
			"TOKEN_REUSE_DETECTED",
		))
	case errors.Is(err, ErrFamilyCompromised):
		core.JSONError(w, core.NewAppError(
			core.ErrTokenRevoked,
			"token family compromised, please log in again",
			http.StatusUnauthorized,
			"FAMILY_COMPROMISED",
		))
	case errors.Is(err, core.ErrTokenExpired):
		core.JSONError(w, core.TokenExpiredError())
	case errors.Is(err, core.ErrTokenRevoked):
		core.JSONError(w, core.TokenRevokedError())
	case errors.Is(err, core.ErrUserInactive):
		core.JSONError(w, core.UserInactiveError())
	case errors.Is(err, core.ErrStoreUnavailable):
		core.JSONError(w, core.StoreUnavailableError())
	case errors.Is(err, core.ErrTokenInvalid),
		errors.Is(err, core.ErrTokenMalformed),
		errors.Is(err, core.ErrNotFound):
		// Signature, format and not-found failures flatten to one generic
		// outcome; the split stays in logs only.
		core.JSONError(w, core.TokenInvalidError())
	default:
		core.InternalServerError(w, err)
	}
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		core.Unauthorized(w, "")
		return
	}

	rawToken := h.refreshTokenFromRequest(r)
	if rawToken != "" {
		err := h.engine.RevokeRefreshToken(r.Context(), rawToken, userID)
		if err != nil {
			if errors.Is(err, core.ErrForbidden) {
				core.Forbidden(w, "cannot revoke another user's token")
				return
			}
			core.InternalServerError(w, err)
			return
		}
	}

	h.clearRefreshCookie(w)
	core.NoContent(w)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		core.Unauthorized(w, "")
		return
	}

	if err := h.engine.RevokeAllUserTokens(r.Context(), userID); err != nil {
		core.InternalServerError(w, err)
		return
	}

	h.clearRefreshCookie(w)
	core.NoContent(w)
}

func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		core.Unauthorized(w, "")
		return
	}

	records, err := h.engine.ActiveSessions(r.Context(), userID)
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	sessions := make([]SessionInfo, 0, len(records))
	for _, rec := range records {
		sessions = append(sessions, SessionInfo{
			ID:        rec.ID,
			UserAgent: rec.UserAgent,
			IPAddress: rec.IPAddress,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
		})
	}

	core.OK(w, SessionsResponse{Sessions: sessions})
}

func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		core.Unauthorized(w, "")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		core.BadRequest(w, "session ID required")
		return
	}

	if err := h.engine.RevokeSession(r.Context(), userID, sessionID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			core.NotFound(w, "session")
			return
		}
		if errors.Is(err, core.ErrForbidden) {
			core.Forbidden(w, "cannot revoke another user's session")
			return
		}
		core.InternalServerError(w, err)
		return
	}

	core.NoContent(w)
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		if errors.Is(err, core.ErrStoreUnavailable) {
			core.JSONError(w, core.StoreUnavailableError())
			return
		}
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, stats)
}

func (h *Handler) refreshTokenFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     h.cookiePath,
		MaxAge:   int(h.engine.codec.RefreshTTL() / time.Second),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     h.cookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func extractIPAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[len(ips)-1])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
