// AngelaMos | 2026
// service.go

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelamos/sessiond/internal/core"
	"github.com/angelamos/sessiond/internal/token"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Service is the identity collaborator consumed by the token engine and
// the authentication gate. It owns password verification and the
// best-effort last-activity bookkeeping.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

func (s *Service) Login(
	ctx context.Context,
	email, password string,
) (*token.UserInfo, error) {
	user, err := s.repo.GetByEmail(ctx, strings.ToLower(email))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			//nolint:errcheck // timing attack prevention - always verify to prevent enumeration
			_, _ = VerifyPasswordTimingSafe(password, nil)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	valid, err := VerifyPasswordTimingSafe(password, &user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}

	if !valid {
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		return nil, fmt.Errorf("login: %w", core.ErrUserInactive)
	}

	return toUserInfo(user), nil
}

func (s *Service) FindByID(
	ctx context.Context,
	id string,
) (*token.UserInfo, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return toUserInfo(user), nil
}

func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Register(
	ctx context.Context,
	email, password, name string,
) (*User, error) {
	passwordHash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &User{
		ID:           uuid.New().String(),
		Email:        strings.ToLower(email),
		PasswordHash: passwordHash,
		Name:         name,
		Role:         RoleUser,
		IsActive:     true,
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	return user, nil
}

// ChangePassword verifies the current password before swapping in the new
// hash. The caller is responsible for revoking sessions issued under the
// old password.
func (s *Service) ChangePassword(
	ctx context.Context,
	userID, currentPassword, newPassword string,
) error {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	valid, err := VerifyPasswordTimingSafe(currentPassword, &user.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !valid {
		return ErrInvalidCredentials
	}

	passwordHash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.repo.UpdatePassword(ctx, userID, passwordHash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	return nil
}

// UpdateLastActivity is called from the request path and must never block
// it: the write runs on a detached context with its own short deadline and
// failures are only logged.
func (s *Service) UpdateLastActivity(userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(
			context.Background(),
			2*time.Second,
		)
		defer cancel()

		if err := s.repo.UpdateLastActivity(ctx, userID); err != nil {
			s.logger.Debug("last activity update failed",
				"user_id", userID,
				"error", err,
			)
		}
	}()
}

func (s *Service) Deactivate(ctx context.Context, userID string) error {
	return s.repo.SetActive(ctx, userID, false)
}

func toUserInfo(user *User) *token.UserInfo {
	return &token.UserInfo{
		ID:          user.ID,
		Role:        user.Role,
		Permissions: PermissionsForRole(user.Role),
		Active:      user.IsActive,
	}
}
