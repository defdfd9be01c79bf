// AngelaMos | 2026
// gate.go

package identity

import (
	"context"

	"github.com/angelamos/sessiond/internal/middleware"
)

// GateAdapter exposes the service to the authentication gate without
// leaking token-package types into the middleware layer.
type GateAdapter struct {
	svc *Service
}

func NewGateAdapter(svc *Service) GateAdapter {
	return GateAdapter{svc: svc}
}

func (a GateAdapter) FindByID(
	ctx context.Context,
	id string,
) (*middleware.GateUser, error) {
	user, err := a.svc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return &middleware.GateUser{
		ID:          user.ID,
		Role:        user.Role,
		Permissions: PermissionsForRole(user.Role),
		Active:      user.IsActive,
	}, nil
}

func (a GateAdapter) UpdateLastActivity(userID string) {
	a.svc.UpdateLastActivity(userID)
}
