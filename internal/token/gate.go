// AngelaMos | 2026
// gate.go

package token

import (
	"context"

	"github.com/angelamos/sessiond/internal/middleware"
)

// VerifyAccessToken satisfies middleware.TokenVerifier. Validity is
// decided purely by signature and claims; no store lookup happens here.
func (c *Codec) VerifyAccessToken(
	ctx context.Context,
	tokenString string,
) (*middleware.AccessTokenClaims, error) {
	claims, err := c.Verify(tokenString, KindAccess)
	if err != nil {
		return nil, err
	}

	return &middleware.AccessTokenClaims{
		UserID:      claims.UserID,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}, nil
}
