// AngelaMos | 2026
// record.go

package token

import (
	"time"
)

// Record is one persisted refresh token. IsUsed transitions false to true
// exactly once; a second consumption attempt on the same record is treated
// as theft and escalates to family compromise.
type Record struct {
	ID           string     `db:"id"`
	UserID       string     `db:"user_id"`
	TokenHash    string     `db:"token_hash"`
	FamilyID     string     `db:"family_id"`
	ExpiresAt    time.Time  `db:"expires_at"`
	CreatedAt    time.Time  `db:"created_at"`
	IsUsed       bool       `db:"is_used"`
	LastUsedAt   *time.Time `db:"last_used_at"`
	RevokedAt    *time.Time `db:"revoked_at"`
	ReplacedByID *string    `db:"replaced_by_id"`
	UserAgent    string     `db:"user_agent"`
	IPAddress    string     `db:"ip_address"`
}

func (r *Record) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

func (r *Record) IsRevoked() bool {
	return r.RevokedAt != nil
}

func (r *Record) IsValid() bool {
	return !r.IsExpired() && !r.IsRevoked() && !r.IsUsed
}

// CompromisedFamily marks an entire token lineage as stolen. Once written,
// every token ever issued under the family fails future refresh attempts,
// including tokens that were never consumed.
type CompromisedFamily struct {
	FamilyID      string    `db:"family_id"`
	UserID        string    `db:"user_id"`
	Reason        string    `db:"reason"`
	CompromisedAt time.Time `db:"compromised_at"`
}

// Stats is the aggregate view exposed to operators.
type Stats struct {
	ActiveTokens        int64 `json:"active_tokens"`
	RevokedTokens       int64 `json:"revoked_tokens"`
	CompromisedFamilies int64 `json:"compromised_families"`
}
