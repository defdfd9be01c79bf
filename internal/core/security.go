// AngelaMos | 2026
// security.go

package core

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashToken is the storage and lookup digest for raw tokens. The input is
// a high-entropy random credential, so a fast deterministic hash is
// sufficient; a slow password KDF here would only add CPU cost per refresh.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func CompareTokenHash(token, hash string) bool {
	tokenHash := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(tokenHash), []byte(hash)) == 1
}
