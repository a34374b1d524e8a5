package store

import (
	"crypto/sha1"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

// authSalt mirrors server/main.go's SALT constant, reused here for
// deriving the Redis `requirepass` value from an operator-provided
// pre-shared secret rather than storing it in plaintext config.
const authSalt = "osprey-store"

// DerivePassword expands a pre-shared secret into the password used for
// a Redis instance's requirepass, grounded on server/main.go's
// `pbkdf2.Key(config.Key, SALT, 4096, 32, sha1.New)` session-key
// derivation.
func DerivePassword(secret string) string {
	key := pbkdf2.Key([]byte(secret), []byte(authSalt), 4096, 32, sha1.New)
	return hex.EncodeToString(key)
}
