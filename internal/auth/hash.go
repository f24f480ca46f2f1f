package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for API key hashing. Keys are hashed once at keyring
// construction and on every token exchange, so the cost sits at the
// interactive end of the RFC 9106 recommendations.
const (
	keyHashTime    = 1
	keyHashMemory  = 64 * 1024 // KiB
	keyHashThreads = 4
	keyHashLen     = 32
	keySaltLen     = 16
)

// HashAPIKey derives an Argon2id hash of a client API key. The encoded form
// carries the cost parameters so they can change between releases without
// breaking verification of hashes made under the old cost.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, keySaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	digest := argon2.IDKey([]byte(apiKey), salt, keyHashTime, keyHashMemory, keyHashThreads, keyHashLen)
	return fmt.Sprintf("argon2id$m=%d,t=%d,p=%d$%s$%s",
		keyHashMemory, keyHashTime, keyHashThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	), nil
}

// VerifyAPIKey reports whether apiKey matches the encoded hash. The digest
// comparison is constant time.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != "argon2id" {
		return false, fmt.Errorf("auth: malformed key hash")
	}
	var memory, timeCost uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[1], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return false, fmt.Errorf("auth: malformed key hash parameters: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, fmt.Errorf("auth: decode digest: %w", err)
	}
	got := argon2.IDKey([]byte(apiKey), salt, timeCost, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// DummyVerify burns one Argon2id derivation with the production cost. The
// keyring calls it for unknown client IDs so a token exchange takes the same
// time whether or not the client exists.
func DummyVerify() {
	argon2.IDKey([]byte("no-such-client"), make([]byte, keySaltLen), keyHashTime, keyHashMemory, keyHashThreads, keyHashLen)
}
