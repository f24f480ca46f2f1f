package auth

import (
	"fmt"
	"sort"
)

// Keyring holds the Argon2id hashes of the configured API keys. Plaintext
// keys are hashed at startup and discarded; authentication compares hashes
// in constant time.
type Keyring struct {
	hashes map[string]string // client id → encoded hash
}

// NewKeyring hashes the configured plaintext keys. An empty map yields a
// keyring that rejects everything; the server treats that as auth disabled.
func NewKeyring(keys map[string]string) (*Keyring, error) {
	kr := &Keyring{hashes: make(map[string]string, len(keys))}
	for id, secret := range keys {
		hashed, err := HashAPIKey(secret)
		if err != nil {
			return nil, fmt.Errorf("auth: hash key for %q: %w", id, err)
		}
		kr.hashes[id] = hashed
	}
	return kr, nil
}

// Empty reports whether no keys are configured.
func (k *Keyring) Empty() bool { return len(k.hashes) == 0 }

// Authenticate verifies clientID/secret. Unknown client IDs burn the same
// hashing cost as real checks so timing does not reveal which IDs exist.
func (k *Keyring) Authenticate(clientID, secret string) bool {
	encoded, ok := k.hashes[clientID]
	if !ok {
		DummyVerify()
		return false
	}
	match, err := VerifyAPIKey(secret, encoded)
	return err == nil && match
}

// ClientIDs returns the configured client IDs, sorted.
func (k *Keyring) ClientIDs() []string {
	ids := make([]string, 0, len(k.hashes))
	for id := range k.hashes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
