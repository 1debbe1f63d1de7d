package evaluation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// KeyPrefix namespaces evaluation entries in the cache
const KeyPrefix = "eval:"

// CacheKey derives the cache key for an evaluation. Context maps are encoded
// with sorted keys at every depth, so insertion order never changes the key,
// and a nil context equals an empty one. Contexts that cannot be encoded as
// JSON return an error and must not be cached.
func CacheKey(agentType, responseText string, attrs map[string]interface{}) (string, error) {
	encoded := []byte("{}")
	if len(attrs) > 0 {
		var err error
		encoded, err = json.Marshal(attrs)
		if err != nil {
			return "", fmt.Errorf("context is not cacheable: %w", err)
		}
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(agentType))
	h.Write([]byte{0})
	h.Write([]byte(responseText))
	h.Write([]byte{0})
	h.Write(encoded)

	return KeyPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
