package offlineedge

import (
	"fmt"
	"strings"
)

// BlobPrefix is the backend key prefix under which response bodies live.
const BlobPrefix = "blobs"

// BlobStorageKey returns the backend key for a body with hash h.
// Format: blobs/{hex[:2]}/{hex}
func BlobStorageKey(h Hash) string {
	hex := h.String()
	return BlobPrefix + "/" + hex[:2] + "/" + hex
}

// ParseBlobStorageKey recovers the hash from a backend key produced by
// BlobStorageKey.
func ParseBlobStorageKey(key string) (Hash, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != BlobPrefix {
		return Hash{}, fmt.Errorf("invalid blob key: %s", key)
	}
	h, err := ParseHash(parts[2])
	if err != nil {
		return Hash{}, fmt.Errorf("invalid blob key %s: %w", key, err)
	}
	if parts[1] != h.Dir() {
		return Hash{}, fmt.Errorf("blob key shard mismatch: %s", key)
	}
	return h, nil
}
