package msacache

import (
	"crypto/sha256"
	"encoding/hex"
)

// ArchiveExt is appended to a cache key to form the blob name.
const ArchiveExt = ".zip"

// Key derives the cache key for a sequence generated with params: the
// lowercase hex SHA-256 of their concatenation. Keys are stable across
// processes and releases; changing this breaks every existing cache entry.
func Key(sequence, params string) string {
	sum := sha256.Sum256([]byte(sequence + params))
	return hex.EncodeToString(sum[:])
}

// BlobName is the remote name of the archive stored under key.
func BlobName(key string) string {
	return key + ArchiveExt
}
