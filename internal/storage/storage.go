// Package storage provides the persistence backends the cache manager
// delegates to: a key/value tier (memory, file, postgres or redis) and a
// local file store for oversized values.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// KeyValueStore is the persistent tier sitting behind the in-memory cache
// map. Implementations must be safe for concurrent use.
type KeyValueStore interface {
	// GetString returns the stored value and whether the key was present.
	GetString(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key, val string) error
	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys lists all stored keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Clear removes every key visible to this store.
	Clear(ctx context.Context) error
}

// FileStore holds large serialized values on local disk. All names are
// slash-separated paths relative to CacheDir.
type FileStore interface {
	Exists(name string) bool
	ReadString(name string) (string, error)
	WriteString(name, data string) error
	// Delete removes the file. Deleting an absent file is not an error.
	Delete(name string) error
	CreateDir(name string) error
	// ListFiles returns the file names directly under dir, sorted. An empty
	// dir means the store root; a missing dir lists as empty.
	ListFiles(dir string) ([]string, error)
	CacheDir() string
}

// SafeName maps an arbitrary cache key to a filesystem-safe file name.
// Keys that are already safe pass through unchanged; anything sanitized or
// truncated gets a short content-hash suffix so distinct keys cannot
// collide on disk.
func SafeName(key string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	if mapped == key && len(mapped) <= 200 {
		return mapped
	}
	sum := sha256.Sum256([]byte(key))
	if len(mapped) > 200 {
		mapped = mapped[:200]
	}
	return mapped + "-" + hex.EncodeToString(sum[:4])
}
