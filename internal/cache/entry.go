// Package cache implements the tiered cache at the heart of the relay:
// an in-memory map in front of a key-value store, with oversized values
// routed to file storage and reads coerced toward the caller's type.
package cache

import (
	"encoding/json"
	"time"

	"github.com/flagdeck/flagdeck-relay/internal/storage"
	"github.com/flagdeck/flagdeck-relay/internal/value"
)

// Entry is one cached value with its expiry bounds. Entries are immutable
// once created; a Put under the same key builds a replacement entry.
type Entry struct {
	Key       string
	Value     value.Value
	CreatedAt time.Time
	ExpiresAt time.Time
	Metadata  map[string]string
}

// Expired reports whether the entry's expiry has passed at the given time.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// newEntry builds an entry expiring TTL from now. Callers have already
// rejected non-cacheable policies, so TTL is positive here.
func newEntry(key string, v value.Value, ttl time.Duration, metadata map[string]string, now time.Time) Entry {
	var md map[string]string
	if len(metadata) > 0 {
		md = make(map[string]string, len(metadata))
		for k, mv := range metadata {
			md[k] = mv
		}
	}
	return Entry{
		Key:       key,
		Value:     v,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Metadata:  md,
	}
}

// persistedInline is the key-value store encoding of an entry whose value
// travels inside the record.
type persistedInline struct {
	Value     json.RawMessage   `json:"value"`
	ExpiresAt int64             `json:"expiresAt"`
	CreatedAt int64             `json:"createdAt"`
	Key       string            `json:"key"`
	Metadata  map[string]string `json:"metadata"`
}

// persistedStub is the key-value store encoding of a file-backed entry.
// The value lives at <cacheDir>/<key>.json; the stub only carries the
// bookkeeping fields. It is a separate record shape, not a flag on the
// inline form, so a stub can never half-carry a value.
type persistedStub struct {
	IsFile    bool   `json:"isFile"`
	Key       string `json:"key"`
	ExpiresAt int64  `json:"expiresAt"`
	CreatedAt int64  `json:"createdAt"`
}

// encodeInline serializes an entry in the inline persisted form.
func encodeInline(e Entry) (string, error) {
	raw, err := e.Value.MarshalJSON()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(persistedInline{
		Value:     raw,
		ExpiresAt: e.ExpiresAt.UnixMilli(),
		CreatedAt: e.CreatedAt.UnixMilli(),
		Key:       e.Key,
		Metadata:  e.Metadata,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// encodeStub serializes the file-reference form of an entry.
func encodeStub(e Entry) (string, error) {
	data, err := json.Marshal(persistedStub{
		IsFile:    true,
		Key:       e.Key,
		ExpiresAt: e.ExpiresAt.UnixMilli(),
		CreatedAt: e.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodePersisted parses a persisted record into an entry, reporting
// whether it is a file-reference stub. Stub entries come back with a null
// value; the caller loads the bytes from file storage.
func decodePersisted(data string) (Entry, bool, error) {
	var probe struct {
		IsFile bool `json:"isFile"`
	}
	if err := json.Unmarshal([]byte(data), &probe); err != nil {
		return Entry{}, false, err
	}
	if probe.IsFile {
		var s persistedStub
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return Entry{}, false, err
		}
		return Entry{
			Key:       s.Key,
			CreatedAt: time.UnixMilli(s.CreatedAt),
			ExpiresAt: time.UnixMilli(s.ExpiresAt),
		}, true, nil
	}
	var in persistedInline
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		return Entry{}, false, err
	}
	v, err := value.Parse(in.Value)
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{
		Key:       in.Key,
		Value:     v,
		CreatedAt: time.UnixMilli(in.CreatedAt),
		ExpiresAt: time.UnixMilli(in.ExpiresAt),
		Metadata:  in.Metadata,
	}, false, nil
}

// fileName maps a cache key to its on-disk name for file-backed values.
func fileName(key string) string {
	return storage.SafeName(key) + ".json"
}
