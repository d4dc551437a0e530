package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flagdeck/flagdeck-relay/internal/cachesize"
	"github.com/flagdeck/flagdeck-relay/internal/config"
	"github.com/flagdeck/flagdeck-relay/internal/conversion"
	"github.com/flagdeck/flagdeck-relay/internal/logger"
	"github.com/flagdeck/flagdeck-relay/internal/metrics"
	"github.com/flagdeck/flagdeck-relay/internal/sdkerr"
	"github.com/flagdeck/flagdeck-relay/internal/storage"
	"github.com/flagdeck/flagdeck-relay/internal/value"
)

// Provider produces a fresh value for a key, typically by calling the
// upstream flag API.
type Provider func(ctx context.Context) (value.Value, error)

// record is one memory-tier slot. File-backed entries keep only the stub
// here; the value is read from file storage on demand.
type record struct {
	entry  Entry
	isFile bool
}

// Options configures a Manager. Zero fields fall back to the configured
// defaults.
type Options struct {
	// KeyPrefix namespaces the manager's keys inside the key-value store.
	KeyPrefix string
	// FileThresholdBytes routes values whose serialized form exceeds it
	// through the file store.
	FileThresholdBytes int
	// RefreshWindow is the fraction of an entry's TTL under which a read
	// triggers a detached background refresh.
	RefreshWindow float64
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Manager is the tiered cache: an in-memory map in front of a key-value
// store, with oversized values held by a file store. All silent operations
// degrade to zero values; the E-suffixed family reports why they failed.
type Manager struct {
	mu         sync.Mutex
	mem        map[string]record
	policies   map[string]Policy
	refreshing map[string]bool

	kv    storage.KeyValueStore
	files storage.FileStore
	conv  *conversion.Manager
	sizes *cachesize.Tracker

	prefix        string
	fileThreshold int
	refreshWindow float64

	log *slog.Logger
	now func() time.Time
}

// NewManager wires a cache manager over its collaborators. files and
// sizes may be nil: without a file store every value is stored inline,
// and without a tracker no eviction accounting happens.
func NewManager(kv storage.KeyValueStore, files storage.FileStore, conv *conversion.Manager, sizes *cachesize.Tracker, opts Options) *Manager {
	cfg := config.Load()
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = cfg.CacheKeyPrefix
	}
	if opts.FileThresholdBytes <= 0 {
		opts.FileThresholdBytes = cfg.CacheFileThreshold
	}
	if opts.RefreshWindow <= 0 {
		opts.RefreshWindow = cfg.CacheRefreshWindow
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		mem:           make(map[string]record),
		policies:      make(map[string]Policy),
		refreshing:    make(map[string]bool),
		kv:            kv,
		files:         files,
		conv:          conv,
		sizes:         sizes,
		prefix:        opts.KeyPrefix,
		fileThreshold: opts.FileThresholdBytes,
		refreshWindow: opts.RefreshWindow,
		log:           logger.WithComponent("cache"),
		now:           opts.Clock,
	}
}

// Conversion returns the conversion manager used by the typed accessors.
func (m *Manager) Conversion() *conversion.Manager { return m.conv }

// RegisterConversionStrategy adds or replaces a runtime conversion strategy.
func (m *Manager) RegisterConversionStrategy(s conversion.Strategy) error {
	return m.conv.Register(s)
}

// RemoveConversionStrategy deletes a named strategy for a target.
func (m *Manager) RemoveConversionStrategy(target conversion.Target, name string) bool {
	return m.conv.Remove(target, name)
}

// HasConversionStrategyFor reports whether the target has any strategy.
func (m *Manager) HasConversionStrategyFor(target conversion.Target) bool {
	return m.conv.HasStrategyFor(target)
}

// GetOption adjusts a single read.
type GetOption func(*getOpts)

type getOpts struct {
	allowExpired bool
}

// AllowExpired lets a read return an entry whose TTL has passed. Expired
// entries are never deleted by reads, so the last stored value stays
// available to callers that prefer stale data over none.
func AllowExpired() GetOption {
	return func(o *getOpts) { o.allowExpired = true }
}

// PutOption adjusts a single write.
type PutOption func(*putOpts)

type putOpts struct {
	policy   Policy
	metadata map[string]string
}

// WithPolicy stores the entry under the given policy instead of the
// default one.
func WithPolicy(p Policy) PutOption {
	return func(o *putOpts) { o.policy = p }
}

// WithMetadata attaches string metadata to the entry.
func WithMetadata(md map[string]string) PutOption {
	return func(o *putOpts) { o.metadata = md }
}

// GetE reads a value, reporting why the read failed: miss, expired,
// corrupt persisted entry, or a storage failure. Expired entries are left
// in place.
func (m *Manager) GetE(ctx context.Context, key string, opts ...GetOption) (value.Value, error) {
	var o getOpts
	for _, opt := range opts {
		opt(&o)
	}

	rec, tier, err := m.lookup(ctx, key)
	if err != nil {
		return value.Null(), err
	}

	if rec.entry.Expired(m.now()) {
		metrics.CacheExpiredReads.Inc()
		if !o.allowExpired {
			return value.Null(), sdkerr.CacheExpired(key)
		}
	}

	v := rec.entry.Value
	if rec.isFile {
		tier = "file"
		v, err = m.readFileValue(key)
		if err != nil {
			return value.Null(), err
		}
	}
	metrics.CacheHits.WithLabelValues(tier).Inc()
	return v, nil
}

// GetValue is the silent form of GetE: any failure is a miss.
func (m *Manager) GetValue(ctx context.Context, key string, opts ...GetOption) (value.Value, bool) {
	v, err := m.GetE(ctx, key, opts...)
	if err != nil {
		return value.Null(), false
	}
	return v, true
}

// lookup finds the entry record for a key: memory first, then the
// key-value store. KV hits are promoted into memory. File-backed records
// come back with a null value; the caller reads the file if it needs one.
func (m *Manager) lookup(ctx context.Context, key string) (record, string, error) {
	m.mu.Lock()
	rec, ok := m.mem[key]
	m.mu.Unlock()
	if ok {
		return rec, "memory", nil
	}

	raw, found, err := m.kv.GetString(ctx, m.prefix+key)
	if err != nil {
		return record{}, "", sdkerr.Storage("get", err).WithDetail("key", key)
	}
	if !found {
		metrics.CacheMisses.Inc()
		return record{}, "", sdkerr.CacheMiss(key)
	}

	entry, isFile, err := decodePersisted(raw)
	if err != nil {
		metrics.CacheMisses.Inc()
		return record{}, "", sdkerr.CacheCorrupt(key, err)
	}
	rec = record{entry: entry, isFile: isFile}

	m.mu.Lock()
	// A concurrent Put wins over the promotion of an older persisted copy.
	if _, exists := m.mem[key]; !exists {
		m.mem[key] = rec
	}
	m.mu.Unlock()
	return rec, "kv", nil
}

// readFileValue loads and parses the file-backed value for a key.
func (m *Manager) readFileValue(key string) (value.Value, error) {
	if m.files == nil {
		return value.Null(), sdkerr.CacheCorrupt(key, fmt.Errorf("file-backed entry without a file store"))
	}
	raw, err := m.files.ReadString(fileName(key))
	if err != nil {
		metrics.CacheMisses.Inc()
		return value.Null(), sdkerr.CacheCorrupt(key, err)
	}
	v, err := value.Parse([]byte(raw))
	if err != nil {
		metrics.CacheMisses.Inc()
		return value.Null(), sdkerr.CacheCorrupt(key, err)
	}
	return v, nil
}

// PutE stores a value under the given options. A non-cacheable policy is
// rejected with a no-store error and nothing is written.
func (m *Manager) PutE(ctx context.Context, key string, v value.Value, opts ...PutOption) error {
	o := putOpts{policy: DefaultPolicy()}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.policy.Cacheable() {
		return sdkerr.CacheNoStore(key)
	}

	ent := newEntry(key, v, o.policy.TTL, o.metadata, m.now())

	raw, err := v.MarshalJSON()
	if err != nil {
		return sdkerr.Validation("value is not serializable").WithDetail("key", key)
	}

	isFile := m.files != nil && len(raw) > m.fileThreshold
	if isFile {
		if err := m.files.WriteString(fileName(key), string(raw)); err != nil {
			return sdkerr.Storage("write file", err).WithDetail("key", key)
		}
		metrics.CacheWrites.WithLabelValues("file").Inc()
	} else {
		metrics.CacheWrites.WithLabelValues("inline").Inc()
	}

	rec := record{entry: ent, isFile: isFile}
	if isFile {
		rec.entry.Value = value.Null()
	}
	m.mu.Lock()
	m.mem[key] = rec
	m.policies[key] = o.policy
	m.mu.Unlock()

	if o.policy.Persist {
		var data string
		if isFile {
			data, err = encodeStub(ent)
		} else {
			data, err = encodeInline(ent)
		}
		if err == nil {
			err = m.kv.SetString(ctx, m.prefix+key, data)
		}
		if err != nil {
			return sdkerr.Storage("persist", err).WithDetail("key", key)
		}
	}

	if m.sizes != nil {
		m.sizes.Track(key, v)
	}
	return nil
}

// Put is the silent form of PutE. It reports false both for policy
// rejections and for storage failures.
func (m *Manager) Put(ctx context.Context, key string, v value.Value, opts ...PutOption) bool {
	if err := m.PutE(ctx, key, v, opts...); err != nil {
		if sdkerr.CodeOf(err) != sdkerr.ErrCacheNoStore {
			m.log.Debug("put failed", "key", key, "error", err)
		}
		return false
	}
	return true
}

// RemoveE deletes a key from every tier. Removing an absent key is not an
// error; only a storage failure is.
func (m *Manager) RemoveE(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.mem, key)
	delete(m.policies, key)
	m.mu.Unlock()

	var firstErr error
	if err := m.kv.Remove(ctx, m.prefix+key); err != nil {
		firstErr = sdkerr.Storage("remove", err).WithDetail("key", key)
	}
	if m.files != nil {
		if err := m.files.Delete(fileName(key)); err != nil && firstErr == nil {
			firstErr = sdkerr.Storage("delete file", err).WithDetail("key", key)
		}
	}
	if m.sizes != nil {
		m.sizes.Untrack(key)
	}
	return firstErr
}

// Remove is the silent form of RemoveE: true whenever the key is gone,
// including when it never existed.
func (m *Manager) Remove(ctx context.Context, key string) bool {
	if err := m.RemoveE(ctx, key); err != nil {
		m.log.Debug("remove failed", "key", key, "error", err)
		return false
	}
	return true
}

// ClearE wipes the memory map, every persisted key under the manager's
// prefix, and the cache file directory.
func (m *Manager) ClearE(ctx context.Context) error {
	m.mu.Lock()
	m.mem = make(map[string]record)
	m.policies = make(map[string]Policy)
	m.mu.Unlock()

	var firstErr error
	keys, err := m.kv.Keys(ctx, m.prefix)
	if err != nil {
		firstErr = sdkerr.Storage("list", err)
	}
	for _, k := range keys {
		if err := m.kv.Remove(ctx, k); err != nil && firstErr == nil {
			firstErr = sdkerr.Storage("remove", err).WithDetail("key", k)
		}
	}

	if m.files != nil {
		names, err := m.files.ListFiles("")
		if err != nil && firstErr == nil {
			firstErr = sdkerr.Storage("list files", err)
		}
		for _, name := range names {
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			if err := m.files.Delete(name); err != nil && firstErr == nil {
				firstErr = sdkerr.Storage("delete file", err).WithDetail("file", name)
			}
		}
	}

	if m.sizes != nil {
		m.sizes.Clear()
	}
	return firstErr
}

// Clear is the silent form of ClearE.
func (m *Manager) Clear(ctx context.Context) bool {
	if err := m.ClearE(ctx); err != nil {
		m.log.Debug("clear failed", "error", err)
		return false
	}
	return true
}

// ContainsE reports presence of a live entry, distinguishing a miss from
// an expired entry.
func (m *Manager) ContainsE(ctx context.Context, key string) error {
	rec, _, err := m.lookup(ctx, key)
	if err != nil {
		return err
	}
	if rec.entry.Expired(m.now()) {
		return sdkerr.CacheExpired(key)
	}
	return nil
}

// Contains reports whether a present, non-expired entry exists for key.
func (m *Manager) Contains(ctx context.Context, key string) bool {
	return m.ContainsE(ctx, key) == nil
}

// RefreshE unconditionally invokes the provider. On success the fresh
// value is stored under the key's previous policy (or the default when the
// key is new) and returned; on failure the previous entry stays untouched.
func (m *Manager) RefreshE(ctx context.Context, key string, provider Provider) (value.Value, error) {
	v, err := safeProvide(ctx, provider)
	if err != nil {
		return value.Null(), err
	}
	if err := m.PutE(ctx, key, v, WithPolicy(m.policyFor(key))); err != nil {
		return value.Null(), err
	}
	return v, nil
}

// Refresh is the silent form of RefreshE.
func (m *Manager) Refresh(ctx context.Context, key string, provider Provider) (value.Value, bool) {
	v, err := m.RefreshE(ctx, key, provider)
	if err != nil {
		m.log.Debug("refresh failed", "key", key, "error", err)
		return value.Null(), false
	}
	return v, true
}

// GetOrFetchE returns the cached value when one is live. A hit inside the
// near-expiry window additionally fires a detached background refresh and
// still returns the cached value immediately. On a miss the provider is
// invoked, its result stored under the put options, and returned.
func (m *Manager) GetOrFetchE(ctx context.Context, key string, provider Provider, opts ...PutOption) (value.Value, error) {
	v, err := m.GetE(ctx, key)
	if err == nil {
		if m.nearExpiry(key) {
			m.backgroundRefresh(key, provider)
		}
		return v, nil
	}

	v, err = safeProvide(ctx, provider)
	if err != nil {
		return value.Null(), err
	}
	if putErr := m.PutE(ctx, key, v, opts...); putErr != nil && sdkerr.CodeOf(putErr) != sdkerr.ErrCacheNoStore {
		// The caller got a good value; a failed store only costs the next
		// caller a fetch.
		m.log.Debug("storing fetched value failed", "key", key, "error", putErr)
	}
	return v, nil
}

// GetOrFetch is the silent form of GetOrFetchE.
func (m *Manager) GetOrFetch(ctx context.Context, key string, provider Provider, opts ...PutOption) (value.Value, bool) {
	v, err := m.GetOrFetchE(ctx, key, provider, opts...)
	if err != nil {
		return value.Null(), false
	}
	return v, true
}

// policyFor returns the policy the key was last stored under, or the
// default.
func (m *Manager) policyFor(key string) Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.policies[key]; ok {
		return p
	}
	return DefaultPolicy()
}

// nearExpiry reports whether the key's entry is live but has less than
// refreshWindow of its TTL remaining.
func (m *Manager) nearExpiry(key string) bool {
	m.mu.Lock()
	rec, ok := m.mem[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	now := m.now()
	remaining := rec.entry.ExpiresAt.Sub(now)
	ttl := rec.entry.ExpiresAt.Sub(rec.entry.CreatedAt)
	if remaining <= 0 || ttl <= 0 {
		return false
	}
	return float64(remaining) < m.refreshWindow*float64(ttl)
}

// backgroundRefresh refreshes key on a detached goroutine. At most one
// refresh runs per key; its failure is logged and counted, never surfaced
// to the read that triggered it.
func (m *Manager) backgroundRefresh(key string, provider Provider) {
	m.mu.Lock()
	if m.refreshing[key] {
		m.mu.Unlock()
		return
	}
	m.refreshing[key] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Warn("background refresh panicked", "key", key, "panic", r)
			}
			m.mu.Lock()
			delete(m.refreshing, key)
			m.mu.Unlock()
		}()

		ctx := context.Background()
		v, err := safeProvide(ctx, provider)
		if err != nil {
			metrics.CacheBackgroundRefreshes.WithLabelValues("failure").Inc()
			m.log.Debug("background refresh failed", "key", key, "error", err)
			return
		}
		if err := m.PutE(ctx, key, v, WithPolicy(m.policyFor(key))); err != nil {
			metrics.CacheBackgroundRefreshes.WithLabelValues("failure").Inc()
			m.log.Debug("background refresh store failed", "key", key, "error", err)
			return
		}
		metrics.CacheBackgroundRefreshes.WithLabelValues("success").Inc()
	}()
}

// Stats is a snapshot of the cache for the admin surface.
type Stats struct {
	MemoryEntries int             `json:"memoryEntries"`
	Size          cachesize.Stats `json:"size"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	entries := len(m.mem)
	m.mu.Unlock()
	s := Stats{MemoryEntries: entries}
	if m.sizes != nil {
		s.Size = m.sizes.Stats()
	}
	return s
}

// safeProvide invokes a provider, converting a panic into an internal
// error.
func safeProvide(ctx context.Context, provider Provider) (out value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = value.Null()
			err = sdkerr.Internal(fmt.Errorf("provider panicked: %v", r))
		}
	}()
	return provider(ctx)
}
