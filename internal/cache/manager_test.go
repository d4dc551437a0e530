package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flagdeck/flagdeck-relay/internal/cachesize"
	"github.com/flagdeck/flagdeck-relay/internal/conversion"
	"github.com/flagdeck/flagdeck-relay/internal/sdkerr"
	"github.com/flagdeck/flagdeck-relay/internal/storage"
	"github.com/flagdeck/flagdeck-relay/internal/value"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T, clock *fakeClock) (*Manager, *storage.Memory, *storage.Dir) {
	t.Helper()
	kv := storage.NewMemory()
	files, err := storage.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	m := NewManager(kv, files, conversion.NewManager(), cachesize.NewTracker(50), Options{
		KeyPrefix:          "test_",
		FileThresholdBytes: 64 * 1024,
		RefreshWindow:      0.2,
		Clock:              clock.Now,
	})
	return m, kv, files
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestPutThenGet(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, newFakeClock())

	if ok := m.Put(ctx, "flag_x", value.Bool(true), WithPolicy(Policy{TTL: time.Minute})); !ok {
		t.Fatal("Put returned false")
	}
	got, ok := m.GetValue(ctx, "flag_x")
	if !ok {
		t.Fatal("GetValue missed a value just stored")
	}
	if b, _ := got.AsBool(); !b {
		t.Errorf("GetValue = %v, want true", got)
	}
	if !m.Contains(ctx, "flag_x") {
		t.Error("Contains = false for a live entry")
	}
}

func TestGetAsCoercesRepresentation(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, newFakeClock())

	m.Put(ctx, "count", value.String("42"), WithPolicy(Policy{TTL: time.Minute}))

	if n, ok := GetAs[int64](ctx, m, "count"); !ok || n != 42 {
		t.Errorf("GetAs[int64] = %d, %v; want 42, true", n, ok)
	}
	if s, ok := GetAs[string](ctx, m, "count"); !ok || s != "42" {
		t.Errorf("GetAs[string] = %q, %v; want \"42\", true", s, ok)
	}
	// Conversion failures read as absent in the silent family.
	if _, ok := GetAs[bool](ctx, m, "count"); ok {
		t.Error("GetAs[bool] of \"42\" should fail")
	}
	if _, err := GetAsE[bool](ctx, m, "count"); sdkerr.CodeOf(err) != sdkerr.ErrConversionFailed {
		t.Errorf("GetAsE[bool] code = %v, want conversion failure", sdkerr.CodeOf(err))
	}
}

func TestNoCachingPolicyRejectsPut(t *testing.T) {
	ctx := context.Background()
	m, kv, _ := newTestManager(t, newFakeClock())

	if ok := m.Put(ctx, "k", value.Int(1), WithPolicy(NoCaching())); ok {
		t.Fatal("Put with NoCaching policy returned true")
	}
	if _, ok := m.GetValue(ctx, "k"); ok {
		t.Error("value stored despite NoCaching policy")
	}
	if kv.Len() != 0 {
		t.Errorf("key-value store has %d keys, want 0", kv.Len())
	}
	if err := m.PutE(ctx, "k", value.Int(1), WithPolicy(NoCaching())); sdkerr.CodeOf(err) != sdkerr.ErrCacheNoStore {
		t.Errorf("PutE code = %v, want no-store", sdkerr.CodeOf(err))
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m, _, _ := newTestManager(t, clock)

	m.Put(ctx, "flag_x", value.Bool(true), WithPolicy(Policy{TTL: time.Second}))
	clock.Advance(1500 * time.Millisecond)

	if _, ok := m.GetValue(ctx, "flag_x"); ok {
		t.Error("GetValue returned an expired entry")
	}
	if _, err := m.GetE(ctx, "flag_x"); sdkerr.CodeOf(err) != sdkerr.ErrCacheExpired {
		t.Errorf("GetE code = %v, want expired", sdkerr.CodeOf(err))
	}
	if m.Contains(ctx, "flag_x") {
		t.Error("Contains = true for an expired entry")
	}

	// The entry is retained: allowExpired still serves the last value.
	got, ok := m.GetValue(ctx, "flag_x", AllowExpired())
	if !ok {
		t.Fatal("AllowExpired read missed the retained entry")
	}
	if b, _ := got.AsBool(); !b {
		t.Errorf("AllowExpired read = %v, want true", got)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, newFakeClock())

	if !m.Remove(ctx, "never-stored") {
		t.Error("Remove of an absent key returned false")
	}

	m.Put(ctx, "k", value.Int(7), WithPolicy(Policy{TTL: time.Minute, Persist: true}))
	if !m.Remove(ctx, "k") {
		t.Error("Remove returned false")
	}
	if _, ok := m.GetValue(ctx, "k"); ok {
		t.Error("value still readable after Remove")
	}
}

func TestPersistWriteThrough(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m, kv, files := newTestManager(t, clock)

	m.Put(ctx, "doc", value.Map(map[string]value.Value{"a": value.Int(1)}),
		WithPolicy(Policy{TTL: time.Minute, Persist: true}),
		WithMetadata(map[string]string{"source": "test"}))

	raw, found, err := kv.GetString(ctx, "test_doc")
	if err != nil || !found {
		t.Fatalf("persisted entry not in kv store: %v, %v", found, err)
	}
	var enc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &enc); err != nil {
		t.Fatalf("persisted entry is not JSON: %v", err)
	}
	for _, field := range []string{"value", "expiresAt", "createdAt", "key", "metadata"} {
		if _, ok := enc[field]; !ok {
			t.Errorf("persisted entry lacks %q field", field)
		}
	}

	// A second manager over the same stores sees the entry via the kv tier.
	m2 := NewManager(kv, files, conversion.NewManager(), nil, Options{
		KeyPrefix: "test_", FileThresholdBytes: 64 * 1024, RefreshWindow: 0.2, Clock: clock.Now,
	})
	got, ok := m2.GetValue(ctx, "doc")
	if !ok {
		t.Fatal("second manager missed the persisted entry")
	}
	mp, _ := got.AsMap()
	if n, _ := mp["a"].AsInt(); n != 1 {
		t.Errorf("persisted round trip = %v", got)
	}
}

func TestLargeValueGoesToFileTier(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	kv := storage.NewMemory()
	files, err := storage.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	m := NewManager(kv, files, conversion.NewManager(), nil, Options{
		KeyPrefix: "test_", FileThresholdBytes: 16, RefreshWindow: 0.2, Clock: clock.Now,
	})

	big := value.String(strings.Repeat("x", 100))
	m.Put(ctx, "big", big, WithPolicy(Policy{TTL: time.Minute, Persist: true}))

	if !files.Exists("big.json") {
		t.Fatal("large value was not written to the file store")
	}
	raw, _, _ := kv.GetString(ctx, "test_big")
	var stub struct {
		IsFile bool   `json:"isFile"`
		Key    string `json:"key"`
	}
	if err := json.Unmarshal([]byte(raw), &stub); err != nil || !stub.IsFile || stub.Key != "big" {
		t.Errorf("persisted record is not a file stub: %s", raw)
	}

	got, ok := m.GetValue(ctx, "big")
	if !ok || !got.Equal(big) {
		t.Errorf("file-backed read = %v, %v", got, ok)
	}

	// A fresh manager resolves the stub through the kv tier and the file.
	m2 := NewManager(kv, files, conversion.NewManager(), nil, Options{
		KeyPrefix: "test_", FileThresholdBytes: 16, RefreshWindow: 0.2, Clock: clock.Now,
	})
	got, ok = m2.GetValue(ctx, "big")
	if !ok || !got.Equal(big) {
		t.Errorf("stub round trip = %v, %v", got, ok)
	}

	if !m.Remove(ctx, "big") {
		t.Error("Remove returned false")
	}
	if files.Exists("big.json") {
		t.Error("backing file survived Remove")
	}
}

func TestClearWipesEveryTier(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	kv := storage.NewMemory()
	files, err := storage.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	m := NewManager(kv, files, conversion.NewManager(), cachesize.NewTracker(50), Options{
		KeyPrefix: "test_", FileThresholdBytes: 16, RefreshWindow: 0.2, Clock: clock.Now,
	})

	m.Put(ctx, "small", value.Int(1), WithPolicy(Policy{TTL: time.Minute, Persist: true}))
	m.Put(ctx, "big", value.String(strings.Repeat("y", 100)), WithPolicy(Policy{TTL: time.Minute, Persist: true}))

	if !m.Clear(ctx) {
		t.Fatal("Clear returned false")
	}
	for _, key := range []string{"small", "big"} {
		if m.Contains(ctx, key) {
			t.Errorf("Contains(%q) = true after Clear", key)
		}
	}
	if kv.Len() != 0 {
		t.Errorf("kv store has %d keys after Clear", kv.Len())
	}
	if files.Exists("big.json") {
		t.Error("backing file survived Clear")
	}
}

func TestCorruptPersistedEntryReadsAsMiss(t *testing.T) {
	ctx := context.Background()
	m, kv, _ := newTestManager(t, newFakeClock())

	kv.SetString(ctx, "test_bad", "{not json")
	if _, ok := m.GetValue(ctx, "bad"); ok {
		t.Error("corrupt entry produced a value")
	}
	if _, err := m.GetE(ctx, "bad"); sdkerr.CodeOf(err) != sdkerr.ErrCacheCorrupt {
		t.Errorf("GetE code = %v, want corrupt", sdkerr.CodeOf(err))
	}
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, newFakeClock())

	m.Put(ctx, "k", value.Int(1), WithPolicy(Policy{TTL: time.Minute}))

	got, ok := m.Refresh(ctx, "k", func(context.Context) (value.Value, error) {
		return value.Int(2), nil
	})
	if !ok {
		t.Fatal("Refresh returned false")
	}
	if n, _ := got.AsInt(); n != 2 {
		t.Errorf("Refresh = %v, want 2", got)
	}

	// A failing provider leaves the previous value untouched.
	if _, ok := m.Refresh(ctx, "k", func(context.Context) (value.Value, error) {
		return value.Null(), sdkerr.Unavailable("")
	}); ok {
		t.Error("Refresh with failing provider returned true")
	}
	cur, _ := m.GetValue(ctx, "k")
	if n, _ := cur.AsInt(); n != 2 {
		t.Errorf("value after failed refresh = %v, want 2", cur)
	}

	// A panicking provider degrades the same way.
	if _, ok := m.Refresh(ctx, "k", func(context.Context) (value.Value, error) {
		panic("boom")
	}); ok {
		t.Error("Refresh with panicking provider returned true")
	}
}

func TestGetOrFetch(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, newFakeClock())

	var calls atomic.Int64
	provider := func(context.Context) (value.Value, error) {
		calls.Add(1)
		return value.String("fresh"), nil
	}

	got, ok := m.GetOrFetch(ctx, "k", provider, WithPolicy(Policy{TTL: time.Minute}))
	if !ok || calls.Load() != 1 {
		t.Fatalf("miss path: got %v, %v after %d calls", got, ok, calls.Load())
	}
	// The fetched value was stored; a second read does not hit the provider.
	got, ok = m.GetOrFetch(ctx, "k", provider, WithPolicy(Policy{TTL: time.Minute}))
	if !ok || calls.Load() != 1 {
		t.Errorf("hit path: %v, %v after %d calls", got, ok, calls.Load())
	}
	if s, _ := got.AsString(); s != "fresh" {
		t.Errorf("GetOrFetch = %v", got)
	}
}

func TestGetOrFetchNearExpiryTriggersBackgroundRefresh(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m, _, _ := newTestManager(t, clock)

	m.Put(ctx, "k", value.Int(1), WithPolicy(Policy{TTL: 10 * time.Second}))
	// 9.5s into a 10s TTL leaves 5% remaining, inside the 20% window.
	clock.Advance(9500 * time.Millisecond)

	var calls atomic.Int64
	got, ok := m.GetOrFetch(ctx, "k", func(context.Context) (value.Value, error) {
		calls.Add(1)
		return value.Int(2), nil
	})
	if !ok {
		t.Fatal("near-expiry read missed")
	}
	// The stale value comes back immediately.
	if n, _ := got.AsInt(); n != 1 {
		t.Errorf("near-expiry read = %v, want the cached 1", got)
	}
	if !waitUntil(t, time.Second, func() bool {
		v, ok := m.GetValue(ctx, "k")
		if !ok {
			return false
		}
		n, _ := v.AsInt()
		return n == 2
	}) {
		t.Error("background refresh never replaced the value")
	}
	if calls.Load() != 1 {
		t.Errorf("provider called %d times, want 1", calls.Load())
	}
}

func TestGetOrFetchBackgroundFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m, _, _ := newTestManager(t, clock)

	m.Put(ctx, "k", value.Int(1), WithPolicy(Policy{TTL: 10 * time.Second}))
	clock.Advance(9500 * time.Millisecond)

	var calls atomic.Int64
	got, ok := m.GetOrFetch(ctx, "k", func(context.Context) (value.Value, error) {
		calls.Add(1)
		panic("refresh exploded")
	})
	if !ok {
		t.Fatal("read failed because of a background refresh")
	}
	if n, _ := got.AsInt(); n != 1 {
		t.Errorf("read = %v, want 1", got)
	}
	waitUntil(t, 500*time.Millisecond, func() bool { return calls.Load() == 1 })
	// The cached value survives the failed refresh.
	cur, ok := m.GetValue(ctx, "k")
	if !ok {
		t.Fatal("value gone after failed background refresh")
	}
	if n, _ := cur.AsInt(); n != 1 {
		t.Errorf("value after failed refresh = %v, want 1", cur)
	}
}

func TestConversionStrategyManagement(t *testing.T) {
	m, _, _ := newTestManager(t, newFakeClock())

	const target = conversion.Target("temperature")
	if m.HasConversionStrategyFor(target) {
		t.Fatal("unexpected strategy for custom target")
	}
	err := m.RegisterConversionStrategy(conversion.Strategy{
		Name:   "celsius",
		Target: target,
		Convert: func(v value.Value) (value.Value, error) {
			f, _ := v.AsFloat()
			return value.Float(f - 273.15), nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !m.HasConversionStrategyFor(target) {
		t.Error("strategy not visible after registration")
	}
	if !m.RemoveConversionStrategy(target, "celsius") {
		t.Error("Remove returned false")
	}
	if m.HasConversionStrategyFor(target) {
		t.Error("strategy still visible after removal")
	}
}

func TestEvictionDrivesSizeDown(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	kv := storage.NewMemory()
	tracker := cachesize.NewTracker(1) // 1 MB budget
	m := NewManager(kv, nil, conversion.NewManager(), tracker, Options{
		KeyPrefix: "test_", FileThresholdBytes: 10 * 1024 * 1024, RefreshWindow: 0.2, Clock: clock.Now,
	})
	tracker.SetEvictionCallback(func(key string) bool {
		return m.Remove(ctx, key)
	})

	// ~200 KB per entry; six entries cross the 1 MB budget.
	payload := value.String(strings.Repeat("z", 200*1024))
	for _, key := range []string{"a", "b", "c", "d", "e", "f"} {
		m.Put(ctx, key, payload, WithPolicy(Policy{TTL: time.Minute}))
	}

	if !waitUntil(t, 2*time.Second, func() bool {
		s := tracker.Stats()
		return s.TotalBytes <= s.MaxBytes*8/10
	}) {
		t.Fatalf("eviction never drove the total under 80%%: %+v", tracker.Stats())
	}
	// Oldest-first: "a" goes before "f".
	if m.Contains(ctx, "a") && !m.Contains(ctx, "f") {
		t.Error("eviction removed newer entries before older ones")
	}
}
