package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flagdeck/flagdeck-relay/internal/poller"
)

func newAdminRouter(t *testing.T) (*Handlers, http.Handler) {
	t.Helper()
	t.Setenv("ADMIN_API_TOKEN", "test-admin-token")
	h := newTestHandlers(t)
	return h, NewRouter(h)
}

func TestAdminRequiresToken(t *testing.T) {
	_, router := newAdminRouter(t)

	req := httptest.NewRequest("GET", "/admin/cache/stats", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", rr.Code)
	}

	req2 := httptest.NewRequest("GET", "/admin/cache/stats", nil)
	req2.Header.Set("Authorization", "Bearer wrong-token")
	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", rr2.Code)
	}
}

func TestAdminDisabledWithoutConfiguredToken(t *testing.T) {
	h := newTestHandlers(t)
	router := NewRouter(h)

	req := httptest.NewRequest("GET", "/admin/cache/stats", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when no token configured", rr.Code)
	}
}

func TestAdminCacheStats(t *testing.T) {
	h, router := newAdminRouter(t)
	seedFlags(t, h)

	req := httptest.NewRequest("GET", "/admin/cache/stats", nil)
	req.Header.Set("Authorization", "Bearer test-admin-token")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Flags struct {
			MemoryEntries int `json:"memoryEntries"`
		} `json:"flags"`
		Responses     map[string]any `json:"responses"`
		StreamClients int            `json:"streamClients"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Flags.MemoryEntries == 0 {
		t.Error("expected seeded entries in stats")
	}
	if body.Responses == nil {
		t.Error("expected response cache stats")
	}
}

func TestAdminInvalidateCache(t *testing.T) {
	h, router := newAdminRouter(t)
	seedFlags(t, h)

	// Warm the response cache
	warm := httptest.NewRecorder()
	router.ServeHTTP(warm, httptest.NewRequest("GET", "/sdk/flags", nil))
	if warm.Code != http.StatusOK {
		t.Fatalf("warmup status = %d, want 200", warm.Code)
	}

	req := httptest.NewRequest("POST", "/admin/cache/invalidate", nil)
	req.Header.Set("Authorization", "Bearer test-admin-token")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("invalidate status = %d, want 200; body: %s", rr.Code, rr.Body.String())
	}

	if h.rt.Cache.Contains(context.Background(), poller.DocumentKey) {
		t.Error("flag cache still holds document after invalidation")
	}
	if _, _, ok := h.resp.Get(flagsRespKey); ok {
		t.Error("response cache still holds rendered body after invalidation")
	}

	// With everything cleared the endpoint degrades to 503 until repoll
	after := httptest.NewRecorder()
	router.ServeHTTP(after, httptest.NewRequest("GET", "/sdk/flags", nil))
	if after.Code != http.StatusServiceUnavailable {
		t.Fatalf("post-invalidate status = %d, want 503", after.Code)
	}
}
