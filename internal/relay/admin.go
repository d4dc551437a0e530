package relay

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/flagdeck/flagdeck-relay/internal/config"
	"github.com/flagdeck/flagdeck-relay/internal/sdkerr"
)

// RequireAdmin gates a handler behind the configured bearer token.
// With no token configured the admin surface is disabled entirely.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := config.Load().AdminAPIToken
		if token == "" {
			sdkerr.WriteErrorWithContext(w, r, sdkerr.Unavailable("admin API is not configured"))
			return
		}

		supplied := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if supplied == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
			sdkerr.WriteErrorWithContext(w, r, sdkerr.AuthFailed("invalid admin token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// InvalidateCache clears the flag cache and the rendered-response cache.
// The next poll cycle repopulates them from upstream.
// POST /admin/cache/invalidate
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	if !h.rt.Cache.Clear(r.Context()) {
		sdkerr.WriteErrorWithContext(w, r, sdkerr.New(sdkerr.ErrStorage, "clearing cache failed"))
		return
	}
	h.resp.Clear()
	h.log.Info("cache invalidated by admin request")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"message": "cache invalidated",
	})
}

// CacheStats returns counters from the flag cache and the
// rendered-response cache.
// GET /admin/cache/stats
func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	cs := h.rt.Cache.Stats()
	rs := h.resp.Stats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"flags": map[string]any{
			"memoryEntries": cs.MemoryEntries,
			"trackedBytes":  cs.Size.TotalBytes,
			"maxBytes":      cs.Size.MaxBytes,
			"trackedKeys":   cs.Size.EntryCount,
			"utilization":   cs.Size.Utilization,
		},
		"responses": map[string]any{
			"hits":      rs.Hits,
			"misses":    rs.Misses,
			"keysAdded": rs.KeysAdded,
			"evictions": rs.Evictions,
			"sizeBytes": rs.Size,
			"items":     rs.Items,
		},
		"streamClients": h.hub.ClientCount(),
	})
}
