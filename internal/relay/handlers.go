// Package relay exposes the flag configuration over HTTP: the SDK
// endpoints, a websocket update stream, health and metrics, and the
// token-gated admin surface.
package relay

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flagdeck/flagdeck-relay/internal/logger"
	"github.com/flagdeck/flagdeck-relay/internal/metrics"
	"github.com/flagdeck/flagdeck-relay/internal/poller"
	"github.com/flagdeck/flagdeck-relay/internal/respcache"
	"github.com/flagdeck/flagdeck-relay/internal/runtime"
	"github.com/flagdeck/flagdeck-relay/internal/sdkerr"
)

const flagsRespKey = "flags:all"

// Handlers bundles the dependencies of the relay HTTP endpoints.
type Handlers struct {
	rt      *runtime.Runtime
	resp    *respcache.Cache
	hub     *Hub
	version func() int64
	log     *slog.Logger
}

// NewHandlers builds the endpoint set. version reports the currently
// served configuration version, zero when nothing is loaded yet.
func NewHandlers(rt *runtime.Runtime, resp *respcache.Cache, hub *Hub, version func() int64) *Handlers {
	if version == nil {
		version = func() int64 { return 0 }
	}
	return &Handlers{
		rt:      rt,
		resp:    resp,
		hub:     hub,
		version: version,
		log:     logger.WithComponent("relay"),
	}
}

// Health returns a simple JSON payload to indicate the relay is alive.
// GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": h.version(),
	})
}

// Flags serves the whole flag document.
// GET /sdk/flags
func (h *Handlers) Flags(w http.ResponseWriter, r *http.Request) {
	if body, etag, ok := h.resp.Get(flagsRespKey); ok {
		metrics.RespCacheHits.WithLabelValues("flags").Inc()
		h.writeJSON(w, r, body, etag)
		return
	}
	metrics.RespCacheMisses.WithLabelValues("flags").Inc()

	doc, ok := h.rt.Cache.GetValue(r.Context(), poller.DocumentKey)
	if !ok {
		sdkerr.WriteErrorWithContext(w, r, sdkerr.Unavailable("flag configuration not loaded yet"))
		return
	}

	body, err := json.Marshal(doc)
	if err != nil {
		sdkerr.WriteErrorWithContext(w, r, sdkerr.Internal(err))
		return
	}

	etag := weakETag(body)
	h.resp.Set(flagsRespKey, body, etag, 0)
	h.writeJSON(w, r, body, etag)
}

// flagResponse is the per-flag payload.
type flagResponse struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
	Version int64           `json:"version"`
}

// Flag serves a single flag by key.
// GET /sdk/flags/{key}
func (h *Handlers) Flag(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	respKey := "flag:" + key

	if body, etag, ok := h.resp.Get(respKey); ok {
		metrics.RespCacheHits.WithLabelValues("flag").Inc()
		h.writeJSON(w, r, body, etag)
		return
	}
	metrics.RespCacheMisses.WithLabelValues("flag").Inc()

	v, ok := h.rt.Cache.GetValue(r.Context(), poller.FlagKeyPrefix+key)
	if !ok {
		sdkerr.WriteErrorWithContext(w, r, sdkerr.NotFound("flag "+key))
		return
	}

	raw, err := json.Marshal(v)
	if err != nil {
		sdkerr.WriteErrorWithContext(w, r, sdkerr.Internal(err))
		return
	}
	body, err := json.Marshal(flagResponse{Key: key, Value: raw, Version: h.version()})
	if err != nil {
		sdkerr.WriteErrorWithContext(w, r, sdkerr.Internal(err))
		return
	}

	etag := weakETag(body)
	h.resp.Set(respKey, body, etag, 0)
	h.writeJSON(w, r, body, etag)
}

// writeJSON writes a cached body, honoring If-None-Match so SDK clients
// can revalidate cheaply.
func (h *Handlers) writeJSON(w http.ResponseWriter, r *http.Request, body []byte, etag string) {
	if etag != "" {
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// weakETag derives an entity tag from the rendered body.
func weakETag(body []byte) string {
	sum := fnv.New64a()
	_, _ = sum.Write(body)
	return fmt.Sprintf(`W/"%x"`, sum.Sum64())
}
