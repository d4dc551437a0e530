// Package upstream talks to the flag configuration API. The client fetches
// the full configuration document, revalidates with ETags, and classifies
// failures into structured error kinds so the retry and breaker layers can
// tell transient from permanent.
package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/flagdeck/flagdeck-relay/internal/config"
	"github.com/flagdeck/flagdeck-relay/internal/logger"
	"github.com/flagdeck/flagdeck-relay/internal/metrics"
	"github.com/flagdeck/flagdeck-relay/internal/sdkerr"
	"github.com/flagdeck/flagdeck-relay/internal/value"
)

// ErrNotModified reports a 304 revalidation: the cached document is still
// current and no body was returned.
var ErrNotModified = errors.New("upstream: flag configuration not modified")

// maxBodyBytes caps how much of a response the client will read.
const maxBodyBytes = 16 << 20

// Document is one fetched flag configuration.
type Document struct {
	// Version is the upstream document version, zero when absent.
	Version int64
	// Flags maps flag key to its configured value.
	Flags map[string]value.Value
	// Raw is the full document as received.
	Raw value.Value
	// ETag is the entity tag the server returned, for revalidation.
	ETag string
}

// Client fetches flag configuration documents over HTTP.
type Client struct {
	http   *http.Client
	url    string
	sdkKey string
	mu     sync.Mutex
	etag   string
	log    *slog.Logger
}

// NewClient builds a client for the configured upstream. A zero timeout
// uses the configured default.
func NewClient(url, sdkKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = config.Load().UpstreamTimeout
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		url:    url,
		sdkKey: sdkKey,
		log:    logger.WithComponent("upstream"),
	}
}

// ETag returns the entity tag of the last successful fetch.
func (c *Client) ETag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.etag
}

// FetchConfig requests the configuration document. A 304 comes back as
// ErrNotModified; every other failure is a structured error whose code
// tells the caller whether a retry can help.
func (c *Client) FetchConfig(ctx context.Context) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, sdkerr.Validation("invalid upstream URL").WithDetail("url", c.url)
	}
	req.Header.Set("Authorization", c.sdkKey)
	req.Header.Set("Accept", "application/json")
	if etag := c.ETag(); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("failure").Inc()
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, sdkerr.Timeout("upstream request timed out")
		}
		return nil, sdkerr.Network(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		metrics.UpstreamRequests.WithLabelValues("not_modified").Inc()
		return nil, ErrNotModified
	case resp.StatusCode != http.StatusOK:
		metrics.UpstreamRequests.WithLabelValues("failure").Inc()
		return nil, classify(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("failure").Inc()
		return nil, sdkerr.Network(err)
	}
	doc, err := parseDocument(body)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("failure").Inc()
		return nil, err
	}
	doc.ETag = resp.Header.Get("ETag")

	c.mu.Lock()
	c.etag = doc.ETag
	c.mu.Unlock()

	metrics.UpstreamRequests.WithLabelValues("success").Inc()
	c.log.Debug("fetched flag configuration", "version", doc.Version, "flags", len(doc.Flags))
	return doc, nil
}

// parseDocument decodes the response body. The document is a JSON object
// with an optional integer "version" and a "flags" object; a body that is
// a bare flags object works too.
func parseDocument(body []byte) (*Document, error) {
	raw, err := value.Parse(body)
	if err != nil {
		return nil, sdkerr.New(sdkerr.ErrValidation, "upstream returned a non-JSON document")
	}
	top, ok := raw.AsMap()
	if !ok {
		return nil, sdkerr.New(sdkerr.ErrValidation, "upstream document is not an object")
	}

	doc := &Document{Raw: raw}
	if v, exists := top["version"]; exists {
		doc.Version, _ = v.AsInt()
	}
	if flags, exists := top["flags"]; exists {
		doc.Flags, ok = flags.AsMap()
		if !ok {
			return nil, sdkerr.New(sdkerr.ErrValidation, "upstream \"flags\" field is not an object")
		}
	} else {
		doc.Flags = top
	}
	return doc, nil
}

// classify maps a non-200 response to a structured error. Rate limits and
// server errors are retryable; auth and client errors are not.
func classify(resp *http.Response) *sdkerr.Error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return sdkerr.RateLimited(retryAfter(resp))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return sdkerr.AuthFailed("upstream rejected the SDK key").
			WithDetail("status", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return sdkerr.NotFound("flag configuration").
			WithDetail("status", resp.StatusCode)
	case resp.StatusCode >= 500:
		e := sdkerr.Unavailable("upstream server error").
			WithDetail("status", resp.StatusCode)
		if ra := retryAfter(resp); ra > 0 {
			e = e.WithRetryAfter(ra)
		}
		return e
	default:
		return sdkerr.Validation("upstream rejected the request").
			WithDetail("status", resp.StatusCode)
	}
}

// retryAfter parses the Retry-After header, accepting both delta-seconds
// and HTTP-date forms. Zero when absent or unparseable.
func retryAfter(resp *http.Response) time.Duration {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
