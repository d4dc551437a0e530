package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// compressWriter wraps http.ResponseWriter so handler output flows
// through a compressor.
type compressWriter struct {
	io.Writer
	http.ResponseWriter
	wroteHeader bool
}

func (w *compressWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *compressWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Pool compressor instances to reduce allocations.
var (
	gzPool = sync.Pool{
		New: func() interface{} { return gzip.NewWriter(io.Discard) },
	}
	brPool = sync.Pool{
		New: func() interface{} { return brotli.NewWriter(io.Discard) },
	}
)

// Compress returns a middleware that compresses responses with brotli
// or gzip, preferring brotli when the client accepts both. Flag
// documents are repetitive JSON and compress well.
func Compress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept-Encoding")

		switch {
		case strings.Contains(accept, "br"):
			br := brPool.Get().(*brotli.Writer)
			defer brPool.Put(br)
			br.Reset(w)
			defer br.Close()

			w.Header().Set("Content-Encoding", "br")
			w.Header().Del("Content-Length")
			next.ServeHTTP(&compressWriter{Writer: br, ResponseWriter: w}, r)

		case strings.Contains(accept, "gzip"):
			gz := gzPool.Get().(*gzip.Writer)
			defer gzPool.Put(gz)
			gz.Reset(w)
			defer gz.Close()

			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Del("Content-Length")
			next.ServeHTTP(&compressWriter{Writer: gz, ResponseWriter: w}, r)

		default:
			next.ServeHTTP(w, r)
		}
	})
}
