package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/getsentry/sentry-go"

	"github.com/flagdeck/flagdeck-relay/internal/errorreporting"
	"github.com/flagdeck/flagdeck-relay/internal/logger"
	"github.com/flagdeck/flagdeck-relay/internal/sdkerr"
)

// RecoverWithSentry recovers from panics and reports them to Sentry
func RecoverWithSentry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				stack := debug.Stack()

				logger.ErrorContext(r.Context(), "Panic recovered",
					"error", err,
					"stack", string(stack),
					"method", r.Method,
					"path", r.URL.Path,
				)

				if errorreporting.IsSentryEnabled() {
					hub := sentry.CurrentHub().Clone()
					hub.Scope().SetRequest(r)
					hub.Scope().SetLevel(sentry.LevelError)
					hub.Scope().SetTag("method", r.Method)
					hub.Scope().SetTag("path", r.URL.Path)

					if e, ok := err.(error); ok {
						hub.CaptureException(e)
					} else {
						hub.CaptureMessage(errorreporting.ScrubSecrets(string(stack)))
					}
				}

				sdkerr.WriteErrorWithContext(w, r, sdkerr.New(sdkerr.ErrInternal, "internal error"))
			}
		}()

		next.ServeHTTP(w, r)
	})
}
