// Package errorreporting wires Sentry into the relay. Events are
// scrubbed before leaving the process so SDK keys and store credentials
// never reach the reporting backend.
package errorreporting

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/flagdeck/flagdeck-relay/internal/config"
)

// Secret patterns to scrub from error messages
var secretPatterns = []*regexp.Regexp{
	// FlagDeck SDK keys: sdk-<env>-<random>
	regexp.MustCompile(`sdk-[a-z]+-[a-zA-Z0-9]{8,}`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._~+/=-]{16,}`),
	// API keys and tokens in key=value form
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)["\s:=]+[a-zA-Z0-9_-]{8,}`),
	// Store connection strings with embedded credentials
	regexp.MustCompile(`(?i)(postgres|postgresql|redis)://[^@\s]+@`),
	// IP addresses
	regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
}

// Init initializes Sentry error reporting. A missing DSN disables
// reporting without error.
func Init() error {
	cfg := config.Load()
	if cfg.SentryDSN == "" {
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.SentryEnvironment,
		Release:          release(cfg),
		SampleRate:       cfg.SentrySampleRate,
		BeforeSend:       beforeSend,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Sentry: %w", err)
	}

	return nil
}

func release(cfg *config.Config) string {
	if cfg.SentryRelease != "" {
		return cfg.SentryRelease
	}
	return "dev"
}

// beforeSend scrubs secrets from events before they leave the process.
func beforeSend(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if event.Exception != nil {
		for i := range event.Exception {
			event.Exception[i].Value = scrubSecrets(event.Exception[i].Value)
		}
	}

	if event.Message != "" {
		event.Message = scrubSecrets(event.Message)
	}

	if event.Extra != nil {
		for key, value := range event.Extra {
			if str, ok := value.(string); ok {
				event.Extra[key] = scrubSecrets(str)
			}
		}
	}

	if event.Request != nil {
		if event.Request.Headers != nil {
			delete(event.Request.Headers, "Authorization")
			delete(event.Request.Headers, "Cookie")
			delete(event.Request.Headers, "X-Api-Key")
		}
		// Query strings can carry SDK keys
		event.Request.QueryString = ""
	}

	return event
}

func scrubSecrets(text string) string {
	result := text
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// CaptureError captures an error and sends it to Sentry
func CaptureError(err error) {
	if err == nil {
		return
	}
	sentry.CaptureException(err)
}

// CaptureErrorWithContext captures an error with additional context
func CaptureErrorWithContext(err error, tags map[string]string, extras map[string]interface{}) {
	if err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}

		// Extra data is scrubbed by beforeSend
		for k, v := range extras {
			scope.SetExtra(k, v)
		}

		sentry.CaptureException(err)
	})
}

// Flush waits for all events to be sent to Sentry
func Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}

// SetTag sets a tag for all subsequent events
func SetTag(key, value string) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag(key, value)
	})
}

// AddBreadcrumb adds a breadcrumb for debugging context
func AddBreadcrumb(category, message string, level sentry.Level) {
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   message,
		Level:     level,
		Timestamp: time.Now(),
	})
}

// ScrubSecrets exposes the scrubbing function for external use
func ScrubSecrets(text string) string {
	return scrubSecrets(text)
}

// IsSentryEnabled returns true if Sentry is configured
func IsSentryEnabled() bool {
	return config.Load().SentryDSN != ""
}

// ValidateDSN checks if the provided DSN is valid
func ValidateDSN(dsn string) error {
	if !strings.HasPrefix(dsn, "https://") && !strings.HasPrefix(dsn, "http://") {
		return fmt.Errorf("invalid Sentry DSN format")
	}
	return nil
}
