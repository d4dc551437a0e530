package secrets

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// ValidationError represents a validation failure for required secrets.
type ValidationError struct {
	Missing []string
	Empty   []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing required environment variables: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Empty) > 0 {
		parts = append(parts, fmt.Sprintf("empty values for required environment variables: %s", strings.Join(e.Empty, ", ")))
	}
	return strings.Join(parts, "; ")
}

// ValidateRequired checks that all provided secrets are non-empty.
// Returns a ValidationError naming the offenders, nil otherwise.
func ValidateRequired(secrets map[string]string) error {
	var empty []string
	for key, value := range secrets {
		if value == "" {
			empty = append(empty, key)
		}
	}
	sort.Strings(empty)

	if len(empty) > 0 {
		return &ValidationError{Empty: empty}
	}
	return nil
}

// ValidateRequiredEnv checks that each named environment variable is set and
// non-blank. Unset variables land in Missing, blank ones in Empty.
func ValidateRequiredEnv(keys ...string) error {
	var missing []string
	var empty []string
	for _, key := range keys {
		val, ok := os.LookupEnv(key)
		switch {
		case !ok:
			missing = append(missing, key)
		case strings.TrimSpace(val) == "":
			empty = append(empty, key)
		}
	}

	if len(missing) > 0 || len(empty) > 0 {
		return &ValidationError{Missing: missing, Empty: empty}
	}
	return nil
}
