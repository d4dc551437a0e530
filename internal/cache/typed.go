package cache

import (
	"context"

	"github.com/flagdeck/flagdeck-relay/internal/conversion"
)

// GetAsE reads a value and coerces it toward T through the conversion
// manager. The stored representation does not need to match T exactly; a
// stored "42" satisfies GetAsE[int64].
func GetAsE[T any](ctx context.Context, m *Manager, key string, opts ...GetOption) (T, error) {
	var zero T
	v, err := m.GetE(ctx, key, opts...)
	if err != nil {
		return zero, err
	}
	return conversion.As[T](m.conv, v)
}

// GetAs is the silent form of GetAsE: misses and conversion failures both
// read as absent.
func GetAs[T any](ctx context.Context, m *Manager, key string, opts ...GetOption) (T, bool) {
	out, err := GetAsE[T](ctx, m, key, opts...)
	if err != nil {
		var zero T
		return zero, false
	}
	return out, true
}

// RefreshAsE refreshes the key through the provider and returns the fresh
// value coerced toward T.
func RefreshAsE[T any](ctx context.Context, m *Manager, key string, provider Provider) (T, error) {
	var zero T
	v, err := m.RefreshE(ctx, key, provider)
	if err != nil {
		return zero, err
	}
	return conversion.As[T](m.conv, v)
}

// RefreshAs is the silent form of RefreshAsE.
func RefreshAs[T any](ctx context.Context, m *Manager, key string, provider Provider) (T, bool) {
	out, err := RefreshAsE[T](ctx, m, key, provider)
	if err != nil {
		var zero T
		return zero, false
	}
	return out, true
}

// GetOrFetchAsE serves the key from cache or the provider and coerces the
// result toward T.
func GetOrFetchAsE[T any](ctx context.Context, m *Manager, key string, provider Provider, opts ...PutOption) (T, error) {
	var zero T
	v, err := m.GetOrFetchE(ctx, key, provider, opts...)
	if err != nil {
		return zero, err
	}
	return conversion.As[T](m.conv, v)
}

// GetOrFetchAs is the silent form of GetOrFetchAsE.
func GetOrFetchAs[T any](ctx context.Context, m *Manager, key string, provider Provider, opts ...PutOption) (T, bool) {
	out, err := GetOrFetchAsE[T](ctx, m, key, provider, opts...)
	if err != nil {
		var zero T
		return zero, false
	}
	return out, true
}
