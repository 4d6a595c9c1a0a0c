// Package dashsync carries the dashboard sync flag through a context.Context.
//
// The dashboard shell sets the flag once when it is constructed; data hooks
// below it read the flag to choose between cache-first and network-first
// fetching. Outside a dashboard the flag is false.
package dashsync

import "context"

type contextKey struct{}

// Strategy is the fetch strategy a data hook should use
type Strategy int

const (
	// NetworkFirst fetches before rendering, using cached data only on failure
	NetworkFirst Strategy = iota

	// CacheFirst renders cached data immediately and refetches silently
	CacheFirst
)

// String implements fmt.Stringer
func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	default:
		return "network-first"
	}
}

// WithEnabled returns a child context carrying the flag
func WithEnabled(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, contextKey{}, enabled)
}

// Enabled reads the flag, defaulting to false
func Enabled(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	enabled, _ := ctx.Value(contextKey{}).(bool)
	return enabled
}

// StrategyFrom maps the flag to a fetch strategy
func StrategyFrom(ctx context.Context) Strategy {
	if Enabled(ctx) {
		return CacheFirst
	}
	return NetworkFirst
}
