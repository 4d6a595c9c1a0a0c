// Package resource implements dashboard data hooks: cached, refetchable
// queries that bind to live refresh contexts.
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/dashsync"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/liverefresh"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/logging"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/metrics"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/storage"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTimeout bounds one fetch when no timeout is configured
const DefaultTimeout = 15 * time.Second

// ErrClosed is returned by a closed query
var ErrClosed = errors.New("resource: query closed")

// Fetcher loads the current value of a query
type Fetcher[T any] func(ctx context.Context) (T, error)

// Options configures a query
type Options[T any] struct {
	// Snapshot store; nil keeps values in memory only
	Store storage.Store

	// Per-fetch bound (default DefaultTimeout)
	Timeout time.Duration

	// Applied when a fetch times out; nil reports ErrTimeout instead
	Fallback *T

	// Called after each applied value
	OnChange func(T)
}

// Info describes query state for status reporting
type Info struct {
	Key       string    `json:"key"`
	HasValue  bool      `json:"has_value"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// snapshot is the stored form of a value
type snapshot[T any] struct {
	UpdatedAt time.Time `json:"updated_at"`
	Value     T         `json:"value"`
}

// Query holds the latest value of one backend resource
type Query[T any] struct {
	key   string
	fetch Fetcher[T]
	opts  Options[T]

	mu        sync.Mutex
	value     T
	hasValue  bool
	lastErr   error
	updatedAt time.Time
	seq       uint64
	cancel    context.CancelFunc
	closed    bool
	bg        sync.WaitGroup
	fetches   sync.WaitGroup

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewQuery creates a query and restores its stored snapshot, if any
func NewQuery[T any](key string, fetch Fetcher[T], opts Options[T]) *Query[T] {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	q := &Query[T]{
		key:     key,
		fetch:   fetch,
		opts:    opts,
		logger:  logging.ForResource(key),
		metrics: metrics.GetMetrics(),
	}
	q.restore()
	return q
}

// restore loads the stored snapshot
func (q *Query[T]) restore() {
	if q.opts.Store == nil {
		return
	}

	data, found, err := q.opts.Store.Get(q.key)
	if err != nil {
		q.logger.Warn().Err(err).Msg("Failed to read snapshot")
		return
	}
	if !found {
		return
	}

	var snap snapshot[T]
	if err := json.Unmarshal(data, &snap); err != nil {
		q.logger.Warn().Err(err).Msg("Discarding unreadable snapshot")
		return
	}

	q.value = snap.Value
	q.hasValue = true
	q.updatedAt = snap.UpdatedAt
	q.logger.Debug().Time("updated_at", snap.UpdatedAt).Msg("Snapshot restored")
}

// persist stores the applied value
func (q *Query[T]) persist(value T, at time.Time) {
	if q.opts.Store == nil {
		return
	}

	data, err := json.Marshal(snapshot[T]{UpdatedAt: at, Value: value})
	if err != nil {
		q.logger.Warn().Err(err).Msg("Failed to encode snapshot")
		return
	}
	if err := q.opts.Store.Put(q.key, data); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to write snapshot")
	}
}

// Key returns the query key
func (q *Query[T]) Key() string {
	return q.key
}

// Load returns the query value using the strategy carried by ctx. Cache-first
// returns a held value at once and refetches in the background; network-first
// fetches and only falls back to a held value when the fetch fails.
func (q *Query[T]) Load(ctx context.Context) (T, error) {
	if dashsync.StrategyFrom(ctx) == dashsync.CacheFirst {
		if v, ok := q.Value(); ok {
			q.background(context.WithoutCancel(ctx))
			return v, nil
		}
	}

	err := q.Refetch(ctx)
	v, ok := q.Value()
	if err != nil {
		if ok {
			q.logger.Debug().Err(err).Msg("Serving held value after failed fetch")
			return v, nil
		}
		var zero T
		return zero, err
	}
	return v, nil
}

// Document loads the value as an untyped document for generic consumers
func (q *Query[T]) Document(ctx context.Context) (any, error) {
	return q.Load(ctx)
}

// background runs a silent refetch tracked by Close
func (q *Query[T]) background(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.bg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.bg.Done()
		if err := q.Refetch(ctx); err != nil {
			q.logger.Debug().Err(err).Msg("Background refetch failed")
		}
	}()
}

// Refetch fetches and applies a new value. Each call supersedes and cancels
// the one before it; only the most recently issued call applies its result.
// A superseded call returns nil.
func (q *Query[T]) Refetch(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.fetches.Add(1)
	defer q.fetches.Done()
	q.seq++
	seq := q.seq
	if q.cancel != nil {
		q.cancel()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.mu.Unlock()
	defer cancel()

	fetchCtx, span := telemetry.StartSpan(fetchCtx, "resource.Refetch")
	defer span.End()
	span.SetAttributes(attribute.String("query", q.key), attribute.Int64("seq", int64(seq)))

	start := time.Now()
	value, err := CallWithTimeout(fetchCtx, q.opts.Timeout, q.opts.Fallback, q.fetch)
	q.metrics.QueryFetchDuration.WithLabelValues(q.key).Observe(time.Since(start).Seconds())

	q.mu.Lock()
	if seq != q.seq || q.closed {
		q.mu.Unlock()
		q.metrics.QueryFetchTotal.WithLabelValues(q.key, "superseded").Inc()
		span.SetAttributes(attribute.Bool("superseded", true))
		return nil
	}
	q.cancel = nil

	if err != nil {
		q.lastErr = err
		q.mu.Unlock()

		q.metrics.QueryFetchTotal.WithLabelValues(q.key, "error").Inc()
		telemetry.MarkSpanError(fetchCtx, err)
		q.logger.Warn().Err(err).Msg("Fetch failed")
		return err
	}

	now := time.Now()
	q.value = value
	q.hasValue = true
	q.lastErr = nil
	q.updatedAt = now
	onChange := q.opts.OnChange
	q.mu.Unlock()

	q.metrics.QueryFetchTotal.WithLabelValues(q.key, "ok").Inc()
	q.persist(value, now)
	if onChange != nil {
		onChange(value)
	}
	return nil
}

// Bind subscribes Refetch to a live refresh context
func (q *Query[T]) Bind(reg *liverefresh.Registry, name livecontext.Name, opts ...liverefresh.SubscribeOption) *liverefresh.Subscription {
	opts = append([]liverefresh.SubscribeOption{liverefresh.WithLabel(q.key)}, opts...)
	return reg.Subscribe(name, q.Refetch, opts...)
}

// Value returns the held value and whether one exists
func (q *Query[T]) Value() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.value, q.hasValue
}

// LastError returns the error of the latest applied fetch
func (q *Query[T]) LastError() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

// UpdatedAt returns when the held value was fetched
func (q *Query[T]) UpdatedAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updatedAt
}

// Info returns a status summary
func (q *Query[T]) Info() Info {
	q.mu.Lock()
	defer q.mu.Unlock()

	info := Info{Key: q.key, HasValue: q.hasValue, UpdatedAt: q.updatedAt}
	if q.lastErr != nil {
		info.LastError = q.lastErr.Error()
	}
	return info
}

// Close cancels the in-flight fetch and waits until no fetch can touch the
// snapshot store. Must not be called from OnChange.
func (q *Query[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.mu.Unlock()

	q.bg.Wait()
	q.fetches.Wait()
}
