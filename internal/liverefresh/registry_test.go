package liverefresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fixed ID generation for testing
func init() {
	var counter atomic.Int64
	generateID = func() string {
		return fmt.Sprintf("test-subscription-id-%d", counter.Add(1))
	}
}

// recorder collects callback invocations in order
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) fn(label string) RefreshFunc {
	return func(ctx context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, label)
		return nil
	}
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// notifyAndWait notifies and waits for the fan-out to finish
func notifyAndWait(t *testing.T, registry *Registry, names []livecontext.Name) {
	t.Helper()
	registry.Notify(names)
	require.NoError(t, registry.Wait(context.Background()))
}

func TestSubscribe(t *testing.T) {
	registry := NewRegistry()

	sub := registry.Subscribe(livecontext.Bookings, func(ctx context.Context) error { return nil })

	assert.Contains(t, sub.ID, "test-subscription-id")
	assert.Equal(t, livecontext.Bookings, sub.Context)
	assert.True(t, sub.Active())
	assert.True(t, sub.Enabled())
	assert.Equal(t, 1, registry.Count(livecontext.Bookings))
}

func TestNotifyInvokesSubscribersInRegistrationOrder(t *testing.T) {
	registry := NewRegistry()
	rec := &recorder{}

	registry.Subscribe(livecontext.Bookings, rec.fn("first"))
	registry.Subscribe(livecontext.Bookings, rec.fn("second"))

	notifyAndWait(t, registry, []livecontext.Name{livecontext.Bookings})

	assert.Equal(t, []string{"first", "second"}, rec.get())
}

func TestNotifyOtherContextDoesNotInvoke(t *testing.T) {
	registry := NewRegistry()
	rec := &recorder{}

	registry.Subscribe(livecontext.Bookings, rec.fn("bookings"))

	notifyAndWait(t, registry, []livecontext.Name{livecontext.TrainerSchedules})

	assert.Empty(t, rec.get())
}

func TestNotifyDeduplicatesContexts(t *testing.T) {
	registry := NewRegistry()

	var a1, a2, b atomic.Int32
	registry.Subscribe(livecontext.Bookings, func(ctx context.Context) error { a1.Add(1); return nil })
	registry.Subscribe(livecontext.Bookings, func(ctx context.Context) error { a2.Add(1); return nil })
	registry.Subscribe(livecontext.Payments, func(ctx context.Context) error { b.Add(1); return nil })

	notifyAndWait(t, registry, []livecontext.Name{livecontext.Bookings, livecontext.Bookings, livecontext.Payments})

	assert.Equal(t, int32(1), a1.Load())
	assert.Equal(t, int32(1), a2.Load())
	assert.Equal(t, int32(1), b.Load())
}

func TestUnsubscribe(t *testing.T) {
	registry := NewRegistry()
	rec := &recorder{}

	sub := registry.Subscribe(livecontext.Bookings, rec.fn("bookings"))
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	notifyAndWait(t, registry, []livecontext.Name{livecontext.Bookings})

	assert.Empty(t, rec.get())
	assert.False(t, sub.Active())
	assert.Equal(t, 0, registry.Count(livecontext.Bookings))
	assert.NotContains(t, registry.Snapshot(), livecontext.Bookings)
}

func TestUnsubscribeDuringNotify(t *testing.T) {
	registry := NewRegistry()
	rec := &recorder{}

	var second *Subscription
	registry.Subscribe(livecontext.Bookings, func(ctx context.Context) error {
		second.Unsubscribe()
		return rec.fn("first")(ctx)
	})
	second = registry.Subscribe(livecontext.Bookings, rec.fn("second"))
	registry.Subscribe(livecontext.Bookings, rec.fn("third"))

	notifyAndWait(t, registry, []livecontext.Name{livecontext.Bookings})
	assert.Equal(t, []string{"first", "third"}, rec.get())

	notifyAndWait(t, registry, []livecontext.Name{livecontext.Bookings})
	assert.Equal(t, []string{"first", "third", "first", "third"}, rec.get())
}

func TestSubscribeDuringNotifyJoinsNextCycle(t *testing.T) {
	registry := NewRegistry()
	rec := &recorder{}

	var once sync.Once
	registry.Subscribe(livecontext.Bookings, func(ctx context.Context) error {
		once.Do(func() {
			registry.Subscribe(livecontext.Bookings, rec.fn("late"))
		})
		return rec.fn("early")(ctx)
	})

	notifyAndWait(t, registry, []livecontext.Name{livecontext.Bookings})
	assert.Equal(t, []string{"early"}, rec.get())

	notifyAndWait(t, registry, []livecontext.Name{livecontext.Bookings})
	assert.Equal(t, []string{"early", "early", "late"}, rec.get())
}

func TestDisabledSubscriberIsSkippedAndNotReplayed(t *testing.T) {
	registry := NewRegistry()
	rec := &recorder{}

	sub := registry.Subscribe(livecontext.Bookings, rec.fn("bookings"), WithEnabled(false))

	notifyAndWait(t, registry, []livecontext.Name{livecontext.Bookings})
	assert.Empty(t, rec.get())

	sub.SetEnabled(true)
	assert.Empty(t, rec.get(), "re-enabling must not replay missed events")

	notifyAndWait(t, registry, []livecontext.Name{livecontext.Bookings})
	assert.Equal(t, []string{"bookings"}, rec.get())
}

func TestEnabledFunc(t *testing.T) {
	registry := NewRegistry()
	rec := &recorder{}

	var modalOpen atomic.Bool
	modalOpen.Store(true)
	registry.Subscribe(livecontext.Children, rec.fn("children"), WithEnabledFunc(func() bool {
		return !modalOpen.Load()
	}))

	notifyAndWait(t, registry, []livecontext.Name{livecontext.Children})
	assert.Empty(t, rec.get())

	modalOpen.Store(false)
	notifyAndWait(t, registry, []livecontext.Name{livecontext.Children})
	assert.Equal(t, []string{"children"}, rec.get())
}

func TestFailingCallbacksAreIsolated(t *testing.T) {
	registry := NewRegistry()
	rec := &recorder{}

	registry.Subscribe(livecontext.Bookings, func(ctx context.Context) error {
		return errors.New("backend unavailable")
	})
	registry.Subscribe(livecontext.Bookings, func(ctx context.Context) error {
		panic("boom")
	})
	registry.Subscribe(livecontext.Bookings, rec.fn("bookings"))
	registry.Subscribe(livecontext.Payments, rec.fn("payments"))

	assert.NotPanics(t, func() {
		registry.Notify([]livecontext.Name{livecontext.Bookings, livecontext.Payments})
		require.NoError(t, registry.Wait(context.Background()))
	})

	assert.ElementsMatch(t, []string{"bookings", "payments"}, rec.get())
}

func TestRefreshReportsFailure(t *testing.T) {
	registry := NewRegistry()
	rec := &recorder{}

	failure := errors.New("backend unavailable")
	registry.Subscribe(livecontext.Bookings, func(ctx context.Context) error { return failure })
	registry.Subscribe(livecontext.Payments, rec.fn("payments"))

	err := registry.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, []string{"payments"}, rec.get())

	// Only payments is named, so the failing subscriber is not touched
	require.NoError(t, registry.Refresh(context.Background(), livecontext.Payments))
	assert.Equal(t, []string{"payments", "payments"}, rec.get())
}

func TestConcurrentSubscribeAndNotify(t *testing.T) {
	registry := NewRegistry()

	var stable atomic.Int32
	registry.Subscribe(livecontext.Bookings, func(ctx context.Context) error {
		stable.Add(1)
		return nil
	})

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			sub := registry.Subscribe(livecontext.Bookings, func(ctx context.Context) error { return nil })
			sub.Unsubscribe()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			registry.Notify([]livecontext.Name{livecontext.Bookings})
		}
	}()
	wg.Wait()
	require.NoError(t, registry.Wait(context.Background()))

	assert.Equal(t, int32(rounds), stable.Load(), "subscriber present throughout must see every event")
	assert.Equal(t, 1, registry.Count(livecontext.Bookings))
}

func TestShutdown(t *testing.T) {
	registry := NewRegistry()
	rec := &recorder{}

	sub := registry.Subscribe(livecontext.Bookings, rec.fn("bookings"))
	require.NoError(t, registry.Shutdown(context.Background()))

	notifyAndWait(t, registry, []livecontext.Name{livecontext.Bookings})
	assert.Empty(t, rec.get())
	assert.False(t, sub.Active())

	// Unsubscribe after shutdown is harmless
	sub.Unsubscribe()
}

func TestNotifyDoesNotAwaitCallbacks(t *testing.T) {
	registry := NewRegistry(Config{DispatchTimeout: 200 * time.Millisecond})

	release := make(chan struct{})
	cancelled := make(chan struct{})
	registry.Subscribe(livecontext.Bookings, func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		// Keeps running past the deadline
		<-release
		return nil
	})

	returned := make(chan struct{})
	go func() {
		registry.Notify([]livecontext.Name{livecontext.Bookings})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Notify waited for a blocked callback")
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("callback context not cancelled at the dispatch timeout")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, registry.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, registry.Wait(context.Background()))
}

func TestUnsubscribeWhileEnabledCheckRuns(t *testing.T) {
	registry := NewRegistry()

	checking := make(chan struct{})
	release := make(chan struct{})
	var invoked atomic.Bool
	victim := registry.Subscribe(livecontext.Payments, func(ctx context.Context) error {
		invoked.Store(true)
		return nil
	}, WithEnabledFunc(func() bool {
		close(checking)
		<-release
		return true
	}))

	registry.Notify([]livecontext.Name{livecontext.Payments})
	<-checking

	victim.Unsubscribe()
	close(release)
	require.NoError(t, registry.Wait(context.Background()))

	assert.False(t, invoked.Load(), "callback started after Unsubscribe returned")
}

func TestUnsubscribeAcrossContextsDuringNotify(t *testing.T) {
	registry := NewRegistry()
	rec := &recorder{}

	var victim *Subscription
	registry.Subscribe(livecontext.Bookings, func(ctx context.Context) error {
		victim.Unsubscribe()
		return rec.fn("bookings")(ctx)
	})
	victim = registry.Subscribe(livecontext.Payments, rec.fn("payments"))

	notifyAndWait(t, registry, []livecontext.Name{livecontext.Bookings, livecontext.Payments})

	assert.Equal(t, []string{"bookings"}, rec.get())
}

func TestShutdownWaitsForDispatch(t *testing.T) {
	registry := NewRegistry()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	registry.Subscribe(livecontext.Bookings, func(ctx context.Context) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})

	registry.Notify([]livecontext.Name{livecontext.Bookings})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, registry.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, registry.Shutdown(context.Background()))
	assert.True(t, finished.Load())

	// Closed registries ignore new work
	var late atomic.Bool
	registry.Subscribe(livecontext.Bookings, func(ctx context.Context) error {
		late.Store(true)
		return nil
	})
	notifyAndWait(t, registry, []livecontext.Name{livecontext.Bookings})
	require.NoError(t, registry.Refresh(context.Background()))
	assert.False(t, late.Load())
}
