package notifier

import (
	"fmt"
	"testing"
	"time"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "channel closed")
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// TestBroadcastBuffer tests batched fan-out to every subscriber
func TestBroadcastBuffer(t *testing.T) {
	buffer := NewBroadcastBuffer(10, 10*time.Millisecond)
	defer buffer.Close()

	const numSubscribers = 5
	channels := make([]<-chan Event, numSubscribers)
	for i := 0; i < numSubscribers; i++ {
		channels[i] = buffer.Subscribe(fmt.Sprintf("subscriber-%d", i), 10)
	}
	assert.Equal(t, numSubscribers, buffer.Subscribers())

	buffer.Publish([]livecontext.Name{livecontext.Bookings, livecontext.Payments})
	for i, ch := range channels {
		event := receive(t, ch)
		assert.Equal(t, []livecontext.Name{livecontext.Bookings, livecontext.Payments}, event.Contexts, "subscriber %d", i)
		assert.False(t, event.At.IsZero())
	}

	buffer.Unsubscribe("subscriber-0")
	_, ok := <-channels[0]
	assert.False(t, ok, "unsubscribed channel is closed")
	assert.Equal(t, numSubscribers-1, buffer.Subscribers())

	buffer.Publish([]livecontext.Name{livecontext.Children})
	for i := 1; i < numSubscribers; i++ {
		assert.Equal(t, []livecontext.Name{livecontext.Children}, receive(t, channels[i]).Contexts)
	}
}

func TestBroadcastBufferPreservesOrder(t *testing.T) {
	buffer := NewBroadcastBuffer(100, 20*time.Millisecond)
	defer buffer.Close()

	ch := buffer.Subscribe("a", 10)
	buffer.Publish([]livecontext.Name{livecontext.Bookings})
	buffer.Publish([]livecontext.Name{livecontext.Trainers})
	buffer.Publish([]livecontext.Name{livecontext.Users})

	assert.Equal(t, livecontext.Bookings, receive(t, ch).Contexts[0])
	assert.Equal(t, livecontext.Trainers, receive(t, ch).Contexts[0])
	assert.Equal(t, livecontext.Users, receive(t, ch).Contexts[0])
}

func TestBroadcastBufferFullForcesFlush(t *testing.T) {
	// Interval far beyond the test timeout; only a full buffer can flush
	buffer := NewBroadcastBuffer(2, time.Hour)
	defer buffer.Close()

	ch := buffer.Subscribe("a", 10)
	buffer.Publish([]livecontext.Name{livecontext.Bookings})
	buffer.Publish([]livecontext.Name{livecontext.Payments})

	assert.Equal(t, livecontext.Bookings, receive(t, ch).Contexts[0])
	assert.Equal(t, livecontext.Payments, receive(t, ch).Contexts[0])
}

func TestBroadcastBufferDropsForFullSubscriber(t *testing.T) {
	buffer := NewBroadcastBuffer(10, 5*time.Millisecond)
	defer buffer.Close()

	slow := buffer.Subscribe("slow", 1)
	fast := buffer.Subscribe("fast", 10)

	buffer.Publish([]livecontext.Name{livecontext.Bookings})
	buffer.Publish([]livecontext.Name{livecontext.Payments})

	receive(t, fast)
	receive(t, fast)

	assert.Equal(t, livecontext.Bookings, receive(t, slow).Contexts[0])
	select {
	case event := <-slow:
		t.Fatalf("unexpected event %v", event)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestBroadcastBufferIgnoresEmptyPublish(t *testing.T) {
	buffer := NewBroadcastBuffer(1, 5*time.Millisecond)
	defer buffer.Close()

	ch := buffer.Subscribe("a", 1)
	buffer.Publish(nil)

	select {
	case event := <-ch:
		t.Fatalf("unexpected event %v", event)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestBroadcastBufferCloseFlushesAndClosesSubscribers(t *testing.T) {
	buffer := NewBroadcastBuffer(100, time.Hour)
	ch := buffer.Subscribe("a", 10)

	buffer.Publish([]livecontext.Name{livecontext.Notifications})
	require.NoError(t, buffer.Close())
	require.NoError(t, buffer.Close())

	assert.Equal(t, livecontext.Notifications, receive(t, ch).Contexts[0])
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, buffer.Subscribers())
}
