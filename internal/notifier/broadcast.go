package notifier

import (
	"sync"
	"time"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Event is one invalidation queued for relay
type Event struct {
	Contexts []livecontext.Name
	At       time.Time
}

// BroadcastBuffer batches invalidation events and fans them out to subscribers
type BroadcastBuffer struct {
	// Configuration
	bufferSize    int
	flushInterval time.Duration

	// Subscription management
	subscribers     map[string]chan Event
	subscribersLock sync.RWMutex

	// Pending events
	currentBuffer     []Event
	currentBufferLock sync.Mutex

	// Control channels
	forceFlush chan struct{}
	close      chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	metrics *metrics.Metrics
}

// NewBroadcastBuffer creates a broadcast buffer and starts its flush loop
func NewBroadcastBuffer(bufferSize int, flushInterval time.Duration) *BroadcastBuffer {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = 50 * time.Millisecond
	}

	b := &BroadcastBuffer{
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		subscribers:   make(map[string]chan Event),
		currentBuffer: make([]Event, 0, bufferSize),
		forceFlush:    make(chan struct{}, 1),
		close:         make(chan struct{}),
		done:          make(chan struct{}),
		metrics:       metrics.GetMetrics(),
	}

	go b.bufferFlushLoop()

	return b
}

// Subscribe adds a subscriber with the given channel capacity
func (b *BroadcastBuffer) Subscribe(id string, buffer int) <-chan Event {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	channel := make(chan Event, buffer)
	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	b.subscribers[id] = channel

	return channel
}

// Unsubscribe removes a subscriber and closes its channel
func (b *BroadcastBuffer) Unsubscribe(id string) {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Subscribers returns the number of subscribers
func (b *BroadcastBuffer) Subscribers() int {
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()
	return len(b.subscribers)
}

// Publish queues an invalidation of names
func (b *BroadcastBuffer) Publish(names []livecontext.Name) {
	if len(names) == 0 {
		return
	}

	event := Event{Contexts: append([]livecontext.Name(nil), names...), At: time.Now()}

	b.currentBufferLock.Lock()
	b.currentBuffer = append(b.currentBuffer, event)
	full := len(b.currentBuffer) >= b.bufferSize
	b.currentBufferLock.Unlock()

	if full {
		select {
		case b.forceFlush <- struct{}{}:
		default:
			// A flush is already pending
		}
	}
}

// bufferFlushLoop periodically flushes the buffer to all subscribers
func (b *BroadcastBuffer) bufferFlushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.forceFlush:
			b.flush()
		case <-b.close:
			// Final flush
			b.flush()
			return
		}
	}
}

// flush sends buffered events to every subscriber without blocking
func (b *BroadcastBuffer) flush() {
	b.currentBufferLock.Lock()
	buffer := b.currentBuffer
	if len(buffer) == 0 {
		b.currentBufferLock.Unlock()
		return
	}
	b.currentBuffer = make([]Event, 0, b.bufferSize)
	b.currentBufferLock.Unlock()

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()

	if len(b.subscribers) == 0 {
		return
	}

	delivered := 0
	skipped := 0
	for id, ch := range b.subscribers {
		for _, event := range buffer {
			select {
			case ch <- event:
				delivered++
			default:
				skipped++
				log.Warn().
					Str("component", "notifier").
					Str("subscriber_id", id).
					Msg("Subscriber channel is full, dropping event")
			}
		}
	}

	for _, event := range buffer {
		b.metrics.NotifierEventDelay.Observe(time.Since(event.At).Seconds())
	}

	if skipped > 0 {
		log.Debug().
			Str("component", "notifier").
			Int("events", len(buffer)).
			Int("subscribers", len(b.subscribers)).
			Int("delivered", delivered).
			Int("skipped", skipped).
			Msg("Broadcast flush dropped events")
	}
}

// Close flushes pending events, stops the loop and closes every subscriber
func (b *BroadcastBuffer) Close() error {
	b.closeOnce.Do(func() {
		close(b.close)
		<-b.done

		b.subscribersLock.Lock()
		defer b.subscribersLock.Unlock()

		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
		}
	})
	return nil
}
