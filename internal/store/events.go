package store

import (
	"sync"

	"forestguardian/internal/telemetry"
)

// EventType names one of the typed events the Store publishes on every write
// (SPEC_FULL.md §4.I).
type EventType string

const (
	EventNewNode             EventType = "new_node"
	EventNodeUpdate          EventType = "node_update"
	EventNewSpectrogram      EventType = "new_spectrogram"
	EventNewAlert            EventType = "new_alert"
	EventSpectrogramAnalyzed EventType = "spectrogram_analyzed"
	EventSyncCompleted       EventType = "sync_completed"
	EventSubscriberLag       EventType = "subscriber_lag"
)

// Event is one published write, ready for JSON marshaling to a live client.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
}

const subscriberQueueCap = 128

// Broadcaster fans out events to any number of subscribers, each with its
// own bounded queue. A slow subscriber never blocks a write: when its queue
// is full the oldest queued event is dropped and a subscriber_lag event is
// appended in its place (SPEC_FULL.md §4.I). This bounded-queue layer is the
// module's own code sitting in front of the socket.io emit calls, since
// socket.io's per-connection buffering gives no per-subscriber backpressure
// visibility of its own.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	metrics     *telemetry.Metrics
}

// NewBroadcaster builds an empty Broadcaster.
func NewBroadcaster(metrics *telemetry.Metrics) *Broadcaster {
	return &Broadcaster{subscribers: make(map[int]chan Event), metrics: metrics}
}

// Subscribe registers a new subscriber and returns its event channel and an
// unsubscribe function. The channel is closed once Unsubscribe is called.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberQueueCap)
	b.subscribers[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			close(existing)
			delete(b.subscribers, id)
		}
	}
}

// Publish delivers ev to every subscriber in commit order, dropping the
// oldest queued event for any subscriber whose queue is full and enqueueing
// a subscriber_lag event in its place so the lagging subscriber observes the
// gap instead of silently missing an update.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.handleOverflow(ch)
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// handleOverflow drops the oldest queued event for ch and, in its place,
// queues a subscriber_lag marker event.
func (b *Broadcaster) handleOverflow(ch chan Event) {
	select {
	case <-ch:
	default:
	}
	if b.metrics != nil {
		b.metrics.SubscriberLag.Inc()
	}
	select {
	case ch <- Event{Type: EventSubscriberLag}:
	default:
	}
}
