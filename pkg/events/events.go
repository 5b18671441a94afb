package events

import (
	"sync"
	"time"

	"github.com/cuemby/gantry/pkg/metrics"
)

// Observation is the telemetry record emitted for every dispatch. External
// sinks consume these; the bridge itself never reads them back.
type Observation struct {
	Timestamp    time.Time         `json:"ts"`
	RequestID    string            `json:"request_id"`
	Tenant       string            `json:"tenant,omitempty"`
	Service      string            `json:"service"`
	Method       string            `json:"method"`
	Instance     string            `json:"instance,omitempty"`
	LatencyMS    float64           `json:"latency_ms"`
	BytesIn      int               `json:"bytes_in"`
	BytesOut     int               `json:"bytes_out"`
	Status       string            `json:"status"`
	CacheState   string            `json:"cache_state,omitempty"`
	BreakerState string            `json:"breaker_state,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Subscriber is a channel that receives observations
type Subscriber chan *Observation

// Broker buffers observations in a bounded queue and fans them out to
// subscribers. Publication is fire-and-forget: when the queue is full the
// oldest record is dropped so the data plane never blocks on telemetry.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	queue       chan *Observation
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a broker with the given queue capacity
func NewBroker(queueSize int) *Broker {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		queue:       make(chan *Observation, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues an observation without blocking. On overflow the oldest
// queued record is dropped to make room.
func (b *Broker) Publish(obs *Observation) {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}

	for {
		select {
		case b.queue <- obs:
			return
		case <-b.stopCh:
			return
		default:
		}
		// Queue full: drop the oldest and retry.
		select {
		case <-b.queue:
			metrics.EventsDropped.Inc()
		default:
		}
	}
}

func (b *Broker) run() {
	for {
		select {
		case obs := <-b.queue:
			b.broadcast(obs)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(obs *Observation) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- obs:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
