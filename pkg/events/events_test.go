package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndSubscribe(t *testing.T) {
	broker := NewBroker(16)
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&Observation{
		RequestID: "req-1",
		Service:   "echo",
		Method:    "say",
		Status:    "OK",
	})

	select {
	case obs := <-sub:
		assert.Equal(t, "req-1", obs.RequestID)
		assert.Equal(t, "echo", obs.Service)
		assert.False(t, obs.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("observation not delivered")
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	// No Start: nothing drains the queue, so publishes beyond capacity
	// must displace the oldest records instead of blocking.
	broker := NewBroker(4)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			broker.Publish(&Observation{RequestID: "r", Service: "s", Method: "m"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full queue")
	}
	require.Len(t, broker.queue, 4)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker(16)
	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())

	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Double unsubscribe is a no-op, not a panic.
	broker.Unsubscribe(sub)
}

func TestSlowSubscriberSkipped(t *testing.T) {
	broker := NewBroker(256)
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe() // never drained
	defer broker.Unsubscribe(sub)

	for i := 0; i < 200; i++ {
		broker.Publish(&Observation{RequestID: "r", Service: "s", Method: "m"})
	}

	// Give the broadcast loop time to run; delivery must not wedge even
	// though the subscriber buffer (64) is smaller than the publish count.
	assert.Eventually(t, func() bool {
		return len(sub) == cap(sub)
	}, time.Second, 10*time.Millisecond)
}
