package changestream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodestore/document"
)

func TestWatchReceivesMatchingEvents(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	var mu sync.Mutex
	var got []Event
	_, err := bus.Watch(Filter{Collection: "users"}, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	require.NoError(t, err)

	bus.Publish(Event{Kind: OpInsert, Collection: "users", Document: document.New(map[string]any{"name": "A"})})
	bus.Publish(Event{Kind: OpInsert, Collection: "orders", Document: document.New(map[string]any{"id": 1})})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestUnwatchStopsDelivery(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	var count int
	var mu sync.Mutex
	id, err := bus.Watch(Filter{}, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	bus.Publish(Event{Kind: OpInsert, Collection: "users"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Unwatch(id))
	bus.Publish(Event{Kind: OpInsert, Collection: "users"})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestWatchEnforcesSubscriberLimit(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	for i := 0; i < MaxSubscribers; i++ {
		_, err := bus.Watch(Filter{}, func(Event) {})
		require.NoError(t, err)
	}
	_, err := bus.Watch(Filter{}, func(Event) {})
	assert.Error(t, err)
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	var secondCalled bool
	var mu sync.Mutex
	_, err := bus.Watch(Filter{}, func(Event) { panic("boom") })
	require.NoError(t, err)
	_, err = bus.Watch(Filter{}, func(e Event) {
		mu.Lock()
		secondCalled = true
		mu.Unlock()
	})
	require.NoError(t, err)

	bus.Publish(Event{Kind: OpInsert, Collection: "users"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return secondCalled
	}, time.Second, 5*time.Millisecond)
}
