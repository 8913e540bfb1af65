package progressbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("job-1")
	defer sub.Unsubscribe()

	b.Publish(Event{Type: EventBatchStarted, JobID: "job-1"})

	events, lost := sub.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, EventBatchStarted, events[0].Type)
	assert.False(t, lost)
}

func TestBus_PublishOnlyReachesSubscribersOfThatJob(t *testing.T) {
	b := New(8)
	subA := b.Subscribe("job-a")
	subB := b.Subscribe("job-b")
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	b.Publish(Event{Type: EventBatchStarted, JobID: "job-a"})

	eventsA, _ := subA.Drain()
	eventsB, _ := subB.Drain()
	assert.Len(t, eventsA, 1)
	assert.Len(t, eventsB, 0)
}

func TestBus_OverflowEvictsOldestNonTerminalEvent(t *testing.T) {
	b := New(2)
	sub := b.Subscribe("job-1")
	defer sub.Unsubscribe()

	b.Publish(Event{Type: EventFileProcessed, JobID: "job-1", Data: map[string]interface{}{"n": 1}})
	b.Publish(Event{Type: EventFileProcessed, JobID: "job-1", Data: map[string]interface{}{"n": 2}})
	// Buffer now full (capacity 2); this publish must evict the oldest (n=1).
	b.Publish(Event{Type: EventFileProcessed, JobID: "job-1", Data: map[string]interface{}{"n": 3}})

	events, lost := sub.Drain()
	require.Len(t, events, 2)
	assert.True(t, lost)
	assert.Equal(t, 2, events[0].Data["n"])
	assert.Equal(t, 3, events[1].Data["n"])
}

func TestBus_NeverDropsTerminalEvent(t *testing.T) {
	b := New(1)
	sub := b.Subscribe("job-1")
	defer sub.Unsubscribe()

	b.Publish(Event{Type: EventBatchCompleted, JobID: "job-1"})
	// Buffer holds exactly one terminal event; any further publish must be
	// the one dropped, never the terminal event already buffered.
	b.Publish(Event{Type: EventFileProcessed, JobID: "job-1"})

	events, lost := sub.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, EventBatchCompleted, events[0].Type)
	assert.True(t, lost)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(4)
	sub := b.Subscribe("job-1")
	sub.Unsubscribe()

	b.Publish(Event{Type: EventBatchStarted, JobID: "job-1"})
	events, _ := sub.Drain()
	assert.Len(t, events, 0)
	assert.Equal(t, 0, b.RoomSize("job-1"))
}

func TestBus_RoomSizeAndActiveRooms(t *testing.T) {
	b := New(4)
	sub1 := b.Subscribe("job-1")
	sub2 := b.Subscribe("job-1")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	assert.Equal(t, 2, b.RoomSize("job-1"))
	assert.Contains(t, b.ActiveRooms(), "job-1")
}

func TestSubscription_WaitUnblocksOnPublish(t *testing.T) {
	b := New(4)
	sub := b.Subscribe("job-1")
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		sub.Wait(time.Second)
		close(done)
	}()

	b.Publish(Event{Type: EventBatchStarted, JobID: "job-1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Publish")
	}
}
