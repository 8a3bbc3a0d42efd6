package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, c <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-c:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestTopic_QueueDeliversInOrder(t *testing.T) {
	t.Parallel()
	topic := NewTopic[int]("anchors", ModeQueue)
	sub := topic.Subscribe()
	defer sub.Unsubscribe()

	for i := 0; i < 500; i++ {
		topic.Publish(i)
	}
	for i := 0; i < 500; i++ {
		assert.Equal(t, i, receive(t, sub.C))
	}
	assert.Equal(t, uint64(500), topic.Published())
}

func TestTopic_PublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	t.Parallel()
	topic := NewTopic[int]("errors", ModeQueue)
	slow := topic.Subscribe()
	defer slow.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			topic.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on an idle subscriber")
	}
	assert.Equal(t, 0, receive(t, slow.C))
}

func TestTopic_LatestCoalesces(t *testing.T) {
	t.Parallel()
	topic := NewTopic[int]("tracking", ModeLatest)
	sub := topic.Subscribe()
	defer sub.Unsubscribe()

	topic.Publish(1)
	// Let the pump block on the first value, then overwrite the backlog.
	time.Sleep(20 * time.Millisecond)
	for i := 2; i <= 100; i++ {
		topic.Publish(i)
	}

	assert.Equal(t, 1, receive(t, sub.C))
	assert.Equal(t, 100, receive(t, sub.C))
}

func TestTopic_EverySubscriberReceives(t *testing.T) {
	t.Parallel()
	topic := NewTopic[string]("session", ModeQueue)
	a := topic.Subscribe()
	b := topic.Subscribe()
	defer a.Unsubscribe()
	defer b.Unsubscribe()
	assert.Equal(t, 2, topic.Subscribers())

	topic.Publish("reset")
	assert.Equal(t, "reset", receive(t, a.C))
	assert.Equal(t, "reset", receive(t, b.C))
}

func TestTopic_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	topic := NewTopic[int]("x", ModeQueue)
	sub := topic.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
	assert.Equal(t, 0, topic.Subscribers())
	topic.Publish(1)
}

func TestTopic_CloseStopsSubscribers(t *testing.T) {
	t.Parallel()
	topic := NewTopic[int]("x", ModeQueue)
	subs := []*Subscription[int]{topic.Subscribe(), topic.Subscribe()}
	topic.Close()
	topic.Close()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscription[int]) {
			defer wg.Done()
			for range s.C {
			}
		}(s)
	}
	wg.Wait()

	late := topic.Subscribe()
	_, ok := <-late.C
	assert.False(t, ok)
}
