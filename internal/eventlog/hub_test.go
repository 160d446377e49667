package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

func hubEvent(topicID, id string) model.Event {
	return model.Event{EventID: id, TopicID: topicID, Kind: model.KindEventEmitted}
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub(4, testutil.TestLogger(), nil)

	a := hub.Subscribe("t1")
	b := hub.Subscribe("t1")
	other := hub.Subscribe("t2")
	assert.Equal(t, 2, hub.Count("t1"))

	hub.Publish(hubEvent("t1", "e1"))
	for _, s := range []*Subscription{a, b} {
		select {
		case got := <-s.Events():
			assert.Equal(t, "e1", got.EventID)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Empty(t, other.Events(), "no cross-topic delivery")

	a.Close()
	a.Close()
	hub.Publish(hubEvent("t1", "e2"))
	assert.Equal(t, "e2", (<-b.Events()).EventID)
	assert.Equal(t, 1, hub.Count("t1"))

	b.Close()
	other.Close()
	assert.Zero(t, hub.Count("t1"))
}

func TestHubEvictsSlowSubscriber(t *testing.T) {
	hub := NewHub(2, testutil.TestLogger(), nil)
	slow := hub.Subscribe("t")
	fast := hub.Subscribe("t")

	for k := range 3 {
		hub.Publish(hubEvent("t", string(rune('a'+k))))
		<-fast.Events()
	}

	assert.True(t, slow.Dropped())
	assert.False(t, fast.Dropped())
	assert.Equal(t, 1, hub.Count("t"))

	// The slow subscriber's buffered events drain, then its channel closes.
	var drained int
	for range slow.Events() {
		drained++
	}
	assert.Equal(t, 2, drained)

	hub.Publish(hubEvent("t", "z"))
	select {
	case got := <-fast.Events():
		assert.Equal(t, "z", got.EventID)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber blocked by slow one")
	}

	slow.Close()
	fast.Close()
}

func TestHubDefaultBuffer(t *testing.T) {
	hub := NewHub(0, testutil.TestLogger(), nil)
	s := hub.Subscribe("t")
	defer s.Close()
	for k := range DefaultBuffer {
		hub.Publish(hubEvent("t", string(rune(k))))
	}
	require.False(t, s.Dropped())
	assert.Len(t, s.Events(), DefaultBuffer)
}
