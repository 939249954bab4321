package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1, EventFeedStale)

	b.Publish(EventFeedStale, "BTC/USD")
	b.Publish(EventFeedStale, "ETH/USD")

	env := <-ch
	assert.Equal(t, EventFeedStale, env.Event)
	assert.Equal(t, "BTC/USD", env.Payload)
	assert.Equal(t, uint64(1), b.Dropped())

	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(EventFeedStale, "after unsubscribe")
}

func TestSubscribeManyTopics(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(4, All...)
	defer unsub()

	b.Publish(EventRiskRejected, "insufficient capital")
	b.Publish(EventOrderUpdate, 42)

	first, second := <-ch, <-ch
	require.Equal(t, EventRiskRejected, first.Event)
	require.Equal(t, EventOrderUpdate, second.Event)
	assert.Equal(t, 42, second.Payload)
}
