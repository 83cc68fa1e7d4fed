package events

import (
	"testing"
	"time"

	"github.com/cuemby/contentstore/pkg/item"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBrokerSubscribeReceivesPublishedEvent(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	id := item.NewNodeID(uuid.New())
	b.Publish(&ItemEvent{ID: id, Kind: KindNodeAdded, SessionID: "s1"})

	select {
	case ev := <-sub:
		assert.Equal(t, KindNodeAdded, ev.Kind)
		assert.Equal(t, id, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected to receive the published event")
	}
}

func TestBrokerPublishStampsTimestampOnlyWhenZero(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	fixed := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Publish(&ItemEvent{Kind: KindPropertyChanged, Timestamp: fixed})

	ev := <-sub
	assert.True(t, ev.Timestamp.Equal(fixed))
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok, "expected subscriber channel to be closed")
}

func TestBrokerMultipleSubscribersAllReceive(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	const n = 5
	subs := make([]Subscriber, n)
	for i := range subs {
		subs[i] = b.Subscribe()
	}
	defer func() {
		for _, s := range subs {
			b.Unsubscribe(s)
		}
	}()

	b.Publish(&ItemEvent{Kind: KindNodeDeleted})

	for _, s := range subs {
		select {
		case ev := <-s:
			assert.Equal(t, KindNodeDeleted, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("expected every subscriber to receive the event")
		}
	}
}

func TestBrokerConcurrentPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	const n = 50
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			b.Publish(&ItemEvent{Kind: KindPropertyAdded})
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	received := 0
	for received < n {
		select {
		case <-sub:
			received++
		case <-time.After(time.Second):
			t.Fatalf("expected %d events, got %d", n, received)
		}
	}
}
