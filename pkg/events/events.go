package events

import (
	"sync"
	"time"

	"github.com/cuemby/contentstore/pkg/item"
)

// Kind identifies what happened to an item state during an update.
type Kind string

const (
	KindNodeAdded      Kind = "node.added"
	KindNodeModified   Kind = "node.modified"
	KindNodeDeleted    Kind = "node.deleted"
	KindPropertyAdded  Kind = "property.added"
	KindPropertyChanged Kind = "property.changed"
	KindPropertyDeleted Kind = "property.deleted"
)

// ItemEvent reports a single change to an item state, as recorded in a
// changelog, after it has been pushed to the shared state manager.
type ItemEvent struct {
	ID        item.ID
	Kind      Kind
	Timestamp time.Time
	SessionID string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *ItemEvent

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *ItemEvent
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *ItemEvent, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *ItemEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *ItemEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
