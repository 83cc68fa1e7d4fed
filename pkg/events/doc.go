/*
Package events provides an in-memory event broker for the storage core's
pub/sub notifications.

Broker broadcasts ItemEvent values, published whenever the shared state
manager pushes a changelog, to any number of Subscribers over buffered
channels. Delivery to subscribers is non-blocking: a subscriber with a
full buffer drops the event rather than stalling the broadcaster. Publish
itself waits while the broker's 256-event queue is full, until the event
is accepted or the broker is stopped.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for ev := range sub {
			log.Info(string(ev.Kind))
		}
	}()
*/
package events
