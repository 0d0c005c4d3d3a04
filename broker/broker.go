// Package broker is the pub/sub seam between the relay and execution
// backends. The broker is the only shared resource across processes;
// everything else communicates through envelopes published on topics from
// the topic package.
//
// Delivery is at-most-once per subscriber: nothing is retained across
// broker restarts and slow subscribers lose messages rather than exerting
// backpressure on publishers.
package broker

import "context"

// Message is one delivered payload.
type Message struct {
	// Topic is the topic the message arrived on.
	Topic string
	// Payload is the raw message body, normally one wire envelope.
	Payload []byte
}

// Handler consumes delivered messages. Handlers run on the subscription's
// delivery goroutine; blocking in one stalls only that subscription.
type Handler func(msg Message)

// Subscription is an active registration.
type Subscription interface {
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe()
}

// Broker publishes and subscribes raw payloads on named topics.
type Broker interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers handler for exact topic names.
	Subscribe(ctx context.Context, handler Handler, topics ...string) (Subscription, error)
	// SubscribePattern registers handler for glob patterns ('*' wildcard).
	SubscribePattern(ctx context.Context, handler Handler, patterns ...string) (Subscription, error)
	// Close tears down every subscription and releases connections.
	Close() error
}
