package core

import "context"

// Bus is a topic keyed publish/subscribe transport with no persistence:
// a payload reaches only the subscriptions open when it is published.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription delivers raw payloads until it ends. Messages is closed
// on end and Err reports the cause.
type Subscription interface {
	Messages() <-chan []byte
	Err() error
	Close() error
}
