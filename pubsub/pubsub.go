// Package pubsub provides event sources for subscription resolvers.
package pubsub

import (
	"context"
)

// PubSub delivers published payloads to every active subscriber of a topic.
// Subscriber channels are `chan any` so they can be returned directly from a
// graphql-go `Subscribe` resolver.
type PubSub interface {
	// Subscribe returns a channel that closes when `ctx` is done.
	Subscribe(ctx context.Context, topic string) (chan any, error)
	Publish(ctx context.Context, topic string, payload any) error
	Close() error
}
