package domain

import (
	"context"
	"time"
)

// EventBus is a fire-and-forget publish/subscribe transport for listing
// events. Delivery is at-most-once; subscribers that fall behind or
// disconnect resynchronize by re-reading a listing snapshot.
type EventBus interface {
	// Publish sends a raw payload to a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a read-only channel of payloads for the given
	// channel name, which may include glob wildcards (e.g. "listing:*").
	// The subscription ends and the channel closes when ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	// Allow reports whether a request for key is permitted under limit
	// requests per window, counting it when it is.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
