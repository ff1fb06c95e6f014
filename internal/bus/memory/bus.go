// Package memory provides an in-process implementation of the domain event
// bus for tests and single-node deployments without Redis.
package memory

import (
	"context"
	"strings"
	"sync"

	"chainmarket/internal/domain"
)

// subscriber is one active subscription with its delivery channel.
type subscriber struct {
	pattern string
	ch      chan []byte
}

// Bus is an in-process implementation of domain.EventBus. Delivery is
// at-most-once: a subscriber whose buffer is full loses the message.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Publish delivers the payload to every subscriber whose pattern matches the
// channel. Slow subscribers are skipped rather than blocked on.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		if !patternMatch(s.pattern, channel) {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscription for the given channel name or trailing
// wildcard pattern. The returned channel closes when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	s := &subscriber{
		pattern: channel,
		ch:      make(chan []byte, 128),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}()

	return s.ch, nil
}

// patternMatch supports exact names and trailing-star patterns such as
// "listing:*", the only pattern shape the hub subscribes with.
func patternMatch(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, pattern[:len(pattern)-1])
	}
	return false
}

// Compile-time interface check.
var _ domain.EventBus = (*Bus)(nil)
