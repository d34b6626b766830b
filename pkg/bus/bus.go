package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Handler processes a single delivered Event. A returned error is recorded
// against the publication but never propagated to the publisher or to other
// subscribers.
type Handler func(ctx context.Context, e Event) error

type subscription struct {
	id      string
	pattern string
	handler Handler
}

// SubscriberError records a single subscriber's handling failure for a
// publication.
type SubscriberError struct {
	SubscriptionID string
	Error          error
}

// Bus is the core pub/sub substrate. Publish performs direct (unqueued)
// dispatch: it returns once every matching subscriber's handler has run or
// the publication's context is done, so a slow handler backpressures its
// publisher up to that deadline.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
	seq  int

	ring *ring
	tap  *natsTap
}

// Option configures a new Bus.
type Option func(*Bus)

// WithRingSize overrides the default diagnostic ring-buffer capacity.
func WithRingSize(n int) Option {
	return func(b *Bus) { b.ring = newRing(n) }
}

// WithDiagnosticTap enables the embedded NATS mirror. Failure to start the
// embedded broker is logged and the bus continues without the tap — the
// diagnostic feed is never on the critical path.
func WithDiagnosticTap() Option {
	return func(b *Bus) {
		tap, err := newNATSTap()
		if err != nil {
			slog.Warn("bus: diagnostic tap disabled", "error", err)
			return
		}
		b.tap = tap
	}
}

// New constructs a Bus with the default ring size and no diagnostic tap.
func New(opts ...Option) *Bus {
	b := &Bus{ring: newRing(DefaultRingSize)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler against pattern, returning a subscription ID
// for later Unsubscribe. Subscriptions are matched and dispatched in
// registration order.
func (b *Bus) Subscribe(pattern string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sub := &subscription{id: subID(b.seq), pattern: pattern, handler: handler}
	b.subs = append(b.subs, sub)
	return sub.id
}

func subID(n int) string {
	const hex = "0123456789abcdef"
	// Small, allocation-light id generator; subscription ids are process-local.
	buf := []byte("sub-00000000")
	for i := len(buf) - 1; i >= len(buf)-8 && n > 0; i-- {
		buf[i] = hex[n%16]
		n /= 16
	}
	return string(buf)
}

// Unsubscribe removes the subscription with the given ID.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// matching returns the subscriptions matching e.Type, in registration order.
func (b *Bus) matching(e Event) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if MatchTopic(s.pattern, e.Type) {
			out = append(out, s)
		}
	}
	return out
}

// Publish dispatches e to every matching subscriber concurrently and blocks
// until all have completed or ctx is done. It always records e in the ring
// buffer and mirrors it to the diagnostic tap, even with zero subscribers.
func (b *Bus) Publish(ctx context.Context, e Event) []SubscriberError {
	b.ring.push(e)
	b.tap.mirror(e)

	subs := b.matching(e)
	if len(subs) == 0 {
		return nil
	}

	errCh := make(chan SubscriberError, len(subs))
	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			if err := s.handler(ctx, e); err != nil {
				errCh <- SubscriberError{SubscriptionID: s.id, Error: err}
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Handlers already started keep running (cooperative cancellation
		// only); the publisher is released immediately per the timeout
		// contract rather than waiting for stragglers.
	}

	// errCh is never closed: stragglers may still send into its buffer.
	var errs []SubscriberError
	for {
		select {
		case se := <-errCh:
			errs = append(errs, se)
		default:
			return errs
		}
	}
}

// Query inspects the diagnostic ring buffer.
func (b *Bus) Query(q Query) []Event {
	return b.ring.query(q)
}

// Close releases the diagnostic tap's resources, if enabled.
func (b *Bus) Close() {
	b.tap.close()
}
