package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("audit dispatcher closed")

// DropPolicy decides which event is lost when the queue is full.
type DropPolicy int

const (
	DropNewest DropPolicy = iota
	DropOldest
)

func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "newest", "drop-newest":
		return DropNewest, nil
	case "oldest", "drop-oldest":
		return DropOldest, nil
	}
	return DropNewest, fmt.Errorf("unknown drop policy %q", s)
}

func (p DropPolicy) String() string {
	if p == DropOldest {
		return "drop-oldest"
	}
	return "drop-newest"
}

// Dispatcher hands events to a Sink from a single background worker.
// Publish never blocks; when the queue is full an event is dropped
// according to the configured DropPolicy.
type Dispatcher struct {
	sink    Sink
	queue   chan Event
	policy  DropPolicy
	timeout time.Duration
	retries int
	onDrop  func(Event)
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

type DispatcherOption func(*Dispatcher)

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Event, n)
		}
	}
}

func WithDropPolicy(p DropPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.policy = p }
}

// WithDeliveryTimeout bounds a single Sink.Publish attempt.
func WithDeliveryTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithRetries sets how many extra attempts a failed delivery gets.
func WithRetries(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.retries = n
		}
	}
}

func WithDropHook(fn func(Event)) DispatcherOption {
	return func(d *Dispatcher) { d.onDrop = fn }
}

func WithLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

func NewDispatcher(sink Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan Event, 1024),
		policy:  DropNewest,
		timeout: 2 * time.Second,
		retries: 1,
		log:     zerolog.Nop(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	go d.run()
	return d
}

// Publish enqueues e. The caller's context is not used for delivery since
// the caller is usually gone by the time the worker gets to the event.
func (d *Dispatcher) Publish(_ context.Context, e Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- e:
		return nil
	default:
	}

	if d.policy == DropOldest {
		select {
		case old := <-d.queue:
			d.dropped(old)
		default:
		}
		select {
		case d.queue <- e:
			return nil
		default:
		}
	}
	d.dropped(e)
	return nil
}

// Pending is the number of queued, undelivered events.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stop)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case e := <-d.queue:
			d.deliver(e)
		case <-d.stop:
			for {
				select {
				case e := <-d.queue:
					d.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	var err error
	for attempt := 0; attempt <= d.retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err = d.sink.Publish(ctx, e)
		cancel()
		if err == nil {
			return
		}
	}
	d.log.Warn().Err(err).
		Str("event_id", e.ID).
		Str("client_id", e.ClientID).
		Msg("audit delivery failed")
}

func (d *Dispatcher) dropped(e Event) {
	d.log.Debug().
		Str("event_id", e.ID).
		Str("policy", d.policy.String()).
		Msg("audit queue full, event dropped")
	if d.onDrop != nil {
		d.onDrop(e)
	}
}
