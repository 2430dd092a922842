package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// HandlerFunc serves one host-reachable operation. A returned error is
// reported to the bridge's error callback.
type HandlerFunc func(payload string) error

type call struct {
	name    string
	payload string
}

// Bridge queues calls made by page script and dispatches them to registered
// handlers on a single goroutine, in the order the page made them. Enqueueing
// never blocks, so it is safe from automation-engine event listeners.
type Bridge struct {
	log      *slog.Logger
	handlers map[string]HandlerFunc
	onError  func(name string, err error)

	mu     sync.Mutex
	queue  []call
	busy   bool
	closed bool
	wake   chan struct{}
	idle   chan struct{}
}

// NewBridge returns a Bridge. onError may be nil.
func NewBridge(log *slog.Logger, onError func(name string, err error)) *Bridge {
	return &Bridge{
		log:      log,
		handlers: make(map[string]HandlerFunc),
		onError:  onError,
		wake:     make(chan struct{}, 1),
		idle:     make(chan struct{}),
	}
}

// Handle registers fn under name. It must be called before Run.
func (b *Bridge) Handle(name string, fn HandlerFunc) {
	b.handlers[name] = fn
}

// Names lists the registered operation names, sorted.
func (b *Bridge) Names() []string {
	names := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Caller returns the function to install as the page binding for name.
func (b *Bridge) Caller(name string) func(payload string) {
	return func(payload string) {
		b.Enqueue(name, payload)
	}
}

// Enqueue appends a call to the queue. Calls made after Close are dropped.
func (b *Bridge) Enqueue(name, payload string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.log.Debug("bridge call after close dropped", slog.String("name", name))
		return
	}
	b.queue = append(b.queue, call{name: name, payload: payload})
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run dispatches queued calls until ctx is done, or until Close was called
// and the queue is empty.
func (b *Bridge) Run(ctx context.Context) {
	for {
		c, ok := b.next(ctx)
		if !ok {
			return
		}
		b.dispatch(c)
	}
}

// Close stops accepting calls. Run returns once the queue has drained.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every call enqueued so far has been dispatched.
func (b *Bridge) Flush(ctx context.Context) error {
	for {
		b.mu.Lock()
		done := len(b.queue) == 0 && !b.busy
		idle := b.idle
		b.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bridge) next(ctx context.Context) (call, bool) {
	for {
		b.mu.Lock()
		b.busy = false
		if len(b.queue) > 0 {
			c := b.queue[0]
			b.queue[0] = call{}
			b.queue = b.queue[1:]
			b.busy = true
			b.mu.Unlock()
			return c, true
		}
		// Queue drained: release Flush waiters.
		close(b.idle)
		b.idle = make(chan struct{})
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return call{}, false
		}
		select {
		case <-b.wake:
		case <-ctx.Done():
			return call{}, false
		}
	}
}

func (b *Bridge) dispatch(c call) {
	fn, ok := b.handlers[c.name]
	if !ok {
		b.report(c.name, fmt.Errorf("no handler registered for %s", c.name))
		return
	}
	if err := fn(c.payload); err != nil {
		b.report(c.name, err)
	}
}

func (b *Bridge) report(name string, err error) {
	if b.onError != nil {
		b.onError(name, err)
		return
	}
	b.log.Error("bridge call failed", slog.String("name", name), slog.String("error", err.Error()))
}
