// Package fanout distributes values from one producer to many independent
// subscribers. Every subscriber owns a bounded mailbox drained by its own
// goroutine, so a slow or failing handler never stalls Publish or its peers.
package fanout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"optical_bench/internal/bencherr"
	"optical_bench/internal/logger"
)

// DefaultBuffer is the mailbox size used when no WithBuffer option is given.
const DefaultBuffer = 1024

// Handler consumes one value. A returned error or a panic is isolated to the
// subscriber that raised it.
type Handler[T any] func(T) error

// Handle identifies a subscription. The zero Handle is never issued.
type Handle uint64

// Observer receives hub activity, typically Prometheus counters.
type Observer interface {
	Subscribed()
	Unsubscribed()
	Failed()
	Dropped()
}

// FailureFunc is called from the failing subscriber's goroutine.
type FailureFunc func(h Handle, err error)

type options struct {
	buffer    int
	log       *logger.Logger
	obs       Observer
	onFailure FailureFunc
}

type Option func(*options)

// WithBuffer sets the per-subscriber mailbox size.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

func WithLogger(l *logger.Logger) Option { return func(o *options) { o.log = l } }

func WithObserver(obs Observer) Option { return func(o *options) { o.obs = obs } }

// WithFailureHook registers fn to be told about isolated subscriber failures.
func WithFailureHook(fn FailureFunc) Option { return func(o *options) { o.onFailure = fn } }

type subscriber[T any] struct {
	id      Handle
	fn      Handler[T]
	ch      chan T
	dropped atomic.Uint64
}

// Hub fans values out to subscribers in publish order.
type Hub[T any] struct {
	name string
	opts options

	mu     sync.RWMutex
	subs   map[Handle]*subscriber[T]
	next   Handle
	closed bool

	wg sync.WaitGroup
}

// New creates a hub; name shows up in log lines.
func New[T any](name string, opts ...Option) *Hub[T] {
	o := options{buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	return &Hub[T]{
		name: name,
		opts: o,
		subs: make(map[Handle]*subscriber[T]),
	}
}

// Subscribe registers fn and starts its delivery goroutine. It returns the
// zero Handle if fn is nil or the hub is closed.
func (h *Hub[T]) Subscribe(fn Handler[T]) Handle {
	if fn == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	h.next++
	s := &subscriber[T]{id: h.next, fn: fn, ch: make(chan T, h.opts.buffer)}
	h.subs[s.id] = s

	h.wg.Add(1)
	go h.deliver(s)

	if h.opts.obs != nil {
		h.opts.obs.Subscribed()
	}
	return s.id
}

// Unsubscribe removes the subscription. Values already in its mailbox are
// still delivered; it returns false for unknown handles.
func (h *Hub[T]) Unsubscribe(id Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.subs[id]
	if !ok {
		return false
	}
	delete(h.subs, id)
	close(s.ch)
	if h.opts.obs != nil {
		h.opts.obs.Unsubscribed()
	}
	return true
}

// Publish hands v to every current subscriber without blocking. A full
// mailbox drops v for that subscriber only. It returns the number of
// mailboxes that accepted v.
func (h *Hub[T]) Publish(v T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, s := range h.subs {
		select {
		case s.ch <- v:
			delivered++
		default:
			if s.dropped.Add(1) == 1 {
				h.opts.log.Warnw("subscriber_lagging", "stream", h.name, "subscriber", s.id, "buffer", h.opts.buffer)
			}
			if h.opts.obs != nil {
				h.opts.obs.Dropped()
			}
		}
	}
	return delivered
}

// Len returns the number of current subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many values subscriber id missed, or 0 if unknown.
func (h *Hub[T]) Dropped(id Handle) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s, ok := h.subs[id]; ok {
		return s.dropped.Load()
	}
	return 0
}

// Close unsubscribes everyone. Further Subscribe calls return the zero Handle.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
		if h.opts.obs != nil {
			h.opts.obs.Unsubscribed()
		}
	}
}

// Drain waits until every closed mailbox has been delivered, or ctx ends.
func (h *Hub[T]) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub[T]) deliver(s *subscriber[T]) {
	defer h.wg.Done()
	for v := range s.ch {
		if err := h.invoke(s, v); err != nil {
			h.fail(s.id, err)
		}
	}
}

func (h *Hub[T]) invoke(s *subscriber[T], v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", bencherr.ErrSubscriberFailure, r)
		}
	}()
	if herr := s.fn(v); herr != nil {
		return fmt.Errorf("%w: %w", bencherr.ErrSubscriberFailure, herr)
	}
	return nil
}

func (h *Hub[T]) fail(id Handle, err error) {
	h.opts.log.Errorw("subscriber_failed", "stream", h.name, "subscriber", id, "err", err)
	if h.opts.obs != nil {
		h.opts.obs.Failed()
	}
	if h.opts.onFailure != nil {
		h.opts.onFailure(id, err)
	}
}
