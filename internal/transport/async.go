package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Async funnels items through a single worker goroutine (fan-in) with
// non-blocking enqueue: if the buffer is full, Enqueue invokes OnDrop and
// returns its error. Items are handled strictly in enqueue order.
//
// Life-cycle:
//
//	a := NewAsync(ctx, buf, handle, hooks)
//	a.Enqueue(v)
//	a.Close()
//
// Close stops the worker; items still buffered are discarded.
type Async[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	handle func(T) error
	hooks  Hooks
	closed atomic.Bool // set when Close is called; prevents enqueue after shutdown
}

// Hooks customize Async behavior.
type Hooks struct {
	// OnError is called when handle returns a non-nil error.
	OnError func(error)
	// OnAfter is called only after a successful handle.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from Enqueue. If nil, the overflow is silent.
	OnDrop func() error
}

// ErrAsyncClosed is returned by Enqueue after Close.
var ErrAsyncClosed = errors.New("async queue closed")

// NewAsync constructs an Async with a buffered channel of size buf.
func NewAsync[T any](parent context.Context, buf int, handle func(T) error, hooks Hooks) *Async[T] {
	ctx, cancel := context.WithCancel(parent)
	a := &Async[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		handle: handle,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *Async[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case v, ok := <-a.ch:
			if !ok { // channel closed
				return
			}
			if a.ctx.Err() != nil {
				return
			}
			if err := a.handle(v); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Enqueue queues v for the worker or returns the drop error if the buffer is full.
func (a *Async[T]) Enqueue(v T) error {
	// Fast-path check so steady-state sends avoid taking the lock when already shut down.
	if a.closed.Load() {
		return ErrAsyncClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncClosed
	}
	select {
	case a.ch <- v:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Len reports the number of queued items.
func (a *Async[T]) Len() int { return len(a.ch) }

// Close stops the worker and waits for it to exit. It must not be called
// from within handle.
func (a *Async[T]) Close() {
	if a.closed.Swap(true) { // already closed
		return
	}
	// Cancel context to stop loop, then close channel under the send lock to avoid races.
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
