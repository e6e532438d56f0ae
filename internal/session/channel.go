package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-cam360/internal/wire"
)

type result struct {
	reply wire.Reply
	err   error
}

type pending struct {
	tag  uint32
	done chan result // cap 1; written at most once
}

// channel is the command/response path of one connection. At most one
// request is in flight; replies are matched by tag only.
type channel struct {
	slot chan struct{} // cap 1; holding a token means owning the in-flight slot
	tags *atomic.Uint32

	mu  sync.Mutex
	cur *pending

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newChannel(tags *atomic.Uint32) *channel {
	return &channel{
		slot:   make(chan struct{}, 1),
		tags:   tags,
		closed: make(chan struct{}),
	}
}

// send acquires the slot, writes req with a fresh tag and waits for the
// matching reply. A single timer bounds both the slot wait and the reply wait.
func (c *channel) send(ctx context.Context, write func(wire.Unit) error, name, param string, timeout time.Duration) (wire.Reply, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.slot <- struct{}{}:
	case <-timer.C:
		return wire.Reply{}, fmt.Errorf("%w: %s waiting for slot after %v", ErrCommandTimeout, name, timeout)
	case <-ctx.Done():
		return wire.Reply{}, ctx.Err()
	case <-c.closed:
		return wire.Reply{}, c.closeErr
	}
	defer func() { <-c.slot }()

	select {
	case <-c.closed:
		return wire.Reply{}, c.closeErr
	default:
	}

	tag := c.tags.Add(1)
	u, err := wire.EncodeRequest(wire.Request{Tag: tag, Name: name, Param: param})
	if err != nil {
		return wire.Reply{}, fmt.Errorf("%w: %v", ErrParamInvalid, err)
	}
	p := &pending{tag: tag, done: make(chan result, 1)}
	c.mu.Lock()
	c.cur = p
	c.mu.Unlock()
	defer c.clear(p)

	if err := write(u); err != nil {
		return wire.Reply{}, err
	}

	select {
	case r := <-p.done:
		return r.reply, r.err
	case <-timer.C:
		return wire.Reply{}, fmt.Errorf("%w: %s (tag %d) after %v", ErrCommandTimeout, name, tag, timeout)
	case <-ctx.Done():
		return wire.Reply{}, ctx.Err()
	case <-c.closed:
		return wire.Reply{}, c.closeErr
	}
}

func (c *channel) clear(p *pending) {
	c.mu.Lock()
	if c.cur == p {
		c.cur = nil
	}
	c.mu.Unlock()
}

// deliver hands r to the waiting caller. It reports false when no request
// with r.Tag is pending (late or foreign reply).
func (c *channel) deliver(r wire.Reply) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.tag != r.Tag {
		return false
	}
	c.cur.done <- result{reply: r}
	c.cur = nil
	return true
}

// fail unblocks the pending caller, if any, with err.
func (c *channel) fail(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return false
	}
	c.cur.done <- result{err: err}
	c.cur = nil
	return true
}

// close unblocks every current and future send with err.
func (c *channel) close(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}
