package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-cam360/internal/logging"
	"github.com/kstaniek/go-cam360/internal/wire"
)

// ErrClientClosed is returned by Exec once the connection is gone.
var ErrClientClosed = errors.New("relay: client closed")

const defaultDialTimeout = 3 * time.Second

// Client is a relay peer: it issues tagged requests and receives replies,
// media and events from camd.
type Client struct {
	conn   net.Conn
	codec  Codec
	log    *slog.Logger
	onUnit func(wire.Unit)

	wmu  sync.Mutex
	tags atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan wire.Reply

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

type clientConfig struct {
	timeout time.Duration
	log     *slog.Logger
	onUnit  func(wire.Unit)
}

// ClientOption configures Dial.
type ClientOption func(*clientConfig)

// WithDialTimeout bounds both the TCP connect and the hello exchange.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// WithUnitHandler receives every media and event record. It runs on the
// client's reader goroutine and must not block for long.
func WithUnitHandler(fn func(wire.Unit)) ClientOption {
	return func(c *clientConfig) { c.onUnit = fn }
}

// Dial connects to addr and completes the hello exchange.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	cfg := clientConfig{timeout: defaultDialTimeout, log: logging.L()}
	for _, o := range opts {
		o(&cfg)
	}
	d := net.Dialer{Timeout: cfg.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay dial %s: %w", addr, err)
	}
	if err := Handshake(ctx, conn, cfg.timeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c := &Client{
		conn:    conn,
		log:     cfg.log.With("relay", addr),
		onUnit:  cfg.onUnit,
		pending: make(map[uint32]chan wire.Reply),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Exec sends one command and waits for its reply. A non-zero reply status is
// not an error here; callers inspect Reply.Status.
func (c *Client) Exec(ctx context.Context, name, param string) (wire.Reply, error) {
	tag := c.tags.Add(1)
	u, err := wire.EncodeRequest(wire.Request{Tag: tag, Name: name, Param: param})
	if err != nil {
		return wire.Reply{}, err
	}
	ch := make(chan wire.Reply, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return wire.Reply{}, c.closedErr()
	}
	c.pending[tag] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, tag)
		}
		c.mu.Unlock()
	}()

	c.wmu.Lock()
	_, err = c.codec.EncodeTo(c.conn, []wire.Unit{u})
	c.wmu.Unlock()
	if err != nil {
		c.shutdown(err)
		return wire.Reply{}, c.closedErr()
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return wire.Reply{}, ctx.Err()
	case <-c.done:
		return wire.Reply{}, c.closedErr()
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil while it is up or after Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close tears the connection down; idempotent.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClientClosed, err)
	}
	return ErrClientClosed
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		_ = c.conn.Close()
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	for {
		u, err := c.codec.Decode(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug("relay_read_end", "error", err)
			}
			c.shutdown(err)
			return
		}
		switch u.Kind {
		case wire.KindReply:
			r, err := wire.DecodeReply(u)
			if err != nil {
				c.log.Warn("relay_bad_reply", "error", err)
				continue
			}
			c.mu.Lock()
			ch := c.pending[r.Tag]
			c.mu.Unlock()
			if ch == nil {
				c.log.Debug("relay_unmatched_reply", "tag", r.Tag)
				continue
			}
			select {
			case ch <- r:
			default:
			}
		case wire.KindMedia, wire.KindEvent:
			if c.onUnit != nil {
				c.onUnit(u)
			}
		default:
			c.log.Debug("relay_unexpected_kind", "kind", u.Kind.String())
		}
	}
}
