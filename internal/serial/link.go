package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-cam360/internal/logging"
	"github.com/kstaniek/go-cam360/internal/metrics"
	"github.com/kstaniek/go-cam360/internal/transport"
	"github.com/kstaniek/go-cam360/internal/wire"
)

const (
	readBufSize = 4096 // per read() buffer
	// reclaimThreshold is the capacity above which a drained accumulator is
	// reallocated so a burst of noise does not pin a large backing array.
	reclaimThreshold = 64 * 1024
	rxBackoffMin     = 20 * time.Millisecond
	rxBackoffMax     = 500 * time.Millisecond
	// maxReadFailures consecutive non-EOF read errors declare the link lost.
	maxReadFailures = 8
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Link adapts a serial Port to transport.Link. Writes are synchronous and
// serialized; ReadNext must only be called from a single reader goroutine.
type Link struct {
	port  Port
	codec Codec
	log   *slog.Logger

	wmu sync.Mutex

	buf     []byte
	acc     *bytes.Buffer
	pending []wire.Unit

	closed atomic.Bool
}

var _ transport.Link = (*Link)(nil)

// NewLink wraps an open port. A nil logger uses logging.L().
func NewLink(p Port, l *slog.Logger) *Link {
	if l == nil {
		l = logging.L()
	}
	return &Link{
		port: p,
		log:  l,
		buf:  make([]byte, readBufSize),
		acc:  bytes.NewBuffer(nil),
	}
}

// Write frames u and writes it to the port.
func (l *Link) Write(u wire.Unit) error {
	if l.closed.Load() {
		return transport.ErrClosed
	}
	frame, err := l.codec.Encode(u)
	if err != nil {
		return err
	}
	l.wmu.Lock()
	_, err = l.port.Write(frame)
	l.wmu.Unlock()
	if err != nil {
		if l.closed.Load() {
			return transport.ErrClosed
		}
		metrics.IncError(metrics.ErrSerialWrite)
		return fmt.Errorf("%w: %v", transport.ErrLinkLost, err)
	}
	metrics.IncLinkTx()
	return nil
}

// ReadNext blocks until one complete unit has been decoded.
func (l *Link) ReadNext() (wire.Unit, error) {
	backoff := rxBackoffMin
	failures := 0
	for {
		if l.closed.Load() {
			return wire.Unit{}, transport.ErrClosed
		}
		if len(l.pending) > 0 {
			u := l.pending[0]
			l.pending[0] = wire.Unit{}
			l.pending = l.pending[1:]
			return u, nil
		}
		n, err := l.port.Read(l.buf)
		if n > 0 {
			l.acc.Write(l.buf[:n])
			_ = l.codec.DecodeStream(l.acc, func(u wire.Unit) { l.pending = append(l.pending, u) })
			if l.acc.Len() == 0 && cap(l.acc.Bytes()) > reclaimThreshold {
				l.acc = bytes.NewBuffer(nil)
			}
			backoff = rxBackoffMin
			failures = 0
		}
		if err == nil {
			continue
		}
		if l.closed.Load() {
			return wire.Unit{}, transport.ErrClosed
		}
		var perr *os.PathError
		if errors.As(err, &perr) {
			// device removed or fatal
			return wire.Unit{}, fmt.Errorf("%w: %v", transport.ErrLinkLost, err)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			continue // read timeout on an idle line
		}
		metrics.IncError(metrics.ErrSerialRead)
		failures++
		if failures >= maxReadFailures {
			return wire.Unit{}, fmt.Errorf("%w: %v", transport.ErrLinkLost, err)
		}
		l.log.Warn("serial_read_error", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff *= 2
		if backoff > rxBackoffMax {
			backoff = rxBackoffMax
		}
	}
}

// Close closes the port; a blocked ReadNext returns transport.ErrClosed.
func (l *Link) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.port.Close()
}

// openPort is a hook for tests.
var openPort = Open

// Opener returns a transport.Opener that opens dev on every connect.
func Opener(dev string, baud int, readTimeout time.Duration, l *slog.Logger) transport.Opener {
	return func(ctx context.Context) (transport.Link, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := openPort(dev, baud, readTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", transport.ErrUnavailable, dev, err)
		}
		if l == nil {
			l = logging.L()
		}
		l.Info("serial_open", "device", dev, "baud", baud)
		return NewLink(p, l), nil
	}
}
