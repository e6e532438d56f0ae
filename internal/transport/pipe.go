package transport

import (
	"sync"

	"github.com/kstaniek/go-cam360/internal/wire"
)

const defaultPipeBuffer = 4096

// PipeEnd is one side of an in-memory Link pair created by NewPipe.
type PipeEnd struct {
	in        chan wire.Unit
	done      chan struct{}
	closeOnce sync.Once
	peer      *PipeEnd
}

// NewPipe returns two connected in-memory links. Units written to one end
// are read from the other in order. Closing either end makes the peer's
// ReadNext return ErrLinkLost once its buffer is drained.
func NewPipe(buf int) (*PipeEnd, *PipeEnd) {
	if buf <= 0 {
		buf = defaultPipeBuffer
	}
	a := &PipeEnd{in: make(chan wire.Unit, buf), done: make(chan struct{})}
	b := &PipeEnd{in: make(chan wire.Unit, buf), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeEnd) Write(u wire.Unit) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrLinkLost
	default:
	}
	select {
	case p.peer.in <- u.Clone():
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrLinkLost
	}
}

func (p *PipeEnd) ReadNext() (wire.Unit, error) {
	select {
	case u := <-p.in:
		return u, nil
	case <-p.done:
		return wire.Unit{}, ErrClosed
	case <-p.peer.done:
		// drain what the peer managed to send before it went away
		select {
		case u := <-p.in:
			return u, nil
		default:
		}
		return wire.Unit{}, ErrLinkLost
	}
}

// Close is idempotent.
func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// Done is closed when this end is closed.
func (p *PipeEnd) Done() <-chan struct{} { return p.done }

var _ Link = (*PipeEnd)(nil)
