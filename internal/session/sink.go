package session

import (
	"context"
	"errors"

	"github.com/kstaniek/go-cam360/internal/metrics"
	"github.com/kstaniek/go-cam360/internal/transport"
)

const defaultSinkBuffer = 1024

var errSinkFull = errors.New("sink queue full")

type delivery struct {
	event bool
	frame Frame
	evt   Event
}

// sink moves frames and events off the reader goroutine to the observer.
// Delivery never blocks the reader: with no observer or a full queue the
// unit is dropped.
type sink struct {
	s *Session
	q *transport.Async[delivery]
}

func newSink(s *Session, buf int) *sink {
	if buf <= 0 {
		buf = defaultSinkBuffer
	}
	k := &sink{s: s}
	k.q = transport.NewAsync(context.Background(), buf, k.deliver, transport.Hooks{
		OnDrop: func() error {
			metrics.IncSinkDrop("overflow")
			return errSinkFull
		},
	})
	return k
}

func (k *sink) push(d delivery) {
	if k.s.observer.Load() == nil {
		metrics.IncSinkDrop("no_observer")
		return
	}
	_ = k.q.Enqueue(d)
}

func (k *sink) deliver(d delivery) error {
	ref := k.s.observer.Load()
	if ref == nil {
		metrics.IncSinkDrop("no_observer")
		return nil
	}
	if d.event {
		ref.o.OnEvent(d.evt)
	} else {
		ref.o.OnFrame(d.frame)
	}
	return nil
}

func (k *sink) close() { k.q.Close() }
