package session

import "github.com/kstaniek/go-cam360/internal/wire"

// EventDoubleClick is reported when the camera button is double-clicked.
const EventDoubleClick int32 = 1

// Frame is one media unit handed to the observer. The observer owns Data.
type Frame struct {
	Channel wire.Channel
	Data    []byte
	PTS     int64
}

// Len returns the payload length.
func (f Frame) Len() int { return len(f.Data) }

// Event is a one-shot device notification.
type Event struct {
	Type int32
}

// Observer receives media frames and events. Callbacks run on the session's
// delivery goroutine, one at a time, in arrival order. A callback may issue
// commands but must not call Disconnect synchronously.
type Observer interface {
	OnFrame(Frame)
	OnEvent(Event)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Frame func(Frame)
	Event func(Event)
}

func (o ObserverFuncs) OnFrame(f Frame) {
	if o.Frame != nil {
		o.Frame(f)
	}
}

func (o ObserverFuncs) OnEvent(e Event) {
	if o.Event != nil {
		o.Event(e)
	}
}

type observerRef struct{ o Observer }
