package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-cam360/internal/session"
	"github.com/kstaniek/go-cam360/internal/wire"
)

func ev(n int32) wire.Unit { return wire.EncodeEvent(wire.Event{Type: n}) }

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	// Don't read from cl.Out to simulate slow client
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(ev(1))
	}
	elapsed := time.Since(start)
	if elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	// Buffer should be full
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := NewClient(1)
	fast := NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	h.Broadcast(ev(1)) // fills slow
	for i := 0; i < 10; i++ {
		h.Broadcast(ev(2))
	}
	if len(fast.Out) != 11 {
		t.Fatalf("fast client got %d units, want 11", len(fast.Out))
	}
	select {
	case <-slow.Closed:
		t.Fatalf("drop policy must not close slow client")
	default:
	}
}

func TestHub_KickPolicyClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	slow := NewClient(1)
	h.Add(slow)
	defer h.Remove(slow)
	h.Broadcast(ev(1))
	h.Broadcast(ev(2))
	select {
	case <-slow.Closed:
	default:
		t.Fatalf("expected slow client to be kicked")
	}
}

func TestHub_ObserverEncodesUnits(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)
	h.OnFrame(session.Frame{Channel: wire.ChannelAudio, PTS: 99, Data: []byte{1, 2}})
	h.OnEvent(session.Event{Type: session.EventDoubleClick})

	m, err := wire.DecodeMedia(<-cl.Out)
	if err != nil || m.Channel != wire.ChannelAudio || m.PTS != 99 || len(m.Data) != 2 {
		t.Fatalf("media %+v %v", m, err)
	}
	e, err := wire.DecodeEvent(<-cl.Out)
	if err != nil || e.Type != session.EventDoubleClick {
		t.Fatalf("event %+v %v", e, err)
	}
}

func TestHub_RemoveIdempotent(t *testing.T) {
	h := New()
	cl := NewClient(1)
	h.Add(cl)
	h.Remove(cl)
	h.Remove(cl)
	if h.Count() != 0 {
		t.Fatalf("count %d", h.Count())
	}
}
