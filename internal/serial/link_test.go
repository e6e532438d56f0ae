package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-cam360/internal/logging"
	"github.com/kstaniek/go-cam360/internal/transport"
	"github.com/kstaniek/go-cam360/internal/wire"
)

// fakePort returns scripted reads and records writes.
type fakePort struct {
	mu     sync.Mutex
	reads  [][]byte
	errs   []error
	wrote  bytes.Buffer
	closed bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if len(p.reads) > 0 {
		n := copy(b, p.reads[0])
		p.reads = p.reads[1:]
		return n, nil
	}
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return 0, err
	}
	return 0, io.EOF
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	return p.wrote.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func TestLinkReadsSplitUnits(t *testing.T) {
	a := mustEncode(t, wire.EncodeEvent(wire.Event{Type: 1}))
	b := mustEncode(t, wire.EncodeReply(wire.Reply{Tag: 9, Payload: "ok"}))
	stream := append(append([]byte{}, a...), b...)
	p := &fakePort{reads: [][]byte{stream[:3], stream[3:12], stream[12:]}}
	l := NewLink(p, logging.Discard())
	u1, err := l.ReadNext()
	if err != nil || u1.Kind != wire.KindEvent {
		t.Fatalf("first unit: %+v %v", u1, err)
	}
	u2, err := l.ReadNext()
	if err != nil || u2.Kind != wire.KindReply {
		t.Fatalf("second unit: %+v %v", u2, err)
	}
	r, err := wire.DecodeReply(u2)
	if err != nil || r.Tag != 9 || r.Payload != "ok" {
		t.Fatalf("reply decode: %+v %v", r, err)
	}
}

func TestLinkWriteFrames(t *testing.T) {
	p := &fakePort{}
	l := NewLink(p, logging.Discard())
	u := wire.EncodeEvent(wire.Event{Type: 2})
	if err := l.Write(u); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(p.wrote.Bytes(), mustEncode(t, u)) {
		t.Fatalf("unexpected bytes % X", p.wrote.Bytes())
	}
	_ = l.Close()
	if err := l.Write(u); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestLinkPathErrorIsLinkLost(t *testing.T) {
	p := &fakePort{errs: []error{&os.PathError{Op: "read", Path: "/dev/ttyACM0", Err: os.ErrNotExist}}}
	l := NewLink(p, logging.Discard())
	if _, err := l.ReadNext(); !errors.Is(err, transport.ErrLinkLost) {
		t.Fatalf("expected ErrLinkLost, got %v", err)
	}
}

func TestLinkBackoffThenLost(t *testing.T) {
	var sleeps []time.Duration
	orig := sleepFn
	sleepFn = func(d time.Duration) { sleeps = append(sleeps, d) }
	defer func() { sleepFn = orig }()

	errs := make([]error, maxReadFailures)
	for i := range errs {
		errs[i] = errors.New("io glitch")
	}
	p := &fakePort{errs: errs}
	l := NewLink(p, logging.Discard())
	if _, err := l.ReadNext(); !errors.Is(err, transport.ErrLinkLost) {
		t.Fatalf("expected ErrLinkLost, got %v", err)
	}
	if len(sleeps) != maxReadFailures-1 {
		t.Fatalf("expected %d backoff sleeps, got %d", maxReadFailures-1, len(sleeps))
	}
	if sleeps[0] != rxBackoffMin {
		t.Fatalf("first backoff %v, want %v", sleeps[0], rxBackoffMin)
	}
	for _, d := range sleeps {
		if d > rxBackoffMax {
			t.Fatalf("backoff %v exceeds max", d)
		}
	}
}

func TestLinkCloseUnblocksRead(t *testing.T) {
	p := &fakePort{}
	l := NewLink(p, logging.Discard())
	errCh := make(chan error, 1)
	go func() {
		_, err := l.ReadNext()
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = l.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadNext not unblocked")
	}
}

func TestOpenerWrapsUnavailable(t *testing.T) {
	orig := openPort
	openPort = func(string, int, time.Duration) (Port, error) { return nil, errors.New("no such device") }
	defer func() { openPort = orig }()
	_, err := Opener("/dev/null-cam", 115200, time.Millisecond, logging.Discard())(context.Background())
	if !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
