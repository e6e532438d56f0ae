package relay

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-cam360/internal/wire"
)

// startEcho runs a relay peer that answers every request with "name:param"
// and pushes one event right after the hello.
func startEcho(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				if err := Handshake(context.Background(), conn, time.Second); err != nil {
					return
				}
				var c Codec
				_, _ = c.EncodeTo(conn, []wire.Unit{wire.EncodeEvent(wire.Event{Type: 1})})
				for {
					u, err := c.Decode(conn)
					if err != nil {
						return
					}
					req, err := wire.DecodeRequest(u)
					if err != nil {
						return
					}
					if req.Name == "silent" {
						continue
					}
					rep := wire.Reply{Tag: req.Tag, Payload: req.Name + ":" + req.Param}
					if req.Name == "bad" {
						rep.Status = -8000
					}
					_, _ = c.EncodeTo(conn, []wire.Unit{wire.EncodeReply(rep)})
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), func() { _ = ln.Close() }
}

func TestClientExecAndUnits(t *testing.T) {
	addr, stop := startEcho(t)
	defer stop()
	units := make(chan wire.Unit, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, WithUnitHandler(func(u wire.Unit) { units <- u }))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	r, err := c.Exec(ctx, "get_sn", "")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !r.OK() || r.Payload != "get_sn:" {
		t.Fatalf("unexpected reply %+v", r)
	}
	r, err = c.Exec(ctx, "bad", "x")
	if err != nil || r.Status != -8000 {
		t.Fatalf("device status not passed through: %+v %v", r, err)
	}
	select {
	case u := <-units:
		if u.Kind != wire.KindEvent {
			t.Fatalf("unit kind %v", u.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestClientExecContext(t *testing.T) {
	addr, stop := startEcho(t)
	defer stop()
	c, err := Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Exec(ctx, "silent", ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded got %v", err)
	}
}

func TestClientClose(t *testing.T) {
	addr, stop := startEcho(t)
	defer stop()
	c, err := Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Exec(context.Background(), "silent", "")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = c.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClientClosed) {
			t.Fatalf("want ErrClientClosed got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Exec not unblocked by Close")
	}
	<-c.Done()
	if _, err := c.Exec(context.Background(), "get_sn", ""); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("exec after close: %v", err)
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	if _, err := Dial(context.Background(), addr, WithDialTimeout(200*time.Millisecond)); err == nil {
		t.Fatalf("expected dial error")
	}
}
