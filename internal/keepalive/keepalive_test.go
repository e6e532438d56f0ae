package keepalive

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-cam360/internal/logging"
)

type fakeDevice struct {
	valid     atomic.Bool
	streaming atomic.Bool
	idle      atomic.Int64
	beats     atomic.Int64
	offs      atomic.Int64
	beatErr   error
}

func (f *fakeDevice) IsValid() bool { return f.valid.Load() }
func (f *fakeDevice) Streaming() bool { return f.streaming.Load() }
func (f *fakeDevice) IdleFor() time.Duration { return time.Duration(f.idle.Load()) }
func (f *fakeDevice) Heartbeat(context.Context) error {
	f.beats.Add(1)
	return f.beatErr
}
func (f *fakeDevice) PowerOff(context.Context) error {
	f.offs.Add(1)
	return nil
}

func newDev() *fakeDevice {
	d := &fakeDevice{}
	d.valid.Store(true)
	return d
}

func TestHeartbeatSkippedWhileStreamingOrDisconnected(t *testing.T) {
	d := newDev()
	m := New(d, WithLogger(logging.Discard()))
	ctx := context.Background()
	m.beat(ctx)
	d.streaming.Store(true)
	m.beat(ctx)
	d.streaming.Store(false)
	d.valid.Store(false)
	m.beat(ctx)
	if d.beats.Load() != 1 {
		t.Fatalf("expected exactly one heartbeat, got %d", d.beats.Load())
	}
}

func TestHeartbeatFailureNotRetried(t *testing.T) {
	d := newDev()
	d.beatErr = errors.New("timeout")
	m := New(d, WithLogger(logging.Discard()))
	m.beat(context.Background())
	if d.beats.Load() != 1 {
		t.Fatalf("heartbeat retried: %d", d.beats.Load())
	}
}

func TestIdlePowerOffOnceUntilActivity(t *testing.T) {
	d := newDev()
	m := New(d, WithIdlePowerOff(time.Minute), WithLogger(logging.Discard()))
	ctx := context.Background()

	d.idle.Store(int64(30 * time.Second))
	m.checkIdle(ctx)
	if d.offs.Load() != 0 {
		t.Fatalf("powered off before idle delay")
	}
	d.idle.Store(int64(2 * time.Minute))
	m.checkIdle(ctx)
	m.checkIdle(ctx)
	if d.offs.Load() != 1 {
		t.Fatalf("expected one power-off, got %d", d.offs.Load())
	}
	d.idle.Store(int64(time.Second)) // user activity re-arms
	m.checkIdle(ctx)
	d.idle.Store(int64(2 * time.Minute))
	m.checkIdle(ctx)
	if d.offs.Load() != 2 {
		t.Fatalf("expected re-armed power-off, got %d", d.offs.Load())
	}
}

func TestIdlePowerOffSuspended(t *testing.T) {
	d := newDev()
	var busy atomic.Bool
	m := New(d, WithIdlePowerOff(time.Minute), WithBusy(busy.Load), WithLogger(logging.Discard()))
	ctx := context.Background()
	d.idle.Store(int64(time.Hour))

	d.streaming.Store(true)
	m.checkIdle(ctx)
	d.streaming.Store(false)
	busy.Store(true)
	m.checkIdle(ctx)
	if d.offs.Load() != 0 {
		t.Fatalf("power-off while streaming or busy")
	}
	busy.Store(false)
	m.checkIdle(ctx)
	if d.offs.Load() != 1 {
		t.Fatalf("expected power-off once free, got %d", d.offs.Load())
	}
}

func TestRunTicksAndStops(t *testing.T) {
	d := newDev()
	m := New(d, WithHeartbeat(5*time.Millisecond), WithIdlePowerOff(0), WithLogger(logging.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && d.beats.Load() < 3 {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	if d.beats.Load() < 3 {
		t.Fatalf("expected heartbeats, got %d", d.beats.Load())
	}
	if d.offs.Load() != 0 {
		t.Fatalf("idle power-off disabled but fired")
	}
}
