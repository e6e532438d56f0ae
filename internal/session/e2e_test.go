package session_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-cam360/internal/devsim"
	"github.com/kstaniek/go-cam360/internal/logging"
	"github.com/kstaniek/go-cam360/internal/session"
	"github.com/kstaniek/go-cam360/internal/wire"
)

// orderObserver checks that PTS grows monotonically per channel.
type orderObserver struct {
	mu       sync.Mutex
	last     map[wire.Channel]int64
	count    atomic.Int64
	reorders atomic.Int64
}

func (o *orderObserver) OnFrame(f session.Frame) {
	o.mu.Lock()
	if prev, ok := o.last[f.Channel]; ok && f.PTS <= prev {
		o.reorders.Add(1)
	}
	o.last[f.Channel] = f.PTS
	o.mu.Unlock()
	o.count.Add(1)
}

func (o *orderObserver) OnEvent(session.Event) {}

func TestEndToEndInterleavedCommandsAndFrames(t *testing.T) {
	dev := devsim.New(devsim.WithLogger(logging.Discard()))
	defer dev.Close()
	s := session.New(dev.Opener(),
		session.WithLogger(logging.Discard()),
		session.WithSinkBuffer(4096),
		session.WithCommandTimeout(2*time.Second))
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	info, err := s.Info(ctx)
	if err != nil {
		t.Fatalf("device info: %v", err)
	}
	if info.Attachment() != session.AttachedCamera {
		t.Fatalf("unexpected attachment %v", info.Attachment())
	}

	obs := &orderObserver{last: make(map[wire.Channel]int64)}
	s.SetObserver(obs)

	const total = 1000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total/2; i++ {
			_ = dev.SendMedia(wire.ChannelVideo, int64(i), []byte{byte(i)})
			_ = dev.SendMedia(wire.ChannelAudio, int64(i), []byte{byte(i)})
		}
	}()

	var okReplies int
	for i := 0; i < total; i++ {
		name := fmt.Sprintf("cam-%d", i)
		if err := s.SetName(ctx, name); err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
		okReplies++
	}
	wg.Wait()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && obs.count.Load() < total {
		time.Sleep(5 * time.Millisecond)
	}
	if okReplies != total {
		t.Fatalf("dropped replies: got %d of %d", okReplies, total)
	}
	if got := dev.Prop("name"); got != fmt.Sprintf("cam-%d", total-1) {
		t.Fatalf("device saw commands out of order, last name %q", got)
	}
	if obs.count.Load() != total {
		t.Fatalf("observer got %d frames, want %d", obs.count.Load(), total)
	}
	if obs.reorders.Load() != 0 {
		t.Fatalf("per-channel order broken %d times", obs.reorders.Load())
	}
	if s.VideoCount() != total/2 || s.AudioCount() != total/2 {
		t.Fatalf("counters video=%d audio=%d", s.VideoCount(), s.AudioCount())
	}
	s.Disconnect()
	if s.IsValid() {
		t.Fatalf("session valid after disconnect")
	}
}
