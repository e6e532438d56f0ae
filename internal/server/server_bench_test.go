package server

import (
	"context"
	"testing"
	"time"

	"github.com/kstaniek/go-cam360/internal/hub"
	"github.com/kstaniek/go-cam360/internal/relay"
	"github.com/kstaniek/go-cam360/internal/wire"
)

func BenchmarkServerWriterFlush(b *testing.B) {
	h := hub.New()
	h.OutBufSize = 4096
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer(WithHub(h))
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		b.Fatalf("server not ready")
	}
	done := make(chan struct{}, 1)
	var seen int
	c, err := relay.Dial(ctx, srv.Addr(), relay.WithUnitHandler(func(wire.Unit) {
		seen++
		if seen == b.N {
			done <- struct{}{}
		}
	}))
	if err != nil {
		b.Fatalf("dial: %v", err)
	}
	defer c.Close()
	for h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	u := wire.EncodeMedia(wire.Media{Channel: wire.ChannelVideo, Data: make([]byte, 1024)})
	cl := h.Snapshot()[0]
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cl.Out <- u
	}
	<-done
}
