package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-cam360/internal/hub"
	"github.com/kstaniek/go-cam360/internal/logging"
	"github.com/kstaniek/go-cam360/internal/relay"
	"github.com/kstaniek/go-cam360/internal/server"
	"github.com/kstaniek/go-cam360/internal/wire"
)

// fakeCamd answers relay commands the way camd would for a connected camera.
type fakeCamd struct {
	hub *hub.Hub

	mu        sync.Mutex
	calls     []wire.Request
	streaming bool
	polls     int
}

func (f *fakeCamd) exec(_ context.Context, req wire.Request) wire.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	switch req.Name {
	case relay.CmdSessionState:
		return wire.Reply{Payload: "connected"}
	case relay.CmdSDKVersion:
		return wire.Reply{Payload: "1.0.0"}
	case relay.CmdInfo:
		return wire.Reply{Payload: "attachment=camera;streaming=false"}
	case "get_sn":
		return wire.Reply{Payload: "CAM0001234567"}
	case "get_fw_version":
		return wire.Reply{Payload: "Apollo_V2.3.000"}
	case "obtain_stream":
		f.streaming = true
		for i := 0; i < 3; i++ {
			f.hub.Broadcast(wire.EncodeMedia(wire.Media{Channel: wire.ChannelVideo, PTS: int64(i) * 33000, Data: make([]byte, 64)}))
		}
		f.hub.Broadcast(wire.EncodeEvent(wire.Event{Type: 7}))
		return wire.Reply{}
	case "release_stream":
		f.streaming = false
		return wire.Reply{}
	case relay.CmdUpgradeStart:
		p := wire.ParseParams(req.Param)
		if p["file"] == "" || p["md5"] == "" {
			return wire.Reply{Status: 3, Payload: "invalid parameter"}
		}
		f.polls = 0
		return wire.Reply{Payload: "job=j1;percent=0;status=uploading"}
	case relay.CmdUpgradeStatus:
		f.polls++
		if f.polls < 3 {
			return wire.Reply{Payload: "job=j1;percent=50;status=uploading"}
		}
		return wire.Reply{Payload: "job=j1;percent=100;status=succeeded"}
	case relay.CmdUpgradeStop:
		return wire.Reply{Status: 2, Payload: "upgrade: no active job"}
	case "echo":
		return wire.Reply{Payload: req.Param}
	}
	return wire.Reply{Status: -8000, Payload: "unsupported"}
}

func (f *fakeCamd) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, r := range f.calls {
		out[i] = r.Name
	}
	return out
}

func startFake(t *testing.T) (*fakeCamd, string) {
	t.Helper()
	f := &fakeCamd{hub: hub.New()}
	srv := server.NewServer(
		server.WithListenAddr("127.0.0.1:0"),
		server.WithHub(f.hub),
		server.WithExec(f.exec),
		server.WithLogger(logging.Discard()),
	)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatalf("server not ready")
	}
	t.Cleanup(func() {
		cancel()
		sctx, sc := context.WithTimeout(context.Background(), time.Second)
		defer sc()
		_ = srv.Shutdown(sctx)
	})
	return f, srv.Addr()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestExecCommand(t *testing.T) {
	_, addr := startFake(t)
	out, err := run(t, "--addr", addr, "exec", "echo", "a=1;b=2")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if strings.TrimSpace(out) != "a=1;b=2" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestExecCommandStatus(t *testing.T) {
	_, addr := startFake(t)
	_, err := run(t, "--addr", addr, "exec", "bogus")
	var se *statusError
	if !errors.As(err, &se) || se.Status != -8000 || se.Command != "bogus" {
		t.Fatalf("expected status error, got %v", err)
	}
	if !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("message missing: %v", err)
	}
}

func TestExecArgs(t *testing.T) {
	if _, err := run(t, "exec"); err == nil {
		t.Fatalf("expected args error")
	}
	if _, err := run(t, "exec", "a", "b", "c"); err == nil {
		t.Fatalf("expected args error")
	}
}

func TestInfoCommand(t *testing.T) {
	_, addr := startFake(t)
	out, err := run(t, "--addr", addr, "info")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	for _, want := range []string{"state:", "connected", "sdk:", "1.0.0", "attachment:", "camera", "sn:", "CAM0001234567", "firmware:", "Apollo_V2.3.000"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWatchCommand(t *testing.T) {
	f, addr := startFake(t)
	out, err := run(t, "--addr", addr, "watch", "-n", "4")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if got := strings.Count(out, "video pts="); got != 3 {
		t.Fatalf("expected 3 video lines, got %d:\n%s", got, out)
	}
	if !strings.Contains(out, "event type=7") {
		t.Fatalf("event missing:\n%s", out)
	}
	names := f.names()
	if len(names) != 2 || names[0] != "obtain_stream" || names[1] != "release_stream" {
		t.Fatalf("unexpected calls %v", names)
	}
}

func TestUpgradeCommand(t *testing.T) {
	f, addr := startFake(t)
	out, err := run(t, "--addr", addr, "upgrade", "--poll", "5ms", "/tmp/fw.bin", "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if !strings.Contains(out, "upgrade j1 started") || !strings.Contains(out, "succeeded 100%") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if strings.Count(out, "uploading 50%") != 1 {
		t.Fatalf("repeated progress lines should collapse:\n%s", out)
	}
	f.mu.Lock()
	p := wire.ParseParams(f.calls[0].Param)
	f.mu.Unlock()
	if p["file"] != "/tmp/fw.bin" || p["md5"] != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("start params %v", p)
	}
}

func TestUpgradeStatusAndStop(t *testing.T) {
	_, addr := startFake(t)
	out, err := run(t, "--addr", addr, "upgrade-status")
	if err != nil {
		t.Fatalf("upgrade-status: %v", err)
	}
	if !strings.HasPrefix(out, "uploading 50% job=j1") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := run(t, "--addr", addr, "upgrade-stop"); err == nil || !strings.Contains(err.Error(), "no active job") {
		t.Fatalf("expected stop failure, got %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	if _, err := run(t, "--addr", "127.0.0.1:1", "--timeout", "200ms", "exec", "get_sn"); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestGlobalFlagValidation(t *testing.T) {
	if _, err := run(t, "--timeout", "0s", "version"); err == nil {
		t.Fatalf("expected timeout validation error")
	}
	out, err := run(t, "version")
	if err != nil || !strings.Contains(out, "camctl version") {
		t.Fatalf("version: %q %v", out, err)
	}
}

func TestProgressLine(t *testing.T) {
	got := progressLine(map[string]string{"status": "failed", "percent": "40", "job": "x", "error": "md5 mismatch"})
	if got != "failed 40% job=x error=md5 mismatch" {
		t.Fatalf("got %q", got)
	}
}
