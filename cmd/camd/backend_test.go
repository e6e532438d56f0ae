package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/kstaniek/go-cam360/internal/logging"
	"github.com/kstaniek/go-cam360/internal/transport"
)

func TestInitBackendSerial(t *testing.T) {
	var gotDev string
	var gotBaud int
	orig := newSerialOpener
	newSerialOpener = func(dev string, baud int, _ time.Duration, _ *slog.Logger) transport.Opener {
		gotDev, gotBaud = dev, baud
		return func(context.Context) (transport.Link, error) { return nil, transport.ErrUnavailable }
	}
	defer func() { newSerialOpener = orig }()

	cfg := validConfig()
	cfg.serialDev = "/dev/ttyCAM"
	be, err := initBackend(cfg, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer be.cleanup()
	if gotDev != "/dev/ttyCAM" || gotBaud != cfg.baud {
		t.Fatalf("opener args dev=%q baud=%d", gotDev, gotBaud)
	}
	if be.sim != nil {
		t.Fatalf("serial backend has a simulator")
	}
	if _, err := be.open(context.Background()); !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestInitBackendSim(t *testing.T) {
	cfg := validConfig()
	cfg.backend = "sim"
	be, err := initBackend(cfg, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer be.cleanup()
	if be.sim == nil {
		t.Fatalf("sim backend missing device")
	}
	l, err := be.open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = l.Close()
}

func TestInitBackendUnknown(t *testing.T) {
	cfg := validConfig()
	cfg.backend = "usb"
	if _, err := initBackend(cfg, logging.Discard()); err == nil {
		t.Fatalf("expected error")
	}
}
