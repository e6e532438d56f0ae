package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-cam360/internal/devsim"
	"github.com/kstaniek/go-cam360/internal/serial"
	"github.com/kstaniek/go-cam360/internal/transport"
)

// newSerialOpener is a hook for tests.
var newSerialOpener = serial.Opener

// backend is where the session's links come from.
type backend struct {
	open    transport.Opener
	sim     *devsim.Device
	cleanup func()
}

// initBackend selects the link source. It never opens the device; the
// session does that on Connect.
func initBackend(cfg *appConfig, l *slog.Logger) (*backend, error) {
	switch cfg.backend {
	case "serial":
		l.Info("backend_serial", "device", cfg.serialDev, "baud", cfg.baud)
		return &backend{
			open:    newSerialOpener(cfg.serialDev, cfg.baud, cfg.serialReadTO, l),
			cleanup: func() {},
		}, nil
	case "sim":
		dev := devsim.New(devsim.WithLogger(l.With("component", "devsim")))
		l.Info("backend_sim")
		return &backend{open: dev.Opener(), sim: dev, cleanup: dev.Close}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use serial|sim)", cfg.backend)
	}
}
