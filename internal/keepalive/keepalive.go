// Package keepalive sends periodic heartbeats to the camera and powers it
// off after a period without user commands.
package keepalive

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-cam360/internal/logging"
	"github.com/kstaniek/go-cam360/internal/metrics"
)

const (
	DefaultHeartbeat     = 4 * time.Second
	DefaultIdlePowerOff  = 120 * time.Second
	defaultCheckInterval = time.Second
)

// Device is the part of the session the monitor drives.
type Device interface {
	IsValid() bool
	Streaming() bool
	IdleFor() time.Duration
	Heartbeat(ctx context.Context) error
	PowerOff(ctx context.Context) error
}

// Monitor runs the heartbeat and idle power-off timers.
type Monitor struct {
	dev       Device
	heartbeat time.Duration
	idle      time.Duration
	check     time.Duration
	busy      func() bool
	log       *slog.Logger

	poweredOff bool // set after an idle power-off until activity resumes
}

type Option func(*Monitor)

// WithHeartbeat sets the heartbeat period; zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option { return func(m *Monitor) { m.heartbeat = d } }

// WithIdlePowerOff sets the idle delay before power-off; zero disables it.
func WithIdlePowerOff(d time.Duration) Option { return func(m *Monitor) { m.idle = d } }

// WithCheckInterval sets how often the idle clock is inspected.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.check = d
		}
	}
}

// WithBusy suppresses the idle power-off while fn returns true (for
// example during a firmware upgrade).
func WithBusy(fn func() bool) Option { return func(m *Monitor) { m.busy = fn } }

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

func New(dev Device, opts ...Option) *Monitor {
	m := &Monitor{
		dev:       dev,
		heartbeat: DefaultHeartbeat,
		idle:      DefaultIdlePowerOff,
		check:     defaultCheckInterval,
		log:       logging.L(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	var hb <-chan time.Time
	if m.heartbeat > 0 {
		t := time.NewTicker(m.heartbeat)
		defer t.Stop()
		hb = t.C
	}
	var idle <-chan time.Time
	if m.idle > 0 {
		t := time.NewTicker(m.check)
		defer t.Stop()
		idle = t.C
	}
	m.log.Info("keepalive_start", "heartbeat", m.heartbeat, "idle_poweroff", m.idle)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hb:
			m.beat(ctx)
		case <-idle:
			m.checkIdle(ctx)
		}
	}
}

// beat sends one heartbeat while connected and not streaming. Failures are
// logged and not retried.
func (m *Monitor) beat(ctx context.Context) {
	if !m.dev.IsValid() || m.dev.Streaming() {
		return
	}
	if err := m.dev.Heartbeat(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.IncError(metrics.ErrHeartbeat)
		m.log.Warn("heartbeat_failed", "error", err)
	}
}

func (m *Monitor) checkIdle(ctx context.Context) {
	if !m.dev.IsValid() {
		m.poweredOff = false
		return
	}
	if m.dev.IdleFor() < m.idle {
		m.poweredOff = false
		return
	}
	if m.poweredOff || m.dev.Streaming() || (m.busy != nil && m.busy()) {
		return
	}
	m.poweredOff = true
	m.log.Info("idle_poweroff", "idle", m.dev.IdleFor().Round(time.Second))
	if err := m.dev.PowerOff(ctx); err != nil && ctx.Err() == nil {
		m.log.Warn("idle_poweroff_failed", "error", err)
	}
}
