package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-cam360/internal/hotplug"
	"github.com/kstaniek/go-cam360/internal/metrics"
	"github.com/kstaniek/go-cam360/internal/session"
)

const (
	reconnectMin   = 250 * time.Millisecond
	reconnectMax   = 10 * time.Second
	connectTimeout = 5 * time.Second
)

// supervisor keeps the session connected: it reconnects with backoff after
// a fault and follows accessory attach/detach notifications.
type supervisor struct {
	sess   *session.Session
	log    *slog.Logger
	faults chan struct{}
	events chan hotplug.Event
	min    time.Duration
	max    time.Duration
}

func newSupervisor(l *slog.Logger) *supervisor {
	return &supervisor{
		log:    l,
		faults: make(chan struct{}, 1),
		events: make(chan hotplug.Event, 8),
		min:    reconnectMin,
		max:    reconnectMax,
	}
}

// stateHook is installed with session.WithStateHook. It only signals; the
// reconnect happens on the supervisor goroutine.
func (sv *supervisor) stateHook(_, n session.State) {
	if n != session.Faulted {
		return
	}
	select {
	case sv.faults <- struct{}{}:
	default:
	}
}

// hotplugEvent queues an accessory notification without blocking the watcher.
func (sv *supervisor) hotplugEvent(ev hotplug.Event) {
	select {
	case sv.events <- ev:
	default:
		sv.log.Warn("hotplug_event_dropped", "action", ev.Action.String())
	}
}

// Run drives the session until ctx is cancelled, then disconnects it. A
// detach pauses reconnect attempts until the next attach.
func (sv *supervisor) Run(ctx context.Context) {
	backoff := sv.min
	paused := false
	retry := time.NewTimer(0)
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			sv.sess.Disconnect()
			return
		case <-sv.faults:
			sv.log.Warn("session_faulted_reconnect", "backoff", backoff)
			sv.sess.Disconnect()
			if !paused {
				retry.Reset(backoff)
			}
		case ev := <-sv.events:
			sv.log.Info("hotplug_event", "action", ev.Action.String(), "devpath", ev.DevPath)
			switch ev.Action {
			case hotplug.Detach:
				paused = true
				retry.Stop()
				sv.sess.Disconnect()
			case hotplug.Attach:
				paused = false
				backoff = sv.min
				retry.Reset(0)
			}
		case <-retry.C:
			if paused || sv.sess.IsValid() {
				continue
			}
			if sv.sess.State() == session.Faulted {
				sv.sess.Disconnect()
			}
			if err := sv.connect(ctx); err != nil {
				sv.log.Warn("session_connect_failed", "error", err, "retry_in", backoff)
				retry.Reset(backoff)
				backoff *= 2
				if backoff > sv.max {
					backoff = sv.max
				}
				continue
			}
			backoff = sv.min
		}
	}
}

func (sv *supervisor) connect(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := sv.sess.Connect(cctx); err != nil {
		metrics.IncError(metrics.ErrLinkFault)
		return err
	}
	attrs := []any{"session", sv.sess.ID()}
	if info, err := sv.sess.Info(cctx); err == nil {
		attrs = append(attrs, "attachment", info.Attachment().String())
	}
	if sn, err := sv.sess.SerialNumber(cctx); err == nil {
		attrs = append(attrs, "sn", sn)
	}
	sv.log.Info("camera_connected", attrs...)
	return nil
}

// watchHotplug runs the uevent watcher until ctx is done. Unsupported
// platforms log once and return.
func watchHotplug(ctx context.Context, cfg *appConfig, sv *supervisor, l *slog.Logger) {
	vid, _ := parseUSBID(cfg.usbVID)
	pid, _ := parseUSBID(cfg.usbPID)
	w, err := hotplug.Open(hotplug.Filter{VendorID: vid, ProductID: pid}, l)
	if err != nil {
		metrics.IncError(metrics.ErrHotplug)
		l.Warn("hotplug_unavailable", "error", err)
		return
	}
	defer w.Close()
	if err := w.Run(ctx, sv.hotplugEvent); err != nil && ctx.Err() == nil {
		metrics.IncError(metrics.ErrHotplug)
		l.Warn("hotplug_watch_end", "error", err)
	}
}
