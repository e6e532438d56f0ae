//go:build linux

package hotplug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-cam360/internal/logging"
	"github.com/kstaniek/go-cam360/internal/metrics"
)

const (
	kernelGroup = 1
	recvBufSize = 64 * 1024
	rcvTimeout  = 500 * time.Millisecond
)

// Watcher listens on a NETLINK_KOBJECT_UEVENT socket.
type Watcher struct {
	fd     int
	filter Filter
	log    *slog.Logger
	closed atomic.Bool
}

// Open binds to kernel uevents for devices matching f.
func Open(f Filter, l *slog.Logger) (*Watcher, error) {
	if l == nil {
		l = logging.L()
	}
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_NETLINK): %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kernelGroup}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(netlink uevent): %w", err)
	}
	// Bounded receive so Run notices cancellation.
	tv := unix.NsecToTimeval(rcvTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("SO_RCVTIMEO: %w", err)
	}
	return &Watcher{fd: fd, filter: f, log: l}, nil
}

// Run delivers matching events to out until ctx is cancelled or the watcher
// is closed.
func (w *Watcher) Run(ctx context.Context, out func(Event)) error {
	buf := make([]byte, recvBufSize)
	for {
		if ctx.Err() != nil || w.closed.Load() {
			return nil
		}
		n, _, err := unix.Recvfrom(w.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				continue
			}
			if w.closed.Load() {
				return nil
			}
			metrics.IncError(metrics.ErrHotplug)
			return fmt.Errorf("recv uevent: %w", err)
		}
		env, ok := ParseUEvent(buf[:n])
		if !ok {
			continue
		}
		ev, ok := w.filter.Match(env)
		if !ok {
			continue
		}
		w.log.Info("hotplug_event", "action", ev.Action.String(), "devpath", ev.DevPath,
			"vid", fmt.Sprintf("%04x", ev.VendorID), "pid", fmt.Sprintf("%04x", ev.ProductID))
		out(ev)
	}
}

func (w *Watcher) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	return unix.Close(w.fd)
}
