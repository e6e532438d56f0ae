//go:build !linux

package hotplug

import (
	"context"
	"log/slog"
)

// Watcher is unavailable on this platform.
type Watcher struct{}

func Open(Filter, *slog.Logger) (*Watcher, error) { return nil, ErrUnsupported }

func (*Watcher) Run(context.Context, func(Event)) error { return ErrUnsupported }

func (*Watcher) Close() error { return nil }
