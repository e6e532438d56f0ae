package transport

import (
	"context"
	"errors"

	"github.com/kstaniek/go-cam360/internal/wire"
)

var (
	// ErrClosed is returned by a Link after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrLinkLost means the physical link went away (device unplugged, port removed).
	ErrLinkLost = errors.New("transport: link lost")
	// ErrUnavailable means no accessory is present to open.
	ErrUnavailable = errors.New("transport: accessory unavailable")
)

// Link is the framed byte pipe to the device. ReadNext is called from a
// single reader goroutine; Write may be called concurrently with ReadNext
// but callers serialize writes among themselves.
type Link interface {
	// Write sends one unit.
	Write(wire.Unit) error
	// ReadNext blocks until one complete unit arrives or the link fails.
	ReadNext() (wire.Unit, error)
	// Close releases the link and unblocks a pending ReadNext.
	Close() error
}

// Opener establishes a fresh Link to the accessory. It returns an error
// wrapping ErrUnavailable if nothing is attached.
type Opener func(ctx context.Context) (Link, error)
