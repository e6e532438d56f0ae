package server

import (
	"errors"

	"github.com/kstaniek/go-cam360/internal/metrics"
)

// Relay server failures. Callers classify them with errors.Is.
var (
	ErrListen    = errors.New("relay: listen")
	ErrAccept    = errors.New("relay: accept")
	ErrHandshake = errors.New("relay: hello rejected")
	ErrConnRead  = errors.New("relay: client read")
	ErrConnWrite = errors.New("relay: client write")
	ErrShutdown  = errors.New("relay: shutdown incomplete")
)

// errLabel picks the errors_total label for a server failure.
func errLabel(err error) string {
	switch {
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	}
	return "other"
}
