package session

import (
	"sync"

	"github.com/kstaniek/go-cam360/internal/transport"
)

// Version of the session library reported by SDKVersion.
const Version = "1.0.0"

// SDKVersion returns the library version without touching the link.
func SDKVersion() string { return Version }

var (
	sharedMu sync.Mutex
	shared   *Session
)

// Init creates the process-wide session. It fails with ErrSessionActive if
// one already exists; call Destroy first.
func Init(open transport.Opener, opts ...Option) (*Session, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		return nil, ErrSessionActive
	}
	shared = New(open, opts...)
	return shared, nil
}

// Shared returns the process-wide session or ErrNotInitialized.
func Shared() (*Session, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		return nil, ErrNotInitialized
	}
	return shared, nil
}

// Destroy disconnects and forgets the process-wide session. It is a no-op
// when none exists.
func Destroy() {
	sharedMu.Lock()
	s := shared
	shared = nil
	sharedMu.Unlock()
	if s != nil {
		s.Disconnect()
	}
}
