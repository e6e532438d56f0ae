// Package session manages the single logical session with the camera: link
// lifecycle, serialized command/response exchange and asynchronous delivery
// of media frames and events while commands are in flight.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kstaniek/go-cam360/internal/logging"
	"github.com/kstaniek/go-cam360/internal/metrics"
	"github.com/kstaniek/go-cam360/internal/transport"
	"github.com/kstaniek/go-cam360/internal/wire"
)

const DefaultCommandTimeout = 3 * time.Second

// Session owns the link to one camera. Create it with New; all methods are
// safe for concurrent use.
type Session struct {
	id         string
	open       transport.Opener
	log        *slog.Logger
	cmdTimeout time.Duration
	sinkBuf    int
	stateHook  func(old, new State)

	mu    sync.Mutex // guards conn and state transitions
	conn  *conn
	state atomic.Int32

	tags       atomic.Uint32
	observer   atomic.Pointer[observerRef]
	audioCount atomic.Int64
	videoCount atomic.Int64
	streaming  atomic.Bool
	lastActive atomic.Int64 // unix nanos of the last idle-refreshing command
}

// conn is everything tied to one open link. A reconnect builds a new conn,
// so nothing in flight survives it.
type conn struct {
	link       transport.Link
	ch         *channel
	sink       *sink
	closing    atomic.Bool
	linkOnce   sync.Once
	readerDone chan struct{}
	ident      identity // identity of the device behind this link
}

func (c *conn) closeLink() {
	c.linkOnce.Do(func() { _ = c.link.Close() })
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCommandTimeout sets the timeout used by Exec and by Send when the
// caller passes zero.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.cmdTimeout = d
		}
	}
}

// WithSinkBuffer sets how many frames/events may queue for the observer.
func WithSinkBuffer(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.sinkBuf = n
		}
	}
}

// WithStateHook registers fn to be called after every state change. It runs
// on the goroutine that caused the transition (the reader, for faults), so
// it must not block or call back into Connect/Disconnect.
func WithStateHook(fn func(old, new State)) Option {
	return func(s *Session) { s.stateHook = fn }
}

// New returns a disconnected session that uses open to reach the device.
func New(open transport.Opener, opts ...Option) *Session {
	s := &Session{
		id:         uuid.NewString(),
		open:       open,
		log:        logging.L(),
		cmdTimeout: DefaultCommandTimeout,
		sinkBuf:    defaultSinkBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("session", s.id)
	s.touch()
	return s
}

// ID identifies this session instance in logs.
func (s *Session) ID() string { return s.id }

// State returns the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// IsValid reports whether commands can currently be issued.
func (s *Session) IsValid() bool { return s.State() == Connected }

// setState must be called with s.mu held. It returns the previous state.
func (s *Session) setState(n State) State {
	old := State(s.state.Swap(int32(n)))
	metrics.SetSessionState(int(n))
	return old
}

func (s *Session) notify(old, n State) {
	if old == n {
		return
	}
	s.log.Debug("session_state", "from", old.String(), "to", n.String())
	if s.stateHook != nil {
		s.stateHook(old, n)
	}
}

// Connect opens the link and starts the reader. It is a no-op when already
// connected. A faulted session must be disconnected first.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.State() {
	case Connected:
		s.mu.Unlock()
		return nil
	case Connecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	case Faulted:
		s.mu.Unlock()
		return ErrSessionFaulted
	}
	old := s.setState(Connecting)
	s.mu.Unlock()
	s.notify(old, Connecting)

	link, err := s.open(ctx)
	if err != nil {
		s.mu.Lock()
		reverted := s.State() == Connecting
		if reverted {
			s.setState(Disconnected)
		}
		s.mu.Unlock()
		if reverted {
			s.notify(Connecting, Disconnected)
		}
		s.log.Warn("session_connect_failed", "error", err)
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	c := &conn{
		link:       link,
		ch:         newChannel(&s.tags),
		sink:       newSink(s, s.sinkBuf),
		readerDone: make(chan struct{}),
	}
	s.mu.Lock()
	if s.State() != Connecting {
		// Disconnect raced with the open.
		s.mu.Unlock()
		c.closing.Store(true)
		c.closeLink()
		c.sink.close()
		return ErrSessionClosed
	}
	s.conn = c
	s.setState(Connected)
	s.mu.Unlock()

	go s.readLoop(c)
	s.touch()
	s.notify(Connecting, Connected)
	s.log.Info("session_connected")
	return nil
}

// Disconnect releases the link from any state and unblocks waiting commands
// with ErrSessionClosed. It always succeeds.
func (s *Session) Disconnect() {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	old := s.setState(Disconnected)
	s.mu.Unlock()

	s.streaming.Store(false)
	if c != nil {
		c.closing.Store(true)
		c.ch.close(ErrSessionClosed)
		c.closeLink()
		<-c.readerDone
		c.sink.close()
	}
	s.notify(old, Disconnected)
	if c != nil {
		s.log.Info("session_disconnected")
	}
}

// fault moves the session to Faulted after an unrecoverable link error on c.
func (s *Session) fault(c *conn, cause error) {
	s.mu.Lock()
	if s.conn != c || c.closing.Load() || s.State() != Connected {
		s.mu.Unlock()
		return
	}
	old := s.setState(Faulted)
	s.mu.Unlock()

	s.streaming.Store(false)
	c.ident.clear()
	metrics.IncError(metrics.ErrLinkFault)
	s.log.Error("session_faulted", "error", cause)
	c.ch.close(ErrSessionFaulted)
	c.closeLink()
	s.notify(old, Faulted)
}

// active returns the live connection or the error a command should fail with.
func (s *Session) active() (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case Connected:
		return s.conn, nil
	case Faulted:
		return nil, ErrSessionFaulted
	default:
		return nil, ErrNotInitialized
	}
}

func (s *Session) write(c *conn, u wire.Unit) error {
	if err := c.link.Write(u); err != nil {
		if c.closing.Load() {
			return ErrSessionClosed
		}
		s.fault(c, err)
		return fmt.Errorf("%w: %v", ErrSessionFaulted, err)
	}
	return nil
}

// Send issues one command and waits for its reply. timeout bounds both the
// wait for the in-flight slot and the wait for the reply; zero uses the
// session default. A non-zero device status is returned in the reply, not
// as an error.
func (s *Session) Send(ctx context.Context, name, param string, timeout time.Duration) (wire.Reply, error) {
	if name == "" {
		return wire.Reply{}, fmt.Errorf("%w: empty command name", ErrParamInvalid)
	}
	c, err := s.active()
	if err != nil {
		return wire.Reply{}, err
	}
	if timeout <= 0 {
		timeout = s.cmdTimeout
	}
	if refreshesIdle(name) {
		s.touch()
	}
	start := time.Now()
	r, err := c.ch.send(ctx, func(u wire.Unit) error { return s.write(c, u) }, name, param, timeout)
	label := resultLabel(err)
	if err == nil && !r.OK() {
		label = metrics.ResultDeviceError
	}
	metrics.ObserveCommand(label, time.Since(start))
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		s.log.Debug("command_failed", "command", name, "error", err)
	}
	return r, err
}

// Exec sends a command with the default timeout and returns its payload.
// A non-zero device status becomes a *DeviceError.
func (s *Session) Exec(ctx context.Context, name, param string) (string, error) {
	r, err := s.Send(ctx, name, param, 0)
	if err != nil {
		return "", err
	}
	if !r.OK() {
		return "", &DeviceError{Command: name, Code: r.Status}
	}
	return r.Payload, nil
}

// SetObserver registers o as the single recipient of frames and events,
// replacing any previous one. A nil o unregisters.
func (s *Session) SetObserver(o Observer) {
	if o == nil {
		s.observer.Store(nil)
		return
	}
	s.observer.Store(&observerRef{o: o})
}

// RemoveObserver unregisters the current observer; later frames are dropped.
func (s *Session) RemoveObserver() { s.observer.Store(nil) }

// AudioCount is the number of audio units classified since New.
func (s *Session) AudioCount() int64 { return s.audioCount.Load() }

// VideoCount is the number of video units classified since New.
func (s *Session) VideoCount() int64 { return s.videoCount.Load() }

// Streaming reports whether the stream was obtained on the current connection.
func (s *Session) Streaming() bool { return s.streaming.Load() }

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

// IdleFor returns the time since the last command that refreshes the idle clock.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}
