// Package upgrade drives the camera firmware upgrade: begin, chunked
// transfer, finalize, then device-side verification polled to completion.
package upgrade

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kstaniek/go-cam360/internal/logging"
	"github.com/kstaniek/go-cam360/internal/metrics"
	"github.com/kstaniek/go-cam360/internal/session"
	"github.com/kstaniek/go-cam360/internal/wire"
)

const (
	DefaultChunkSize     = 4096
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultVerifyTimeout = 2 * time.Minute
)

var (
	ErrAlreadyInProgress = errors.New("upgrade: already in progress")
	ErrChecksumMismatch  = errors.New("upgrade: checksum mismatch")
	ErrInvalidState      = errors.New("upgrade: invalid state")
	ErrVerifyTimeout     = errors.New("upgrade: verification timed out")
	ErrDeviceFailed      = errors.New("upgrade: device reported failure")
)

// Commander issues one device command. *session.Session implements it.
type Commander interface {
	Exec(ctx context.Context, name, param string) (string, error)
}

// Status of an upgrade job.
type Status int

const (
	Idle Status = iota
	Uploading
	Verifying
	Succeeded
	Failed
	Stopped
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Uploading:
		return "uploading"
	case Verifying:
		return "verifying"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether a job in this status is finished.
func (s Status) Terminal() bool { return s == Succeeded || s == Failed || s == Stopped }

// Progress is a snapshot of the current or last job.
type Progress struct {
	JobID   string
	File    string
	Status  Status
	Percent int
	Err     error
}

type job struct {
	id      string
	file    string
	md5     string
	status  Status
	percent int
	err     error
	stop    atomic.Bool
	cancel  context.CancelFunc
}

func (j *job) snapshot() Progress {
	return Progress{JobID: j.id, File: j.file, Status: j.status, Percent: j.percent, Err: j.err}
}

// Controller runs at most one upgrade job at a time.
type Controller struct {
	cmd           Commander
	log           *slog.Logger
	chunkSize     int
	pollInterval  time.Duration
	verifyTimeout time.Duration
	onProgress    func(Progress)
	readFile      func(string) ([]byte, error)

	mu  sync.Mutex
	job *job
	wg  sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithChunkSize sets the firmware bytes carried per transfer command.
func WithChunkSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithPollInterval sets how often verification status is polled.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithVerifyTimeout bounds the verification phase.
func WithVerifyTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.verifyTimeout = d
		}
	}
}

// WithProgressCallback registers fn for every status or percent change. It
// runs on the job goroutine.
func WithProgressCallback(fn func(Progress)) Option {
	return func(c *Controller) { c.onProgress = fn }
}

// WithFileReader replaces os.ReadFile.
func WithFileReader(fn func(string) ([]byte, error)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.readFile = fn
		}
	}
}

// New returns an idle controller issuing commands through cmd.
func New(cmd Commander, opts ...Option) *Controller {
	c := &Controller{
		cmd:           cmd,
		log:           logging.L(),
		chunkSize:     DefaultChunkSize,
		pollInterval:  DefaultPollInterval,
		verifyTimeout: DefaultVerifyTimeout,
		readFile:      os.ReadFile,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func validChecksum(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Start begins an upgrade with the firmware at file, whose MD5 is checksum
// (32 hex digits). It returns once the device accepted the transfer; the
// rest runs in the background. A job that reached a terminal status may be
// replaced by a new one.
func (c *Controller) Start(ctx context.Context, file, checksum string) (Progress, error) {
	if file == "" || !validChecksum(checksum) {
		return Progress{}, fmt.Errorf("%w: firmware file and 32-digit md5 required", session.ErrParamInvalid)
	}
	data, err := c.readFile(file)
	if err != nil {
		return Progress{}, fmt.Errorf("upgrade: read %s: %w", file, err)
	}
	if len(data) == 0 {
		return Progress{}, fmt.Errorf("%w: %s is empty", session.ErrParamInvalid, file)
	}

	c.mu.Lock()
	if c.job != nil && !c.job.status.Terminal() {
		c.mu.Unlock()
		return Progress{}, ErrAlreadyInProgress
	}
	jctx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:     uuid.NewString(),
		file:   file,
		md5:    strings.ToLower(checksum),
		status: Uploading,
		cancel: cancel,
	}
	c.job = j
	c.mu.Unlock()

	log := c.log.With("job", j.id)
	log.Info("upgrade_start", "file", file, "size", len(data))
	c.report(j)

	begin := wire.FormatParams(map[string]string{"size": strconv.Itoa(len(data)), "md5": j.md5})
	if _, err := c.cmd.Exec(ctx, session.CmdUpgradeBegin, begin); err != nil {
		c.finish(j, Failed, err)
		return c.snapshot(j), err
	}

	c.wg.Add(1)
	go c.run(jctx, j, data, log)
	return c.snapshot(j), nil
}

func (c *Controller) run(ctx context.Context, j *job, data []byte, log *slog.Logger) {
	defer c.wg.Done()
	defer j.cancel()
	for off := 0; off < len(data); off += c.chunkSize {
		if j.stop.Load() || ctx.Err() != nil {
			return
		}
		end := off + c.chunkSize
		if end > len(data) {
			end = len(data)
		}
		param := wire.FormatParams(map[string]string{
			"offset": strconv.Itoa(off),
			"data":   base64.StdEncoding.EncodeToString(data[off:end]),
		})
		if _, err := c.cmd.Exec(ctx, session.CmdUpgradeChunk, param); err != nil {
			if j.stop.Load() || ctx.Err() != nil {
				return
			}
			c.finish(j, Failed, fmt.Errorf("upgrade: chunk at %d: %w", off, err))
			return
		}
		pct := end * 100 / len(data)
		if pct > 99 {
			pct = 99
		}
		c.setPercent(j, pct)
	}

	// Last chunk acknowledged.
	c.mu.Lock()
	if j.stop.Load() || j.status != Uploading {
		c.mu.Unlock()
		return
	}
	j.status = Verifying
	c.mu.Unlock()
	c.report(j)
	log.Info("upgrade_verifying")

	if _, err := c.cmd.Exec(ctx, session.CmdUpgradeFinish, ""); err != nil {
		c.finish(j, Failed, fmt.Errorf("upgrade: finalize: %w", err))
		return
	}
	c.poll(ctx, j)
}

// poll waits for the device's verification verdict.
func (c *Controller) poll(ctx context.Context, j *job) {
	deadline := time.NewTimer(c.verifyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			c.finish(j, Failed, ctx.Err())
			return
		case <-deadline.C:
			c.finish(j, Failed, ErrVerifyTimeout)
			return
		case <-tick.C:
		}
		payload, err := c.cmd.Exec(ctx, session.CmdUpgradeStatus, "")
		if err != nil {
			if errors.Is(err, session.ErrCommandTimeout) {
				continue
			}
			c.finish(j, Failed, fmt.Errorf("upgrade: status: %w", err))
			return
		}
		p := wire.ParseParams(payload)
		switch p["state"] {
		case "ok":
			c.finish(j, Succeeded, nil)
			return
		case "checksum_mismatch":
			c.finish(j, Failed, ErrChecksumMismatch)
			return
		case "failed":
			c.finish(j, Failed, ErrDeviceFailed)
			return
		case "stopped":
			// Stopped is reserved for a host Stop during upload.
			c.finish(j, Failed, fmt.Errorf("%w: stopped during verification", ErrDeviceFailed))
			return
		}
	}
}

// QueryProgress returns the current job state. While a job is active it
// asks the device for the transfer percentage and refreshes only that.
func (c *Controller) QueryProgress(ctx context.Context) (Progress, error) {
	c.mu.Lock()
	j := c.job
	if j == nil {
		c.mu.Unlock()
		return Progress{Status: Idle}, nil
	}
	if j.status.Terminal() {
		p := j.snapshot()
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	payload, err := c.cmd.Exec(ctx, session.CmdUpgradeProgress, "")
	if err != nil {
		return c.snapshot(j), err
	}
	n, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil || n < 0 || n > 100 {
		return c.snapshot(j), fmt.Errorf("%w: progress %q", session.ErrProtocol, payload)
	}
	c.mu.Lock()
	if !j.status.Terminal() && n > j.percent {
		j.percent = n
	}
	p := j.snapshot()
	c.mu.Unlock()
	metrics.SetUpgradeProgress(p.Percent)
	return p, nil
}

// Stop cancels a job that is still uploading.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	j := c.job
	if j == nil || j.status != Uploading || j.stop.Load() {
		st := Idle
		if j != nil {
			st = j.status
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: stop while %s", ErrInvalidState, st)
	}
	j.stop.Store(true)
	c.mu.Unlock()

	if _, err := c.cmd.Exec(ctx, session.CmdUpgradeStop, ""); err != nil {
		c.finish(j, Failed, fmt.Errorf("upgrade: stop: %w", err))
		j.cancel()
		return err
	}
	c.finish(j, Stopped, nil)
	j.cancel()
	return nil
}

// Close cancels any running job and waits for its goroutine.
func (c *Controller) Close() {
	c.mu.Lock()
	j := c.job
	c.mu.Unlock()
	if j != nil {
		j.stop.Store(true)
		j.cancel()
		c.finish(j, Failed, context.Canceled)
	}
	c.wg.Wait()
}

// Active reports whether a job is uploading or verifying.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job != nil && !c.job.status.Terminal()
}

func (c *Controller) snapshot(j *job) Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return j.snapshot()
}

func (c *Controller) setPercent(j *job, pct int) {
	c.mu.Lock()
	if j.status.Terminal() || pct == j.percent {
		c.mu.Unlock()
		return
	}
	j.percent = pct
	c.mu.Unlock()
	c.report(j)
}

func (c *Controller) finish(j *job, st Status, err error) {
	c.mu.Lock()
	if j.status.Terminal() {
		c.mu.Unlock()
		return
	}
	j.status = st
	j.err = err
	if st == Succeeded {
		j.percent = 100
	}
	c.mu.Unlock()

	metrics.IncUpgrade(st.String())
	log := c.log.With("job", j.id)
	switch st {
	case Succeeded:
		log.Info("upgrade_succeeded")
	case Stopped:
		log.Info("upgrade_stopped")
	default:
		metrics.IncError(metrics.ErrUpgrade)
		log.Error("upgrade_failed", "error", err)
	}
	c.report(j)
}

func (c *Controller) report(j *job) {
	p := c.snapshot(j)
	metrics.SetUpgradeProgress(p.Percent)
	if c.onProgress != nil {
		c.onProgress(p)
	}
}
