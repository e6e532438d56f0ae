// Package devsim simulates a camera speaking the unit protocol over an
// in-memory link. The daemon uses it with -backend sim; tests use it as a
// realistic peer.
package devsim

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-cam360/internal/logging"
	"github.com/kstaniek/go-cam360/internal/session"
	"github.com/kstaniek/go-cam360/internal/transport"
	"github.com/kstaniek/go-cam360/internal/wire"
)

const (
	defaultFramePeriod = 33 * time.Millisecond
	defaultVerifyDelay = 200 * time.Millisecond
)

// Device is a simulated camera. One link is served at a time.
type Device struct {
	log         *slog.Logger
	framePeriod time.Duration
	verifyDelay time.Duration
	withCamera  bool

	mu        sync.Mutex
	props     map[string]string
	ignore    map[string]bool
	link      transport.Link
	unplugged bool
	stopMedia chan struct{}
	up        upgradeState

	wmu      sync.Mutex // serializes device-side writes
	requests atomic.Int64
	pts      atomic.Int64
	wg       sync.WaitGroup
}

// Option configures a Device.
type Option func(*Device)

func WithLogger(l *slog.Logger) Option { return func(d *Device) { d.log = l } }

// WithFramePeriod sets the interval between streamed video frames.
func WithFramePeriod(p time.Duration) Option {
	return func(d *Device) {
		if p > 0 {
			d.framePeriod = p
		}
	}
}

// WithVerifyDelay sets how long firmware verification takes.
func WithVerifyDelay(p time.Duration) Option { return func(d *Device) { d.verifyDelay = p } }

// CaseOnly simulates the case without a camera seated in it.
func CaseOnly() Option { return func(d *Device) { d.withCamera = false } }

// New returns a plugged-in simulated camera.
func New(opts ...Option) *Device {
	d := &Device{
		log:         logging.L(),
		framePeriod: defaultFramePeriod,
		verifyDelay: defaultVerifyDelay,
		withCamera:  true,
		ignore:      make(map[string]bool),
		props: map[string]string{
			"name":           "Dev-Hero",
			"sn":             "CAM0001234567",
			"fw_version":     "Apollo_V2.3.000",
			"hw_version":     "HW1.0",
			"pid":            "0x3601",
			"mcu_sn":         "CASE000987",
			"mcu_hw_version": "MCU1.1",
			"lens_param":     "fov=200",
			"iq":             "default",
			"wb":             "0",
			"power":          "normal",
			"circle_calib":   "0,0,0",
			"mode":           "0",
			"battery":        "87",
			"temperature":    "41",
			"auto_power_off": "120",
			"log_level":      "1",
			"stream_info":    "video=h264,1920x960@30;audio=aac,48000",
		},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Opener returns a transport.Opener that plugs a fresh pipe into the device.
func (d *Device) Opener() transport.Opener {
	return func(ctx context.Context) (transport.Link, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		host, dev := transport.NewPipe(0)
		d.mu.Lock()
		if d.unplugged {
			d.mu.Unlock()
			return nil, transport.ErrUnavailable
		}
		if d.link != nil {
			_ = d.link.Close()
		}
		d.link = dev
		d.mu.Unlock()
		d.wg.Add(1)
		go d.serve(dev)
		return host, nil
	}
}

// Unplug drops the current link and refuses new ones until Plug.
func (d *Device) Unplug() {
	d.mu.Lock()
	d.unplugged = true
	l := d.link
	d.link = nil
	d.stopStreamLocked()
	d.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}
}

// Plug makes the device available again.
func (d *Device) Plug() {
	d.mu.Lock()
	d.unplugged = false
	d.mu.Unlock()
}

// Close unplugs the device and waits for its goroutines.
func (d *Device) Close() {
	d.Unplug()
	d.wg.Wait()
}

// Ignore makes the device swallow requests for name without replying.
func (d *Device) Ignore(name string) {
	d.mu.Lock()
	d.ignore[name] = true
	d.mu.Unlock()
}

// Prop returns a stored property value.
func (d *Device) Prop(key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.props[key]
}

// SetProp overrides a property.
func (d *Device) SetProp(key, v string) {
	d.mu.Lock()
	d.props[key] = v
	d.mu.Unlock()
}

// Requests is the number of requests received across all links.
func (d *Device) Requests() int64 { return d.requests.Load() }

// Emit sends an event to the host.
func (d *Device) Emit(eventType int32) error {
	return d.send(wire.EncodeEvent(wire.Event{Type: eventType}))
}

// SendMedia sends one media unit to the host.
func (d *Device) SendMedia(ch wire.Channel, pts int64, data []byte) error {
	return d.send(wire.EncodeMedia(wire.Media{Channel: ch, PTS: pts, Data: data}))
}

func (d *Device) send(u wire.Unit) error {
	d.mu.Lock()
	l := d.link
	d.mu.Unlock()
	if l == nil {
		return transport.ErrClosed
	}
	return d.write(l, u)
}

func (d *Device) write(l transport.Link, u wire.Unit) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	return l.Write(u)
}

func (d *Device) serve(l transport.Link) {
	defer d.wg.Done()
	defer d.log.Debug("devsim_link_end")
	for {
		u, err := l.ReadNext()
		if err != nil {
			d.mu.Lock()
			if d.link == l {
				d.link = nil
				d.stopStreamLocked()
			}
			d.mu.Unlock()
			return
		}
		if u.Kind != wire.KindRequest {
			d.log.Warn("devsim_unexpected_kind", "kind", u.Kind.String())
			continue
		}
		req, err := wire.DecodeRequest(u)
		if err != nil {
			d.log.Warn("devsim_bad_request", "error", err)
			continue
		}
		d.requests.Add(1)
		d.mu.Lock()
		skip := d.ignore[req.Name]
		d.mu.Unlock()
		if skip {
			continue
		}
		status, payload, after := d.handle(req)
		if err := d.write(l, wire.EncodeReply(wire.Reply{Tag: req.Tag, Status: status, Payload: payload})); err != nil {
			return
		}
		if after != nil {
			after()
		}
	}
}

// propCommands maps plain get/set commands to property keys.
var propCommands = map[string]struct {
	key string
	set bool
}{
	session.CmdStreamInfo:      {"stream_info", false},
	session.CmdGetLensParam:    {"lens_param", false},
	session.CmdSetLensParam:    {"lens_param", true},
	session.CmdGetIQ:           {"iq", false},
	session.CmdSetIQ:           {"iq", true},
	session.CmdGetWB:           {"wb", false},
	session.CmdSetWB:           {"wb", true},
	session.CmdGetPower:        {"power", false},
	session.CmdSetPower:        {"power", true},
	session.CmdGetCircleCalib:  {"circle_calib", false},
	session.CmdSetCircleCalib:  {"circle_calib", true},
	session.CmdGetMode:         {"mode", false},
	session.CmdGetBattery:      {"battery", false},
	session.CmdGetTemperature:  {"temperature", false},
	session.CmdSetTime:         {"time", true},
	session.CmdSetName:         {"name", true},
	session.CmdSetAutoPowerOff: {"auto_power_off", true},
	session.CmdGetAutoPowerOff: {"auto_power_off", false},
	session.CmdGetSerialNumber: {"sn", false},
	session.CmdSetSerialNumber: {"sn", true},
	session.CmdGetFWVersion:    {"fw_version", false},
	session.CmdGetHWVersion:    {"hw_version", false},
	session.CmdSetHWVersion:    {"hw_version", true},
	session.CmdGetMCUSerial:    {"mcu_sn", false},
	session.CmdGetMCUHWVersion: {"mcu_hw_version", false},
	session.CmdGetPID:          {"pid", false},
	session.CmdSetPID:          {"pid", true},
	session.CmdSetBackground:   {"background", true},
	session.CmdGetLog:          {"log_path", true},
	session.CmdSetLogLevel:     {"log_level", true},
}

// handle returns the reply for req and an optional action to run after the
// reply is written.
func (d *Device) handle(req wire.Request) (int32, string, func()) {
	if pc, ok := propCommands[req.Name]; ok {
		d.mu.Lock()
		defer d.mu.Unlock()
		if pc.set {
			d.props[pc.key] = req.Param
			return 0, "", nil
		}
		return 0, d.props[pc.key], nil
	}
	switch req.Name {
	case session.CmdDeviceInfo:
		return 0, d.deviceInfo(), nil
	case session.CmdHeartbeat, session.CmdAutoPowerOffStart, session.CmdAutoPowerOffStop, session.CmdFactoryReset:
		return 0, "", nil
	case session.CmdObtainStream:
		d.mu.Lock()
		d.startStreamLocked()
		d.mu.Unlock()
		return 0, "", nil
	case session.CmdReleaseStream:
		d.mu.Lock()
		d.stopStreamLocked()
		d.mu.Unlock()
		return 0, "", nil
	case session.CmdPowerOff:
		return 0, "", func() {
			d.log.Info("devsim_power_off")
			d.Unplug()
		}
	case session.CmdUpgradeBegin, session.CmdUpgradeChunk, session.CmdUpgradeFinish,
		session.CmdUpgradeStatus, session.CmdUpgradeProgress, session.CmdUpgradeStop:
		return d.handleUpgrade(req)
	}
	return session.DeviceProtocolIncompatible, "", nil
}

func (d *Device) deviceInfo() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	info := map[string]map[string]string{
		"case": {"sn": d.props["mcu_sn"], "hw": d.props["mcu_hw_version"]},
	}
	if d.withCamera {
		info["camera"] = map[string]string{
			"name": d.props["name"],
			"sn":   d.props["sn"],
			"fw":   d.props["fw_version"],
			"hw":   d.props["hw_version"],
		}
	}
	b, _ := json.Marshal(info)
	return string(b)
}

func (d *Device) startStreamLocked() {
	if d.stopMedia != nil || d.link == nil {
		return
	}
	stop := make(chan struct{})
	d.stopMedia = stop
	l := d.link
	d.wg.Add(1)
	go d.stream(l, stop)
}

func (d *Device) stopStreamLocked() {
	if d.stopMedia != nil {
		close(d.stopMedia)
		d.stopMedia = nil
	}
}

// stream emits one video and one audio unit per frame period.
func (d *Device) stream(l transport.Link, stop <-chan struct{}) {
	defer d.wg.Done()
	t := time.NewTicker(d.framePeriod)
	defer t.Stop()
	video := make([]byte, 1024)
	audio := make([]byte, 256)
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		pts := d.pts.Add(d.framePeriod.Microseconds())
		if err := d.write(l, wire.EncodeMedia(wire.Media{Channel: wire.ChannelVideo, PTS: pts, Data: video})); err != nil {
			return
		}
		if err := d.write(l, wire.EncodeMedia(wire.Media{Channel: wire.ChannelAudio, PTS: pts, Data: audio})); err != nil {
			return
		}
	}
}
