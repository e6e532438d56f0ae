package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Device command names.
const (
	CmdDeviceInfo        = "device_info"
	CmdStreamInfo        = "stream_info"
	CmdObtainStream      = "obtain_stream"
	CmdReleaseStream     = "release_stream"
	CmdGetLensParam      = "get_lens_param"
	CmdSetLensParam      = "set_lens_param"
	CmdGetIQ             = "get_iq"
	CmdSetIQ             = "set_iq"
	CmdGetWB             = "get_wb"
	CmdSetWB             = "set_wb"
	CmdGetPower          = "get_power"
	CmdSetPower          = "set_power"
	CmdGetCircleCalib    = "get_circle_calib"
	CmdSetCircleCalib    = "set_circle_calib"
	CmdGetMode           = "get_mode"
	CmdGetBattery        = "get_battery"
	CmdGetTemperature    = "get_temperature"
	CmdSetTime           = "set_time"
	CmdSetName           = "set_name"
	CmdPowerOff          = "power_off"
	CmdSetAutoPowerOff   = "set_auto_power_off"
	CmdGetAutoPowerOff   = "get_auto_power_off"
	CmdAutoPowerOffStart = "auto_power_off_start"
	CmdAutoPowerOffStop  = "auto_power_off_stop"
	CmdGetSerialNumber   = "get_sn"
	CmdSetSerialNumber   = "set_sn"
	CmdGetFWVersion      = "get_fw_version"
	CmdGetHWVersion      = "get_hw_version"
	CmdSetHWVersion      = "set_hw_version"
	CmdGetMCUSerial      = "get_mcu_sn"
	CmdGetMCUHWVersion   = "get_mcu_hw_version"
	CmdGetPID            = "get_pid"
	CmdSetPID            = "set_pid"
	CmdSetBackground     = "set_app_background"
	CmdGetLog            = "get_log"
	CmdSetLogLevel       = "set_log_level"
	CmdFactoryReset      = "factory_reset"
	CmdHeartbeat         = "heartbeat"

	CmdUpgradeBegin    = "fw_upgrade_begin"
	CmdUpgradeChunk    = "fw_upgrade_chunk"
	CmdUpgradeFinish   = "fw_upgrade_finish"
	CmdUpgradeStatus   = "fw_upgrade_status"
	CmdUpgradeProgress = "fw_upgrade_progress"
	CmdUpgradeStop     = "fw_upgrade_stop"
)

// CameraTimeLayout is the time format accepted by the camera clock.
const CameraTimeLayout = "2006/01/02 15:04:05"

// Camera modes reported by CameraMode.
const (
	ModeVideo = 0
	ModePhoto = 1
)

// Camera log levels accepted by SetLogLevel.
const (
	LogLevelOff   = 0
	LogLevelError = 1
	LogLevelDebug = 2
)

// Keep-alive and progress polling must not count as user activity.
func refreshesIdle(name string) bool {
	switch name {
	case CmdHeartbeat, CmdPowerOff, CmdAutoPowerOffStart, CmdUpgradeProgress, CmdUpgradeStatus:
		return false
	}
	return true
}

func (s *Session) get(ctx context.Context, name string) (string, error) {
	return s.Exec(ctx, name, "")
}

// set rejects an empty parameter before touching the link.
func (s *Session) set(ctx context.Context, name, param string) error {
	if param == "" {
		return fmt.Errorf("%w: %s needs a parameter", ErrParamInvalid, name)
	}
	_, err := s.Exec(ctx, name, param)
	return err
}

func (s *Session) getInt(ctx context.Context, name string) (int, error) {
	p, err := s.get(ctx, name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(p))
	if err != nil {
		return 0, fmt.Errorf("%w: %s returned %q", ErrProtocol, name, p)
	}
	return n, nil
}

// DeviceInfo returns the raw device info reply.
func (s *Session) DeviceInfo(ctx context.Context) (string, error) { return s.get(ctx, CmdDeviceInfo) }

func (s *Session) StreamInfo(ctx context.Context) (string, error) { return s.get(ctx, CmdStreamInfo) }

// ObtainStream asks the camera to start streaming media units.
func (s *Session) ObtainStream(ctx context.Context) error {
	if _, err := s.get(ctx, CmdObtainStream); err != nil {
		return err
	}
	s.streaming.Store(true)
	return nil
}

// ReleaseStream stops the media stream.
func (s *Session) ReleaseStream(ctx context.Context) error {
	if _, err := s.get(ctx, CmdReleaseStream); err != nil {
		return err
	}
	s.streaming.Store(false)
	return nil
}

func (s *Session) LensParam(ctx context.Context) (string, error) { return s.get(ctx, CmdGetLensParam) }
func (s *Session) SetLensParam(ctx context.Context, v string) error {
	return s.set(ctx, CmdSetLensParam, v)
}

func (s *Session) CameraIQ(ctx context.Context) (string, error) { return s.get(ctx, CmdGetIQ) }
func (s *Session) SetCameraIQ(ctx context.Context, v string) error {
	return s.set(ctx, CmdSetIQ, v)
}

func (s *Session) WhiteBalance(ctx context.Context) (string, error) { return s.get(ctx, CmdGetWB) }
func (s *Session) SetWhiteBalance(ctx context.Context, v string) error {
	return s.set(ctx, CmdSetWB, v)
}

func (s *Session) PowerParam(ctx context.Context) (string, error) { return s.get(ctx, CmdGetPower) }
func (s *Session) SetPowerParam(ctx context.Context, v string) error {
	return s.set(ctx, CmdSetPower, v)
}

func (s *Session) CircleCalib(ctx context.Context) (string, error) {
	return s.get(ctx, CmdGetCircleCalib)
}
func (s *Session) SetCircleCalib(ctx context.Context, v string) error {
	return s.set(ctx, CmdSetCircleCalib, v)
}

// CameraMode returns ModeVideo or ModePhoto.
func (s *Session) CameraMode(ctx context.Context) (int, error) { return s.getInt(ctx, CmdGetMode) }

// BatteryPercent returns the remaining charge in percent.
func (s *Session) BatteryPercent(ctx context.Context) (int, error) {
	return s.getInt(ctx, CmdGetBattery)
}

func (s *Session) Temperature(ctx context.Context) (int, error) {
	return s.getInt(ctx, CmdGetTemperature)
}

// SetTime sets the camera clock.
func (s *Session) SetTime(ctx context.Context, t time.Time) error {
	return s.set(ctx, CmdSetTime, t.Format(CameraTimeLayout))
}

func (s *Session) SetName(ctx context.Context, name string) error {
	return s.set(ctx, CmdSetName, name)
}

// PowerOff asks the camera to shut down now.
func (s *Session) PowerOff(ctx context.Context) error {
	_, err := s.get(ctx, CmdPowerOff)
	return err
}

// SetAutoPowerOff sets the camera-side auto power-off delay.
func (s *Session) SetAutoPowerOff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: auto power-off delay %v", ErrParamInvalid, d)
	}
	return s.set(ctx, CmdSetAutoPowerOff, strconv.Itoa(int(d/time.Second)))
}

func (s *Session) AutoPowerOff(ctx context.Context) (string, error) {
	return s.get(ctx, CmdGetAutoPowerOff)
}

func (s *Session) AutoPowerOffStart(ctx context.Context) error {
	_, err := s.get(ctx, CmdAutoPowerOffStart)
	return err
}

func (s *Session) AutoPowerOffStop(ctx context.Context) error {
	_, err := s.get(ctx, CmdAutoPowerOffStop)
	return err
}

// Heartbeat pings the camera without refreshing the idle clock.
func (s *Session) Heartbeat(ctx context.Context) error {
	_, err := s.get(ctx, CmdHeartbeat)
	return err
}

func (s *Session) SetSerialNumber(ctx context.Context, sn string) error {
	if err := s.set(ctx, CmdSetSerialNumber, sn); err != nil {
		return err
	}
	s.forgetIdentity(CmdGetSerialNumber)
	return nil
}

func (s *Session) SetHWVersion(ctx context.Context, v string) error {
	if err := s.set(ctx, CmdSetHWVersion, v); err != nil {
		return err
	}
	s.forgetIdentity(CmdGetHWVersion)
	return nil
}

func (s *Session) SetProductID(ctx context.Context, pid string) error {
	if err := s.set(ctx, CmdSetPID, pid); err != nil {
		return err
	}
	s.forgetIdentity(CmdGetPID)
	return nil
}

// SetBackground tells the camera whether the host application is in the background.
func (s *Session) SetBackground(ctx context.Context, background bool) error {
	v := "0"
	if background {
		v = "1"
	}
	return s.set(ctx, CmdSetBackground, v)
}

// CameraLog asks the camera to dump its log to path on the host side of the link.
func (s *Session) CameraLog(ctx context.Context, path string) error {
	return s.set(ctx, CmdGetLog, path)
}

// SetLogLevel sets the camera log level (LogLevelOff, LogLevelError, LogLevelDebug).
func (s *Session) SetLogLevel(ctx context.Context, level int) error {
	if level < LogLevelOff || level > LogLevelDebug {
		return fmt.Errorf("%w: log level %d", ErrParamInvalid, level)
	}
	return s.set(ctx, CmdSetLogLevel, strconv.Itoa(level))
}

func (s *Session) FactoryReset(ctx context.Context) error {
	_, err := s.get(ctx, CmdFactoryReset)
	return err
}

// Identity fields are cached per link after the first successful query. A
// fault or disconnect drops the cache with the link.

func (s *Session) SerialNumber(ctx context.Context) (string, error) {
	return s.cached(ctx, CmdGetSerialNumber)
}

func (s *Session) FirmwareVersion(ctx context.Context) (string, error) {
	return s.cached(ctx, CmdGetFWVersion)
}

func (s *Session) HWVersion(ctx context.Context) (string, error) {
	return s.cached(ctx, CmdGetHWVersion)
}

func (s *Session) ProductID(ctx context.Context) (string, error) {
	return s.cached(ctx, CmdGetPID)
}

// CaseSerialNumber returns the serial of the case (MCU) the camera sits in.
func (s *Session) CaseSerialNumber(ctx context.Context) (string, error) {
	return s.cached(ctx, CmdGetMCUSerial)
}

func (s *Session) CaseHWVersion(ctx context.Context) (string, error) {
	return s.cached(ctx, CmdGetMCUHWVersion)
}

func (s *Session) cached(ctx context.Context, name string) (string, error) {
	c, err := s.active()
	if err != nil {
		return "", err
	}
	if v, ok := c.ident.lookup(name); ok {
		return v, nil
	}
	v, err := s.get(ctx, name)
	if err != nil {
		return "", err
	}
	// A reconnect during the query leaves c behind; storing there is harmless.
	c.ident.store(name, v)
	return v, nil
}

func (s *Session) forgetIdentity(name string) {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		c.ident.forget(name)
	}
}

type identity struct {
	mu     sync.Mutex
	values map[string]string
}

func (id *identity) lookup(name string) (string, bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	v, ok := id.values[name]
	return v, ok
}

func (id *identity) store(name, v string) {
	id.mu.Lock()
	if id.values == nil {
		id.values = make(map[string]string)
	}
	id.values[name] = v
	id.mu.Unlock()
}

func (id *identity) forget(name string) {
	id.mu.Lock()
	delete(id.values, name)
	id.mu.Unlock()
}

func (id *identity) clear() {
	id.mu.Lock()
	id.values = nil
	id.mu.Unlock()
}
