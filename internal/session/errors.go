package session

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-cam360/internal/metrics"
)

var (
	ErrNotInitialized       = errors.New("session: not initialized")
	ErrParamInvalid         = errors.New("session: invalid parameter")
	ErrUnknown              = errors.New("session: unknown error")
	ErrCommandTimeout       = errors.New("session: command timeout")
	ErrProtocol             = errors.New("session: protocol error")
	ErrSessionFaulted       = errors.New("session: faulted")
	ErrSessionClosed        = errors.New("session: closed")
	ErrTransportUnavailable = errors.New("session: transport unavailable")
	ErrConnectInProgress    = errors.New("session: connect in progress")
	ErrSessionActive        = errors.New("session: already initialized")
)

// Numeric codes handed to callers of the device SDK surface.
const (
	CodeOK               = 0
	CodeNoInitUSBHandler = 1
	CodeUnknown          = 2
	CodeParamNULL        = 3
)

// Result codes reported by the camera firmware in a reply status.
const (
	DeviceProtocolIncompatible int32 = -8000
	DeviceSendFailed           int32 = -8001
	DeviceReceiveTimeout       int32 = -8002
	DeviceAckMismatch          int32 = -8003
	DeviceUninitialized        int32 = -8004
	DeviceParamTooLong         int32 = -8005
	DeviceOutOfSequence        int32 = -8006
)

var deviceMessages = map[int32]string{
	DeviceProtocolIncompatible: "protocol incompatible",
	DeviceSendFailed:           "failed to send command",
	DeviceReceiveTimeout:       "data reception timeout",
	DeviceAckMismatch:          "mismatch between ack and request",
	DeviceUninitialized:        "sdk init failed or uninitialized",
	DeviceParamTooLong:         "parameter length exceeds max",
	DeviceOutOfSequence:        "out of sequence",
}

// DeviceError is a non-zero status returned by the camera. It matches
// ErrUnknown with errors.Is.
type DeviceError struct {
	Command string
	Code    int32
}

func (e *DeviceError) Error() string {
	msg, ok := deviceMessages[e.Code]
	if !ok {
		msg = "device failure"
	}
	return fmt.Sprintf("%s: device status %d (%s)", e.Command, e.Code, msg)
}

func (e *DeviceError) Is(target error) bool { return target == ErrUnknown }

// Code maps an error to the numeric code of the SDK surface.
func Code(err error) int {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrParamInvalid):
		return CodeParamNULL
	case errors.Is(err, ErrNotInitialized),
		errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrTransportUnavailable):
		return CodeNoInitUSBHandler
	default:
		return CodeUnknown
	}
}

// resultLabel classifies a command outcome for metrics.
func resultLabel(err error) string {
	var de *DeviceError
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.As(err, &de):
		return metrics.ResultDeviceError
	case errors.Is(err, ErrCommandTimeout):
		return metrics.ResultTimeout
	case errors.Is(err, ErrSessionClosed):
		return metrics.ResultClosed
	case errors.Is(err, ErrSessionFaulted):
		return metrics.ResultFaulted
	case errors.Is(err, ErrProtocol):
		return metrics.ResultProtocol
	default:
		return metrics.ResultOther
	}
}
