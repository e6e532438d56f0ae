package session

import (
	"context"
	"encoding/json"
	"fmt"
)

// Attachment describes what is plugged into the accessory port.
type Attachment int

const (
	AttachedNone Attachment = iota
	AttachedCase
	AttachedCamera
)

func (a Attachment) String() string {
	switch a {
	case AttachedCamera:
		return "camera"
	case AttachedCase:
		return "case"
	default:
		return "none"
	}
}

// DeviceInfo is the decoded device info reply. Each section is present only
// when the corresponding hardware answers.
type DeviceInfo struct {
	Camera map[string]any `json:"camera,omitempty"`
	Case   map[string]any `json:"case,omitempty"`
}

// Attachment reports the camera when its section is present, otherwise the
// case alone.
func (d DeviceInfo) Attachment() Attachment {
	switch {
	case d.Camera != nil:
		return AttachedCamera
	case d.Case != nil:
		return AttachedCase
	default:
		return AttachedNone
	}
}

// ParseDeviceInfo decodes the JSON object returned by the device info command.
func ParseDeviceInfo(payload string) (DeviceInfo, error) {
	var d DeviceInfo
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: device info: %v", ErrProtocol, err)
	}
	return d, nil
}

// Info queries and decodes the device info.
func (s *Session) Info(ctx context.Context) (DeviceInfo, error) {
	p, err := s.DeviceInfo(ctx)
	if err != nil {
		return DeviceInfo{}, err
	}
	return ParseDeviceInfo(p)
}
