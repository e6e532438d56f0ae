// Package hotplug reports USB attach/detach of the camera accessory from
// kernel uevents.
package hotplug

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

// ErrUnsupported is returned by Open on platforms without kernel uevents.
var ErrUnsupported = errors.New("hotplug: unsupported platform")

// Action is what happened to the device.
type Action int

const (
	Attach Action = iota + 1
	Detach
)

func (a Action) String() string {
	switch a {
	case Attach:
		return "attach"
	case Detach:
		return "detach"
	default:
		return "unknown"
	}
}

// Event is one accessory notification.
type Event struct {
	Action    Action
	DevPath   string
	VendorID  uint16
	ProductID uint16
}

// Filter selects the accessory by USB vendor and product ID. A zero field
// matches anything.
type Filter struct {
	VendorID  uint16
	ProductID uint16
}

// ParseUEvent splits a kernel uevent datagram ("add@/devpath\0KEY=VAL\0...")
// into its environment. It returns false for messages that are not kernel
// uevents.
func ParseUEvent(msg []byte) (map[string]string, bool) {
	parts := bytes.Split(msg, []byte{0})
	if len(parts) < 2 || !bytes.Contains(parts[0], []byte("@")) {
		return nil, false
	}
	env := make(map[string]string, len(parts))
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(string(p), "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	return env, true
}

// Match converts a uevent environment into an Event when it describes a
// USB device accepted by f.
func (f Filter) Match(env map[string]string) (Event, bool) {
	if env["SUBSYSTEM"] != "usb" || env["DEVTYPE"] != "usb_device" {
		return Event{}, false
	}
	var act Action
	switch env["ACTION"] {
	case "add":
		act = Attach
	case "remove":
		act = Detach
	default:
		return Event{}, false
	}
	// PRODUCT=vid/pid/bcdDevice in hex without leading zeros
	fields := strings.Split(env["PRODUCT"], "/")
	if len(fields) < 2 {
		return Event{}, false
	}
	vid, err1 := strconv.ParseUint(fields[0], 16, 16)
	pid, err2 := strconv.ParseUint(fields[1], 16, 16)
	if err1 != nil || err2 != nil {
		return Event{}, false
	}
	if f.VendorID != 0 && uint16(vid) != f.VendorID {
		return Event{}, false
	}
	if f.ProductID != 0 && uint16(pid) != f.ProductID {
		return Event{}, false
	}
	return Event{Action: act, DevPath: env["DEVPATH"], VendorID: uint16(vid), ProductID: uint16(pid)}, true
}
