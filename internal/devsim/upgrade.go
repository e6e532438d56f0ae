package devsim

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-cam360/internal/session"
	"github.com/kstaniek/go-cam360/internal/wire"
)

// Device-side upgrade states reported by the status command.
const (
	UpgradeIdle      = "idle"
	UpgradeUploading = "uploading"
	UpgradeVerifying = "verifying"
	UpgradeOK        = "ok"
	UpgradeMismatch  = "checksum_mismatch"
	UpgradeFailed    = "failed"
	UpgradeStopped   = "stopped"
)

type upgradeState struct {
	state string
	size  int
	md5   string
	data  bytes.Buffer
}

func (u *upgradeState) progress() int {
	switch u.state {
	case UpgradeOK:
		return 100
	case UpgradeIdle, "":
		return 0
	}
	if u.size == 0 {
		return 0
	}
	p := u.data.Len() * 100 / u.size
	if u.state == UpgradeUploading && p > 99 {
		p = 99
	}
	return p
}

// UpgradeState returns the device-side upgrade state.
func (d *Device) UpgradeState() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.up.state == "" {
		return UpgradeIdle
	}
	return d.up.state
}

// Firmware returns the bytes received by the last upgrade.
func (d *Device) Firmware() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.up.data.Bytes())
}

func (d *Device) handleUpgrade(req wire.Request) (int32, string, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	up := &d.up
	p := wire.ParseParams(req.Param)
	switch req.Name {
	case session.CmdUpgradeBegin:
		if up.state == UpgradeUploading || up.state == UpgradeVerifying {
			return session.DeviceOutOfSequence, "", nil
		}
		size, err := strconv.Atoi(p["size"])
		if err != nil || size <= 0 || len(p["md5"]) != 32 {
			return session.DeviceProtocolIncompatible, "", nil
		}
		up.state = UpgradeUploading
		up.size = size
		up.md5 = strings.ToLower(p["md5"])
		up.data.Reset()
		return 0, "", nil
	case session.CmdUpgradeChunk:
		if up.state != UpgradeUploading {
			return session.DeviceOutOfSequence, "", nil
		}
		off, err := strconv.Atoi(p["offset"])
		if err != nil || off != up.data.Len() {
			return session.DeviceOutOfSequence, "", nil
		}
		chunk, err := base64.StdEncoding.DecodeString(p["data"])
		if err != nil || up.data.Len()+len(chunk) > up.size {
			return session.DeviceParamTooLong, "", nil
		}
		up.data.Write(chunk)
		return 0, strconv.Itoa(up.progress()), nil
	case session.CmdUpgradeFinish:
		if up.state != UpgradeUploading || up.data.Len() != up.size {
			return session.DeviceOutOfSequence, "", nil
		}
		up.state = UpgradeVerifying
		delay := d.verifyDelay
		return 0, "", func() {
			d.wg.Add(1)
			go d.verify(delay)
		}
	case session.CmdUpgradeStatus:
		return 0, wire.FormatParams(map[string]string{
			"state":    d.upStateLocked(),
			"progress": strconv.Itoa(up.progress()),
		}), nil
	case session.CmdUpgradeProgress:
		return 0, strconv.Itoa(up.progress()), nil
	case session.CmdUpgradeStop:
		if up.state != UpgradeUploading {
			return session.DeviceOutOfSequence, "", nil
		}
		up.state = UpgradeStopped
		return 0, "", nil
	}
	return session.DeviceProtocolIncompatible, "", nil
}

func (d *Device) upStateLocked() string {
	if d.up.state == "" {
		return UpgradeIdle
	}
	return d.up.state
}

func (d *Device) verify(delay time.Duration) {
	defer d.wg.Done()
	time.Sleep(delay)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.up.state != UpgradeVerifying {
		return
	}
	sum := md5.Sum(d.up.data.Bytes())
	if hex.EncodeToString(sum[:]) == d.up.md5 {
		d.up.state = UpgradeOK
		d.log.Info("devsim_upgrade_ok", "size", d.up.size)
		return
	}
	d.up.state = UpgradeMismatch
	d.log.Warn("devsim_upgrade_checksum_mismatch")
}
