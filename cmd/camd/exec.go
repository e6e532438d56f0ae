package main

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/kstaniek/go-cam360/internal/relay"
	"github.com/kstaniek/go-cam360/internal/server"
	"github.com/kstaniek/go-cam360/internal/session"
	"github.com/kstaniek/go-cam360/internal/upgrade"
	"github.com/kstaniek/go-cam360/internal/wire"
)

const (
	cmdUpgradeStart  = relay.CmdUpgradeStart
	cmdUpgradeStatus = relay.CmdUpgradeStatus
	cmdUpgradeStop   = relay.CmdUpgradeStop
	cmdSDKVersion    = relay.CmdSDKVersion
	cmdSessionState  = relay.CmdSessionState
	cmdInfo          = relay.CmdInfo
)

// newExecFunc routes relay requests to the session and the upgrade controller.
func newExecFunc(sess *session.Session, up *upgrade.Controller) server.ExecFunc {
	return func(ctx context.Context, req wire.Request) wire.Reply {
		payload, err := dispatch(ctx, sess, up, req)
		r := replyFor(payload, err)
		r.Tag = req.Tag
		return r
	}
}

func dispatch(ctx context.Context, sess *session.Session, up *upgrade.Controller, req wire.Request) (string, error) {
	switch req.Name {
	case cmdUpgradeStart:
		p := wire.ParseParams(req.Param)
		pr, err := up.Start(ctx, p["file"], p["md5"])
		if err != nil {
			return "", err
		}
		return formatProgress(pr), nil
	case cmdUpgradeStatus:
		pr, err := up.QueryProgress(ctx)
		if err != nil {
			return "", err
		}
		return formatProgress(pr), nil
	case cmdUpgradeStop:
		return "", up.Stop(ctx)
	case cmdSDKVersion:
		return session.SDKVersion(), nil
	case cmdSessionState:
		return sess.State().String(), nil
	case cmdInfo:
		info, err := sess.Info(ctx)
		if err != nil {
			return "", err
		}
		return wire.FormatParams(map[string]string{
			"attachment": info.Attachment().String(),
			"session":    sess.ID(),
			"streaming":  strconv.FormatBool(sess.Streaming()),
			"video":      strconv.FormatInt(sess.VideoCount(), 10),
			"audio":      strconv.FormatInt(sess.AudioCount(), 10),
			"idle":       sess.IdleFor().Round(time.Second).String(),
		}), nil

	case session.CmdObtainStream:
		return "", sess.ObtainStream(ctx)
	case session.CmdReleaseStream:
		return "", sess.ReleaseStream(ctx)

	case session.CmdGetSerialNumber:
		return sess.SerialNumber(ctx)
	case session.CmdGetFWVersion:
		return sess.FirmwareVersion(ctx)
	case session.CmdGetHWVersion:
		return sess.HWVersion(ctx)
	case session.CmdGetPID:
		return sess.ProductID(ctx)
	case session.CmdGetMCUSerial:
		return sess.CaseSerialNumber(ctx)
	case session.CmdGetMCUHWVersion:
		return sess.CaseHWVersion(ctx)
	case session.CmdSetSerialNumber:
		return "", sess.SetSerialNumber(ctx, req.Param)
	case session.CmdSetHWVersion:
		return "", sess.SetHWVersion(ctx, req.Param)
	case session.CmdSetPID:
		return "", sess.SetProductID(ctx, req.Param)
	}
	return sess.Exec(ctx, req.Name, req.Param)
}

// replyFor turns a command outcome into a relay reply. Device failures keep
// their device status; host-side failures use the session error codes.
func replyFor(payload string, err error) wire.Reply {
	if err == nil {
		return wire.Reply{Payload: payload}
	}
	var de *session.DeviceError
	if errors.As(err, &de) {
		return wire.Reply{Status: de.Code, Payload: err.Error()}
	}
	return wire.Reply{Status: int32(session.Code(err)), Payload: err.Error()}
}

func formatProgress(p upgrade.Progress) string {
	m := map[string]string{
		"status":  p.Status.String(),
		"percent": strconv.Itoa(p.Percent),
	}
	if p.JobID != "" {
		m["job"] = p.JobID
	}
	if p.File != "" {
		m["file"] = p.File
	}
	if p.Err != nil {
		m["error"] = p.Err.Error()
	}
	return wire.FormatParams(m)
}
