package session

import (
	"fmt"

	"github.com/kstaniek/go-cam360/internal/metrics"
	"github.com/kstaniek/go-cam360/internal/wire"
)

// readLoop is the only reader of c.link. It exits when the link fails or is
// closed; a failure not caused by Disconnect faults the session.
func (s *Session) readLoop(c *conn) {
	defer close(c.readerDone)
	for {
		u, err := c.link.ReadNext()
		if err != nil {
			if c.closing.Load() {
				return
			}
			s.fault(c, err)
			return
		}
		s.dispatch(c, u)
	}
}

func (s *Session) dispatch(c *conn, u wire.Unit) {
	switch u.Kind {
	case wire.KindReply:
		r, err := wire.DecodeReply(u)
		if err != nil {
			metrics.IncMalformed()
			s.log.Warn("demux_malformed_reply", "error", err, "len", len(u.Body))
			c.ch.fail(fmt.Errorf("%w: %v", ErrProtocol, err))
			return
		}
		if !c.ch.deliver(r) {
			metrics.IncUnmatched()
			s.log.Debug("demux_unmatched_reply", "tag", r.Tag)
		}
	case wire.KindMedia:
		m, err := wire.DecodeMedia(u)
		if err != nil {
			metrics.IncMalformed()
			s.log.Warn("demux_malformed_media", "error", err)
			return
		}
		switch m.Channel {
		case wire.ChannelVideo:
			s.videoCount.Add(1)
		case wire.ChannelAudio:
			s.audioCount.Add(1)
		default:
			metrics.IncMalformed()
			s.log.Warn("demux_unknown_channel", "channel", uint8(m.Channel))
			return
		}
		metrics.IncMedia(m.Channel.String())
		c.sink.push(delivery{frame: Frame{Channel: m.Channel, Data: m.Data, PTS: m.PTS}})
	case wire.KindEvent:
		e, err := wire.DecodeEvent(u)
		if err != nil {
			metrics.IncMalformed()
			s.log.Warn("demux_malformed_event", "error", err)
			return
		}
		metrics.IncEvent()
		c.sink.push(delivery{event: true, evt: Event{Type: e.Type}})
	default:
		metrics.IncError(metrics.ErrUnknownKind)
		s.log.Warn("demux_unknown_kind", "kind", u.Kind.String(), "len", len(u.Body))
	}
}
