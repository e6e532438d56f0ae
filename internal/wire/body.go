package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortBody is returned when a body is smaller than its fixed header.
	ErrShortBody = errors.New("wire: short body")
	// ErrKindMismatch is returned when a body is decoded as the wrong kind.
	ErrKindMismatch = errors.New("wire: kind mismatch")
	// ErrNameTooLong is returned when a command name exceeds 255 bytes.
	ErrNameTooLong = errors.New("wire: command name too long")
)

const (
	requestHeaderLen = 4 + 1 // tag + name length
	replyHeaderLen   = 4 + 4 // tag + status
	mediaHeaderLen   = 1 + 8 // channel + pts
	eventBodyLen     = 4
)

// EncodeRequest packs r as: tag u32 | nameLen u8 | name | param.
func EncodeRequest(r Request) (Unit, error) {
	if len(r.Name) > 0xFF {
		return Unit{}, fmt.Errorf("%w (%d)", ErrNameTooLong, len(r.Name))
	}
	b := make([]byte, requestHeaderLen+len(r.Name)+len(r.Param))
	binary.BigEndian.PutUint32(b[0:4], r.Tag)
	b[4] = byte(len(r.Name))
	n := copy(b[5:], r.Name)
	copy(b[5+n:], r.Param)
	return Unit{Kind: KindRequest, Body: b}, nil
}

func DecodeRequest(u Unit) (Request, error) {
	if u.Kind != KindRequest {
		return Request{}, fmt.Errorf("%w: want %s got %s", ErrKindMismatch, KindRequest, u.Kind)
	}
	b := u.Body
	if len(b) < requestHeaderLen {
		return Request{}, fmt.Errorf("request: %w", ErrShortBody)
	}
	nl := int(b[4])
	if len(b) < requestHeaderLen+nl {
		return Request{}, fmt.Errorf("request name: %w", ErrShortBody)
	}
	return Request{
		Tag:   binary.BigEndian.Uint32(b[0:4]),
		Name:  string(b[5 : 5+nl]),
		Param: string(b[5+nl:]),
	}, nil
}

// EncodeReply packs r as: tag u32 | status i32 | payload.
func EncodeReply(r Reply) Unit {
	b := make([]byte, replyHeaderLen+len(r.Payload))
	binary.BigEndian.PutUint32(b[0:4], r.Tag)
	binary.BigEndian.PutUint32(b[4:8], uint32(r.Status))
	copy(b[8:], r.Payload)
	return Unit{Kind: KindReply, Body: b}
}

func DecodeReply(u Unit) (Reply, error) {
	if u.Kind != KindReply {
		return Reply{}, fmt.Errorf("%w: want %s got %s", ErrKindMismatch, KindReply, u.Kind)
	}
	if len(u.Body) < replyHeaderLen {
		return Reply{}, fmt.Errorf("reply: %w", ErrShortBody)
	}
	return Reply{
		Tag:     binary.BigEndian.Uint32(u.Body[0:4]),
		Status:  int32(binary.BigEndian.Uint32(u.Body[4:8])),
		Payload: string(u.Body[8:]),
	}, nil
}

// EncodeMedia packs m as: channel u8 | pts i64 | data.
func EncodeMedia(m Media) Unit {
	b := make([]byte, mediaHeaderLen+len(m.Data))
	b[0] = byte(m.Channel)
	binary.BigEndian.PutUint64(b[1:9], uint64(m.PTS))
	copy(b[9:], m.Data)
	return Unit{Kind: KindMedia, Body: b}
}

// DecodeMedia returns a Media whose Data aliases u.Body.
func DecodeMedia(u Unit) (Media, error) {
	if u.Kind != KindMedia {
		return Media{}, fmt.Errorf("%w: want %s got %s", ErrKindMismatch, KindMedia, u.Kind)
	}
	if len(u.Body) < mediaHeaderLen {
		return Media{}, fmt.Errorf("media: %w", ErrShortBody)
	}
	return Media{
		Channel: Channel(u.Body[0]),
		PTS:     int64(binary.BigEndian.Uint64(u.Body[1:9])),
		Data:    u.Body[9:],
	}, nil
}

func EncodeEvent(e Event) Unit {
	b := make([]byte, eventBodyLen)
	binary.BigEndian.PutUint32(b, uint32(e.Type))
	return Unit{Kind: KindEvent, Body: b}
}

func DecodeEvent(u Unit) (Event, error) {
	if u.Kind != KindEvent {
		return Event{}, fmt.Errorf("%w: want %s got %s", ErrKindMismatch, KindEvent, u.Kind)
	}
	if len(u.Body) < eventBodyLen {
		return Event{}, fmt.Errorf("event: %w", ErrShortBody)
	}
	return Event{Type: int32(binary.BigEndian.Uint32(u.Body[:4]))}, nil
}
