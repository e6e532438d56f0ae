package wire

import "fmt"

// Kind is the discriminator carried in every unit header.
type Kind uint8

const (
	KindRequest Kind = 0x01
	KindReply   Kind = 0x02
	KindMedia   Kind = 0x03
	KindEvent   Kind = 0x04
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	case KindMedia:
		return "media"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(0x%02X)", uint8(k))
	}
}

// Unit is one framed message exchanged with the device. Body layout depends
// on Kind; see the Encode*/Decode* helpers.
type Unit struct {
	Kind Kind
	Body []byte
}

// Clone returns a unit with its own copy of Body.
func (u Unit) Clone() Unit {
	b := make([]byte, len(u.Body))
	copy(b, u.Body)
	return Unit{Kind: u.Kind, Body: b}
}

// Channel identifies the media stream a frame belongs to.
type Channel uint8

const (
	ChannelVideo Channel = 0
	ChannelAudio Channel = 1
)

func (c Channel) String() string {
	switch c {
	case ChannelVideo:
		return "video"
	case ChannelAudio:
		return "audio"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// Request is an opaque device command. Name and Param are passed through
// unchanged; Tag correlates the reply.
type Request struct {
	Tag   uint32
	Name  string
	Param string
}

// Reply answers the request with the same Tag. Status 0 means success; any
// other value is a device result code.
type Reply struct {
	Tag     uint32
	Status  int32
	Payload string
}

// OK reports whether the device accepted the command.
func (r Reply) OK() bool { return r.Status == 0 }

// Media is one audio or video unit with its presentation timestamp.
type Media struct {
	Channel Channel
	PTS     int64
	Data    []byte
}

// Event is a one-shot device notification (button presses and the like).
type Event struct {
	Type int32
}
