package serial

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-cam360/internal/metrics"
	"github.com/kstaniek/go-cam360/internal/wire"
)

const (
	pre0 = 0x55
	pre1 = 0xAA

	headerLen = 5 // preamble(2) + kind(1) + len(2)
	// MaxBody is the largest unit body the 16-bit length field can carry.
	MaxBody = 0xFFFF
)

// ErrBodyTooLarge is returned by Encode for bodies above MaxBody.
var ErrBodyTooLarge = errors.New("unit body too large")

type Codec struct{}

const compactMinUnread = 1024

// CompactBuffer swaps the backing array of b for one sized to its unread
// tail once consumed bytes dominate the capacity. It reports whether it did.
func CompactBuffer(b *bytes.Buffer) bool {
	unread := b.Len()
	if unread < compactMinUnread || unread*4 >= b.Cap() {
		return false
	}
	tail := append([]byte(nil), b.Bytes()...)
	*b = bytes.Buffer{}
	_, _ = b.Write(tail)
	return true
}

func checksum(kind byte, ln []byte, body []byte) byte {
	sum := kind + ln[0] + ln[1]
	for _, b := range body {
		sum += b
	}
	return sum
}

// Encode builds a UART frame:
// [0x55, 0xAA, kind, len_hi, len_lo, body..., checksum]
// checksum = kind + len_hi + len_lo + sum(body) (mod 256)
func (Codec) Encode(u wire.Unit) ([]byte, error) {
	n := len(u.Body)
	if n > MaxBody {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, n)
	}
	frame := make([]byte, headerLen+n+1)
	frame[0] = pre0
	frame[1] = pre1
	frame[2] = byte(u.Kind)
	binary.BigEndian.PutUint16(frame[3:5], uint16(n))
	copy(frame[headerLen:], u.Body)
	frame[headerLen+n] = checksum(frame[2], frame[3:5], u.Body)
	return frame, nil
}

// DecodeStream consumes complete frames from in and emits them via out.
// Partial frames stay buffered for the next call. Emitted bodies are copies
// and remain valid after in is reused.
//
// Example frame (kind=event, 4 byte body):
// 55 AA       - preamble
// 04          - kind
// 00 04       - body length
// 00 00 00 01 - body
// 09          - checksum = 04 + 00 + 04 + 00 + 00 + 00 + 01
func (Codec) DecodeStream(in *bytes.Buffer, out func(wire.Unit)) error {
	header := []byte{pre0, pre1}

	for {
		// Periodically compact to avoid unbounded growth from misaligned garbage
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 2 {
			return nil
		}

		// align to preamble
		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case next buffer starts with preamble second byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		if len(data) < headerLen {
			return nil
		}
		kind := data[2]
		if kind == 0 {
			// kind 0 is never sent; treat as noise and resync
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		ln := int(binary.BigEndian.Uint16(data[3:5]))
		req := headerLen + ln + 1
		if len(data) < req {
			return nil
		}

		if checksum(kind, data[3:5], data[headerLen:req-1]) != data[req-1] {
			// checksum mismatch: count and attempt resync
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		body := make([]byte, ln)
		copy(body, data[headerLen:req-1])
		out(wire.Unit{Kind: wire.Kind(kind), Body: body})
		metrics.IncLinkRx()
		in.Next(req)
	}
}
