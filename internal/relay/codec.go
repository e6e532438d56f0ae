// Package relay carries link units between camd and its TCP clients.
package relay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-cam360/internal/metrics"
	"github.com/kstaniek/go-cam360/internal/wire"
)

const headerLen = 5

// MaxBody bounds a single record body.
const MaxBody = 8 << 20

// Codec encodes/decodes relay records. Stateless and safe for concurrent use.
type Codec struct{}

var (
	// ErrInvalidLength is returned when a record announces a body above MaxBody.
	ErrInvalidLength = errors.New("relay: invalid length")
	// ErrInvalidKind is returned for the reserved zero kind.
	ErrInvalidKind = errors.New("relay: invalid kind")
	// ErrTruncatedRecord is returned when the reader ends mid-record.
	ErrTruncatedRecord = errors.New("relay: truncated record")
)

// Encode packs units into one contiguous buffer.
func (c *Codec) Encode(units []wire.Unit) []byte {
	if len(units) == 0 {
		return nil
	}
	var buf bytes.Buffer
	size := 0
	for _, u := range units {
		size += headerLen + len(u.Body)
	}
	buf.Grow(size)
	_, _ = c.EncodeTo(&buf, units)
	return buf.Bytes()
}

// EncodeTo writes units to w as kind u8 | len u32 BE | body and returns bytes written.
func (c *Codec) EncodeTo(w io.Writer, units []wire.Unit) (int, error) {
	var total int
	for _, u := range units {
		if len(u.Body) > MaxBody {
			return total, fmt.Errorf("relay encode: %w (%d)", ErrInvalidLength, len(u.Body))
		}
		var hdr [headerLen]byte
		hdr[0] = byte(u.Kind)
		binary.BigEndian.PutUint32(hdr[1:], uint32(len(u.Body)))
		n, err := w.Write(hdr[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("relay encode header: %w", err)
		}
		if len(u.Body) > 0 {
			n, err = w.Write(u.Body)
			total += n
			if err != nil {
				return total, fmt.Errorf("relay encode body: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one record from r. Errors hit before the first header
// byte (io.EOF, read deadlines) are returned unwrapped so callers can treat
// them as a clean record boundary.
func (c *Codec) Decode(r io.Reader) (wire.Unit, error) {
	var u wire.Unit
	var hdr [headerLen]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 {
			return u, err
		}
		metrics.IncMalformed()
		return u, fmt.Errorf("relay decode header: %w", ErrTruncatedRecord)
	}
	if hdr[0] == 0 {
		metrics.IncMalformed()
		return u, ErrInvalidKind
	}
	ln := binary.BigEndian.Uint32(hdr[1:])
	if ln > MaxBody {
		metrics.IncMalformed()
		return u, fmt.Errorf("relay decode: %w (%d)", ErrInvalidLength, ln)
	}
	u.Kind = wire.Kind(hdr[0])
	u.Body = make([]byte, ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, u.Body); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return wire.Unit{}, fmt.Errorf("relay decode body: %w", ErrTruncatedRecord)
			}
			return wire.Unit{}, fmt.Errorf("relay decode body: %w: %v", ErrTruncatedRecord, err)
		}
	}
	return u, nil
}

// DecodeN decodes up to max records (if max>0) or until error (if max<=0)
// invoking onUnit for each. It returns the number decoded and the terminal
// error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onUnit func(wire.Unit)) (int, error) {
	var n int
	for max <= 0 || n < max {
		u, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onUnit(u)
		n++
	}
	return n, nil
}
