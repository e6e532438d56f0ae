package serial

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-cam360/internal/metrics"
	"github.com/kstaniek/go-cam360/internal/wire"
)

// TestDecodeStreamMalformed ensures a bad checksum increments the metric.
func TestDecodeStreamMalformed(t *testing.T) {
	var buf bytes.Buffer
	codec := Codec{}
	before := metrics.Snap().Malformed

	frame, err := codec.Encode(wire.EncodeEvent(wire.Event{Type: 3}))
	if err != nil {
		t.Fatal(err)
	}
	frame[len(frame)-1] ^= 0xFF // corrupt checksum
	buf.Write(frame)
	emitted := 0
	if err := codec.DecodeStream(&buf, func(wire.Unit) { emitted++ }); err != nil {
		t.Fatalf("DecodeStream error: %v", err)
	}
	if emitted != 0 {
		t.Fatalf("corrupt frame must not be emitted")
	}
	after := metrics.Snap().Malformed
	if after <= before {
		t.Fatalf("expected malformed metric increment, before=%d after=%d", before, after)
	}
}
