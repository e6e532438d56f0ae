package relay

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-cam360/internal/metrics"
	"github.com/kstaniek/go-cam360/internal/wire"
)

func mkUnit(kind wire.Kind, n int) wire.Unit {
	b := make([]byte, n)
	rand.Read(b)
	return wire.Unit{Kind: kind, Body: b}
}

func TestCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	in := []wire.Unit{
		mkUnit(wire.KindMedia, 1500),
		mkUnit(wire.KindEvent, 4),
		mkUnit(wire.KindReply, 0),
	}
	enc := codec.Encode(in)
	var out []wire.Unit
	n, err := codec.DecodeN(bytes.NewReader(enc), 0, func(u wire.Unit) { out = append(out, u) })
	if err != io.EOF {
		t.Fatalf("DecodeN err=%v want EOF", err)
	}
	if n != len(in) || len(out) != len(in) {
		t.Fatalf("decoded %d collected %d want %d", n, len(out), len(in))
	}
	for i := range in {
		if out[i].Kind != in[i].Kind || !bytes.Equal(out[i].Body, in[i].Body) {
			t.Fatalf("unit %d mismatch", i)
		}
	}
}

func TestCodec_Layout(t *testing.T) {
	codec := Codec{}
	got := codec.Encode([]wire.Unit{{Kind: wire.KindEvent, Body: []byte{0, 0, 0, 1}}})
	want := []byte{0x04, 0, 0, 0, 4, 0, 0, 0, 1}
	if !bytes.Equal(got, want) {
		t.Fatalf("layout % X want % X", got, want)
	}
}

func TestCodec_EncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	units := []wire.Unit{mkUnit(wire.KindMedia, 64), mkUnit(wire.KindReply, 9)}
	a := codec.Encode(units)
	var buf bytes.Buffer
	if _, err := codec.EncodeTo(&buf, units); err != nil {
		t.Fatalf("EncodeTo error: %v", err)
	}
	if !bytes.Equal(a, buf.Bytes()) {
		t.Fatalf("Encode vs EncodeTo mismatch\nenc=% X\nencTo=% X", a, buf.Bytes())
	}
}

func TestCodec_DecodeErrors(t *testing.T) {
	codec := Codec{}
	before := metrics.Snap().Malformed

	huge := []byte{byte(wire.KindMedia), 0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := codec.Decode(bytes.NewReader(huge)); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("want ErrInvalidLength got %v", err)
	}
	if _, err := codec.Decode(bytes.NewReader([]byte{0, 0, 0, 0, 0})); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("want ErrInvalidKind got %v", err)
	}
	trunc := []byte{byte(wire.KindMedia), 0, 0, 0, 5, 1, 2, 3}
	if _, err := codec.Decode(bytes.NewReader(trunc)); !errors.Is(err, ErrTruncatedRecord) {
		t.Fatalf("want ErrTruncatedRecord got %v", err)
	}
	if _, err := codec.Decode(bytes.NewReader([]byte{byte(wire.KindMedia), 0})); !errors.Is(err, ErrTruncatedRecord) {
		t.Fatalf("partial header: want ErrTruncatedRecord got %v", err)
	}
	if _, err := codec.Decode(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("empty reader: want EOF got %v", err)
	}
	if got := metrics.Snap().Malformed - before; got != 4 {
		t.Fatalf("malformed delta %d want 4", got)
	}
}

func TestCodec_EncodeTooLarge(t *testing.T) {
	codec := Codec{}
	var buf bytes.Buffer
	_, err := codec.EncodeTo(&buf, []wire.Unit{{Kind: wire.KindMedia, Body: make([]byte, MaxBody+1)}})
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("want ErrInvalidLength got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be written, got %d bytes", buf.Len())
	}
}

func TestDecodeN_Max(t *testing.T) {
	c := Codec{}
	in := []wire.Unit{mkUnit(wire.KindMedia, 8), mkUnit(wire.KindMedia, 5), mkUnit(wire.KindEvent, 4)}
	r := bytes.NewReader(c.Encode(in))
	n, err := c.DecodeN(r, 2, func(wire.Unit) {})
	if err != nil || n != 2 {
		t.Fatalf("first batch n=%d err=%v", n, err)
	}
	n, err = c.DecodeN(r, 2, func(wire.Unit) {})
	if err != io.EOF || n != 1 {
		t.Fatalf("second batch n=%d err=%v", n, err)
	}
}

// FuzzCodecDecode ensures the decoder never panics on arbitrary input.
func FuzzCodecDecode(f *testing.F) {
	c := Codec{}
	f.Add(c.Encode([]wire.Unit{mkUnit(wire.KindMedia, 16)}))
	f.Add(c.Encode([]wire.Unit{mkUnit(wire.KindEvent, 4), mkUnit(wire.KindReply, 8)}))
	f.Add([]byte{0, 0, 0, 1, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = c.DecodeN(bytes.NewReader(data), 16, func(wire.Unit) {})
	})
}

func benchmarkUnits(n int) []wire.Unit {
	units := make([]wire.Unit, n)
	for i := range units {
		units[i] = mkUnit(wire.KindMedia, 1024)
	}
	return units
}

func BenchmarkCodec_Encode_64(b *testing.B) {
	c := Codec{}
	us := benchmarkUnits(64)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = c.Encode(us)
	}
}

func BenchmarkCodec_EncodeTo_64(b *testing.B) {
	c := Codec{}
	us := benchmarkUnits(64)
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_, _ = c.EncodeTo(&buf, us)
	}
}

func BenchmarkCodec_DecodeN_64(b *testing.B) {
	c := Codec{}
	enc := c.Encode(benchmarkUnits(64))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = c.DecodeN(bytes.NewReader(enc), 0, func(wire.Unit) {})
	}
}
