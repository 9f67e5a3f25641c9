package protocol

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestRecordSize(t *testing.T) {
	if got := len(Encode(StatsRecord{})); got != 12 {
		t.Fatalf("expected 12 byte packed record, got %d", got)
	}
	if got := len(Codec{Layout: LayoutPadded}.Encode(StatsRecord{})); got != 16 {
		t.Fatalf("expected 16 byte padded record, got %d", got)
	}
}

func TestRoundTrip(t *testing.T) {
	records := []StatsRecord{
		{},
		{Load: 0.42, Users: 3},
		{Load: -1, Users: -1},
		{Load: math.MaxFloat64, Users: math.MaxInt32},
		{Load: math.SmallestNonzeroFloat64, Users: math.MinInt32},
		{Load: math.Inf(1), Users: 0},
		{Load: math.Inf(-1), Users: 1},
		{Load: math.NaN(), Users: 7},
	}

	codecs := []Codec{
		{},
		{Layout: LayoutPadded},
		{Order: binary.BigEndian},
		{Layout: LayoutPadded, Order: binary.LittleEndian},
	}

	for _, c := range codecs {
		for _, r := range records {
			got, err := c.Decode(c.Encode(r))
			if err != nil {
				t.Fatalf("%s codec: decode failed: %v", c.Layout, err)
			}
			if !got.Equal(r) {
				t.Fatalf("%s codec: round trip mismatch: got %+v want %+v", c.Layout, got, r)
			}
		}
	}
}

func TestEncodeUsesNativeOrder(t *testing.T) {
	buf := Encode(StatsRecord{Load: 1.5, Users: 3})

	if got := math.Float64frombits(binary.NativeEndian.Uint64(buf[:8])); got != 1.5 {
		t.Fatalf("expected load 1.5 at offset 0, got %v", got)
	}
	if got := int32(binary.NativeEndian.Uint32(buf[8:12])); got != 3 {
		t.Fatalf("expected users 3 at offset 8, got %d", got)
	}
}

func TestEncodeZeroedRequest(t *testing.T) {
	for i, b := range Encode(StatsRecord{}) {
		if b != 0 {
			t.Fatalf("expected zeroed request, byte %d = %#x", i, b)
		}
	}
}

func TestPaddedLayoutZeroesPadding(t *testing.T) {
	buf := Codec{Layout: LayoutPadded}.Encode(StatsRecord{Load: 2, Users: -1})
	for i := RecordSize; i < PaddedRecordSize; i++ {
		if buf[i] != 0 {
			t.Fatalf("expected zero padding at byte %d, got %#x", i, buf[i])
		}
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	for _, n := range []int{0, 4, 11, 13, 16, 64} {
		_, err := Decode(make([]byte, n))
		if err == nil {
			t.Fatalf("expected error for %d byte payload", n)
		}
		if !IsKind(err, KindMalformedPayload) {
			t.Fatalf("expected malformed payload for %d bytes, got %v", n, err)
		}
		pErr := AsError(err)
		if pErr.Expected != RecordSize || pErr.Got != n {
			t.Fatalf("expected lengths %d/%d, got %d/%d", RecordSize, n, pErr.Expected, pErr.Got)
		}
	}

	if _, err := (Codec{Layout: LayoutPadded}).Decode(make([]byte, RecordSize)); !IsKind(err, KindMalformedPayload) {
		t.Fatalf("padded codec should reject packed payload, got %v", err)
	}
}

func TestErrorKindsAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewReceiveFailedError("serve", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected error to unwrap to cause")
	}
	if KindOf(err) != "receive_failed" {
		t.Fatalf("unexpected kind name %q", KindOf(err))
	}
	if KindOf(cause) != "internal" {
		t.Fatalf("untyped error should map to internal, got %q", KindOf(cause))
	}
	if ErrorKind(99).String() != "kind(99)" {
		t.Fatalf("unexpected unknown kind string %q", ErrorKind(99).String())
	}
}
