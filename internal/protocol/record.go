// Package protocol defines the loadd wire format.
//
// A request and its response are both a single StatsRecord datagram of a
// fixed size. The fields are written in the host's native byte order with
// no tagging, so client and server must share endianness and layout. This is
// a property of the protocol itself; a peer with a different byte order will
// decode garbage rather than fail.
package protocol

import (
	"encoding/binary"
	"math"
)

// DefaultPort is the UDP port the server listens on.
const DefaultPort = 4701

const (
	loadSize  = 8
	usersSize = 4

	// RecordSize is the packed size of a StatsRecord on the wire.
	RecordSize = loadSize + usersSize

	// PaddedRecordSize matches the C struct layout on LP64 hosts, where the
	// int32 is followed by four bytes of alignment padding.
	PaddedRecordSize = 16
)

// StatsRecord is the only message exchanged between client and server.
type StatsRecord struct {
	// Load is the one-minute load average, or a negative sentinel.
	Load float64

	// Users is the number of distinct logged-in users, or a negative sentinel.
	Users int32
}

// Equal compares two records. Load is compared bitwise so NaN payloads
// round-trip as equal.
func (r StatsRecord) Equal(o StatsRecord) bool {
	return math.Float64bits(r.Load) == math.Float64bits(o.Load) && r.Users == o.Users
}

// Layout selects the on-wire struct layout.
type Layout int

const (
	// LayoutPacked is the 12 byte layout with no padding.
	LayoutPacked Layout = iota
	// LayoutPadded is the 16 byte layout used by the C daemon.
	LayoutPadded
)

func (l Layout) String() string {
	switch l {
	case LayoutPacked:
		return "packed"
	case LayoutPadded:
		return "padded"
	default:
		return "unknown"
	}
}

// Codec encodes and decodes StatsRecords. The zero value uses the packed
// layout and the host's native byte order.
type Codec struct {
	Layout Layout

	// Order overrides the byte order. Nil means binary.NativeEndian.
	Order binary.ByteOrder
}

// Size returns the fixed datagram size for the codec's layout.
func (c Codec) Size() int {
	if c.Layout == LayoutPadded {
		return PaddedRecordSize
	}
	return RecordSize
}

func (c Codec) order() binary.ByteOrder {
	if c.Order != nil {
		return c.Order
	}
	return binary.NativeEndian
}

// Encode serializes r into a new buffer of exactly Size bytes.
func (c Codec) Encode(r StatsRecord) []byte {
	buf := make([]byte, c.Size())
	c.put(buf, r)
	return buf
}

func (c Codec) put(buf []byte, r StatsRecord) {
	order := c.order()
	order.PutUint64(buf[0:loadSize], math.Float64bits(r.Load))
	order.PutUint32(buf[loadSize:RecordSize], uint32(r.Users))
}

// Decode parses a datagram. Any length other than Size is rejected with a
// MalformedPayload error; padding bytes are not inspected.
func (c Codec) Decode(b []byte) (StatsRecord, error) {
	if len(b) != c.Size() {
		return StatsRecord{}, NewMalformedPayloadError(c.Size(), len(b))
	}
	order := c.order()
	return StatsRecord{
		Load:  math.Float64frombits(order.Uint64(b[0:loadSize])),
		Users: int32(order.Uint32(b[loadSize:RecordSize])),
	}, nil
}

// DefaultCodec is the packed, native-order codec.
var DefaultCodec = Codec{}

// Encode encodes r with DefaultCodec.
func Encode(r StatsRecord) []byte {
	return DefaultCodec.Encode(r)
}

// Decode decodes b with DefaultCodec.
func Decode(b []byte) (StatsRecord, error) {
	return DefaultCodec.Decode(b)
}
