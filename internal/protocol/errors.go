package protocol

import (
	"errors"
	"fmt"
	"net"
)

// Error is a typed loadd error that callers can inspect by Kind.
type Error struct {
	Kind    ErrorKind
	Op      string
	Addr    net.Addr
	Message string
	Cause   error

	// Expected and Got are set for size mismatches and malformed payloads.
	Expected int
	Got      int
}

// ErrorKind categorizes protocol and transport failures.
type ErrorKind int

const (
	KindInvalidAddress ErrorKind = iota
	KindBindFailed
	KindReceiveFailed
	KindSendFailed
	KindTimeout
	KindSizeMismatch
	KindMalformedPayload
	KindMetricUnavailable
)

var kindNames = map[ErrorKind]string{
	KindInvalidAddress:    "invalid_address",
	KindBindFailed:        "bind_failed",
	KindReceiveFailed:     "receive_failed",
	KindSendFailed:        "send_failed",
	KindTimeout:           "timeout",
	KindSizeMismatch:      "size_mismatch",
	KindMalformedPayload:  "malformed_payload",
	KindMetricUnavailable: "metric_unavailable",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewInvalidAddressError reports a server address that is not a dotted-quad IPv4.
func NewInvalidAddressError(addr string, cause error) *Error {
	return &Error{
		Kind:    KindInvalidAddress,
		Op:      "query",
		Message: fmt.Sprintf("invalid IPv4 address %q", addr),
		Cause:   cause,
	}
}

// NewBindFailedError wraps a failure to bind the server endpoint.
func NewBindFailedError(addr string, cause error) *Error {
	return &Error{
		Kind:    KindBindFailed,
		Op:      "bind",
		Message: fmt.Sprintf("cannot bind %s", addr),
		Cause:   cause,
	}
}

// NewReceiveFailedError wraps a datagram read failure.
func NewReceiveFailedError(op string, cause error) *Error {
	return &Error{
		Kind:    KindReceiveFailed,
		Op:      op,
		Message: "receive failed",
		Cause:   cause,
	}
}

// NewSendFailedError wraps a datagram write failure to addr.
func NewSendFailedError(op string, addr net.Addr, cause error) *Error {
	return &Error{
		Kind:    KindSendFailed,
		Op:      op,
		Addr:    addr,
		Message: fmt.Sprintf("send to %s failed", addr),
		Cause:   cause,
	}
}

// NewShortWriteError reports a datagram that was only partially written.
func NewShortWriteError(op string, addr net.Addr, expected, got int) *Error {
	return &Error{
		Kind:     KindSendFailed,
		Op:       op,
		Addr:     addr,
		Message:  fmt.Sprintf("sent %d of %d bytes to %s", got, expected, addr),
		Expected: expected,
		Got:      got,
	}
}

// NewTimeoutError reports that no reply arrived from addr in time.
func NewTimeoutError(addr net.Addr, cause error) *Error {
	return &Error{
		Kind:    KindTimeout,
		Op:      "query",
		Addr:    addr,
		Message: fmt.Sprintf("no reply from %s", addr),
		Cause:   cause,
	}
}

// NewSizeMismatchError reports a reply whose length differs from the request.
func NewSizeMismatchError(from net.Addr, expected, got int) *Error {
	return &Error{
		Kind:     KindSizeMismatch,
		Op:       "query",
		Addr:     from,
		Message:  fmt.Sprintf("expected %d bytes but received %d from %s", expected, got, from),
		Expected: expected,
		Got:      got,
	}
}

// NewMalformedPayloadError reports a payload of the wrong length.
func NewMalformedPayloadError(expected, got int) *Error {
	return &Error{
		Kind:     KindMalformedPayload,
		Op:       "decode",
		Message:  fmt.Sprintf("payload is %d bytes, want %d", got, expected),
		Expected: expected,
		Got:      got,
	}
}

// NewMetricUnavailableError wraps a collector failure for the named metric.
func NewMetricUnavailableError(metric string, cause error) *Error {
	return &Error{
		Kind:    KindMetricUnavailable,
		Op:      "collect",
		Message: fmt.Sprintf("%s unavailable", metric),
		Cause:   cause,
	}
}

// AsError attempts to convert err to an *Error. Returns nil if not possible.
func AsError(err error) *Error {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr
	}
	return nil
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	pErr := AsError(err)
	return pErr != nil && pErr.Kind == kind
}

// KindOf returns the kind name of err, or "internal" for untyped errors.
func KindOf(err error) string {
	if pErr := AsError(err); pErr != nil {
		return pErr.Kind.String()
	}
	return "internal"
}
