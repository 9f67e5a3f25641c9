// Package exchange implements the loadd request/response exchange: a client
// that queries a server once per call, and a server that answers every
// datagram with freshly collected host metrics.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/bc-dunia/loadd/internal/config"
	"github.com/bc-dunia/loadd/internal/events"
	"github.com/bc-dunia/loadd/internal/otel"
	"github.com/bc-dunia/loadd/internal/protocol"
)

// ClientConfig configures a Client. Zero fields take the defaults.
type ClientConfig struct {
	// Port is the server's UDP port.
	Port int

	// Timeout bounds the wait for a reply. A context deadline that expires
	// sooner wins.
	Timeout time.Duration

	Codec protocol.Codec

	// MaxDatagramSize is the receive buffer size. It exceeds the record size
	// so that oversized replies are seen at their real length.
	MaxDatagramSize int

	// OnTransition, if set, observes every state change of a query.
	OnTransition func(from, to ClientState)
}

// DefaultClientConfig returns the standard client settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Port:            config.DefaultPort,
		Timeout:         config.DefaultQueryTimeout,
		MaxDatagramSize: config.DefaultMaxDatagramSize,
	}
}

// Result is the outcome of a successful query.
type Result struct {
	Record    protocol.StatsRecord
	Responder *net.UDPAddr
	Sent      int
	Received  int
	RTT       time.Duration
}

// Client queries loadd servers. It holds no per-query state, so one Client
// may be used from several goroutines.
type Client struct {
	config  ClientConfig
	logger  *events.EventLogger
	metrics *otel.Metrics
	tracer  *otel.Tracer
}

// NewClient creates a client, filling unset fields from DefaultClientConfig.
func NewClient(cfg ClientConfig) *Client {
	def := DefaultClientConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxDatagramSize <= cfg.Codec.Size() {
		cfg.MaxDatagramSize = def.MaxDatagramSize
	}

	return &Client{
		config:  cfg,
		logger:  events.NoopEventLogger(),
		metrics: otel.NoopMetrics(),
		tracer:  otel.NoopTracer(),
	}
}

func (c *Client) SetEventLogger(l *events.EventLogger) {
	if l != nil {
		c.logger = l
	}
}

func (c *Client) SetMetrics(m *otel.Metrics) {
	if m != nil {
		c.metrics = m
	}
}

func (c *Client) SetTracer(t *otel.Tracer) {
	if t != nil {
		c.tracer = t
	}
}

// ParseServerAddress accepts only dotted-quad IPv4 addresses.
func ParseServerAddress(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return addr, nil
}

// Query sends one zeroed request to serverAddress and waits for the reply.
// It opens and closes exactly one UDP endpoint and never retries.
func (c *Client) Query(ctx context.Context, serverAddress string) (res *Result, err error) {
	start := time.Now()
	ctx, span := c.tracer.StartExchangeSpan(ctx, otel.ExchangeSpanOptions{
		Role: otel.RoleClient,
		Peer: serverAddress,
	})
	defer func() {
		latencyMs := float64(time.Since(start).Microseconds()) / 1000
		c.metrics.RecordExchange(ctx, otel.RoleClient, err == nil, latencyMs)
		if err != nil {
			kind := protocol.KindOf(err)
			c.metrics.RecordError(ctx, otel.RoleClient, kind)
			otel.RecordError(span, err, kind)
			c.logger.LogQueryFailed(ctx, serverAddress, kind, err)
		} else {
			otel.RecordRecord(span, res.Record.Load, res.Record.Users)
			c.logger.LogQueryCompleted(ctx, res.Responder.String(), res.Sent, res.Received,
				res.Record.Load, res.Record.Users, float64(res.RTT.Microseconds())/1000)
		}
		span.End()
	}()

	fsm := &clientFSM{state: ClientIdle, hook: c.config.OnTransition}

	addr, err := ParseServerAddress(serverAddress)
	if err != nil {
		fsm.to(ClientDone)
		return nil, protocol.NewInvalidAddressError(serverAddress, err)
	}
	if c.config.Port < 1 || c.config.Port > 65535 {
		fsm.to(ClientDone)
		return nil, protocol.NewInvalidAddressError(fmt.Sprintf("%s:%d", serverAddress, c.config.Port),
			fmt.Errorf("port %d out of range 1..65535", c.config.Port))
	}
	target := net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, uint16(c.config.Port)))

	// An unconnected socket: ICMP port-unreachable is not surfaced, so an
	// absent server shows up as a timeout rather than an immediate error.
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		fsm.to(ClientDone)
		return nil, protocol.NewBindFailedError("udp4 client endpoint", err)
	}
	defer conn.Close()

	request := c.config.Codec.Encode(protocol.StatsRecord{})
	sent, err := conn.WriteToUDP(request, target)
	if err != nil {
		fsm.to(ClientDone)
		return nil, protocol.NewSendFailedError("query", target, err)
	}
	if sent != len(request) {
		fsm.to(ClientDone)
		return nil, protocol.NewShortWriteError("query", target, len(request), sent)
	}
	c.metrics.RecordBytes(ctx, "tx", sent)
	fsm.to(ClientRequestSent)

	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		fsm.to(ClientDone)
		return nil, protocol.NewReceiveFailedError("query", err)
	}
	// Registered after the deadline is set so a cancellation always wins.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, c.config.MaxDatagramSize)
	var (
		received int
		from     *net.UDPAddr
	)
	// Datagrams from any endpoint other than target are discarded; the
	// read deadline still bounds the whole wait.
	for {
		received, from, err = conn.ReadFromUDP(buf)
		if err != nil || fromTarget(from, target) {
			break
		}
		c.logger.LogReplyIgnored(ctx, from.String(), received)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			fsm.to(ClientDone)
			return nil, protocol.NewReceiveFailedError("query", ctx.Err())
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			fsm.to(ClientTimedOut)
			fsm.to(ClientDone)
			return nil, protocol.NewTimeoutError(target, err)
		}
		fsm.to(ClientDone)
		return nil, protocol.NewReceiveFailedError("query", err)
	}
	rtt := time.Since(start)
	c.metrics.RecordBytes(ctx, "rx", received)

	if received != sent {
		fsm.to(ClientSizeMismatch)
		fsm.to(ClientDone)
		return nil, protocol.NewSizeMismatchError(from, sent, received)
	}

	record, err := c.config.Codec.Decode(buf[:received])
	if err != nil {
		fsm.to(ClientSizeMismatch)
		fsm.to(ClientDone)
		return nil, err
	}
	fsm.to(ClientReplyReceived)
	fsm.to(ClientDone)

	return &Result{
		Record:    record,
		Responder: from,
		Sent:      sent,
		Received:  received,
		RTT:       rtt,
	}, nil
}

// fromTarget reports whether from is the endpoint the request was sent to.
func fromTarget(from, target *net.UDPAddr) bool {
	if from == nil {
		return false
	}
	ap := from.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()) == target.AddrPort()
}
