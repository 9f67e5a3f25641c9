package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/loadd/internal/config"
	"github.com/bc-dunia/loadd/internal/events"
	"github.com/bc-dunia/loadd/internal/hoststats"
	"github.com/bc-dunia/loadd/internal/metrics"
	"github.com/bc-dunia/loadd/internal/otel"
	"github.com/bc-dunia/loadd/internal/protocol"
)

// receiveErrorPause throttles the loop after a non-fatal receive error.
const receiveErrorPause = 10 * time.Millisecond

// ServerConfig configures a Server. Zero fields take the defaults.
type ServerConfig struct {
	BindAddress string
	Port        int

	// Workers is the number of datagrams handled concurrently. 1 handles
	// each request to completion before reading the next.
	Workers int

	// CollectTimeout bounds one metric collection pass.
	CollectTimeout time.Duration

	// FailFast ends Serve on the first receive or send error. Otherwise the
	// error is logged and the loop continues.
	FailFast bool

	// StrictRequestSize drops datagrams whose length is not the record size.
	// Off by default: any datagram triggers a reply.
	StrictRequestSize bool

	MaxDatagramSize int
	Codec           protocol.Codec

	// OnTransition, if set, observes state changes. With Workers > 1 it is
	// called from several goroutines.
	OnTransition func(from, to ServerState)
}

// DefaultServerConfig returns the standard server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BindAddress:     config.DefaultBindAddress,
		Port:            config.DefaultPort,
		Workers:         config.DefaultWorkers,
		CollectTimeout:  config.DefaultCollectTimeout,
		MaxDatagramSize: config.DefaultMaxDatagramSize,
	}
}

// Server answers loadd requests. A Server is started once and cannot be
// restarted after Stop.
type Server struct {
	config    ServerConfig
	collector hoststats.Collector

	logger  *events.EventLogger
	metrics *otel.Metrics
	tracer  *otel.Tracer
	scrape  *metrics.Collector
	peers   *metrics.PeerTracker

	mu       sync.Mutex
	conn     *net.UDPConn
	serving  bool
	done     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	fatal    error

	handlers sync.WaitGroup
	handled  atomic.Int64
}

// NewServer creates a server that reports metrics from collector.
func NewServer(cfg ServerConfig, collector hoststats.Collector) *Server {
	def := DefaultServerConfig()
	if cfg.BindAddress == "" {
		cfg.BindAddress = def.BindAddress
	}
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.CollectTimeout == 0 {
		cfg.CollectTimeout = def.CollectTimeout
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = def.MaxDatagramSize
	}

	return &Server{
		config:    cfg,
		collector: collector,
		logger:    events.NoopEventLogger(),
		metrics:   otel.NoopMetrics(),
		tracer:    otel.NoopTracer(),
		stopCh:    make(chan struct{}),
	}
}

func (s *Server) SetEventLogger(l *events.EventLogger) {
	if l != nil {
		s.logger = l
	}
}

func (s *Server) SetMetrics(m *otel.Metrics) {
	if m != nil {
		s.metrics = m
	}
}

func (s *Server) SetTracer(t *otel.Tracer) {
	if t != nil {
		s.tracer = t
	}
}

// SetPrometheus attaches a scrape collector. Optional.
func (s *Server) SetPrometheus(c *metrics.Collector) {
	s.scrape = c
}

// SetPeerTracker attaches a per-client exchange tracker. Optional.
func (s *Server) SetPeerTracker(pt *metrics.PeerTracker) {
	s.peers = pt
}

// Start binds the UDP endpoint. A busy port fails with BindFailed; there is
// no retry on another port.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return fmt.Errorf("server already started")
	}
	select {
	case <-s.stopCh:
		return fmt.Errorf("server stopped")
	default:
	}

	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.Port))
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return protocol.NewBindFailedError(addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return protocol.NewBindFailedError(addr, err)
	}
	s.conn = conn

	if s.scrape != nil {
		s.scrape.MarkStarted(time.Now())
	}
	s.logger.LogServerStarted(conn.LocalAddr().String(), s.config.Workers, s.config.FailFast, s.config.StrictRequestSize)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// IsServing reports whether the receive loop is running.
func (s *Server) IsServing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving
}

// Handled returns the number of datagrams answered so far.
func (s *Server) Handled() int64 {
	return s.handled.Load()
}

// ListenAndServe binds and serves until ctx is cancelled or Stop is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the receive loop on the endpoint bound by Start. It returns nil
// after a cancellation or Stop, once in-flight requests have completed, and
// a ReceiveFailed or SendFailed error when FailFast ends the loop.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return fmt.Errorf("server not started")
	}
	if s.serving {
		s.mu.Unlock()
		return fmt.Errorf("server already serving")
	}
	if s.stopping() {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.serving = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	defer func() {
		conn.Close()
		s.mu.Lock()
		s.serving = false
		s.mu.Unlock()
		close(done)
	}()

	stopWatch := context.AfterFunc(ctx, s.shutdown)
	defer stopWatch()

	// Handlers outlive a cancelled Serve context so that a collection in
	// progress is never cut short.
	handlerCtx := context.WithoutCancel(ctx)

	var sem chan struct{}
	if s.config.Workers > 1 {
		sem = make(chan struct{}, s.config.Workers)
	}

	loop := newServerFSM(s.config.OnTransition)
	buf := make([]byte, s.config.MaxDatagramSize)

	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if s.stopping() {
				break
			}
			rerr := protocol.NewReceiveFailedError("serve", err)
			s.recordError(handlerCtx, rerr)
			fatal := s.config.FailFast || errors.Is(err, net.ErrClosed)
			s.logger.LogReceiveFailed(rerr, fatal)
			if fatal {
				s.abort(rerr)
				break
			}
			select {
			case <-s.stopCh:
			case <-time.After(receiveErrorPause):
			}
			continue
		}

		fsm := newServerFSM(s.config.OnTransition)
		fsm.to(ServerReceiving)

		if sem == nil {
			if err := s.handle(handlerCtx, fsm, conn, peer, n); err != nil && s.config.FailFast {
				s.abort(err)
				break
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-s.stopCh:
			fsm.to(ServerListening)
			continue
		}
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer func() { <-sem }()
			if err := s.handle(handlerCtx, fsm, conn, peer, n); err != nil && s.config.FailFast {
				s.abort(err)
			}
		}()
	}

	s.handlers.Wait()
	loop.to(ServerStopped)

	s.mu.Lock()
	fatal := s.fatal
	s.mu.Unlock()

	reason := "stopped"
	switch {
	case fatal != nil:
		reason = protocol.KindOf(fatal)
	case ctx.Err() != nil:
		reason = "context_done"
	}
	s.logger.LogServerStopped(reason, s.handled.Load())

	return fatal
}

// Stop ends the receive loop, waits for in-flight requests until ctx expires
// and closes the endpoint.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdown()

	s.mu.Lock()
	done := s.done
	serving := s.serving
	s.mu.Unlock()

	if !serving || done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown wakes the receive loop. A serving endpoint stays open until Serve
// has drained its handlers so their replies can still be sent.
func (s *Server) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		conn, serving := s.conn, s.serving
		s.mu.Unlock()
		switch {
		case conn == nil:
		case serving:
			conn.SetReadDeadline(time.Unix(1, 0))
		default:
			conn.Close()
		}
	})
}

func (s *Server) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Server) abort(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
	s.shutdown()
}

// handle answers one datagram of n bytes from peer. The payload itself is
// not inspected: only its length matters.
func (s *Server) handle(ctx context.Context, fsm *serverFSM, conn *net.UDPConn, peer *net.UDPAddr, n int) error {
	start := time.Now()
	if s.scrape != nil {
		defer s.scrape.Begin()()
	}

	ctx, span := s.tracer.StartExchangeSpan(ctx, otel.ExchangeSpanOptions{
		Role:  otel.RoleServer,
		Peer:  peer.String(),
		Bytes: n,
	})
	defer span.End()
	s.metrics.RecordBytes(ctx, "rx", n)

	if s.config.StrictRequestSize && n != s.config.Codec.Size() {
		s.logger.LogRequestDropped(ctx, peer.String(), n,
			fmt.Sprintf("request is %d bytes, want %d", n, s.config.Codec.Size()))
		s.observe(ctx, peer, metrics.PeerDropped, n, 0, start)
		fsm.to(ServerListening)
		return nil
	}

	fsm.to(ServerCollecting)
	record := s.collect(ctx)
	otel.RecordRecord(span, record.Load, record.Users)

	fsm.to(ServerReplying)
	reply := make([]byte, n)
	copy(reply, s.config.Codec.Encode(record))

	sent, err := conn.WriteToUDP(reply, peer)
	if err == nil && sent != len(reply) {
		err = protocol.NewShortWriteError("serve", peer, len(reply), sent)
	}
	if err != nil {
		serr := protocol.AsError(err)
		if serr == nil {
			serr = protocol.NewSendFailedError("serve", peer, err)
		}
		s.recordError(ctx, serr)
		otel.RecordError(span, serr, serr.Kind.String())
		s.logger.LogSendFailed(ctx, peer.String(), serr, s.config.FailFast)
		s.observe(ctx, peer, metrics.PeerFailed, n, sent, start)
		if s.config.FailFast {
			fsm.to(ServerStopped)
		} else {
			fsm.to(ServerListening)
		}
		return serr
	}

	s.handled.Add(1)
	s.metrics.RecordBytes(ctx, "tx", sent)
	s.metrics.SetLastRecord(record.Load, record.Users)
	if s.scrape != nil {
		s.scrape.ObserveRecord(record.Load, record.Users)
	}
	s.observe(ctx, peer, metrics.PeerReplied, n, sent, start)
	s.logger.LogRequestHandled(ctx, peer.String(), n, sent, record.Load, record.Users,
		float64(time.Since(start).Microseconds())/1000)

	fsm.to(ServerListening)
	return nil
}

// collect reads both metrics, substituting sentinels for failures.
func (s *Server) collect(ctx context.Context) protocol.StatsRecord {
	cctx := ctx
	if s.config.CollectTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.config.CollectTimeout)
		defer cancel()
	}

	sample := hoststats.Collect(cctx, s.collector)
	if sample.LoadErr != nil {
		s.metricUnavailable(ctx, "load", hoststats.SentinelLoad, sample.LoadErr)
	}
	if sample.UsersErr != nil {
		s.metricUnavailable(ctx, "users", hoststats.SentinelUsers, sample.UsersErr)
	}

	return protocol.StatsRecord{Load: sample.Load, Users: sample.Users}
}

func (s *Server) metricUnavailable(ctx context.Context, name string, sentinel any, cause error) {
	err := protocol.NewMetricUnavailableError(name, cause)
	s.logger.LogMetricUnavailable(ctx, name, sentinel, err)
	s.metrics.RecordMetricUnavailable(ctx, name)
	if s.scrape != nil {
		s.scrape.ObserveSentinel(name)
	}
}

func (s *Server) recordError(ctx context.Context, err *protocol.Error) {
	s.metrics.RecordError(ctx, otel.RoleServer, err.Kind.String())
	if s.scrape != nil {
		s.scrape.ObserveError(err.Kind.String())
	}
}

func (s *Server) observe(ctx context.Context, peer *net.UDPAddr, result metrics.PeerResult, received, sent int, start time.Time) {
	elapsed := time.Since(start)
	latencyMs := float64(elapsed.Microseconds()) / 1000
	s.metrics.RecordExchange(ctx, otel.RoleServer, result == metrics.PeerReplied, latencyMs)
	if s.scrape != nil {
		s.scrape.ObserveExchange(string(result), received, sent, elapsed)
	}
	if s.peers != nil {
		// Keyed by IP: every client query comes from a fresh ephemeral port.
		s.peers.Record(metrics.PeerEvent{
			Peer:       peer.IP.String(),
			Result:     result,
			Received:   received,
			Sent:       sent,
			DurationMs: latencyMs,
		})
	}
}
