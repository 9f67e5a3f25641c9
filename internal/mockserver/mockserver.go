// Package mockserver runs a loadd responder with injectable faults, for
// exercising clients against servers that misbehave.
package mockserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/loadd/internal/protocol"
)

// Behavior selects how the responder answers each datagram.
type Behavior string

const (
	// BehaviorNormal replies with a well-formed record.
	BehaviorNormal Behavior = "normal"
	// BehaviorShort truncates the reply to ReplySize bytes.
	BehaviorShort Behavior = "short"
	// BehaviorLong pads the reply to ReplySize bytes.
	BehaviorLong Behavior = "long"
	// BehaviorSilent reads datagrams and never answers.
	BehaviorSilent Behavior = "silent"
	// BehaviorDelay answers after Delay.
	BehaviorDelay Behavior = "delay"
)

// ParseBehavior converts a flag value to a Behavior.
func ParseBehavior(s string) (Behavior, error) {
	switch b := Behavior(strings.ToLower(s)); b {
	case BehaviorNormal, BehaviorShort, BehaviorLong, BehaviorSilent, BehaviorDelay:
		return b, nil
	case "":
		return BehaviorNormal, nil
	default:
		return "", fmt.Errorf("unknown behavior %q", s)
	}
}

// Config configures the mock responder.
type Config struct {
	Addr     string
	Record   protocol.StatsRecord
	Codec    protocol.Codec
	Behavior Behavior
	// ReplySize is the reply length for BehaviorShort and BehaviorLong.
	ReplySize int
	Delay     time.Duration
}

// DefaultConfig returns a well-behaved responder on an ephemeral loopback port.
func DefaultConfig() *Config {
	return &Config{
		Addr:     "127.0.0.1:0",
		Record:   protocol.StatsRecord{Load: 0.5, Users: 1},
		Behavior: BehaviorNormal,
	}
}

// Server is a running mock responder.
type Server interface {
	Start() error
	Stop(ctx context.Context)
	Addr() string
	Port() int
	Received() int64
}

// New creates a responder. A nil config uses DefaultConfig.
func New(config *Config) Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &mockServer{cfg: config}
}

// StartTestServer starts a responder with cfg and returns cleanup.
func StartTestServer(cfg *Config) (server Server, cleanup func(), err error) {
	srv := New(cfg)
	if err := srv.Start(); err != nil {
		return nil, func() {}, err
	}
	cleanup = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}
	return srv, cleanup, nil
}

// readErrorPause throttles the loop after a read error other than close.
const readErrorPause = 10 * time.Millisecond

type datagramReader interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
}

type mockServer struct {
	cfg      *Config
	conn     *net.UDPConn
	reader   datagramReader
	received atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func (s *mockServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp4", normalizeAddr(s.cfg.Addr))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return err
	}
	s.conn = conn
	if s.reader == nil {
		s.reader = conn
	}
	s.done = make(chan struct{})

	s.wg.Add(1)
	go s.loop()
	return nil
}

func (s *mockServer) loop() {
	defer s.wg.Done()

	buf := make([]byte, 2048)
	for {
		_, peer, err := s.reader.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.done:
				return
			case <-time.After(readErrorPause):
			}
			continue
		}
		s.received.Add(1)

		reply := s.reply()
		if reply == nil {
			continue
		}
		if s.cfg.Behavior == BehaviorDelay {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if sleepUntilDone(s.done, s.cfg.Delay) {
					s.conn.WriteToUDP(reply, peer)
				}
			}()
			continue
		}
		s.conn.WriteToUDP(reply, peer)
	}
}

func (s *mockServer) reply() []byte {
	record := s.cfg.Codec.Encode(s.cfg.Record)
	switch s.cfg.Behavior {
	case BehaviorSilent:
		return nil
	case BehaviorShort:
		if s.cfg.ReplySize < len(record) {
			return record[:max(s.cfg.ReplySize, 0)]
		}
		return record
	case BehaviorLong:
		if s.cfg.ReplySize > len(record) {
			out := make([]byte, s.cfg.ReplySize)
			copy(out, record)
			return out
		}
		return record
	default:
		return record
	}
}

func (s *mockServer) Stop(ctx context.Context) {
	if s.conn == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}
}

func (s *mockServer) Addr() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.LocalAddr().String()
}

func (s *mockServer) Port() int {
	if s.conn == nil {
		return 0
	}
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Received returns how many datagrams have been read.
func (s *mockServer) Received() int64 {
	return s.received.Load()
}

func normalizeAddr(addr string) string {
	if addr == "" {
		return "127.0.0.1:0"
	}
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		return "127.0.0.1:" + port
	}
	return addr
}

func sleepUntilDone(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}
