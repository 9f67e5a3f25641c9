package mockserver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bc-dunia/loadd/internal/exchange"
	"github.com/bc-dunia/loadd/internal/protocol"
)

func start(t *testing.T, cfg *Config) Server {
	t.Helper()
	srv, cleanup, err := StartTestServer(cfg)
	if err != nil {
		t.Fatalf("failed to start mock server: %v", err)
	}
	t.Cleanup(cleanup)
	return srv
}

func query(srv Server, timeout time.Duration) (*exchange.Result, error) {
	client := exchange.NewClient(exchange.ClientConfig{Port: srv.Port(), Timeout: timeout})
	return client.Query(context.Background(), "127.0.0.1")
}

func TestParseBehavior(t *testing.T) {
	for _, in := range []string{"normal", "SHORT", "long", "silent", "delay", ""} {
		if _, err := ParseBehavior(in); err != nil {
			t.Errorf("ParseBehavior(%q) failed: %v", in, err)
		}
	}
	if _, err := ParseBehavior("flaky"); err == nil {
		t.Error("expected error for unknown behavior")
	}
}

func TestNormalReply(t *testing.T) {
	srv := start(t, nil)

	res, err := query(srv, time.Second)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.Record.Load != 0.5 || res.Record.Users != 1 {
		t.Fatalf("unexpected record %+v", res.Record)
	}
	if srv.Received() != 1 {
		t.Fatalf("expected 1 datagram, got %d", srv.Received())
	}
}

func TestSizeFaults(t *testing.T) {
	tests := []struct {
		behavior Behavior
		size     int
	}{
		{BehaviorShort, 4},
		{BehaviorShort, 0},
		{BehaviorLong, 16},
	}

	for _, tt := range tests {
		t.Run(string(tt.behavior), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Behavior = tt.behavior
			cfg.ReplySize = tt.size
			srv := start(t, cfg)

			_, err := query(srv, time.Second)
			pErr := protocol.AsError(err)
			if pErr == nil || pErr.Kind != protocol.KindSizeMismatch {
				t.Fatalf("expected SizeMismatch, got %v", err)
			}
			if pErr.Got != tt.size {
				t.Fatalf("expected %d bytes reported, got %d", tt.size, pErr.Got)
			}
		})
	}
}

func TestSilentTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Behavior = BehaviorSilent
	srv := start(t, cfg)

	if _, err := query(srv, 200*time.Millisecond); !protocol.IsKind(err, protocol.KindTimeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if srv.Received() != 1 {
		t.Fatalf("expected the request to arrive, got %d", srv.Received())
	}
}

func TestDelayAgainstTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Behavior = BehaviorDelay
	cfg.Delay = 150 * time.Millisecond
	srv := start(t, cfg)

	if _, err := query(srv, 50*time.Millisecond); !protocol.IsKind(err, protocol.KindTimeout) {
		t.Fatalf("expected Timeout for a short deadline, got %v", err)
	}
	if _, err := query(srv, 2*time.Second); err != nil {
		t.Fatalf("expected late reply within a long deadline, got %v", err)
	}
}

func TestPaddedLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Codec = protocol.Codec{Layout: protocol.LayoutPadded}
	srv := start(t, cfg)

	client := exchange.NewClient(exchange.ClientConfig{
		Port:    srv.Port(),
		Timeout: time.Second,
		Codec:   protocol.Codec{Layout: protocol.LayoutPadded},
	})
	res, err := client.Query(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.Record.Users != 1 {
		t.Fatalf("unexpected record %+v", res.Record)
	}
}

type failingReader struct {
	calls atomic.Int64
}

func (r *failingReader) ReadFromUDP([]byte) (int, *net.UDPAddr, error) {
	r.calls.Add(1)
	return 0, nil, errors.New("connection refused")
}

func TestReadErrorsArePaced(t *testing.T) {
	reader := &failingReader{}
	s := &mockServer{cfg: DefaultConfig(), reader: reader, done: make(chan struct{})}
	s.wg.Add(1)
	go s.loop()

	time.Sleep(100 * time.Millisecond)
	close(s.done)
	s.wg.Wait()

	calls := reader.calls.Load()
	if calls == 0 {
		t.Fatal("expected the loop to read")
	}
	if calls > 30 {
		t.Fatalf("expected paced reads after errors, got %d in 100ms", calls)
	}
}
