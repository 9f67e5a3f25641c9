package exchange

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bc-dunia/loadd/internal/hoststats"
)

// startServer binds a server on an ephemeral loopback port and serves it in
// the background until the test ends.
func startServer(t *testing.T, cfg ServerConfig, collector hoststats.Collector) (*Server, <-chan error) {
	t.Helper()

	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	srv := NewServer(cfg, collector)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(context.Background())
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, errCh
}

func clientFor(srv *Server, timeout time.Duration) *Client {
	return NewClient(ClientConfig{Port: srv.Addr().Port, Timeout: timeout})
}

// rawPeer is a UDP socket on loopback used to play a misbehaving server or
// a hand-rolled client.
func rawPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// freePort returns a loopback UDP port with nothing listening on it.
func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

type transitionLog[S comparable] struct {
	mu    sync.Mutex
	pairs [][2]S
}

func (l *transitionLog[S]) record(from, to S) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pairs = append(l.pairs, [2]S{from, to})
}

func (l *transitionLog[S]) snapshot() [][2]S {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][2]S(nil), l.pairs...)
}
