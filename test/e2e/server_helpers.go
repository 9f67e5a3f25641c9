package e2e

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bc-dunia/loadd/internal/events"
	"github.com/bc-dunia/loadd/internal/exchange"
	"github.com/bc-dunia/loadd/internal/hoststats"
	"github.com/bc-dunia/loadd/internal/metrics"
	"github.com/bc-dunia/loadd/internal/otel"
)

// TestServer is a loadd server on an ephemeral loopback port together with
// its event log and Prometheus scrape endpoint.
type TestServer struct {
	*exchange.Server

	Events  *EventRecorder
	Scrape  *metrics.Collector
	Peers   *metrics.PeerTracker
	Metrics *httptest.Server

	serveErr chan error
}

// StartTestServer binds cfg on 127.0.0.1 with an ephemeral port and serves
// until the test ends.
func StartTestServer(t *testing.T, cfg exchange.ServerConfig, collector hoststats.Collector) *TestServer {
	t.Helper()

	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0

	ts := &TestServer{
		Server:   exchange.NewServer(cfg, collector),
		Events:   &EventRecorder{},
		Scrape:   metrics.NewCollector(),
		Peers:    metrics.NewPeerTracker(),
		serveErr: make(chan error, 1),
	}
	ts.SetEventLogger(events.NewEventLoggerWithWriter("server", slog.LevelDebug, ts.Events))
	ts.SetPrometheus(ts.Scrape)
	ts.SetPeerTracker(ts.Peers)
	ts.Metrics = httptest.NewServer(metrics.NewRouter(ts.Scrape, ts.Peers, otel.NoopTracer(), ts.IsServing))

	if err := ts.Start(); err != nil {
		ts.Metrics.Close()
		t.Fatalf("failed to start server: %v", err)
	}
	go func() {
		ts.serveErr <- ts.Serve(context.Background())
	}()

	t.Cleanup(func() {
		ts.Shutdown(t)
		ts.Metrics.Close()
	})
	return ts
}

// Port returns the bound UDP port.
func (ts *TestServer) Port() int {
	return ts.Addr().Port
}

// Shutdown stops the server and returns the Serve result. Safe to call more
// than once.
func (ts *TestServer) Shutdown(t *testing.T) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case err := <-ts.serveErr:
		ts.serveErr <- err
		return err
	case <-ctx.Done():
		t.Fatal("Serve did not return after Stop")
		return nil
	}
}

// NewTestClient returns a client aimed at ts.
func NewTestClient(ts *TestServer, timeout time.Duration) *exchange.Client {
	return exchange.NewClient(exchange.ClientConfig{Port: ts.Port(), Timeout: timeout})
}
