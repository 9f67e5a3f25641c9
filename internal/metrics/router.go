package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/bc-dunia/loadd/internal/otel"
)

// HealthFunc reports whether the UDP server is currently serving.
type HealthFunc func() bool

// NewRouter builds the scrape router: GET /metrics and GET /healthz, plus
// GET /peers, GET /peers/{addr} and the /peers/stream websocket when peers
// is non-nil. Requests are traced through the otel middleware.
func NewRouter(c *Collector, peers *PeerTracker, tracer *otel.Tracer, healthy HealthFunc) *mux.Router {
	r := mux.NewRouter()
	r.Use(otel.Middleware(tracer))

	r.Handle("/metrics", c.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "not serving")
			return
		}
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	if peers != nil {
		r.HandleFunc("/peers", func(w http.ResponseWriter, req *http.Request) {
			includeEvents := req.URL.Query().Get("events") == "true"
			writeJSON(w, http.StatusOK, peers.Snapshot(includeEvents))
		}).Methods(http.MethodGet)

		r.HandleFunc("/peers/stream", peerStreamHandler(peers)).Methods(http.MethodGet)

		r.HandleFunc("/peers/{addr}", func(w http.ResponseWriter, req *http.Request) {
			stats := peers.Peer(mux.Vars(req)["addr"])
			if stats == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown peer"})
				return
			}
			writeJSON(w, http.StatusOK, stats)
		}).Methods(http.MethodGet)
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HTTPServer runs the scrape router on its own listener.
type HTTPServer struct {
	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// StartHTTPServer listens on addr and serves handler in the background.
func StartHTTPServer(addr string, handler http.Handler) (*HTTPServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s := &HTTPServer{
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return s, nil
}

// Addr returns the bound listener address.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr().String()
}

// Shutdown stops the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server.Shutdown(ctx)
}
