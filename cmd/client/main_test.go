package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bc-dunia/loadd/internal/exchange"
	"github.com/bc-dunia/loadd/internal/hoststats"
	"github.com/bc-dunia/loadd/internal/mockserver"
	"github.com/bc-dunia/loadd/internal/protocol"
)

func startTestServer(t *testing.T, collector hoststats.Collector) int {
	t.Helper()
	srv := exchange.NewServer(exchange.ServerConfig{BindAddress: "127.0.0.1"}, collector)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	go srv.Serve(context.Background())
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv.Addr().Port
}

func TestRunPrintsStats(t *testing.T) {
	port := startTestServer(t, &hoststats.Static{Load: 0.42, Users: 3})

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-port", strconv.Itoa(port), "127.0.0.1"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", code, stderr.String())
	}

	out := stdout.String()
	if !strings.HasPrefix(out, banner) {
		t.Errorf("expected banner first, got:\n%s", out)
	}
	for _, want := range []string{
		"[+] Load stats (127.0.0.1)",
		"\tAvg. CPU load (1min): 0.420000",
		"\tLogged in users: 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunJSON(t *testing.T) {
	port := startTestServer(t, &hoststats.Static{Load: 1.5, Users: 2})

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-json", "-port", strconv.Itoa(port), "127.0.0.1"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", code, stderr.String())
	}

	var got jsonResult
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if got.Load != 1.5 || got.Users != 2 || got.Responder != "127.0.0.1" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestRunJSONNonFiniteLoad(t *testing.T) {
	tests := []struct {
		name string
		load float64
		want string
	}{
		{"NaN", math.NaN(), "NaN"},
		{"PosInf", math.Inf(1), "+Inf"},
		{"NegInf", math.Inf(-1), "-Inf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, cleanup, err := mockserver.StartTestServer(&mockserver.Config{
				Addr:   "127.0.0.1:0",
				Record: protocol.StatsRecord{Load: tt.load, Users: 4},
			})
			if err != nil {
				t.Fatalf("StartTestServer failed: %v", err)
			}
			defer cleanup()

			var stdout, stderr bytes.Buffer
			code := run(context.Background(), []string{"-json", "-port", strconv.Itoa(srv.Port()), "127.0.0.1"}, &stdout, &stderr)
			if code != 0 {
				t.Fatalf("expected exit 0, got %d (stderr: %s)", code, stderr.String())
			}

			var got map[string]any
			if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
				t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
			}
			if got["load"] != tt.want {
				t.Fatalf("expected load %q, got %v", tt.want, got["load"])
			}
			if got["users"] != float64(4) {
				t.Fatalf("expected 4 users, got %v", got["users"])
			}
		})
	}
}

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"NoArgument", nil},
		{"TooManyArguments", []string{"127.0.0.1", "127.0.0.2"}},
		{"Hostname", []string{"localhost"}},
		{"Garbage", []string{"1.2.3.999"}},
		{"PortTooLarge", []string{"-port", "70000", "127.0.0.1"}},
		{"PortNegative", []string{"-port", "-1", "127.0.0.1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), append([]string{"-no-banner"}, tt.args...), &stdout, &stderr)
			if code != 1 {
				t.Fatalf("expected exit 1, got %d", code)
			}
			if !strings.Contains(stderr.String(), "Usage:") {
				t.Fatalf("expected usage message, got %q", stderr.String())
			}
			if stdout.Len() != 0 {
				t.Fatalf("expected nothing on stdout, got %q", stdout.String())
			}
		})
	}
}

func TestRunTimeout(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	var stdout, stderr bytes.Buffer
	start := time.Now()
	code := run(context.Background(), []string{"-no-banner", "-timeout", "200ms", "-port", strconv.Itoa(port), "127.0.0.1"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Fatalf("returned before the timeout elapsed")
	}
	if !strings.Contains(stderr.String(), "No reply from") {
		t.Fatalf("expected timeout message, got %q", stderr.String())
	}
}

func TestRunSizeMismatch(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer conn.Close()
	go func() {
		buf := make([]byte, 64)
		_, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		conn.WriteToUDP([]byte{1, 2, 3, 4}, peer)
	}()

	var stdout, stderr bytes.Buffer
	port := conn.LocalAddr().(*net.UDPAddr).Port
	code := run(context.Background(), []string{"-no-banner", "-port", strconv.Itoa(port), "127.0.0.1"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Expected 12 bytes but received 4 from: 127.0.0.1") {
		t.Fatalf("unexpected error output %q", stderr.String())
	}
}
