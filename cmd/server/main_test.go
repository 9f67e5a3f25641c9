package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bc-dunia/loadd/internal/exchange"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// waitFor polls out until re matches and returns the first submatch.
func waitFor(t *testing.T, out *syncBuffer, re *regexp.Regexp) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m := re.FindStringSubmatch(out.String()); m != nil {
			return m[1]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output never matched %s:\n%s", re, out.String())
	return ""
}

func TestParseFlagsRejectsArguments(t *testing.T) {
	if _, err := parseFlags([]string{"extra"}, io.Discard); err == nil {
		t.Fatal("expected error for positional argument")
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loadd.yaml")
	data := "port: 5000\nworkers: 8\nstrict_request_size: true\nlog:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	opts, err := parseFlags([]string{"-config", path, "-workers", "2", "-no-banner"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}

	if cfg.Port != 5000 {
		t.Errorf("expected port from file, got %d", cfg.Port)
	}
	if cfg.Workers != 2 {
		t.Errorf("expected workers from flag, got %d", cfg.Workers)
	}
	if !cfg.StrictRequestSize {
		t.Error("expected strict_request_size from file")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level from file, got %q", cfg.Log.Level)
	}
	if cfg.BannerEnabled() {
		t.Error("expected banner disabled by flag")
	}
}

func TestLoadConfigRejectsBadFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-bind", "::1"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if _, err := loadConfig(opts); err == nil {
		t.Fatal("expected IPv6 bind address to be rejected")
	}
}

func TestRunRejectsUnknownExporter(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-no-banner", "-port", "0", "-otel-exporter", "zipkin"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "unknown exporter type") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stdout := &syncBuffer{}
	stderr := &syncBuffer{}
	args := []string{
		"-bind", "127.0.0.1",
		"-port", "0",
		"-static-load", "0.42",
		"-static-users", "3",
		"-metrics-addr", "127.0.0.1:0",
	}

	codeCh := make(chan int, 1)
	go func() { codeCh <- run(ctx, args, stdout, stderr) }()

	udpAddr := waitFor(t, stdout, regexp.MustCompile(`listening on (\S+) \(udp`))
	metricsAddr := waitFor(t, stdout, regexp.MustCompile(`http://(\S+)/metrics`))

	if !strings.HasPrefix(stdout.String(), banner) {
		t.Errorf("expected banner first, got:\n%s", stdout.String())
	}

	_, portStr, err := net.SplitHostPort(udpAddr)
	if err != nil {
		t.Fatalf("bad address %q: %v", udpAddr, err)
	}
	port, err := net.LookupPort("udp", portStr)
	if err != nil {
		t.Fatalf("bad port %q: %v", portStr, err)
	}

	res, err := exchange.NewClient(exchange.ClientConfig{Port: port, Timeout: time.Second}).Query(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.Record.Load != 0.42 || res.Record.Users != 3 {
		t.Fatalf("unexpected record %+v", res.Record)
	}

	resp, err := http.Get("http://" + metricsAddr + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case code := <-codeCh:
		if code != 0 {
			t.Fatalf("expected exit 0, got %d (stderr: %s)", code, stderr.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	if !strings.Contains(stdout.String(), "Server stopped") {
		t.Errorf("expected shutdown message, got:\n%s", stdout.String())
	}
	if !strings.Contains(stderr.String(), `"msg":"request_handled"`) {
		t.Errorf("expected request_handled event, got:\n%s", stderr.String())
	}
}

func TestRunGuardsHTTPWithAPIKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loadd.yaml")
	data := "metrics:\n  api_keys: [scrape-secret]\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stdout := &syncBuffer{}
	args := []string{"-config", path, "-no-banner", "-bind", "127.0.0.1", "-port", "0", "-static-load", "1", "-metrics-addr", "127.0.0.1:0"}
	codeCh := make(chan int, 1)
	go func() { codeCh <- run(ctx, args, stdout, io.Discard) }()

	waitFor(t, stdout, regexp.MustCompile(`listening on (\S+) \(udp`))
	metricsAddr := waitFor(t, stdout, regexp.MustCompile(`http://(\S+)/metrics`))

	get := func(path, key string) int {
		req, _ := http.NewRequest(http.MethodGet, "http://"+metricsAddr+path, nil)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := get("/healthz", ""); code != http.StatusOK {
		t.Errorf("expected open healthz, got %d", code)
	}
	if code := get("/peers", ""); code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", code)
	}
	if code := get("/peers", "scrape-secret"); code != http.StatusOK {
		t.Errorf("expected 200 with key, got %d", code)
	}
	if code := get("/metrics", "scrape-secret"); code != http.StatusOK {
		t.Errorf("expected 200 for metrics with key, got %d", code)
	}

	cancel()
	select {
	case code := <-codeCh:
		if code != 0 {
			t.Fatalf("expected exit 0, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
