package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestRequestHandledAttributes(t *testing.T) {
	var buf bytes.Buffer
	el := NewEventLoggerWithWriter("server", slog.LevelInfo, &buf)

	el.LogRequestHandled(context.Background(), "127.0.0.1:5555", 12, 12, 0.42, 3, 1.5)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	line := lines[0]
	if line["msg"] != "request_handled" {
		t.Fatalf("unexpected msg %v", line["msg"])
	}
	if line["component"] != "server" {
		t.Fatalf("expected component=server, got %v", line["component"])
	}
	if line["peer"] != "127.0.0.1:5555" {
		t.Fatalf("unexpected peer %v", line["peer"])
	}
	if line["received_bytes"] != float64(12) || line["sent_bytes"] != float64(12) {
		t.Fatalf("unexpected byte counts %v/%v", line["received_bytes"], line["sent_bytes"])
	}
	if _, ok := line["trace_id"]; ok {
		t.Fatal("expected no trace_id without an active span")
	}
}

func TestNonFiniteLoadIsLogged(t *testing.T) {
	tests := []struct {
		load float64
		want string
	}{
		{math.NaN(), "NaN"},
		{math.Inf(1), "+Inf"},
		{math.Inf(-1), "-Inf"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		el := NewEventLoggerWithWriter("server", slog.LevelDebug, &buf)

		el.LogRequestHandled(context.Background(), "127.0.0.1:5555", 12, 12, tt.load, 1, 0.5)
		el.LogQueryCompleted(context.Background(), "127.0.0.1:4701", 12, 12, tt.load, 1, 0.5)

		lines := decodeLines(t, &buf)
		if len(lines) != 2 {
			t.Fatalf("load %v: expected 2 log lines, got %d", tt.load, len(lines))
		}
		for _, line := range lines {
			if line["load"] != tt.want {
				t.Fatalf("%v: expected load %q, got %v", line["msg"], tt.want, line["load"])
			}
		}
	}

	var buf bytes.Buffer
	NewEventLoggerWithWriter("server", slog.LevelInfo, &buf).
		LogRequestHandled(context.Background(), "127.0.0.1:5555", 12, 12, 0.25, 1, 0.5)
	if lines := decodeLines(t, &buf); lines[0]["load"] != 0.25 {
		t.Fatalf("expected numeric load, got %v", lines[0]["load"])
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	el := NewEventLoggerWithWriter("client", slog.LevelInfo, &buf)

	el.LogQueryCompleted(context.Background(), "127.0.0.1:4701", 12, 12, 1, 1, 0.3)
	if buf.Len() != 0 {
		t.Fatalf("expected debug event to be filtered, got %q", buf.String())
	}

	el.LogQueryFailed(context.Background(), "10.0.0.1", "timeout", errors.New("no reply"))
	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["kind"] != "timeout" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNoopEventLoggerDiscards(t *testing.T) {
	el := NoopEventLogger()
	el.LogReceiveFailed(errors.New("closed"), false)
	el.LogServerStopped("test", 0)
}
