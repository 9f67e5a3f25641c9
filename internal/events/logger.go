package events

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/bc-dunia/loadd/internal/otel"
)

// EventLogger provides structured logging for loadd exchange events.
type EventLogger struct {
	logger    *slog.Logger
	component string
}

// NewEventLogger creates a new EventLogger with JSON output to stderr.
// Every event carries the component attribute ("server" or "client").
func NewEventLogger(component string, level slog.Level) *EventLogger {
	return NewEventLoggerWithWriter(component, level, os.Stderr)
}

// NewEventLoggerWithWriter creates a new EventLogger with JSON output to a custom writer.
// Useful for testing or redirecting output.
func NewEventLoggerWithWriter(component string, level slog.Level, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return &EventLogger{
		logger:    slog.New(handler).With("component", component),
		component: component,
	}
}

// ParseLevel maps a flag value to a slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func traceAttrs(ctx context.Context, args []any) []any {
	traceID, spanID := otel.GetTraceInfo(ctx)
	if traceID == "" {
		return args
	}
	return append(args, "trace_id", traceID, "span_id", spanID)
}

// LogServerStarted logs a bound server endpoint.
// event: "server_started"
// Attributes: addr, workers, fail_fast, strict
func (el *EventLogger) LogServerStarted(addr string, workers int, failFast, strict bool) {
	el.logger.Info("server_started",
		"addr", addr,
		"workers", workers,
		"fail_fast", failFast,
		"strict", strict,
	)
}

// LogServerStopped logs the end of the receive loop.
// event: "server_stopped"
// Attributes: reason, handled
func (el *EventLogger) LogServerStopped(reason string, handled int64) {
	el.logger.Info("server_stopped",
		"reason", reason,
		"handled", handled,
	)
}

// LogRequestHandled logs a completed server-side exchange.
// event: "request_handled"
// Attributes: peer, received_bytes, sent_bytes, load, users, duration_ms
func (el *EventLogger) LogRequestHandled(ctx context.Context, peer string, received, sent int, load float64, users int32, durationMs float64) {
	el.logger.InfoContext(ctx, "request_handled", traceAttrs(ctx, []any{
		"peer", peer,
		"received_bytes", received,
		"sent_bytes", sent,
		"load", finite(load),
		"users", users,
		"duration_ms", durationMs,
	})...)
}

// LogRequestDropped logs a datagram that was not answered.
// event: "request_dropped"
// Attributes: peer, received_bytes, reason
func (el *EventLogger) LogRequestDropped(ctx context.Context, peer string, received int, reason string) {
	el.logger.WarnContext(ctx, "request_dropped", traceAttrs(ctx, []any{
		"peer", peer,
		"received_bytes", received,
		"reason", reason,
	})...)
}

// LogMetricUnavailable logs a collector failure that was replaced by a sentinel.
// event: "metric_unavailable"
// Attributes: metric, sentinel, error
func (el *EventLogger) LogMetricUnavailable(ctx context.Context, metric string, sentinel any, err error) {
	el.logger.WarnContext(ctx, "metric_unavailable", traceAttrs(ctx, []any{
		"metric", metric,
		"sentinel", sentinel,
		"error", err.Error(),
	})...)
}

// LogReceiveFailed logs a failed datagram read.
// event: "receive_failed"
// Attributes: error, fatal
func (el *EventLogger) LogReceiveFailed(err error, fatal bool) {
	el.logger.Error("receive_failed",
		"error", err.Error(),
		"fatal", fatal,
	)
}

// LogSendFailed logs a failed reply.
// event: "send_failed"
// Attributes: peer, error, fatal
func (el *EventLogger) LogSendFailed(ctx context.Context, peer string, err error, fatal bool) {
	el.logger.ErrorContext(ctx, "send_failed", traceAttrs(ctx, []any{
		"peer", peer,
		"error", err.Error(),
		"fatal", fatal,
	})...)
}

// LogQueryCompleted logs a successful client query.
// event: "query_completed"
// Attributes: responder, sent_bytes, received_bytes, load, users, rtt_ms
func (el *EventLogger) LogQueryCompleted(ctx context.Context, responder string, sent, received int, load float64, users int32, rttMs float64) {
	el.logger.DebugContext(ctx, "query_completed", traceAttrs(ctx, []any{
		"responder", responder,
		"sent_bytes", sent,
		"received_bytes", received,
		"load", finite(load),
		"users", users,
		"rtt_ms", rttMs,
	})...)
}

// LogReplyIgnored logs a datagram from an endpoint other than the queried server.
// event: "reply_ignored"
// Attributes: from, received_bytes
func (el *EventLogger) LogReplyIgnored(ctx context.Context, from string, received int) {
	el.logger.DebugContext(ctx, "reply_ignored", traceAttrs(ctx, []any{
		"from", from,
		"received_bytes", received,
	})...)
}

// LogQueryFailed logs a failed client query.
// event: "query_failed"
// Attributes: server, kind, error
func (el *EventLogger) LogQueryFailed(ctx context.Context, server, kind string, err error) {
	el.logger.WarnContext(ctx, "query_failed", traceAttrs(ctx, []any{
		"server", server,
		"kind", kind,
		"error", err.Error(),
	})...)
}

// LogPeersPruned logs a retention pass that dropped idle peers.
// event: "peers_pruned"
// Attributes: removed, idle_ttl
func (el *EventLogger) LogPeersPruned(removed int, idleTTL time.Duration) {
	el.logger.Info("peers_pruned",
		"removed", removed,
		"idle_ttl", idleTTL.String(),
	)
}

// NoopEventLogger returns an event logger that discards all events.
// Useful for testing or when event logging is disabled.
func NoopEventLogger() *EventLogger {
	handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &EventLogger{
		logger: slog.New(handler),
	}
}

// finite keeps finite floats as numbers and renders NaN and the infinities
// as strings, which the JSON handler can encode.
func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return f
}
