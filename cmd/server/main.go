package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bc-dunia/loadd/internal/auth"
	"github.com/bc-dunia/loadd/internal/config"
	"github.com/bc-dunia/loadd/internal/events"
	"github.com/bc-dunia/loadd/internal/exchange"
	"github.com/bc-dunia/loadd/internal/hoststats"
	"github.com/bc-dunia/loadd/internal/metrics"
	"github.com/bc-dunia/loadd/internal/otel"
	"github.com/bc-dunia/loadd/internal/protocol"
	"github.com/bc-dunia/loadd/internal/retention"
)

const banner = "\n" +
	"  _              _      _\n" +
	" | |___  __ _ __| |  __| |__ _ ___ _ __  ___ _ _\n" +
	" | / _ \\/ _` / _` | / _` / _` / -_) '  \\/ _ \\ ' \\\n" +
	" |_\\___/\\__,_\\__,_| \\__,_\\__,_\\___|_|_|_\\___/_||_|\n" +
	"             ___ ___ _ ___ _____ _ _\n" +
	"            (_-</ -_) '_\\ V / -_) '_|\n" +
	"            /__/\\___|_|  \\_/\\___|_|\n\n"

// options holds the command-line flags. Flags left unset keep the value from
// the config file.
type options struct {
	configPath   string
	bind         string
	port         int
	workers      int
	failFast     bool
	strict       bool
	padded       bool
	usersSource  string
	staticLoad   float64
	staticUsers  int
	metricsAddr  string
	noBanner     bool
	logLevel     string
	otelExporter string
	otelEndpoint string
	otelInsecure bool

	set map[string]bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{set: make(map[string]bool)}

	fs := flag.NewFlagSet("loadd-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&opts.bind, "bind", config.DefaultBindAddress, "IPv4 address to bind")
	fs.IntVar(&opts.port, "port", config.DefaultPort, "UDP port to bind")
	fs.IntVar(&opts.workers, "workers", config.DefaultWorkers, "Datagrams handled concurrently")
	fs.BoolVar(&opts.failFast, "fail-fast", false, "Stop serving on the first receive or send error")
	fs.BoolVar(&opts.strict, "strict", false, "Drop requests that are not exactly one record long")
	fs.BoolVar(&opts.padded, "padded", false, "Use the 16-byte padded record layout")
	fs.StringVar(&opts.usersSource, "users-source", string(hoststats.UsersSourceUtmp), "Where to count users: utmp or who")
	fs.Float64Var(&opts.staticLoad, "static-load", 0, "Report this fixed load instead of reading the host")
	fs.IntVar(&opts.staticUsers, "static-users", 0, "Report this fixed user count instead of reading the host")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /metrics, /healthz and /peers on this address (empty = off)")
	fs.BoolVar(&opts.noBanner, "no-banner", false, "Do not print the banner")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&opts.otelExporter, "otel-exporter", string(otel.ExporterNone), "OpenTelemetry exporter: none, stdout, otlp-grpc, otlp-http")
	fs.StringVar(&opts.otelEndpoint, "otel-endpoint", "", "OTLP collector endpoint")
	fs.BoolVar(&opts.otelInsecure, "otel-insecure", false, "Disable TLS for the OTLP exporter")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return opts, nil
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(opts *options) (*config.ServerFile, error) {
	cfg, err := config.LoadServerFile(opts.configPath)
	if err != nil {
		return nil, err
	}

	if opts.set["bind"] {
		cfg.Bind = opts.bind
	}
	if opts.set["port"] {
		cfg.Port = opts.port
	}
	if opts.set["workers"] {
		cfg.Workers = opts.workers
	}
	if opts.set["fail-fast"] {
		cfg.FailFast = opts.failFast
	}
	if opts.set["strict"] {
		cfg.StrictRequestSize = opts.strict
	}
	if opts.set["padded"] {
		cfg.PaddedLayout = opts.padded
	}
	if opts.set["users-source"] {
		cfg.Collector.UsersSource = opts.usersSource
	}
	if opts.set["metrics-addr"] {
		cfg.Metrics.Listen = opts.metricsAddr
	}
	if opts.set["no-banner"] {
		enabled := !opts.noBanner
		cfg.Banner = &enabled
	}
	if opts.set["log-level"] {
		cfg.Log.Level = opts.logLevel
	}
	if opts.set["otel-exporter"] {
		cfg.Telemetry.Exporter = opts.otelExporter
	}
	if opts.set["otel-endpoint"] {
		cfg.Telemetry.Endpoint = opts.otelEndpoint
	}
	if opts.set["otel-insecure"] {
		cfg.Telemetry.Insecure = opts.otelInsecure
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildCollector(cfg *config.ServerFile, opts *options) (hoststats.Collector, error) {
	var collector hoststats.Collector
	if opts.set["static-load"] || opts.set["static-users"] {
		collector = &hoststats.Static{Load: opts.staticLoad, Users: int32(opts.staticUsers)}
	} else {
		sys, err := hoststats.NewSystemCollector(hoststats.SystemConfig{
			LoadFile:    cfg.Collector.LoadFile,
			UsersSource: hoststats.UsersSource(cfg.Collector.UsersSource),
			WhoPath:     cfg.Collector.WhoPath,
		})
		if err != nil {
			return nil, err
		}
		collector = sys
	}

	if cfg.Collector.Serialize {
		collector = hoststats.NewSerialized(collector)
	}
	return collector, nil
}

func buildTelemetry(ctx context.Context, cfg *config.ServerFile) (*otel.Tracer, *otel.Metrics, error) {
	exporter, err := otel.ParseExporterType(cfg.Telemetry.Exporter)
	if err != nil {
		return nil, nil, err
	}
	if exporter == otel.ExporterNone {
		return otel.NoopTracer(), otel.NoopMetrics(), nil
	}

	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:      true,
		ServiceName:  cfg.Telemetry.ServiceName,
		ExporterType: exporter,
		OTLPEndpoint: cfg.Telemetry.Endpoint,
		OTLPInsecure: cfg.Telemetry.Insecure,
		SampleRate:   cfg.Telemetry.SampleRate,
		Attributes:   cfg.Telemetry.Attributes,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating tracer: %w", err)
	}

	m, err := otel.NewMetrics(ctx, &otel.MetricsConfig{
		Enabled:      true,
		ServiceName:  cfg.Telemetry.ServiceName,
		ExporterType: exporter,
		OTLPEndpoint: cfg.Telemetry.Endpoint,
		OTLPInsecure: cfg.Telemetry.Insecure,
		Attributes:   cfg.Telemetry.Attributes,
	})
	if err != nil {
		tracer.Shutdown(ctx)
		return nil, nil, fmt.Errorf("creating metrics: %w", err)
	}
	return tracer, m, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}

	if cfg.BannerEnabled() {
		fmt.Fprint(stdout, banner)
	}

	logger := events.NewEventLoggerWithWriter("server", events.ParseLevel(cfg.Log.Level), stderr)

	collector, err := buildCollector(cfg, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error creating collector: %v\n", err)
		return 1
	}

	tracer, otelMetrics, err := buildTelemetry(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error setting up telemetry: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
		defer cancel()
		otelMetrics.Shutdown(shutdownCtx)
		tracer.Shutdown(shutdownCtx)
	}()

	serverCfg := exchange.ServerConfig{
		BindAddress:       cfg.Bind,
		Port:              cfg.Port,
		Workers:           cfg.Workers,
		CollectTimeout:    cfg.CollectTimeout,
		FailFast:          cfg.FailFast,
		StrictRequestSize: cfg.StrictRequestSize,
		MaxDatagramSize:   cfg.MaxDatagramSize,
	}
	if cfg.PaddedLayout {
		serverCfg.Codec.Layout = protocol.LayoutPadded
	}

	srv := exchange.NewServer(serverCfg, collector)
	srv.SetEventLogger(logger)
	srv.SetTracer(tracer)
	srv.SetMetrics(otelMetrics)

	if cfg.Metrics.Listen != "" {
		scrape := metrics.NewCollector()
		peers := metrics.NewPeerTracker()
		srv.SetPrometheus(scrape)
		srv.SetPeerTracker(peers)

		janitor := retention.NewManager(retention.Config{PeerIdleTTL: cfg.Metrics.PeerIdleTTL}, peers, logger)
		janitor.Start()
		defer janitor.Stop()

		guard := auth.New(auth.ConfigForKeys(cfg.Metrics.APIKeys))
		router := guard.Handler(metrics.NewRouter(scrape, peers, tracer, srv.IsServing))
		httpSrv, err := metrics.StartHTTPServer(cfg.Metrics.Listen, router)
		if err != nil {
			fmt.Fprintf(stderr, "Error starting metrics endpoint: %v\n", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
		}()
		fmt.Fprintf(stdout, "Metrics endpoint listening on http://%s/metrics\n", httpSrv.Addr())
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(stderr, "Error starting server: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "loadd server listening on %s (udp, %s layout)\n", srv.Addr(), serverCfg.Codec.Layout)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(stderr, "Server stopped: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		fmt.Fprintln(stdout, "\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(stderr, "Error during shutdown: %v\n", err)
			return 1
		}
		if err := <-errCh; err != nil {
			fmt.Fprintf(stderr, "Server stopped: %v\n", err)
			return 1
		}
	}

	fmt.Fprintln(stdout, "Server stopped")
	return 0
}
