package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/bc-dunia/loadd/internal/config"
	"github.com/bc-dunia/loadd/internal/events"
	"github.com/bc-dunia/loadd/internal/exchange"
	"github.com/bc-dunia/loadd/internal/protocol"
)

const banner = "\n" +
	"  _              _      _ \n" +
	" | |___  __ _ __| |  __| |__ _ ___ _ __  ___ _ _ \n" +
	" | / _ \\/ _` / _` | / _` / _` / -_) '  \\/ _ \\ ' \\ \n" +
	" |_\\___/\\__,_\\__,_| \\__,_\\__,_\\___|_|_|_\\___/_||_|\n" +
	"              _           _  \n" +
	"           __| (_)___ _ _| |_ \n" +
	"          / _| | / -_) ' \\  _|\n" +
	"          \\__|_|_\\___|_||_\\__|\n\n"

type jsonResult struct {
	Server    string  `json:"server"`
	Responder string  `json:"responder"`
	Load      jsonLoad `json:"load"`
	Users     int32   `json:"users"`
	RTTMs     float64 `json:"rtt_ms"`
}

// jsonLoad encodes NaN and the infinities as strings, which encoding/json
// rejects as numbers.
type jsonLoad float64

func (l jsonLoad) MarshalJSON() ([]byte, error) {
	f := float64(l)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return json.Marshal(strconv.FormatFloat(f, 'g', -1, 64))
	}
	return json.Marshal(f)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("loadd-client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	port := fs.Int("port", config.DefaultPort, "Server UDP port")
	timeout := fs.Duration("timeout", config.DefaultQueryTimeout, "How long to wait for the reply")
	padded := fs.Bool("padded", false, "Use the 16-byte padded record layout")
	noBanner := fs.Bool("no-banner", false, "Do not print the banner")
	jsonOut := fs.Bool("json", false, "Print the result as JSON")
	logLevel := fs.String("log-level", "error", "Level for JSON events on stderr: debug, info, warn, error")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s [flags] <IP of the loadd server>\n", fs.Name())
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if !*noBanner && !*jsonOut {
		fmt.Fprint(stdout, banner)
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	server := fs.Arg(0)
	if _, err := exchange.ParseServerAddress(server); err != nil {
		fmt.Fprintf(stderr, "Invalid IP address: %s\n", server)
		fs.Usage()
		return 1
	}
	if *port < 1 || *port > 65535 {
		fmt.Fprintf(stderr, "Invalid port: %d\n", *port)
		fs.Usage()
		return 1
	}

	cfg := exchange.DefaultClientConfig()
	cfg.Port = *port
	cfg.Timeout = *timeout
	if *padded {
		cfg.Codec.Layout = protocol.LayoutPadded
	}

	client := exchange.NewClient(cfg)
	client.SetEventLogger(events.NewEventLoggerWithWriter("client", events.ParseLevel(*logLevel), stderr))

	res, err := client.Query(ctx, server)
	if err != nil {
		printQueryError(stderr, err)
		return 1
	}

	if *jsonOut {
		out := jsonResult{
			Server:    server,
			Responder: res.Responder.IP.String(),
			Load:      jsonLoad(res.Record.Load),
			Users:     res.Record.Users,
			RTTMs:     float64(res.RTT.Microseconds()) / 1000,
		}
		if err := json.NewEncoder(stdout).Encode(out); err != nil {
			fmt.Fprintf(stderr, "Failed to write result: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "[+] Load stats (%s)\n", res.Responder.IP)
	fmt.Fprintf(stdout, "\tAvg. CPU load (1min): %f\n", res.Record.Load)
	fmt.Fprintf(stdout, "\tLogged in users: %d\n", res.Record.Users)
	return 0
}

func printQueryError(w io.Writer, err error) {
	pErr := protocol.AsError(err)
	if pErr == nil {
		fmt.Fprintf(w, "Query failed: %v\n", err)
		return
	}

	switch pErr.Kind {
	case protocol.KindSizeMismatch:
		fmt.Fprintf(w, "Expected %d bytes but received %d from: %s\n", pErr.Expected, pErr.Got, pErr.Addr)
	case protocol.KindTimeout:
		fmt.Fprintf(w, "No reply from %s: %v\n", pErr.Addr, pErr.Cause)
	default:
		fmt.Fprintf(w, "Query failed: %v\n", err)
	}
}
