// Package main provides the loadd-mockserver binary: a loadd responder that
// can be told to misbehave, for testing clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bc-dunia/loadd/internal/mockserver"
	"github.com/bc-dunia/loadd/internal/protocol"
)

func main() {
	addr := flag.String("addr", fmt.Sprintf("127.0.0.1:%d", protocol.DefaultPort), "UDP listen address")
	behavior := flag.String("behavior", "normal", "Reply behavior: normal, short, long, silent or delay")
	replySize := flag.Int("reply-size", 4, "Reply length for short and long behaviors")
	delay := flag.Duration("delay", 3*time.Second, "Reply delay for the delay behavior")
	load := flag.Float64("load", 0.5, "Load average to report")
	users := flag.Int("users", 1, "User count to report")
	padded := flag.Bool("padded", false, "Use the 16-byte padded record layout")
	flag.Parse()

	b, err := mockserver.ParseBehavior(*behavior)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	config := mockserver.DefaultConfig()
	config.Addr = *addr
	config.Behavior = b
	config.ReplySize = *replySize
	config.Delay = *delay
	config.Record = protocol.StatsRecord{Load: *load, Users: int32(*users)}
	if *padded {
		config.Codec.Layout = protocol.LayoutPadded
	}

	server := mockserver.New(config)
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting mock server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Mock loadd server listening on %s (behavior: %s)\n", server.Addr(), b)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Stop(ctx)
	fmt.Printf("Mock server stopped after %d requests\n", server.Received())
}
