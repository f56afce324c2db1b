// ABOUTME: Minimal fake agent for E2E testing: serves the chat protocol over WebSocket and echoes messages with markdown.
// ABOUTME: Usage: fake-agent [-addr localhost:18789] [-name "Echo Agent"] [-token secret]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/fakeagent"
	"github.com/2389/coven-chat/internal/logging"
)

func main() {
	addr := flag.String("addr", "localhost:18789", "Listen address")
	path := flag.String("path", "/ws", "WebSocket endpoint path")
	name := flag.String("name", "Echo Agent", "Agent display name")
	token := flag.String("token", "", "Required auth token (empty accepts any)")
	delay := flag.Duration("delay", 50*time.Millisecond, "Pause between streamed deltas")
	level := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addr, *path, fakeagent.Options{Name: *name, Token: *token, Delay: *delay}, *level); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, addr, path string, opts fakeagent.Options, level string) error {
	logger := logging.New(config.LoggingConfig{Level: level, Format: "text"}, os.Stderr)
	opts.Logger = logger

	mux := http.NewServeMux()
	mux.Handle(path, fakeagent.New(opts))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fake agent listening", "url", fmt.Sprintf("ws://%s%s", addr, path), "name", opts.Name)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
