package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/terra-clan/range-engine/internal/portbroker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	socketPath := os.Getenv("PORTD_SOCKET")
	if socketPath == "" {
		socketPath = "/var/run/portd/portd.sock"
	}

	// A stale socket from an unclean shutdown blocks the bind
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		slog.Error("failed to remove stale socket", "path", socketPath, "error", err)
		os.Exit(1)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		slog.Error("failed to listen on socket", "path", socketPath, "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Handler:     portbroker.NewHandler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 30 * time.Second,
	}

	go func() {
		slog.Info("portd listening", "socket", socketPath)
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("portd server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down portd")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("portd shutdown error", "error", err)
	}
	os.Remove(socketPath)
}
