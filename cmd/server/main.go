// R++ bridge server — an OpenAI-compatible HTTP facade for R1 devices
// reachable only over a persistent websocket.
//
// It provides:
//   - OpenAI chat-completion and text-to-speech endpoints per device
//   - Request/response correlation against asynchronous device replies
//   - Device PIN authentication and management
//   - MCP tool-server connections with health-checked reconnection

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/server"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("R++ bridge starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", srv.Port),
		Handler:     srv.Handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: chat and speech handlers hold the response
		// open for up to the device reply budget, and /ws is long-lived.
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()
		httpServer.Shutdown(shutdownCtx)
		srv.ShutdownFunc(shutdownCtx)
		cancel()
	}()

	log.Info().
		Int("port", srv.Port).
		Msg("R++ bridge is ready for devices")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
