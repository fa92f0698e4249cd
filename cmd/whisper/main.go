package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper-msg/whisper-server/internal/api"
	"github.com/whisper-msg/whisper-server/internal/bootstrap"
	"github.com/whisper-msg/whisper-server/internal/config"
	"github.com/whisper-msg/whisper-server/internal/httputil"
	"github.com/whisper-msg/whisper-server/internal/protocol"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("starting whisper server")

	ctx := context.Background()

	app, err := bootstrap.Build(ctx, cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	log.Info().Msg("postgres, valkey and the service graph are ready")

	fiberApp := fiber.New(fiber.Config{
		AppName: "whisper",
		// ErrorHandler catches errors returned by handlers that are not already mapped to a
		// structured response (e.g. Fiber's built-in 404/405).
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "an internal error occurred"
			code := protocol.ErrInternalError
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
				message = fiberErr.Message
				code = fiberStatusToErrorCode(fiberErr.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    code,
					Message: message,
				},
			})
		},
	})

	fiberApp.Use(requestid.New())
	fiberApp.Use(httputil.RequestLogger(log.Logger))

	health := api.NewHealthHandler(app.DB, app.Redis)
	fiberApp.Get("/health", health.Health)

	gatewayHandler := api.NewGatewayHandler(app.Gateway)
	fiberApp.Get("/ws", gatewayHandler.Upgrade)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down server")
		app.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := fiberApp.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("server listening")

	if err := fiberApp.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// fiberStatusToErrorCode maps an HTTP status from Fiber's built-in errors (404, 405, etc.) to
// the closest wire error code.
func fiberStatusToErrorCode(status int) protocol.ErrorCode {
	switch status {
	case fiber.StatusNotFound:
		return protocol.ErrNotFound
	case fiber.StatusUnauthorized:
		return protocol.ErrUnauthorized
	case fiber.StatusForbidden:
		return protocol.ErrForbidden
	case fiber.StatusTooManyRequests:
		return protocol.ErrRateLimited
	default:
		return protocol.ErrInternalError
	}
}
