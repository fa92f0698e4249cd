// Package bootstrap is the composition root: it connects Postgres and Valkey, runs migrations,
// wires every service to the gateway's ConnectionRegistry, and starts the background workers
// each service needs (the call timeout wheel, registered push vendors).
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper-msg/whisper-server/internal/account"
	"github.com/whisper-msg/whisper-server/internal/call"
	"github.com/whisper-msg/whisper-server/internal/config"
	"github.com/whisper-msg/whisper-server/internal/gateway"
	"github.com/whisper-msg/whisper-server/internal/group"
	"github.com/whisper-msg/whisper-server/internal/message"
	"github.com/whisper-msg/whisper-server/internal/postgres"
	"github.com/whisper-msg/whisper-server/internal/presence"
	"github.com/whisper-msg/whisper-server/internal/push"
	"github.com/whisper-msg/whisper-server/internal/ratelimit"
	"github.com/whisper-msg/whisper-server/internal/valkey"
)

// App holds every long-lived dependency the entrypoint needs: the stores to close on shutdown,
// the Gateway to drain, and the handlers the HTTP layer mounts.
type App struct {
	DB    *pgxpool.Pool
	Redis *redis.Client

	Gateway *gateway.Gateway

	cancelBackground context.CancelFunc
}

// Build connects every store, runs pending migrations, and wires the full service graph. The
// returned App.Gateway is ready to serve connections: Build itself initialises the FCM push
// handler when enabled and starts the call timeout wheel in the background.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap: migrate postgres: %w", err)
	}

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap: connect valkey: %w", err)
	}

	// The registry is both the live-connection map the gateway serves through and the
	// Delivery/Notifier every downstream service pushes frames to. It must exist before any of
	// those services are constructed.
	registry := gateway.NewRegistry(log)

	acct := account.New(db, rdb, account.Config{
		SessionTTL:          cfg.SessionTTL,
		SessionRefreshUnder: cfg.SessionRefreshUnder,
		ChallengeTTL:        cfg.ChallengeTTL,
		TimestampSkew:       time.Duration(cfg.TimestampSkewMillis) * time.Millisecond,
	}, registry, log)

	dispatcher := push.New(rdb, acct, nil, log)

	if cfg.FCMEnabled {
		if err := registerFCM(cfg.FCMCredentialsPath, log); err != nil {
			db.Close()
			return nil, fmt.Errorf("bootstrap: init fcm: %w", err)
		}
	}

	msgRepo := message.NewPGRepository(db, log)
	msgRouter := message.NewRouter(msgRepo, acct, registry, dispatcher, message.Config{
		TimestampSkew: time.Duration(cfg.TimestampSkewMillis) * time.Millisecond,
	})

	grp := group.New(db, acct, msgRepo, registry, dispatcher, log)

	cl := call.New(db, rdb, acct, registry, dispatcher, call.Config{
		TURNSharedSecret: cfg.TURNSharedSecret,
		TURNUrls:         cfg.TURNURLs,
	}, log)

	pres := presence.NewStore(rdb, log)

	limiter := ratelimit.New(rdb, ratelimit.DefaultTable(ratelimit.Config{
		WSConnectPerMin: cfg.RateLimitWSConnectPerMin,
		RegisterPerMin:  cfg.RateLimitRegisterPerMin,
		SendPerSecUser:  cfg.RateLimitSendPerSecUser,
		SendPerSecIP:    cfg.RateLimitSendPerSecIP,
		CallPerSecUser:  cfg.RateLimitCallPerSecUser,
		CallPerSecIP:    cfg.RateLimitCallPerSecIP,
		TypingPerSec:    cfg.RateLimitTypingPerSec,
	}))

	gw := gateway.New(registry, acct, msgRouter, grp, cl, pres, limiter, gateway.Config{
		MaxFrameBytes: int64(cfg.MaxFrameBytes),
		PingInterval:  cfg.PingInterval,
		PongTimeout:   cfg.PongTimeout,
	}, log)

	backgroundCtx, cancel := context.WithCancel(context.Background())
	go runWithBackoff(backgroundCtx, "call-timeout-wheel", cl.Run, log)

	return &App{
		DB:               db,
		Redis:            rdb,
		Gateway:          gw,
		cancelBackground: cancel,
	}, nil
}

// Shutdown drains the gateway, stops background workers and registered push vendors, and closes
// every store. Call order matters: the gateway must stop accepting writes before the stores it
// depends on go away.
func (a *App) Shutdown() {
	a.Gateway.Shutdown()
	a.cancelBackground()
	push.StopAll()
	a.Redis.Close()
	a.DB.Close()
}

// registerFCM reads the service account credentials from path, wraps them in the FCMHandler's
// expected config shape, and registers the handler under the "fcm" vendor name.
func registerFCM(path string, log zerolog.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fcm credentials: %w", err)
	}

	jsonConfig, err := json.Marshal(struct {
		CredentialsJSON json.RawMessage `json:"credentialsJson"`
		BufferSize      int             `json:"bufferSize"`
	}{
		CredentialsJSON: raw,
		BufferSize:      256,
	})
	if err != nil {
		return fmt.Errorf("marshal fcm config: %w", err)
	}

	handler := push.NewFCMHandler(log)
	if err := handler.Init(string(jsonConfig)); err != nil {
		return fmt.Errorf("init fcm handler: %w", err)
	}
	push.Register("fcm", handler)
	return nil
}

// runWithBackoff runs fn repeatedly, backing off exponentially between failed attempts and
// exiting cleanly once ctx is cancelled. It is used for long-lived background loops that should
// survive a transient error rather than take the process down with them.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error, log zerolog.Logger) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}
