package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/socket-chat/internal/bus"
	"github.com/whisper/socket-chat/internal/chat"
	"github.com/whisper/socket-chat/internal/config"
	"github.com/whisper/socket-chat/internal/event"
	"github.com/whisper/socket-chat/internal/logging"
	"github.com/whisper/socket-chat/internal/messaging"
	"github.com/whisper/socket-chat/internal/metrics"
	"github.com/whisper/socket-chat/internal/presence"
	"github.com/whisper/socket-chat/internal/ratelimit"
	"github.com/whisper/socket-chat/internal/session"
	"github.com/whisper/socket-chat/internal/typing"
	"github.com/whisper/socket-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	serverName := cfg.Server.Name
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	// --- Redis ---
	var rdb *redis.Client
	usesRedis := cfg.Bus.Driver == "redis" || cfg.Bus.PresenceDriver == "redis" || cfg.Bus.TypingDriver == "redis"
	if usesRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			logging.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to Redis")
		}
	}

	// --- Message store ---
	var store chat.Store = chat.NewMemoryStore()
	if cfg.Database.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		pg, err := chat.OpenPostgres(ctx, cfg.Database.URL)
		cancel()
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to open message store")
		}
		store = pg
	}

	// --- Fan-out bus ---
	var embedded *messaging.EmbeddedServer
	var b bus.Bus
	switch cfg.Bus.Driver {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		b, err = bus.NewRedisBus(ctx, &redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, cfg.Bus.Prefix)
		cancel()
	case "nats":
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = serverName
		if cfg.NATS.Embedded {
			embedded, err = messaging.StartEmbedded(messaging.EmbeddedConfig{})
			if err != nil {
				logging.Fatal().Err(err).Msg("failed to start embedded NATS")
			}
			natsConfig.URL = embedded.ClientURL()
		}
		b, err = bus.NewNATSBus(natsConfig, cfg.Bus.Prefix)
	default:
		b = bus.NewLocalBus()
	}
	if err != nil {
		logging.Fatal().Err(err).Str("driver", cfg.Bus.Driver).Msg("failed to start bus")
	}
	b.OnError(func(err error) {
		logging.Error().Err(err).Str("driver", cfg.Bus.Driver).Msg("bus error")
	})

	// --- Presence, typing, sessions ---
	var registry presence.Registry = presence.NewLocalRegistry()
	if cfg.Bus.PresenceDriver == "redis" {
		registry = presence.NewRedisRegistry(rdb)
	}

	var typingStore typing.Store = typing.NewMemoryStore()
	if cfg.Bus.TypingDriver == "redis" {
		typingStore = typing.NewRedisStore(rdb, typing.DefaultKey)
	}

	var limiter chat.Limiter
	var sessions *session.Store
	if rdb != nil {
		limiter = ratelimit.NewLimiter(rdb)
		sessions = session.NewStore(rdb, serverName)
	}

	var auth session.Authenticator
	if cfg.Auth.Secret != "" {
		jwtAuth, err := session.NewJWTAuthenticator(cfg.Auth.Secret, cfg.Auth.Cookie)
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to create authenticator")
		}
		auth = jwtAuth
	} else {
		logging.Warn().Msg("AUTH_SECRET is empty, every connection is anonymous")
	}

	// --- Events and server ---
	svc := chat.NewService(store, registry, typingStore, limiter)
	events, err := event.NewRegistry(svc.Events()...)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to register events")
	}

	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.Server.ListenAddr,
		SocketPath:     cfg.Server.SocketPath,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		PingInterval:   cfg.Server.PingInterval,
		PingTimeout:    cfg.Server.PingTimeout,
		MaxPayload:     cfg.Server.MaxPayload,
	}, events, session.NewMiddleware(auth, registry, sessions), b)
	server.Relay(chat.BroadcastEvents...)

	scheduler := typing.NewScheduler(typingStore, typing.SchedulerConfig{
		Interval: cfg.Typing.Interval,
		Timeout:  cfg.Typing.Timeout,
	}, svc.BroadcastTyping(server))
	scheduler.Start(context.Background())

	// --- Metrics ---
	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	logging.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Str("socket_path", cfg.Server.SocketPath).
		Str("bus", cfg.Bus.Driver).
		Str("presence", cfg.Bus.PresenceDriver).
		Str("typing", cfg.Bus.TypingDriver).
		Bool("postgres", cfg.Database.URL != "").
		Str("metrics_addr", cfg.Metrics.Addr).
		Str("server_name", serverName).
		Msg("chat server starting")

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			logging.Error().Err(err).Msg("server error")
			exitCode = 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	scheduler.Stop()
	if err := server.Shutdown(ctx); err != nil {
		logging.Warn().Err(err).Msg("server shutdown")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}
	if err := b.Close(); err != nil {
		logging.Warn().Err(err).Msg("bus close")
	}
	if embedded != nil {
		embedded.Shutdown()
	}
	if err := store.Close(); err != nil {
		logging.Warn().Err(err).Msg("message store close")
	}
	if rdb != nil {
		_ = rdb.Close()
	}

	logging.Info().Msg("chat server stopped")
	os.Exit(exitCode)
}
