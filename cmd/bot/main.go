package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canteen/internal/bot"
	"canteen/internal/canteenapi"
	"canteen/internal/config"
	"canteen/internal/events"
	"canteen/internal/lifecycle"
	"canteen/internal/metrics"
	"canteen/internal/store"
	"canteen/internal/tracing"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	cfg, err := config.Load(os.Getenv(config.PathEnv))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil && cfg.Logging.Level != "" {
		logger = logger.Level(lvl)
	}

	if cfg.Telegram.BotToken == "" || cfg.Telegram.BotToken == "YOUR_BOT_TOKEN_HERE" {
		logger.Fatal().Msg("set telegram.bot_token in config")
	}

	if shutdown := tracing.Init(cfg.ServiceName(), cfg.Tracing.Endpoint); shutdown != nil {
		defer shutdown()
	}

	database, err := store.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer database.Close()

	client := canteenapi.NewClient(cfg.API.BaseURL, cfg.APITimeout())
	client.UseLogger(logger)
	if cfg.API.RateLimitPerSecond > 0 {
		client.UseRateLimit(cfg.API.RateLimitPerSecond, cfg.API.RateLimitBurst)
	}

	var guard lifecycle.Guard
	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if ttl := cfg.CacheTTL(); ttl > 0 {
			client.UseRedisCache(rdb, ttl)
		}
		guard = lifecycle.NewRedisGuard(rdb, "")
	}

	bus := events.NewEventBus()
	subscribeLogging(bus, &logger)

	b, err := bot.New(cfg.Telegram.BotToken, client, database, bot.Options{
		OperationTimeout: cfg.OperationTimeout(),
		DefaultDuration:  cfg.DefaultDuration(),
		Guard:            guard,
		Bus:              bus,
		Debug:            cfg.Telegram.Debug,
	}, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create bot error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go startHealthServer(ctx, cfg.HealthPort(), database, rdb, client, &logger)

	if cfg.Backup.Enabled && cfg.Database.Path != ":memory:" {
		backups := store.NewBackupService(database, store.BackupOptions{
			Dir:       cfg.BackupDir(),
			Interval:  cfg.BackupInterval(),
			Retention: cfg.BackupRetention(),
		}, &logger)
		go backups.Start(ctx)
	}

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		go startMetricsServer(ctx, cfg.MetricsPort(), &logger)
	}

	logger.Info().Str("api", cfg.API.BaseURL).Msg("Canteen bot started")
	b.Start(ctx)
}

// subscribeLogging writes failed and completed reservation operations to the
// log. Transitions are already logged at debug level by the lifecycle.
func subscribeLogging(bus *events.EventBus, logger *zerolog.Logger) {
	l := logger.With().Str("component", "events").Logger()
	bus.Subscribe(events.TypeFailed, func(e events.Event) error {
		l.Warn().Err(e.Err).Str("table_id", e.TableID).Str("reservation_id", e.ReservationID).Msg("reservation operation failed")
		return nil
	})
	for _, typ := range []string{events.TypeCreated, events.TypeActivated, events.TypeCancelled} {
		bus.Subscribe(typ, func(e events.Event) error {
			l.Info().Str("type", e.Type).Str("table_id", e.TableID).Str("reservation_id", e.ReservationID).Send()
			return nil
		})
	}
}

func startHealthServer(ctx context.Context, port int, database *store.DB, rdb *redis.Client, api *canteenapi.Client, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := database.PingContext(ctxPing); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		if err := api.HealthCheck(ctxPing); err != nil {
			http.Error(w, "canteen api not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("health server error")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
