package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/splax/shipyard/internal/app/migrate"
	httpx "github.com/splax/shipyard/internal/http"
	"github.com/splax/shipyard/internal/ingest"
	"github.com/splax/shipyard/internal/launcher"
	"github.com/splax/shipyard/internal/launcher/docker"
	"github.com/splax/shipyard/internal/launcher/kubernetes"
	"github.com/splax/shipyard/internal/repository/postgres"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/internal/service/logs"
	"github.com/splax/shipyard/internal/service/project"
	"github.com/splax/shipyard/internal/stream"
	"github.com/splax/shipyard/internal/ws"
	"github.com/splax/shipyard/pkg/config"
	"github.com/splax/shipyard/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel), strings.EqualFold(cfg.LogFormat, "pretty"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api exited", "error", err)
		os.Exit(1)
	}
	log.Info("api server stopped")
}

func run(ctx context.Context, cfg config.APIConfig, log *slog.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		return fmt.Errorf("configure migrations: %w", err)
	}
	if err := runner.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	if cfg.AutoMigrate {
		if err := runner.Ensure(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}

	repo := postgres.New(pool)
	hub := ws.NewHub(cfg.SubscriberBuffer, log)
	defer hub.Close()

	g, gctx := errgroup.WithContext(ctx)

	var live ws.Publisher = hub
	if cfg.LiveRelay {
		relayClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Stream.RedisAddr,
			Password: cfg.Stream.RedisPassword,
			DB:       cfg.Stream.RedisDB,
		})
		relay := ws.NewRedisRelay(relayClient, hub, log)
		defer relay.Close()
		live = relay
		g.Go(func() error { return relay.Run(gctx) })
	}

	buildLauncher, closeLauncher, err := newLauncher(cfg, log)
	if err != nil {
		return fmt.Errorf("configure launcher: %w", err)
	}
	defer closeLauncher()

	projectSvc := project.New(repo, log)
	logSvc := logs.New(repo, repo, live, log, cfg.LogHistoryLimit)
	deploySvc := deploy.New(repo, repo, buildLauncher, log, deploy.WithStatusObserver(logSvc.StatusObserver))

	if reconciler := deploy.NewReconciler(repo, deploySvc, log, cfg.ReconcileInterval, cfg.DeployStuckAfter); reconciler != nil {
		g.Go(func() error {
			reconciler.Run(gctx)
			return nil
		})
	}

	health := map[string]httpx.HealthCheck{"database": repo.Ping}
	if p, ok := buildLauncher.(interface{ Ping(context.Context) error }); ok {
		health["launcher"] = p.Ping
	}
	if cfg.IngestEnabled {
		consumer, err := stream.NewConsumer(cfg.Stream, log)
		if err != nil {
			return fmt.Errorf("configure stream consumer: %w", err)
		}
		defer consumer.Close()
		health["stream"] = consumer.Ping
		pipeline := ingest.New(consumer, repo, repo, deploySvc, logSvc, log, ingest.Options{})
		g.Go(func() error { return pipeline.Run(gctx) })
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		limitClient := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RateLimitRedisPass, DB: cfg.RateLimitRedisDB})
		defer limitClient.Close()
		redisLimiter, err := httpx.NewRedisRateLimiter(ctx, limitClient, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, projectSvc, deploySvc, logSvc, hub, limiter, httpx.Options{
		BuilderToken: cfg.BuilderAuthToken,
		SSEKeepAlive: cfg.SSEKeepAlive,
		Health:       health,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Live streams do not end on their own; release them before draining.
	srv.RegisterOnShutdown(router.Close)

	g.Go(func() error {
		log.Info("api server starting", "addr", cfg.Addr, "launcher", cfg.Launcher, "ingest", cfg.IngestEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLauncher(cfg config.APIConfig, log *slog.Logger) (launcher.Launcher, func(), error) {
	env := builderEnv(cfg)
	switch strings.ToLower(strings.TrimSpace(cfg.Launcher)) {
	case "docker", "":
		l, err := docker.New(docker.Options{
			Host:    cfg.DockerHost,
			Image:   cfg.BuilderImage,
			Network: cfg.BuilderNetwork,
			Env:     env,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case "kubernetes", "k8s":
		l, err := kubernetes.New(kubernetes.Options{
			Namespace: cfg.KubeNamespace,
			Image:     cfg.BuilderImage,
			JobTTL:    cfg.KubeJobTTL,
			Env:       env,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return l, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown launcher %q", cfg.Launcher)
	}
}

// builderEnv is the static environment every build worker needs to reach the
// log stream and report status.
func builderEnv(cfg config.APIConfig) map[string]string {
	env := map[string]string{
		"STREAM_BACKEND":        cfg.Stream.Backend,
		"LOG_STREAM":            cfg.Stream.Name,
		"LOG_STREAM_PARTITIONS": strconv.Itoa(cfg.Stream.Partitions),
		"LOG_STREAM_MAXLEN":     strconv.FormatInt(cfg.Stream.MaxLen, 10),
		"BUILDER_CALLBACK_URL":  cfg.BuilderCallbackURL,
	}
	switch cfg.Stream.Backend {
	case stream.BackendKafka:
		env["KAFKA_BROKERS"] = strings.Join(cfg.Stream.KafkaBrokers, ",")
		if cfg.Stream.KafkaUsername != "" {
			env["KAFKA_USERNAME"] = cfg.Stream.KafkaUsername
			env["KAFKA_PASSWORD"] = cfg.Stream.KafkaPassword
		}
	default:
		env["REDIS_ADDR"] = cfg.Stream.RedisAddr
		env["REDIS_DB"] = strconv.Itoa(cfg.Stream.RedisDB)
		if cfg.Stream.RedisPassword != "" {
			env["REDIS_PASSWORD"] = cfg.Stream.RedisPassword
		}
	}
	if cfg.BuilderAuthToken != "" {
		env["BUILDER_AUTH_TOKEN"] = cfg.BuilderAuthToken
	}
	return env
}
