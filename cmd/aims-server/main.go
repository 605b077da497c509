// Package main provides the entry point for the identity service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aims-io/aims/internal/agent"
	"github.com/aims-io/aims/internal/apikey"
	"github.com/aims-io/aims/internal/audit"
	"github.com/aims-io/aims/internal/auth"
	"github.com/aims-io/aims/internal/authz"
	"github.com/aims-io/aims/internal/capability"
	"github.com/aims-io/aims/internal/config"
	"github.com/aims-io/aims/internal/credentials"
	"github.com/aims-io/aims/internal/db"
	"github.com/aims-io/aims/internal/httpapi"
	"github.com/aims-io/aims/internal/logging"
	"github.com/aims-io/aims/internal/metrics"
	"github.com/aims-io/aims/internal/ratelimit"
	"github.com/aims-io/aims/internal/store"
	"github.com/aims-io/aims/internal/token"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to YAML config file")
		showVersion     = flag.Bool("version", false, "Show version information")
		gracefulTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("aims-server %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting identity service",
		zap.String("version", Version),
		zap.String("addr", cfg.ListenAddr),
	)

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	if err := db.Migrate(conn); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	st, err := store.NewPostgresStore(conn)
	if err != nil {
		logger.Fatal("store initialization failed", zap.Error(err))
	}
	defer st.Close()

	codec, err := token.New(cfg.JWTSecretKey, cfg.JWTAlgorithm, cfg.TokenTTL())
	if err != nil {
		logger.Fatal("token codec initialization failed", zap.Error(err))
	}

	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid redis url", zap.Error(err))
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer client.Close()
		limiter = ratelimit.NewRedisLimiter(client)
		logger.Info("using redis rate limiter")
	} else {
		limiter = ratelimit.NewMemoryLimiter()
	}

	rec := audit.NewRecorder(st, logger)
	gen := credentials.NewGenerator(cfg.APIKeyPrefix)

	serverCfg := httpapi.DefaultConfig()
	serverCfg.ListenAddr = cfg.ListenAddr
	serverCfg.AuthLimitPerMinute = cfg.RateLimitAuthPerMinute
	serverCfg.APILimitPerMinute = cfg.RateLimitAPIPerMinute

	srv, err := httpapi.New(serverCfg, httpapi.Deps{
		Auth:         auth.NewService(st, codec, rec, logger, cfg.GracePeriod()),
		Agents:       agent.NewService(st, rec, logger),
		Keys:         apikey.NewService(st, gen, rec, logger, cfg.KeyRotationGraceHours),
		Capabilities: capability.NewService(st, rec, logger),
		Audit:        audit.NewReader(st),
		Gate:         authz.NewGate(codec),
		Limiter:      limiter,
		Metrics:      metrics.New(),
	}, logger)
	if err != nil {
		logger.Fatal("server initialization failed", zap.Error(err))
	}

	errChan := make(chan error, 1)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), *gracefulTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}
