package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/yolo-explorer/internal/artifact"
	"github.com/example/yolo-explorer/internal/auth"
	"github.com/example/yolo-explorer/internal/config"
	"github.com/example/yolo-explorer/internal/detector"
	"github.com/example/yolo-explorer/internal/grpchealth"
	"github.com/example/yolo-explorer/internal/handlers"
	"github.com/example/yolo-explorer/internal/logging"
	"github.com/example/yolo-explorer/internal/middleware"
	"github.com/example/yolo-explorer/internal/repository"
	"github.com/example/yolo-explorer/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logger.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	// "healthcheck" lets container probes reuse the binary.
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(healthcheck(cfg, logger))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a, err := newApp(ctx, cfg, afero.NewOsFs(), logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.close()

	if err := a.run(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

type app struct {
	cfg       *config.Config
	server    *http.Server
	health    *grpchealth.Server
	healthLis net.Listener
	closers   []func() error
	logger    *zap.Logger
}

// newApp constructs every dependency explicitly and wires them into the router.
func newApp(ctx context.Context, cfg *config.Config, fs afero.Fs, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := repository.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	repo := repository.NewDetectionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	var cache usecase.Cache
	if cfg.Cache.RedisAddr != "" {
		client := initRedis(ctx, cfg.Cache.RedisAddr, logger)
		a.closers = append(a.closers, client.Close)
		cache = usecase.NewRedisCache(client)
	}

	store, err := artifact.NewStore(fs, cfg.Upload.Dir, cfg.Upload.URLPrefix, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	det := detector.NewGate(
		detector.NewProcessDetector(cfg.Detector.Command, cfg.Detector.Args, logger),
		detector.GateConfig{
			MaxConcurrent: cfg.Detector.MaxConcurrent,
			QueueTimeout:  cfg.Detector.QueueTimeout,
			RunTimeout:    cfg.Detector.RunTimeout,
		},
		logger,
	)

	uc := usecase.NewDetectionUseCase(store, det, repo, cache, cfg.Cache.TTL, logger)

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Logging(logger), middleware.CORS(cfg.CORS.AllowedOrigins))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, uc, handlers.Options{
		Artifacts: store,
		URLPrefix: cfg.Upload.URLPrefix,
		Ready:     repo.Ping,
	}, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience, logger))

	a.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCHealthAddr)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("listen grpc health: %w", err)
		}
		a.health = grpchealth.NewServer(logger)
		a.healthLis = lis
		a.closers = append(a.closers, func() error {
			if err := lis.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				return err
			}
			return nil
		})
		a.server.RegisterOnShutdown(func() { a.health.SetServing(false) })
	}

	return a, nil
}

func (a *app) run() error {
	if a.health != nil {
		go func() {
			if err := a.health.Serve(a.healthLis); err != nil {
				a.logger.Error("grpc health server failed", zap.Error(err))
			}
		}()
		a.health.SetServing(true)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			a.health.Stop(ctx)
		}()
	}

	a.logger.Info("yolo explorer listening", zap.String("addr", a.server.Addr))
	return serveHTTPServer(a.server, a.cfg.Server.ShutdownTimeout, a.logger)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// initRedis never fails startup: the cache is optional and go-redis reconnects on demand.
func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Warn("redis unreachable, continuing without a warm cache", zap.String("addr", addr), zap.Error(err))
	}
	return client
}

func healthcheck(cfg *config.Config, logger *zap.Logger) int {
	if cfg.Server.GRPCHealthAddr == "" {
		logger.Error("GRPC_HEALTH_ADDR is not set")
		return 1
	}
	st, err := grpchealth.Probe(context.Background(), cfg.Server.GRPCHealthAddr, "", logger)
	if err != nil || st != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
