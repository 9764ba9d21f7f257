package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendsync/internal/attendance"
	"attendsync/internal/auth"
	"attendsync/internal/config"
	"attendsync/internal/errs"
	"attendsync/internal/handler"
	"attendsync/internal/httpmiddleware"
	"attendsync/internal/logging"
	"attendsync/internal/queue"
	"attendsync/internal/store"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.Env, cfg.Debug)

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		logging.Error(context.Background(), "http server failed", slog.Any("err", errs.Loggable(err)))
		os.Exit(1)
	}
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()

	local, err := store.OpenLocal(cfg.LocalDBPath)
	if err != nil {
		return errs.Wrap(err, "open local store")
	}
	defer local.Close()

	checks := map[string]handler.HealthCheck{}
	// The in-memory queue lives in one process, so only redis reaches the worker.
	var q handler.Publisher
	if cfg.QueueBackend == "memory" {
		logging.Warn(ctx, "QUEUE_BACKEND=memory, on-demand sync disabled")
	} else {
		redisClient := store.NewRedis(cfg.RedisOptions())
		defer redisClient.Close()
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
		checks["redis"] = redisClient.Healthy
	}

	guard := attendance.NewGuard(local, attendance.GuardConfig{
		Threshold: cfg.ConfidenceThreshold,
		Window:    cfg.DedupWindow,
	})
	issuer := auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	if cfg.OperatorKey == "" {
		logging.Warn(ctx, "OPERATOR_KEY not set, operator login disabled")
	}
	h := handler.New(local, guard, q, issuer, cfg.OperatorKey, checks)

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: false,
		MaxAge:           24 * time.Hour,
	}))

	// Security headers
	r.Use(securityHeaders())

	// Rate limiting
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, httpmiddleware.ClientIP).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Register(r)

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info(ctx, "starting server", slog.String("addr", srv.Addr), slog.String("device_id", cfg.DeviceID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}
	logging.Info(ctx, "shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn(ctx, "server forced shutdown", slog.Any("err", errs.Loggable(err)))
	}

	logging.Info(ctx, "server exited")
	return nil
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
