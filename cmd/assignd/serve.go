package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/assignment"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/audit"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/events"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/httpapi"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/observability"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/ratelimit"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/routing"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assignment HTTP API, requeue loop and status subscriber",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	shutdownTelemetry, err := observability.Init(ctx, cfg.Observability)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	st, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	publisher := events.NewFallback(logger)
	connOpts := events.ConnectionOptions{
		URL:           cfg.Broker.URL,
		RetryAttempts: cfg.Broker.RetryAttempts,
		Delay:         cfg.Broker.GetRetryDelay(),
		Logger:        logger.Named("broker"),
	}
	if cfg.Broker.Enabled {
		publisher, err = events.NewRabbitPublisher(ctx, connOpts, cfg.Broker.Exchange)
		if err != nil {
			return err
		}
	}
	defer publisher.Close()

	auditStore := audit.NewStore(0)
	stats := routing.NewStatsCache(cfg.Assignment.GetStatsTTL())
	service, err := assignment.NewService(st, assignment.Options{
		Criteria:    cfg.Assignment.Criteria(),
		MaxAttempts: cfg.Assignment.MaxAttempts,
		Publisher:   publisher,
		Audit:       auditStore,
		Stats:       stats,
		Logger:      logger.Named("assignment"),
	})
	if err != nil {
		return err
	}
	requeuer := assignment.NewRequeuer(service, st, cfg.Assignment.GetRequeueInterval(),
		cfg.Assignment.RequeueBatchSize, logger.Named("requeue"))

	var limiter httpapi.RateLimiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerMinute, time.Minute)
	if cfg.RateLimit.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RateLimit.RedisURL)
		if err != nil {
			return fmt.Errorf("parse rate_limit.redis_url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		defer client.Close()
		limiter = ratelimit.NewRedisLimiter(client, cfg.RateLimit.RequestsPerMinute, time.Minute, logger.Named("ratelimit"))
	}

	server := httpapi.NewServer(httpapi.Options{
		Repository:      st,
		Service:         service,
		Requeuer:        requeuer,
		Publisher:       publisher,
		Audit:           auditStore,
		Limiter:         limiter,
		Criteria:        cfg.Assignment.Criteria(),
		Logger:          logger.Named("http"),
		LatencyBudgetMs: cfg.Server.LatencyBudgetMs,

		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Handler(),
		ReadTimeout:       cfg.Server.GetReadTimeout(),
		ReadHeaderTimeout: cfg.Server.GetReadHeaderTimeout(),
		WriteTimeout:      cfg.Server.GetWriteTimeout(),
		IdleTimeout:       cfg.Server.GetIdleTimeout(),
	}

	var subscriber *events.Subscriber
	if cfg.Broker.Enabled {
		conn, err := events.DialWithRetry(ctx, connOpts)
		if err != nil {
			return err
		}
		defer conn.Close()
		subscriber = events.NewSubscriber(conn, events.SubscriberOptions{
			Exchange: cfg.Broker.Exchange,
			Queue:    cfg.Broker.StatusQueue,
			Workers:  cfg.Broker.Workers,
		}, requeuer.HandleStatusChange, logger.Named("subscriber"))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return requeuer.Run(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Assignment.GetStatsTTL())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if removed := stats.Prune(now.UTC()); removed > 0 {
					logger.Debug("pruned attendant stats", zap.Int("removed", removed))
				}
			}
		}
	})

	if subscriber != nil {
		g.Go(func() error {
			if err := subscriber.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
