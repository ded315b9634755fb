// Package main is the entry point for the referral attribution agent. It
// wires the progress store, the remote attribution client, and the
// orchestrator, then feeds the orchestrator from its three trigger sources:
// visit signals, wallet-connection signals, and the periodic retry sweep.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cryptogarden/attribution/internal/attribution"
	"github.com/cryptogarden/attribution/internal/attribution/remote"
	signalmirror "github.com/cryptogarden/attribution/internal/attribution/signal"
	"github.com/cryptogarden/attribution/internal/attribution/store"
	"github.com/cryptogarden/attribution/internal/config"
	"github.com/cryptogarden/attribution/internal/metrics"
	"github.com/cryptogarden/attribution/pkg/health"
	"github.com/cryptogarden/attribution/pkg/logger"
	"github.com/cryptogarden/attribution/pkg/redis"
)

// visitSignal is published on the visit channel when a page entry carries a
// referral code.
type visitSignal struct {
	Ref         string `json:"ref"`
	UTMSource   string `json:"utmSource,omitempty"`
	UTMMedium   string `json:"utmMedium,omitempty"`
	UTMCampaign string `json:"utmCampaign,omitempty"`
	ReferrerURL string `json:"referrerUrl,omitempty"`
	LandingPage string `json:"landingPage,omitempty"`
}

// walletSignal is published on the wallet channel when the wallet provider
// reports a connection change.
type walletSignal struct {
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	defer func() {
		if err := log.Sync(); err != nil {
			log.Warn("failed to sync logger", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := redis.NewClient(redis.Config{
		Host:         cfg.RedisHost,
		Port:         cfg.RedisPort,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Warn("failed to close Redis client", zap.Error(err))
		}
	}()

	progressStore := store.NewRetrying(
		store.NewRedis(redisClient, cfg.VisitorID, cfg.ProgressTTL, log), 0)

	var mirror attribution.Mirror = signalmirror.NewNoop()
	if cfg.MirrorEnabled {
		mirror = signalmirror.NewRedisMirror(redisClient, cfg.VisitorID, cfg.MirrorTTL, log)
	}

	client := remote.NewClient(remote.Config{
		BaseURL:            cfg.RemoteBaseURL,
		Timeout:            cfg.RemoteTimeout,
		StatusRetryElapsed: cfg.StatusRetryElapsed,
	}, log)

	recorder := metrics.NewRecorder(nil)
	policy := attribution.RetryPolicy{
		Base:   cfg.RetryBase,
		Cap:    cfg.RetryCap,
		Jitter: cfg.RetryJitter,
	}

	orch := attribution.NewOrchestrator(progressStore, client, mirror, policy, recorder, log)
	if err := orch.Resume(ctx); err != nil {
		log.Warn("failed to resume persisted progress", zap.Error(err))
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.RetryTick, func() {
		if err := orch.Tick(ctx); err != nil {
			log.Warn("retry sweep failed", zap.Error(err))
		}
	}); err != nil {
		log.Fatal("invalid retry tick schedule",
			zap.String("schedule", cfg.RetryTick),
			zap.Error(err))
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	checker := health.NewChecker()
	checker.Register(health.NewCheckFunc("redis", redisClient.IsAvailable))

	metricsServer := metrics.NewServer(":"+cfg.MetricsPort, checker.Handler())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("metrics server listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return consumeSignals(gctx, redisClient, cfg, orch, log)
	})

	log.Info("attribution agent started",
		zap.String("visitor_id", cfg.VisitorID),
		zap.String("remote", cfg.RemoteBaseURL))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("agent stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("attribution agent stopped")
}

// consumeSignals feeds the orchestrator from the two Pub/Sub trigger
// channels until the context is cancelled.
func consumeSignals(ctx context.Context, client *redis.Client, cfg *config.Config, orch *attribution.Orchestrator, log *zap.Logger) error {
	sub := client.Subscribe(ctx, cfg.VisitChannel, cfg.WalletChannel)
	defer func() {
		if err := sub.Close(); err != nil {
			log.Warn("failed to close subscription", zap.Error(err))
		}
	}()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			switch msg.Channel {
			case cfg.VisitChannel:
				var v visitSignal
				if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
					log.Warn("malformed visit signal", zap.Error(err))
					continue
				}
				utm := attribution.UTM{Source: v.UTMSource, Medium: v.UTMMedium, Campaign: v.UTMCampaign}
				if err := orch.OnReferralCode(ctx, v.Ref, utm, v.ReferrerURL, v.LandingPage); err != nil {
					log.Warn("visit trigger failed", zap.Error(err))
				}
			case cfg.WalletChannel:
				var w walletSignal
				if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
					log.Warn("malformed wallet signal", zap.Error(err))
					continue
				}
				if !w.Connected {
					continue
				}
				if err := orch.OnWalletConnected(ctx, w.Address); err != nil {
					log.Warn("wallet trigger failed", zap.Error(err))
				}
			}
		}
	}
}
