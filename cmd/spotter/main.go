package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gtacat51-art/insta-spotter/internal/api"
	"github.com/gtacat51-art/insta-spotter/internal/cache"
	"github.com/gtacat51-art/insta-spotter/internal/client"
	"github.com/gtacat51-art/insta-spotter/internal/config"
	"github.com/gtacat51-art/insta-spotter/internal/events"
	"github.com/gtacat51-art/insta-spotter/internal/lifecycle"
	"github.com/gtacat51-art/insta-spotter/internal/logging"
	"github.com/gtacat51-art/insta-spotter/internal/ratelimit"
	"github.com/gtacat51-art/insta-spotter/internal/repo"
	"github.com/gtacat51-art/insta-spotter/internal/scheduler"
	"github.com/gtacat51-art/insta-spotter/internal/service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("spotter exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		receipts cache.MessageCache
		marker   cache.DailyMarker = cache.NewMemoryMarker()
	)
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		rc := cache.NewRedisCache(rdb, cfg.Redis.TTL())
		receipts, marker = rc, rc
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.Enabled() {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("insta-spotter"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer func() { _ = nc.Drain() }()
		publisher = events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, logger.Named("events"))
	}

	ctrl := lifecycle.New(store,
		lifecycle.WithEvents(publisher),
		lifecycle.WithLogger(logger.Named("lifecycle")),
		lifecycle.WithAutoApprove(cfg.Moderation.AutoApprove),
	)

	moderation := service.NewModeration(ctrl,
		client.NewModerationClient(cfg.Moderation.URL, cfg.Moderation.Timeout(), logger.Named("moderation")),
		cfg.Moderation.Timeout(),
		logger.Named("moderation"),
	)
	submitter := service.NewSubmitter(ctrl, moderation, cfg.Submission.MinChars, cfg.Submission.MaxChars, logger.Named("submit"))

	poster := service.NewPoster(ctrl,
		client.NewRenderClient(cfg.Gateway.RenderURL, cfg.Gateway.Timeout()),
		client.NewPublishClient(cfg.Gateway.PublishURL, cfg.Gateway.PublishUsername, cfg.Gateway.PublishPassword, cfg.Gateway.Timeout(), logger.Named("publish")),
		posterConfig(cfg),
		service.WithReceipts(receipts),
		service.WithPosterLogger(logger.Named("poster")),
	)

	schedCfg, err := schedulerConfig(cfg.Scheduler)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(schedCfg,
		func(ctx context.Context) {
			if _, err := poster.Poll(ctx); err != nil {
				logger.Error("poll failed", zap.Error(err))
			}
		},
		func(ctx context.Context, due time.Time) {
			if _, err := poster.PostDaily(ctx, due); err != nil {
				logger.Error("daily batch failed", zap.Time("due", due), zap.Error(err))
			}
		},
		scheduler.WithMarker(marker),
		scheduler.WithLogger(logger.Named("scheduler")),
	)
	if err != nil {
		return err
	}

	if n, err := poster.RecoverClaims(ctx); err != nil {
		logger.Error("startup claim recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("released stale claims", zap.Int("count", n))
	}
	if _, err := moderation.RecoverPending(ctx); err != nil {
		logger.Error("startup moderation recovery failed", zap.Error(err))
	}

	handler := api.NewHandler(api.Deps{
		Scheduler:  sched,
		Controller: ctrl,
		Submitter:  submitter,
		Dispatcher: moderation,
		Poster:     poster,
		Receipts:   receipts,
		Logger:     logger.Named("http"),
		Location:   schedCfg.Location,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.Router(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sched.Start()
	logger.Info("spotter starting",
		zap.String("addr", cfg.Server.Address),
		zap.String("store", cfg.Database.Driver),
		zap.Duration("interval", cfg.Scheduler.Interval()),
		zap.String("daily_at", cfg.Scheduler.DailyAt),
		zap.Bool("redis", cfg.Redis.Enabled()),
		zap.Bool("nats", cfg.NATS.Enabled()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		handler.Wait()
		moderation.Wait()
		return err
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (repo.MessageRepository, func(), error) {
	if cfg.Driver == config.StoreMemory {
		return repo.NewMemoryMessageRepo(), func() {}, nil
	}

	pool, err := repo.NewPool(ctx, cfg.PostgresURL, cfg.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	store := repo.NewPostgresMessageRepo(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return store, pool.Close, nil
}

func posterConfig(cfg *config.Config) service.PosterConfig {
	pc := service.PosterConfig{
		DailyCap: cfg.Posting.DailyCap,
		ClaimTTL: cfg.Posting.ClaimTTL(),
		Caption:  cfg.Posting.Caption,
		Location: cfg.Scheduler.Location(),
	}
	if cfg.Posting.PerHour > 0 {
		pc.Limiter = ratelimit.NewSlidingWindow(cfg.Posting.PerHour, time.Hour)
	}
	return pc
}

func schedulerConfig(cfg config.SchedulerConfig) (scheduler.Config, error) {
	sc := scheduler.Config{
		PollInterval: cfg.Interval(),
		Location:     cfg.Location(),
		MaxJitter:    cfg.Jitter(),
		CatchUp:      cfg.CatchUp(),
	}
	if cfg.DailyAt != "" {
		at, err := scheduler.ParseDailyAt(cfg.DailyAt)
		if err != nil {
			return scheduler.Config{}, err
		}
		sc.Daily = &at
	}
	return sc, nil
}
