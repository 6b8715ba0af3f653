package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"github.com/AngelCh415/adspend-attribution/internal/adplatform"
	"github.com/AngelCh415/adspend-attribution/internal/attribution"
	"github.com/AngelCh415/adspend-attribution/internal/config"
	"github.com/AngelCh415/adspend-attribution/internal/crm"
	"github.com/AngelCh415/adspend-attribution/internal/currency"
	"github.com/AngelCh415/adspend-attribution/internal/dedup"
	"github.com/AngelCh415/adspend-attribution/internal/httpx"
	"github.com/AngelCh415/adspend-attribution/internal/ingest"
	"github.com/AngelCh415/adspend-attribution/internal/locks"
	"github.com/AngelCh415/adspend-attribution/internal/metrics"
	"github.com/AngelCh415/adspend-attribution/internal/scheduler"
	"github.com/AngelCh415/adspend-attribution/internal/spendsync"
	"github.com/AngelCh415/adspend-attribution/internal/store"
	"github.com/AngelCh415/adspend-attribution/internal/utils"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	log.SetOutput(os.Stdout)
	log.SetLevel(cfg.Level())
	if cfg.LogFormat == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
	logger := log.WithField("service", "adspend-attribution")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, ready := openStore(ctx, cfg, logger)
	defer st.Close()

	var (
		dd dedup.Store
		lm locks.Manager
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Fatal("redis unreachable")
		}
		dd = dedup.NewRedis(rdb, cfg.DedupWindow)
		lm = locks.NewRedis(rdb, cfg.SyncLockTTL)
		storeReady := ready
		ready = func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return err
			}
			return storeReady(ctx)
		}
		logger.Info("dedup and sync locks backed by redis")
	} else {
		mem := dedup.NewMemory(cfg.DedupWindow)
		go mem.RunJanitor(ctx, cfg.DedupPurgeInterval)
		dd = mem
		lm = locks.NewMemory()
		logger.Warn("REDIS_URL not set, dedup and sync locks are per-instance")
	}

	resolver, err := attribution.NewResolver(st, attribution.Options{
		CacheTTL:     cfg.AttributionCacheTTL,
		CacheSize:    cfg.AttributionCacheSize,
		AccountTeams: cfg.AccountTeams,
		Logger:       logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("attribution resolver")
	}

	httpc := utils.NewHTTPClient(cfg.HTTPTimeout)
	var recoverer crm.Recoverer = crm.NewPhoneRecoverer(nil, logger)
	if cfg.CRMBaseURL != "" && cfg.CRMAccessToken != "" {
		recoverer = crm.NewPhoneRecoverer(crm.NewClient(httpc, cfg.CRMBaseURL, cfg.CRMAccessToken), logger)
	}

	products, err := cfg.ProductsByPipeline()
	if err != nil {
		logger.WithError(err).Fatal("invalid PIPELINE_PRODUCTS")
	}
	gate := ingest.NewGate(st, dd, resolver, recoverer, ingest.Options{
		AcceptedPipelineIDs:   cfg.AcceptedPipelineIDs,
		SalePipelineIDs:       cfg.SalePipelineIDs,
		PrepaymentPipelineIDs: cfg.PrepaymentPipelineIDs,
		SuccessStatusID:       cfg.SuccessStatusID,
		Currency:              cfg.LocalCurrency,
		Products:              products,
	}, logger)

	rates := currency.NewService(st)
	aggregator := metrics.NewEngine(st, rates, cfg.Location(), logger)

	ads := adplatform.NewClient(httpc, cfg.AdsBaseURL, adplatform.Options{
		MaxRetries: cfg.AdsMaxRetries,
		RetryBase:  cfg.AdsRetryBase,
		Logger:     logger,
	})
	syncer := spendsync.NewEngine(st, ads, spendsync.StaticToken(cfg.AdsAccessToken), resolver, rates, lm, spendsync.Options{
		LookbackDays:    cfg.SyncLookbackDays,
		DefaultDaysBack: cfg.SyncDefaultDaysBack,
		IncludeToday:    cfg.SyncIncludeToday,
		ChunkSize:       cfg.AdsChunkSize,
		UserDelay:       cfg.SyncUserDelay,
		Location:        cfg.Location(),
		Logger:          logger,
	})
	if cfg.SyncWarmCache {
		syncer.WithWarmer(aggregator)
	}

	go scheduler.Every(ctx, cfg.AggregationStartDelay, cfg.AggregationInterval, "aggregation", func(ctx context.Context) error {
		_, err := aggregator.RunAll(ctx)
		return err
	})
	go scheduler.Every(ctx, cfg.SyncInterval, cfg.SyncInterval, "spend-sync", func(ctx context.Context) error {
		_, err := syncer.SyncAll(ctx)
		return err
	})

	r := httpx.NewRouter(httpx.Deps{
		Logger:      logger,
		Gate:        gate,
		Sync:        syncer,
		Aggregator:  aggregator,
		Snapshots:   metrics.NewService(st),
		Resolver:    resolver,
		PipelineIDs: cfg.AcceptedPipelineIDs,
		Ready:       ready,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("graceful shutdown failed")
		}
	}()

	logger.WithField("port", cfg.Port).Info("starting server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("server error")
	}
	syncer.Wait()
	logger.Info("server stopped")
}

// openStore picks Postgres when DATABASE_URL is set and the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, logger log.FieldLogger) (store.Store, func(context.Context) error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemoryStore(), func(context.Context) error { return nil }
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("postgres unreachable")
	}
	if err := pg.Migrate(ctx); err != nil {
		logger.WithError(err).Fatal("schema migration failed")
	}
	return pg, func(ctx context.Context) error { return pg.DB().PingContext(ctx) }
}
