// Command harvester runs the listing ingestion service: a cron-driven
// scheduler, N pipeline workers, and a Prometheus endpoint. With -seed it
// instead runs one ad-hoc topical research crawl and prints the report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/blob/gcs"
	"github.com/openlistings/harvester/internal/blob/local"
	"github.com/openlistings/harvester/internal/clock/system"
	"github.com/openlistings/harvester/internal/compliance"
	"github.com/openlistings/harvester/internal/config"
	"github.com/openlistings/harvester/internal/dedupe"
	"github.com/openlistings/harvester/internal/fetch"
	"github.com/openlistings/harvester/internal/fetch/colly"
	"github.com/openlistings/harvester/internal/fetch/headless"
	"github.com/openlistings/harvester/internal/id/uuid"
	"github.com/openlistings/harvester/internal/keywords"
	"github.com/openlistings/harvester/internal/listing"
	"github.com/openlistings/harvester/internal/logging"
	"github.com/openlistings/harvester/internal/metrics"
	"github.com/openlistings/harvester/internal/normalize"
	"github.com/openlistings/harvester/internal/publish/pubsub"
	memqueue "github.com/openlistings/harvester/internal/queue/memory"
	redisqueue "github.com/openlistings/harvester/internal/queue/redis"
	"github.com/openlistings/harvester/internal/research"
	"github.com/openlistings/harvester/internal/schedule"
	memstore "github.com/openlistings/harvester/internal/storage/memory"
	"github.com/openlistings/harvester/internal/storage/postgres"
	"github.com/openlistings/harvester/internal/worker"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (optional; env vars apply either way)")
		sourcesPath = flag.String("sources", "", "path to a JSON file of source configs to upsert at startup")
		seedURL     = flag.String("seed", "", "run one research crawl from this URL instead of the service")
		terms       = flag.String("terms", "", "comma-separated research terms")
		maxDepth    = flag.Int("depth", 2, "research crawl depth limit")
		maxPages    = flag.Int("pages", 30, "research crawl page limit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *seedURL != "" {
		if err := runResearch(ctx, cfg, *seedURL, *terms, *maxDepth, *maxPages, logger); err != nil {
			logger.Fatal("research crawl failed", zap.Error(err))
		}
		return
	}

	if err := run(ctx, cfg, *sourcesPath, logger); err != nil {
		logger.Fatal("harvester exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, sourcesPath string, logger *zap.Logger) error {
	clock := system.New()
	ids := uuid.New()

	repo, cleanupRepo, err := buildRepository(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}
	defer cleanupRepo()

	queue, cleanupQueue, err := buildQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupQueue()

	httpTimeout := time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second
	gate := compliance.New(cfg.Pipeline.UserAgent, cfg.Compliance.ContactEmail, httpTimeout, logger)
	pacer := fetch.NewDomainPacer(cfg.DomainInterval())
	getter := colly.New(cfg.Pipeline.UserAgent, httpTimeout)
	fetcher := fetch.NewRateLimited(getter, gate, pacer, fetch.Options{
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffInitial: time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
	}, logger)

	var headlessGetter listing.PageGetter
	if cfg.Headless.Enabled {
		headlessGetter = headless.New(
			cfg.Pipeline.UserAgent,
			time.Duration(cfg.Headless.NavTimeoutSec)*time.Second,
			cfg.Headless.MaxParallel,
			logger,
		)
	}

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	var publisher listing.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		pub, err := pubsub.New(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return err
		}
		defer pub.Close() //nolint:errcheck
		publisher = pub
	}

	if sourcesPath != "" {
		n, err := seedSources(ctx, repo, sourcesPath)
		if err != nil {
			return err
		}
		logger.Info("sources loaded", zap.Int("count", n), zap.String("path", sourcesPath))
	}

	maxBackoff := time.Duration(cfg.Scheduler.MaxBackoffSeconds) * time.Second
	scheduler := schedule.New(repo, queue, clock, ids, maxBackoff, logger)
	runner := schedule.NewRunner(scheduler, time.Duration(cfg.Scheduler.TickSeconds)*time.Second, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
	go func() {
		logger.Info("metrics listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	w := worker.New(worker.Deps{
		Repo:       repo,
		Queue:      queue,
		Fetcher:    fetcher,
		Headless:   headlessGetter,
		Gate:       gate,
		Normalizer: normalize.New(keywords.New(), clock, ids),
		Deduper:    dedupe.New(repo, cfg.Dedupe.Threshold, logger),
		Blob:       blobStore,
		Publisher:  publisher,
		Clock:      clock,
		Logger:     logger,
	}, worker.Config{
		MaxPagesDefault: cfg.Pipeline.MaxPagesDefault,
		JobTimeout:      cfg.JobTimeout(),
		SnapshotPages:   cfg.Pipeline.SnapshotPages,
		SummaryTopic:    cfg.PubSub.TopicName,
	})

	var wg sync.WaitGroup
	for i := 0; i < cfg.Pipeline.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}
	logger.Info("harvester started",
		zap.Int("workers", cfg.Pipeline.Workers),
		zap.Duration("tick", time.Duration(cfg.Scheduler.TickSeconds)*time.Second),
	)

	runner.Start(ctx)

	<-ctx.Done()
	logger.Info("shutting down")
	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown failed", zap.Error(err))
	}

	wg.Wait()
	return nil
}

func runResearch(ctx context.Context, cfg config.Config, seedURL, terms string, maxDepth, maxPages int, logger *zap.Logger) error {
	httpTimeout := time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second
	gate := compliance.New(cfg.Pipeline.UserAgent, cfg.Compliance.ContactEmail, httpTimeout, logger)
	pacer := fetch.NewDomainPacer(cfg.DomainInterval())
	getter := colly.New(cfg.Pipeline.UserAgent, httpTimeout)
	fetcher := fetch.NewRateLimited(getter, gate, pacer, fetch.Options{
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffInitial: time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
	}, logger)

	var termList []string
	for _, t := range strings.Split(terms, ",") {
		if t = strings.TrimSpace(t); t != "" {
			termList = append(termList, t)
		}
	}

	report, err := research.New(fetcher, gate, logger).Research(ctx, seedURL, termList, maxDepth, maxPages)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func buildRepository(ctx context.Context, cfg config.Config, clock listing.Clock, logger *zap.Logger) (listing.Repository, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Info("no db.dsn configured, using in-memory repository")
		return memstore.NewRepository(clock), func() {}, nil
	}
	pg, err := postgres.NewRepository(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
	}, clock)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func buildQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (listing.Queue, func(), error) {
	if cfg.Redis.Addr == "" {
		logger.Info("no redis.addr configured, using in-memory queue")
		return memqueue.New(cfg.Pipeline.QueueDepth), func() {}, nil
	}
	q, err := redisqueue.New(ctx, redisqueue.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	return q, func() { _ = q.Close() }, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (listing.BlobStore, error) {
	switch {
	case cfg.Blob.GCSBucket != "":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Blob.GCSBucket, Prefix: cfg.Blob.Prefix})
	case cfg.Blob.LocalDir != "":
		return local.New(cfg.Blob.LocalDir)
	default:
		return nil, nil
	}
}

func seedSources(ctx context.Context, repo listing.Repository, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read sources file: %w", err)
	}
	var sources []listing.SourceConfig
	if err := json.Unmarshal(data, &sources); err != nil {
		return 0, fmt.Errorf("parse sources file: %w", err)
	}
	for _, src := range sources {
		if err := repo.UpsertSource(ctx, src); err != nil {
			return 0, fmt.Errorf("upsert source %s: %w", src.ID, err)
		}
	}
	return len(sources), nil
}
