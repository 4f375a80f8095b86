package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/lang"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/mirror"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/progress"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/analyzer.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg); err != nil {
		slog.Error("context analyzer failed", "error", err)
		os.Exit(1)
	}
	slog.Info("context analyzer stopped")
}

func run(cfg *config.Config) error {
	languages, err := lang.ParseIndex(cfg.Analyzer.Languages)
	if err != nil {
		return fmt.Errorf("parsing languages: %w", err)
	}
	slog.Info("starting context analyzer",
		"data_dir", cfg.Analyzer.DataDir,
		"directions", len(languages.Directions()),
		"topic", cfg.Kafka.Topic,
		"partitions", cfg.Kafka.Partitions,
	)

	store, err := mirror.Open(cfg.Analyzer.MirrorPath())
	if err != nil {
		return fmt.Errorf("opening mirror: %w", err)
	}
	opts := corpus.DefaultOptions()
	opts.SyncOnAppend = cfg.Analyzer.SyncOnAppend
	index, err := ingest.OpenIndex(opts, cfg.Analyzer.IndexPath(), cfg.Analyzer.BucketsPath(), store)
	if err != nil {
		store.Close()
		return fmt.Errorf("opening corpora index: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		m.BucketCount.Set(float64(index.Len()))
		m.MirrorDocCount.Set(float64(store.DocCount()))
		m.SetChannels(index.GetChannels())
	}

	var (
		sinks       []progress.Sink
		redisClient *pkgredis.Client
		pgClient    *postgres.Client
	)
	if cfg.Redis.Enabled {
		redisClient, err = pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, progress publication disabled", "error", err)
		} else {
			breaker := resilience.NewCircuitBreaker("redis-progress", resilience.CircuitBreakerConfig{
				IsSuccessful: resilience.IgnoreCancellation,
				OnStateChange: func(name string, s resilience.State) {
					if m != nil {
						m.CircuitBreakerState.WithLabelValues(name).Set(float64(s))
					}
				},
			})
			sinks = append(sinks, progress.NewRedisSink(redisClient, cfg.Redis.KeyPrefix, breaker))
			slog.Info("redis progress sink enabled", "addr", cfg.Redis.Addr, "key", progress.ChannelsKey(cfg.Redis.KeyPrefix))
		}
	}
	if cfg.Postgres.Enabled {
		pgClient, err = postgres.New(cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, import job tracking disabled", "error", err)
		} else {
			tracker := progress.NewJobTracker(pgClient.DB)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := tracker.EnsureSchema(ctx)
			cancel()
			if err != nil {
				slog.Warn("import job schema unavailable", "error", err)
			} else {
				sinks = append(sinks, tracker)
				slog.Info("import job tracking enabled", "host", cfg.Postgres.Host)
			}
		}
	}

	applier := ingest.NewApplier(index, store, languages, sinks, m)
	consumer := ingest.NewConsumer(cfg.Kafka, applier, index)

	checker := health.NewChecker()
	checker.Register("corpora_index", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d buckets", index.Len())}
	})
	checker.Register("mirror", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d documents", store.DocCount())}
	})
	checker.Register("channels", func(ctx context.Context) health.ComponentHealth {
		mirrored := map[uint16]int64{}
		if doc, ok := store.Channels(); ok {
			parsed, err := mirror.ParseChannelsDocument(doc)
			if err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			mirrored = parsed
		}
		if diff := ingest.Divergence(index.GetChannels(), mirrored); len(diff) > 0 {
			return health.ComponentHealth{
				Status:  health.StatusDegraded,
				Message: fmt.Sprintf("index and mirror disagree on %d channel(s)", len(diff)),
			}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	if cfg.Redis.Enabled {
		var ping func(context.Context) error
		if redisClient != nil {
			ping = redisClient.Ping
		}
		checker.Register("redis", health.PingCheck(ping, false))
	}
	if cfg.Postgres.Enabled {
		var ping func(context.Context) error
		if pgClient != nil {
			ping = pgClient.Ping
		}
		checker.Register("postgres", health.PingCheck(ping, false))
	}

	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		mux := metrics.NewMux(map[string]http.Handler{
			"GET /health/live":  checker.LiveHandler(),
			"GET /health/ready": checker.ReadyHandler(),
		})
		handler := middleware.Chain(mux,
			middleware.Metrics(m, "/metrics", "/health/live", "/health/ready"),
			middleware.Timeout(5*time.Second),
		)
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port, handler)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("context analyzer ready, consuming from kafka", "buckets", index.Len(), "channels", index.GetChannels())
	runErr := consumer.Run(ctx)
	if runErr != nil {
		slog.Error("consumer error", "error", runErr)
	}

	slog.Info("flushing corpora index before shutdown")
	var errs *multierror.Error
	if err := applier.Flush(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := index.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing corpora index: %w", err))
	}
	if err := store.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing mirror: %w", err))
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if pgClient != nil {
		pgClient.Close()
	}
	if shutdownMetrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}
	if runErr != nil {
		errs = multierror.Append(errs, runErr)
	}
	return errs.ErrorOrNil()
}
