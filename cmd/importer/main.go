// Command importer publishes a parallel corpus to one channel of the
// translation-unit topic and records the covered offsets as an import job.
//
//	importer -domain 42 -direction en:it -source corpus.en -target corpus.it
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/lang"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/progress"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/redis"
)

const publishChunk = 500

type options struct {
	configPath string
	domain     int64
	direction  string
	sourcePath string
	targetPath string
	channel    int
	wait       time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "configs/analyzer.yaml", "path to config file")
	flag.Int64Var(&o.domain, "domain", 0, "domain (memory) id, must not be 0")
	flag.StringVar(&o.direction, "direction", "", "language direction, e.g. en:it")
	flag.StringVar(&o.sourcePath, "source", "", "source-language file, one sentence per line")
	flag.StringVar(&o.targetPath, "target", "", "target-language file, line-aligned with -source")
	flag.IntVar(&o.channel, "channel", 0, "partition (channel) to publish to")
	flag.DurationVar(&o.wait, "wait", 0, "wait up to this long for the analyzer to apply the import (needs redis)")
	flag.Parse()

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, o); err != nil {
		slog.Error("import failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, o options) error {
	if o.domain == 0 {
		return errors.New("-domain must be set to a non-zero id")
	}
	if o.channel < 0 || o.channel > 0xFFFF {
		return fmt.Errorf("-channel %d does not fit a channel id", o.channel)
	}
	requested, err := lang.ParseDirection(o.direction)
	if err != nil {
		return fmt.Errorf("-direction: %w", err)
	}
	languages, err := lang.ParseIndex(cfg.Analyzer.Languages)
	if err != nil {
		return err
	}
	direction, err := lang.Require(languages, requested)
	if err != nil {
		return fmt.Errorf("-direction: %w", err)
	}
	src, err := os.Open(o.sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()
	tgt, err := os.Open(o.targetPath)
	if err != nil {
		return fmt.Errorf("opening target file: %w", err)
	}
	defer tgt.Close()

	begin, err := kafka.LastOffset(ctx, cfg.Kafka, o.channel)
	if err != nil {
		return err
	}

	producer := kafka.NewPartitionProducer(cfg.Kafka, o.channel)
	defer producer.Close()
	count, err := publishCorpus(ctx, producer, o.domain, direction, src, tgt)
	if err != nil {
		return err
	}
	if count == 0 {
		slog.Warn("corpus is empty, nothing published")
		return nil
	}

	end, err := kafka.LastOffset(ctx, cfg.Kafka, o.channel)
	if err != nil {
		return err
	}
	end--
	slog.Info("corpus published",
		"domain", o.domain,
		"direction", direction.String(),
		"units", count,
		"channel", o.channel,
		"begin_offset", begin,
		"end_offset", end,
	)

	if cfg.Postgres.Enabled {
		pg, err := postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pg.Close()
		tracker := progress.NewJobTracker(pg.DB)
		if err := tracker.EnsureSchema(ctx); err != nil {
			return err
		}
		job, err := tracker.Create(ctx, o.domain, uint16(o.channel), begin, end)
		if err != nil {
			return err
		}
		fmt.Printf("import job %d: channel %d offsets %d..%d\n", job.ID, job.Channel, job.BeginOffset, job.EndOffset)
	}

	if o.wait > 0 {
		return waitApplied(ctx, cfg, uint16(o.channel), end, o.wait)
	}
	return nil
}

// publishCorpus streams line pairs to the producer in chunks.
func publishCorpus(ctx context.Context, producer *kafka.Producer, domain int64, direction lang.Direction, src, tgt io.Reader) (int, error) {
	sources := bufio.NewScanner(src)
	targets := bufio.NewScanner(tgt)
	sources.Buffer(make([]byte, 64*1024), 1<<20)
	targets.Buffer(make([]byte, 64*1024), 1<<20)

	events := make([]kafka.Event, 0, publishChunk)
	count := 0
	flush := func() error {
		if len(events) == 0 {
			return nil
		}
		if err := producer.PublishBatch(ctx, events); err != nil {
			return err
		}
		events = events[:0]
		return nil
	}
	for {
		hasSrc, hasTgt := sources.Scan(), targets.Scan()
		if hasSrc != hasTgt {
			return count, fmt.Errorf("source and target differ in length after %d lines", count)
		}
		if !hasSrc {
			break
		}
		msg := ingest.NewUnitMessage(domain, direction, sources.Text(), targets.Text())
		events = append(events, kafka.Event{Key: fmt.Sprintf("%d", domain), Value: msg})
		count++
		if len(events) == publishChunk {
			if err := flush(); err != nil {
				return count, err
			}
		}
	}
	if err := sources.Err(); err != nil {
		return count, fmt.Errorf("reading source file: %w", err)
	}
	if err := targets.Err(); err != nil {
		return count, fmt.Errorf("reading target file: %w", err)
	}
	return count, flush()
}

func waitApplied(ctx context.Context, cfg *config.Config, channel uint16, end int64, timeout time.Duration) error {
	client, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		positions, err := progress.ReadChannels(ctx, client, cfg.Redis.KeyPrefix)
		if err != nil {
			slog.Warn("reading progress", "error", err)
		} else if pos, ok := positions[channel]; ok && pos >= end {
			slog.Info("import applied", "channel", channel, "position", pos)
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for channel %d to reach %d: %w", channel, end, ctx.Err())
		}
	}
}
