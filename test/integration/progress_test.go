//go:build integration

// Package integration contains tests that run the progress sinks and the
// ingestion applier against real PostgreSQL and Redis instances. Tests skip
// when either service is unreachable.
//
// Run with:
//
//	go test -v -tags=integration ./test/integration/...
package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/lang"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/mirror"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/progress"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/redis"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// skipIfNoPostgres skips the test when PostgreSQL is unavailable.
func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	db, err := postgres.New(testPostgresConfig())
	if err != nil {
		t.Skipf("skipping integration test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// skipIfNoRedis skips the test when Redis is unavailable.
func skipIfNoRedis(t *testing.T) *pkgredis.Client {
	t.Helper()
	client, err := pkgredis.NewClient(config.RedisConfig{
		Addr:     envOrDefault("TEST_REDIS_ADDR", "localhost:6379"),
		DB:       envOrDefaultInt("TEST_REDIS_DB", 15),
		PoolSize: 4,
	})
	if err != nil {
		t.Skipf("skipping integration test: redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func testPostgresConfig() config.PostgresConfig {
	return config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "contextanalyzer_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "contextanalyzer"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

func uniquePrefix(t *testing.T) string {
	return fmt.Sprintf("ca-test-%s-%d", t.Name(), time.Now().UnixNano())
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestJobTrackerCompletesReachedJobs verifies that publishing positions
// completes exactly the jobs whose end offset has been applied.
func TestJobTrackerCompletesReachedJobs(t *testing.T) {
	db := skipIfNoPostgres(t)
	ctx := testContext(t)
	tracker := progress.NewJobTracker(db.DB)
	if err := tracker.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	channel := uint16(time.Now().UnixNano()%30000 + 1000)
	early, err := tracker.Create(ctx, 7, channel, 0, 9)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	late, err := tracker.Create(ctx, 7, channel, 10, 19)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := tracker.Publish(ctx, map[uint16]int64{channel: 12}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := tracker.Get(ctx, early.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != progress.JobCompleted || got.CompletedAt == nil {
		t.Errorf("expected job %d completed, got %s", early.ID, got.Status)
	}
	got, err = tracker.Get(ctx, late.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != progress.JobPending {
		t.Errorf("expected job %d pending, got %s", late.ID, got.Status)
	}
}

// TestJobTrackerUnknownJob verifies the not-found sentinel.
func TestJobTrackerUnknownJob(t *testing.T) {
	db := skipIfNoPostgres(t)
	ctx := testContext(t)
	tracker := progress.NewJobTracker(db.DB)
	if err := tracker.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := tracker.Get(ctx, -1); err == nil {
		t.Fatal("expected an error for an unknown job")
	}
}

// TestRedisSinkRoundTrip verifies that positions written by the sink are read
// back unchanged.
func TestRedisSinkRoundTrip(t *testing.T) {
	client := skipIfNoRedis(t)
	ctx := testContext(t)
	prefix := uniquePrefix(t)
	t.Cleanup(func() { client.Del(context.Background(), progress.ChannelsKey(prefix)) })

	sink := progress.NewRedisSink(client, prefix, nil)
	if err := sink.Publish(ctx, map[uint16]int64{1: 10, 2: 20}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := sink.Publish(ctx, map[uint16]int64{2: 25}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := progress.ReadChannels(ctx, client, prefix)
	if err != nil {
		t.Fatalf("read channels: %v", err)
	}
	want := map[uint16]int64{1: 10, 2: 25}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for ch, pos := range want {
		if got[ch] != pos {
			t.Errorf("channel %d: expected %d, got %d", ch, pos, got[ch])
		}
	}
}

// TestApplierPublishesProgress runs a batch through the applier with both
// sinks attached and checks Redis and PostgreSQL observed the new positions.
func TestApplierPublishesProgress(t *testing.T) {
	db := skipIfNoPostgres(t)
	client := skipIfNoRedis(t)
	ctx := testContext(t)
	prefix := uniquePrefix(t)
	t.Cleanup(func() { client.Del(context.Background(), progress.ChannelsKey(prefix)) })

	tracker := progress.NewJobTracker(db.DB)
	if err := tracker.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	channel := uint16(time.Now().UnixNano()%30000 + 31000)
	job, err := tracker.Create(ctx, 3, channel, 0, 1)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	dir := t.TempDir()
	store, err := mirror.Open(filepath.Join(dir, "mirror"))
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	defer store.Close()
	index := corpus.New(filepath.Join(dir, "corpora.idx"), corpus.DefaultOptions(), filepath.Join(dir, "buckets"))
	defer index.Close()
	languages, err := lang.ParseIndex([]string{"en:it", "it:en"})
	if err != nil {
		t.Fatalf("parse languages: %v", err)
	}

	sinks := []progress.Sink{progress.NewRedisSink(client, prefix, nil), tracker}
	applier := ingest.NewApplier(index, store, languages, sinks, nil)

	enIt := lang.Direction{Source: "en", Target: "it"}
	batch := ingest.NewBatch()
	for pos := int64(0); pos <= 1; pos++ {
		batch.AddUnit(ingest.TranslationUnit{
			Channel:     channel,
			Position:    pos,
			Domain:      3,
			Direction:   enIt,
			Sentence:    "good morning " + strconv.FormatInt(pos, 10),
			Translation: "buongiorno " + strconv.FormatInt(pos, 10),
		})
	}
	if _, err := applier.Apply(ctx, batch); err != nil {
		t.Fatalf("apply: %v", err)
	}

	published, err := progress.ReadChannels(ctx, client, prefix)
	if err != nil {
		t.Fatalf("read channels: %v", err)
	}
	if published[channel] != 1 {
		t.Errorf("expected redis position 1 for channel %d, got %d", channel, published[channel])
	}
	got, err := tracker.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != progress.JobCompleted {
		t.Errorf("expected job completed, got %s", got.Status)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
