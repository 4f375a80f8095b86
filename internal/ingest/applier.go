package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/lang"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/mirror"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/progress"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/tracing"
)

// Mirror is the part of the search mirror written by ingestion.
type Mirror interface {
	Add(doc mirror.Document) (uint64, error)
	DeleteDomain(domain int64) (int, error)
	DeleteDirection(domain int64, direction lang.Direction) (int, error)
	PutChannels(doc mirror.Document) error
	Commit() error
	DocCount() int
}

// Result summarizes one applied batch.
type Result struct {
	Applied     int
	Duplicates  int
	Unsupported int
	Deleted     int
	Positions   map[uint16]int64
}

// Applier writes batches to the index and the mirror. Apply calls are
// serialized.
type Applier struct {
	index    *corpus.Index
	mirror   Mirror
	resolver lang.Resolver
	sinks    []progress.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu  sync.Mutex
	seq uint64

	// dropped buckets are removed from the index but their files stay until
	// a snapshot without them has been saved.
	dropped []*corpus.Bucket
}

// NewApplier builds an Applier. sinks and m may be nil.
func NewApplier(index *corpus.Index, m Mirror, resolver lang.Resolver, sinks []progress.Sink, met *metrics.Metrics) *Applier {
	return &Applier{
		index:    index,
		mirror:   m,
		resolver: resolver,
		sinks:    sinks,
		metrics:  met,
		logger:   logger.WithComponent("applier"),
	}
}

// Apply runs the batch through the write path. The batch is cut after
// every deletion and each segment goes through these steps in turn:
//
//  1. units and deletions at or below the stored channel position are dropped;
//  2. units are appended to their bucket and added to the mirror;
//  3. the closing deletion removes buckets from the index and documents from
//     the mirror;
//  4. touched buckets are synced and the mirror is committed together with
//     the new channel positions;
//  5. channel positions are registered and the index snapshot is saved;
//  6. files of deleted buckets are removed.
//
// Progress sinks are notified once the whole batch is applied.
//
// A failure before step 5 leaves the channel positions where they were, so
// the segment is applied again on retry. Once step 5 starts the content is
// durable: the positions stay registered even if the save fails, and the
// snapshot is written by the next Apply or Flush before anything else.
func (a *Applier) Apply(ctx context.Context, batch *Batch) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	ctx, span := tracing.StartSpan(ctx, "apply_batch", fmt.Sprintf("batch-%d", a.seq))
	span.SetAttr("units", len(batch.Units))
	span.SetAttr("deletions", len(batch.Deletions))
	defer func() {
		span.End()
		span.Log(a.logger)
	}()

	start := time.Now()
	res, err := a.applySegments(ctx, batch)
	span.Fail(err)
	if a.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		a.metrics.BatchesTotal.WithLabelValues(status).Inc()
		a.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		a.logger.Error("batch failed", "units", len(batch.Units), "deletions", len(batch.Deletions), "error", err)
		return res, err
	}

	a.logger.Debug("batch applied",
		"applied", res.Applied,
		"duplicates", res.Duplicates,
		"unsupported", res.Unsupported,
		"deleted", res.Deleted,
		"duration", time.Since(start),
	)
	a.notify(ctx, res.Positions)
	return res, nil
}

func (a *Applier) applySegments(ctx context.Context, batch *Batch) (Result, error) {
	var total Result
	if len(a.dropped) > 0 {
		// a deletion whose snapshot was never saved; its files must be gone
		// before a bucket with the same identity can be created again
		err := tracing.Stage(ctx, "settle_deletions", func(context.Context) error {
			if err := a.index.Save(); err != nil {
				return fmt.Errorf("saving corpora index: %w", err)
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		a.dropPending()
	}

	for _, seg := range segments(batch) {
		res, err := a.apply(ctx, seg)
		total.Applied += res.Applied
		total.Duplicates += res.Duplicates
		total.Unsupported += res.Unsupported
		total.Deleted += res.Deleted
		if err != nil {
			return total, err
		}
		total.Positions = res.Positions
	}
	return total, nil
}

func (a *Applier) apply(ctx context.Context, batch *Batch) (Result, error) {
	stored := a.index.GetChannels()
	fresh := func(ch uint16, pos int64) bool {
		cur, ok := stored[ch]
		return !ok || pos > cur
	}

	var res Result
	touched := make(map[*corpus.Bucket]struct{})

	err := tracing.Stage(ctx, "append_units", func(context.Context) error {
		for _, u := range batch.Units {
			if !fresh(u.Channel, u.Position) {
				res.Duplicates++
				continue
			}
			direction, ok := a.resolver.Resolve(u.Direction)
			if !ok {
				res.Unsupported++
				a.logger.Debug("unsupported direction", "direction", u.Direction.String(), "domain", u.Domain)
				continue
			}
			b, err := a.index.GetOrCreateBucket(direction, u.Domain)
			if err != nil {
				return err
			}
			if err := b.Append(corpus.Pair{Source: u.Sentence, Target: u.Translation}); err != nil {
				return fmt.Errorf("appending to bucket %s: %w", b, err)
			}
			if _, err := a.mirror.Add(mirror.BuildDocument(direction, u.Domain, u.Sentence, u.Translation)); err != nil {
				return fmt.Errorf("adding to mirror: %w", err)
			}
			touched[b] = struct{}{}
			res.Applied++
			if a.metrics != nil {
				a.metrics.UnitsAppliedTotal.WithLabelValues(direction.Source + ":" + direction.Target).Inc()
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	err = tracing.Stage(ctx, "apply_deletions", func(context.Context) error {
		for _, d := range batch.Deletions {
			if !fresh(d.Channel, d.Position) {
				res.Duplicates++
				continue
			}
			n, err := a.delete(d, touched)
			if err != nil {
				return err
			}
			res.Deleted += n
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	err = tracing.Stage(ctx, "sync_buckets", func(context.Context) error {
		for b := range touched {
			if err := b.Sync(); err != nil {
				return fmt.Errorf("syncing bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	merged := make(map[uint16]int64, len(stored)+len(batch.Positions))
	for ch, pos := range stored {
		merged[ch] = pos
	}
	advanced := make(map[uint16]int64, len(batch.Positions))
	for ch, pos := range batch.Positions {
		if fresh(ch, pos) {
			merged[ch] = pos
			advanced[ch] = pos
		}
	}
	err = tracing.Stage(ctx, "commit_mirror", func(context.Context) error {
		if len(advanced) > 0 {
			if err := a.mirror.PutChannels(mirror.BuildChannelsDocument(merged)); err != nil {
				return fmt.Errorf("writing mirror channels: %w", err)
			}
		}
		if err := a.mirror.Commit(); err != nil {
			return fmt.Errorf("committing mirror: %w", err)
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	saveStart := time.Now()
	err = tracing.Stage(ctx, "save_index", func(context.Context) error {
		for ch, pos := range advanced {
			a.index.RegisterData(ch, pos)
		}
		if err := a.index.Save(); err != nil {
			return fmt.Errorf("saving corpora index: %w", err)
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if a.metrics != nil {
		a.metrics.SaveLatency.Observe(time.Since(saveStart).Seconds())
		a.metrics.BucketCount.Set(float64(a.index.Len()))
		a.metrics.MirrorDocCount.Set(float64(a.mirror.DocCount()))
		a.metrics.UnitsSkippedTotal.WithLabelValues("duplicate").Add(float64(res.Duplicates))
		a.metrics.UnitsSkippedTotal.WithLabelValues("unsupported").Add(float64(res.Unsupported))
		a.metrics.DeletionsTotal.Add(float64(res.Deleted))
		a.metrics.SetChannels(merged)
	}
	a.dropPending()

	res.Positions = merged
	return res, nil
}

// delete removes the buckets named by d from the index and the matching
// documents from the mirror. Bucket files are released after the next save.
func (a *Applier) delete(d Deletion, touched map[*corpus.Bucket]struct{}) (int, error) {
	var direction *lang.Direction
	if d.Direction != nil {
		resolved, ok := a.resolver.Resolve(*d.Direction)
		if !ok {
			resolved = *d.Direction
		}
		direction = &resolved
	}

	removed := 0
	for _, b := range a.index.GetBucketsByDomain(d.Domain) {
		if direction != nil && b.Direction() != *direction {
			continue
		}
		a.index.Remove(b)
		delete(touched, b)
		a.dropped = append(a.dropped, b)
		removed++
	}

	var err error
	if direction != nil {
		_, err = a.mirror.DeleteDirection(d.Domain, *direction)
	} else {
		_, err = a.mirror.DeleteDomain(d.Domain)
	}
	if err != nil {
		return removed, fmt.Errorf("deleting domain %d from mirror: %w", d.Domain, err)
	}
	if removed > 0 {
		a.logger.Info("domain deleted", "domain", d.Domain, "buckets", removed)
	}
	return removed, nil
}

func (a *Applier) dropPending() {
	if len(a.dropped) == 0 {
		return
	}
	var errs *multierror.Error
	for _, b := range a.dropped {
		if live, ok := a.index.GetBucket(b.Direction(), b.Domain()); ok && live.Path() == b.Path() {
			if err := b.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
			continue
		}
		if err := b.Drop(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	a.dropped = a.dropped[:0]
	if err := errs.ErrorOrNil(); err != nil {
		a.logger.Warn("releasing deleted buckets", "error", err)
	}
}

func (a *Applier) notify(ctx context.Context, positions map[uint16]int64) {
	for _, s := range a.sinks {
		status := "success"
		if err := s.Publish(ctx, positions); err != nil {
			status = "error"
			a.logger.Warn("progress sink failed", "sink", s.Name(), "error", err)
		}
		if a.metrics != nil {
			a.metrics.SinkPublishTotal.WithLabelValues(s.Name(), status).Inc()
		}
	}
}

// Flush saves the index snapshot. It is used on shutdown.
func (a *Applier) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.mirror.Commit(); err != nil {
		return fmt.Errorf("committing mirror: %w", err)
	}
	if err := a.index.Save(); err != nil {
		return fmt.Errorf("saving corpora index: %w", err)
	}
	a.dropPending()
	return nil
}
