package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/postgres"
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobCompleted JobStatus = "COMPLETED"
)

// ErrJobNotFound is returned by Get for an unknown id.
var ErrJobNotFound = errors.New("import job not found")

// Job is one corpus import written to a channel between two offsets. The
// job completes once the channel position reaches EndOffset.
type Job struct {
	ID          int64
	Domain      int64
	Channel     uint16
	BeginOffset int64
	EndOffset   int64
	Status      JobStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}

const jobsSchema = `CREATE TABLE IF NOT EXISTS import_jobs (
	id           BIGSERIAL PRIMARY KEY,
	domain       BIGINT      NOT NULL,
	channel      INTEGER     NOT NULL,
	begin_offset BIGINT      NOT NULL,
	end_offset   BIGINT      NOT NULL,
	status       TEXT        NOT NULL DEFAULT 'PENDING',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
)`

const pendingIndex = `CREATE INDEX IF NOT EXISTS import_jobs_pending
	ON import_jobs (channel, end_offset) WHERE status = 'PENDING'`

// JobTracker stores import jobs in PostgreSQL and completes them as
// ingestion progresses.
type JobTracker struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewJobTracker(db *sql.DB) *JobTracker {
	return &JobTracker{
		db:     db,
		logger: logger.WithComponent("import-jobs"),
	}
}

func (t *JobTracker) Name() string { return "postgres" }

// EnsureSchema creates the import_jobs table when missing.
func (t *JobTracker) EnsureSchema(ctx context.Context) error {
	if err := postgres.ExecAll(ctx, t.db, jobsSchema, pendingIndex); err != nil {
		return fmt.Errorf("creating import_jobs schema: %w", err)
	}
	return nil
}

// Create registers a pending job covering [begin, end] on channel.
func (t *JobTracker) Create(ctx context.Context, domain int64, channel uint16, begin, end int64) (Job, error) {
	if end < begin {
		return Job{}, fmt.Errorf("import job end offset %d is before begin offset %d", end, begin)
	}
	job := Job{
		Domain:      domain,
		Channel:     channel,
		BeginOffset: begin,
		EndOffset:   end,
		Status:      JobPending,
	}
	err := t.db.QueryRowContext(ctx,
		`INSERT INTO import_jobs (domain, channel, begin_offset, end_offset, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		domain, int(channel), begin, end, string(JobPending),
	).Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		return Job{}, fmt.Errorf("inserting import job: %w", err)
	}
	t.logger.Info("import job created",
		"id", job.ID,
		"domain", domain,
		"channel", channel,
		"begin", begin,
		"end", end,
	)
	return job, nil
}

// Get loads a job by id.
func (t *JobTracker) Get(ctx context.Context, id int64) (Job, error) {
	var (
		job     Job
		channel int
		status  string
		done    sql.NullTime
	)
	err := t.db.QueryRowContext(ctx,
		`SELECT id, domain, channel, begin_offset, end_offset, status, created_at, completed_at
		 FROM import_jobs WHERE id = $1`,
		id,
	).Scan(&job.ID, &job.Domain, &channel, &job.BeginOffset, &job.EndOffset, &status, &job.CreatedAt, &done)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("loading import job %d: %w", id, err)
	}
	job.Channel = uint16(channel)
	job.Status = JobStatus(status)
	if done.Valid {
		job.CompletedAt = &done.Time
	}
	return job, nil
}

// Publish completes every pending job whose end offset has been reached.
// All channels are updated in one transaction.
func (t *JobTracker) Publish(ctx context.Context, positions map[uint16]int64) error {
	if len(positions) == 0 {
		return nil
	}
	var completed int64
	err := postgres.InTx(ctx, t.db, func(tx *sql.Tx) error {
		for ch, pos := range positions {
			res, err := tx.ExecContext(ctx,
				`UPDATE import_jobs SET status = $1, completed_at = NOW()
				 WHERE status = $2 AND channel = $3 AND end_offset <= $4`,
				string(JobCompleted), string(JobPending), int(ch), pos,
			)
			if err != nil {
				return fmt.Errorf("completing import jobs on channel %d: %w", ch, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				completed += n
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if completed > 0 {
		t.logger.Info("import jobs completed", "count", completed)
	}
	return nil
}
