// Package queue implements a reliable Redis-backed job queue.
//
// Dequeue atomically moves a job from the main list to a processing list
// (BLMOVE), so a worker crash never loses a claimed job: anything left in the
// processing list is moved back by Recover on the next startup. Completion is
// an explicit Ack that removes the entry from the processing list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/kazi/internal/domain"
)

// ErrJobNotFound is returned by Ack and Nack when no entry in the processing
// list matches the given job ID (e.g. a double ack). Reported, non-fatal.
var ErrJobNotFound = errors.New("job not found in processing queue")

// StoreUnavailableError wraps a failure to reach the queue backend.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("queue store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Stats reports the lengths of the two lists.
type Stats struct {
	Pending    int64
	Processing int64
}

// Queue is a reliable FIFO over two Redis lists: <name> holds pending jobs,
// <name>_processing holds jobs claimed by a worker but not yet acknowledged.
type Queue struct {
	store          store
	name           string
	processingName string
	logger         *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New connects to Redis and returns a Queue for the named job list.
func New(ctx context.Context, redisURL, name string, opts ...Option) (*Queue, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &StoreUnavailableError{Op: "connect", Err: err}
	}
	return newWithStore(&redisStore{client: client}, name, opts...), nil
}

func newWithStore(s store, name string, opts ...Option) *Queue {
	q := &Queue{
		store:          s,
		name:           name,
		processingName: name + "_processing",
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends the job to the tail of the main list.
func (q *Queue) Enqueue(ctx context.Context, job *domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("serializing job %s: %w", job.ID, err)
	}
	if err := q.store.Push(ctx, q.name, string(payload)); err != nil {
		return &StoreUnavailableError{Op: "enqueue", Err: err}
	}
	q.logger.Info("job enqueued", slog.String("job_id", job.ID), slog.String("queue", q.name))
	return nil
}

// Dequeue atomically moves the job at the head of the main list onto the
// processing list and returns it. Blocks up to timeout when the main list is
// empty; expiry returns (nil, nil), not an error.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*domain.Job, error) {
	payload, err := q.store.BlockingMove(ctx, q.name, q.processingName, timeout)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "dequeue", Err: err}
	}
	if payload == "" {
		return nil, nil
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("deserializing dequeued job: %w", err)
	}
	q.logger.Info("job dequeued", slog.String("job_id", job.ID), slog.String("queue", q.name))
	return &job, nil
}

// Ack removes the first processing entry whose id matches jobID, completing
// the job. Matching parses the stored value's id rather than comparing raw
// bytes, so field ordering or encoding differences never block an ack.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	entry, err := q.findProcessing(ctx, jobID)
	if err != nil {
		return err
	}
	if entry == "" {
		return fmt.Errorf("acking job %s: %w", jobID, ErrJobNotFound)
	}
	removed, err := q.store.Remove(ctx, q.processingName, entry)
	if err != nil {
		return &StoreUnavailableError{Op: "ack", Err: err}
	}
	if removed == 0 {
		return fmt.Errorf("acking job %s: %w", jobID, ErrJobNotFound)
	}
	q.logger.Info("job acknowledged", slog.String("job_id", jobID))
	return nil
}

// Nack removes the matching processing entry and re-appends it to the tail of
// the main list, making the job eligible for retry by any worker.
func (q *Queue) Nack(ctx context.Context, jobID string) error {
	entry, err := q.findProcessing(ctx, jobID)
	if err != nil {
		return err
	}
	if entry == "" {
		return fmt.Errorf("nacking job %s: %w", jobID, ErrJobNotFound)
	}
	removed, err := q.store.Remove(ctx, q.processingName, entry)
	if err != nil {
		return &StoreUnavailableError{Op: "nack", Err: err}
	}
	if removed == 0 {
		return fmt.Errorf("nacking job %s: %w", jobID, ErrJobNotFound)
	}
	if err := q.store.Push(ctx, q.name, entry); err != nil {
		return &StoreUnavailableError{Op: "nack requeue", Err: err}
	}
	q.logger.Warn("job returned to queue for retry", slog.String("job_id", jobID))
	return nil
}

// Recover moves every entry from the processing list back to the tail of the
// main list and returns how many were moved. Intended to run once at worker
// startup: anything still in processing belongs to a run that terminated
// without acknowledging. Running it while another worker is mid-job can
// duplicate that job; that coarseness is inherent to the pattern.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for {
		payload, err := q.store.Move(ctx, q.processingName, q.name)
		if err != nil {
			return recovered, &StoreUnavailableError{Op: "recover", Err: err}
		}
		if payload == "" {
			break
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Info("recovered stalled jobs", slog.Int("count", recovered))
	}
	return recovered, nil
}

// Peek returns the job at the head of the main list without mutating any
// state, or (nil, nil) when the queue is empty.
func (q *Queue) Peek(ctx context.Context) (*domain.Job, error) {
	payload, err := q.store.Head(ctx, q.name)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "peek", Err: err}
	}
	if payload == "" {
		return nil, nil
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("deserializing peeked job: %w", err)
	}
	return &job, nil
}

// Stats returns the lengths of the main and processing lists.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pending, err := q.store.Len(ctx, q.name)
	if err != nil {
		return Stats{}, &StoreUnavailableError{Op: "stats", Err: err}
	}
	processing, err := q.store.Len(ctx, q.processingName)
	if err != nil {
		return Stats{}, &StoreUnavailableError{Op: "stats", Err: err}
	}
	return Stats{Pending: pending, Processing: processing}, nil
}

// findProcessing scans the processing list for the first entry whose parsed
// id equals jobID. Returns "" when no entry matches.
func (q *Queue) findProcessing(ctx context.Context, jobID string) (string, error) {
	entries, err := q.store.Entries(ctx, q.processingName)
	if err != nil {
		return "", &StoreUnavailableError{Op: "scan processing", Err: err}
	}
	for _, entry := range entries {
		var job domain.Job
		if err := json.Unmarshal([]byte(entry), &job); err != nil {
			q.logger.Warn("skipping malformed processing entry", slog.String("error", err.Error()))
			continue
		}
		if job.ID == jobID {
			return entry, nil
		}
	}
	return "", nil
}
