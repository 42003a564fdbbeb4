// Package worker implements the job-processing loop: dequeue, borrow an
// instance, clone, run the sandboxed agent, commit and push, return the
// instance, acknowledge. Every failure path after a successful borrow runs
// the instance release before the job is nacked; no failure ever drops a job
// silently.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/kazi/internal/allocator"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/gitrepo"
	"github.com/jkaninda/kazi/internal/sandbox"
)

// State is a stage of the per-job state machine. Transitions are strictly
// ordered on the success path; any failure after InstanceBorrowed passes
// through InstanceReturned before NackedForRetry.
type State string

const (
	StateIdle             State = "idle"
	StateDequeued         State = "dequeued"
	StateInstanceBorrowed State = "instance_borrowed"
	StateRepoReady        State = "repo_ready"
	StateAgentExecuted    State = "agent_executed"
	StateCommitted        State = "committed"
	StateInstanceReturned State = "instance_returned"
	StateAcknowledged     State = "acknowledged"
	StateNackedForRetry   State = "nacked_for_retry"
)

// JobQueue is the queue surface the worker needs.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*domain.Job, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string) error
}

// Lease is a borrowed instance with guaranteed-release semantics.
type Lease interface {
	Instance() domain.Instance
	Release(ctx context.Context)
}

// InstanceSource borrows compute instances.
type InstanceSource interface {
	Borrow(ctx context.Context) (Lease, error)
}

// Repo is one cloned working copy.
type Repo interface {
	Path() string
	Fetch(ctx context.Context) error
	Checkout(ctx context.Context, branch string) error
	CommitAll(ctx context.Context, message string) (bool, error)
	Push(ctx context.Context, branch string) error
}

// RepoClient clones repositories.
type RepoClient interface {
	Clone(ctx context.Context, repoURL, targetDir string) (Repo, error)
}

// AgentRunner executes the sandboxed agent for a job.
type AgentRunner interface {
	Execute(ctx context.Context, job *domain.Job, repoPath, mcpURL string) (*sandbox.ExecutionResult, error)
}

// Config holds per-worker settings.
type Config struct {
	// ID names this worker loop in logs ("worker-1").
	ID string
	// WorkDir is the root under which per-job clone directories are created.
	WorkDir string
	// DequeueTimeout bounds each blocking dequeue.
	DequeueTimeout time.Duration
}

// Worker is one sequential job-processing loop. Horizontal scaling is
// multiple Workers, each with its own loop.
type Worker struct {
	cfg     Config
	queue   JobQueue
	source  InstanceSource
	repos   RepoClient
	agent   AgentRunner
	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithTracer attaches an OTel tracer; one span per job attempt.
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// New creates a Worker.
func New(cfg Config, q JobQueue, source InstanceSource, repos RepoClient, agent AgentRunner, logger *slog.Logger, opts ...Option) (*Worker, error) {
	if cfg.ID == "" {
		cfg.ID = "worker"
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 30 * time.Second
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work directory is required")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}

	w := &Worker{
		cfg:    cfg,
		queue:  q,
		source: source,
		repos:  repos,
		agent:  agent,
		tracer: noop.NewTracerProvider().Tracer(""),
		logger: logger.With(slog.String("worker_id", cfg.ID)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run processes jobs until ctx is canceled. One job fully resolves, to
// Acknowledged or NackedForRetry, before the next dequeue begins.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker loop started",
		slog.String("work_dir", w.cfg.WorkDir),
		slog.Duration("dequeue_timeout", w.cfg.DequeueTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker loop stopped")
			return nil
		default:
		}

		processed, err := w.processNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker loop stopped")
				return nil
			}
			w.logger.Error("error processing job", slog.String("error", err.Error()))
			// Back off briefly so an unreachable store doesn't hot-loop.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if !processed {
			w.logger.Debug("no jobs available")
		}
	}
}

// processNext claims one job and resolves it. Returns false when the dequeue
// timed out with nothing to do.
func (w *Worker) processNext(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx, w.cfg.DequeueTimeout)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	logger := w.logger.With(slog.String("job_id", job.ID))
	w.transition(logger, StateDequeued)
	if w.metrics != nil {
		w.metrics.JobsDequeued.Inc()
	}

	jobCtx, span := w.tracer.Start(ctx, "worker.process_job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.repo_url", job.RepoURL),
			attribute.String("job.branch", job.Branch),
		),
	)
	start := time.Now()
	procErr := w.processJob(jobCtx, logger, job)
	duration := time.Since(start)
	if w.metrics != nil {
		w.metrics.JobDuration.Observe(duration.Seconds())
	}

	if procErr != nil {
		span.RecordError(procErr)
		span.SetStatus(codes.Error, procErr.Error())
		span.End()

		logger.Error("job failed",
			slog.String("error", procErr.Error()),
			slog.Duration("duration", duration),
		)
		if w.metrics != nil {
			w.metrics.JobsFailed.Inc()
		}
		if err := w.queue.Nack(ctx, job.ID); err != nil {
			return true, fmt.Errorf("nacking failed job %s: %w", job.ID, err)
		}
		w.transition(logger, StateNackedForRetry)
		return true, nil
	}

	span.SetStatus(codes.Ok, "")
	span.End()

	if err := w.queue.Ack(ctx, job.ID); err != nil {
		return true, fmt.Errorf("acking completed job %s: %w", job.ID, err)
	}
	w.transition(logger, StateAcknowledged)
	if w.metrics != nil {
		w.metrics.JobsSucceeded.Inc()
	}
	logger.Info("job completed", slog.Duration("duration", duration))
	return true, nil
}

// processJob runs one attempt through the pipeline. Any returned error sends
// the job to the retry path; once the borrow succeeded, the deferred release
// guarantees the instance goes back on every exit, panics included.
func (w *Worker) processJob(ctx context.Context, logger *slog.Logger, job *domain.Job) error {
	lease, err := w.source.Borrow(ctx)
	if err != nil {
		// Nothing was acquired; nothing to release.
		return fmt.Errorf("borrowing instance: %w", err)
	}
	w.transition(logger, StateInstanceBorrowed)
	if w.metrics != nil {
		w.metrics.InstancesBorrowed.Inc()
	}

	// Release must run even when ctx is already canceled or a later stage
	// panics; detach the release context from cancellation.
	releaseCtx := context.WithoutCancel(ctx)
	defer func() {
		lease.Release(releaseCtx)
		w.transition(logger, StateInstanceReturned)
	}()

	repoDir := filepath.Join(w.cfg.WorkDir, job.ID)
	if err := os.RemoveAll(repoDir); err != nil {
		return fmt.Errorf("cleaning stale job directory: %w", err)
	}

	repo, err := w.repos.Clone(ctx, job.RepoURL, repoDir)
	if err != nil {
		return err
	}
	defer w.cleanup(logger, repoDir)

	if err := repo.Fetch(ctx); err != nil {
		return err
	}
	if err := repo.Checkout(ctx, job.Branch); err != nil {
		return err
	}
	w.transition(logger, StateRepoReady)

	// The job's own MCP URL wins; a job without one uses the endpoint that
	// came with the borrowed instance.
	mcpURL := job.MCPConnectionURL
	if mcpURL == "" {
		mcpURL = lease.Instance().MCPConnectionURL
	}

	result, err := w.agent.Execute(ctx, job, repo.Path(), mcpURL)
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("agent exited with code %d: %s", result.ExitCode, result.Stderr)
	}
	w.transition(logger, StateAgentExecuted)

	committed, err := repo.CommitAll(ctx, commitMessage(job))
	if err != nil {
		return err
	}
	if committed {
		if err := repo.Push(ctx, job.Branch); err != nil {
			return err
		}
		logger.Info("changes pushed", slog.String("branch", job.Branch))
	} else {
		logger.Info("no changes after agent execution")
	}
	w.transition(logger, StateCommitted)

	return nil
}

func (w *Worker) transition(logger *slog.Logger, state State) {
	logger.Info("state transition", slog.String("state", string(state)))
}

func (w *Worker) cleanup(logger *slog.Logger, repoDir string) {
	if err := os.RemoveAll(repoDir); err != nil {
		logger.Warn("failed to remove job directory",
			slog.String("dir", repoDir),
			slog.String("error", err.Error()),
		)
	}
}

func commitMessage(job *domain.Job) string {
	return fmt.Sprintf("Agent changes for job: %s\n\nPrompt: %s", job.ID, job.Prompt)
}

// --- collaborator adapters ---

// allocatorSource adapts the allocator client to InstanceSource.
type allocatorSource struct {
	client *allocator.Client
}

// NewAllocatorSource wraps an allocator client.
func NewAllocatorSource(client *allocator.Client) InstanceSource {
	return &allocatorSource{client: client}
}

func (s *allocatorSource) Borrow(ctx context.Context) (Lease, error) {
	guard, err := s.client.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	return guard, nil
}

// gitClient adapts package gitrepo to RepoClient.
type gitClient struct {
	logger *slog.Logger
}

// NewGitClient returns a RepoClient backed by the git CLI.
func NewGitClient(logger *slog.Logger) RepoClient {
	return &gitClient{logger: logger}
}

func (c *gitClient) Clone(ctx context.Context, repoURL, targetDir string) (Repo, error) {
	return gitrepo.Clone(ctx, repoURL, targetDir, c.logger)
}
