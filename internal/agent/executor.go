// Package agent binds one job's security mediation to one sandboxed guest
// run. The executor is the only place a mediator session and the guest
// runtime meet: it builds the per-job session (allowed MCP endpoint + cloned
// repository as the sole writable root) and hands it to the runtime as the
// guest's host-function surface.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/mediator"
	"github.com/jkaninda/kazi/internal/sandbox"
)

// Executor runs guest agent code for jobs.
type Executor struct {
	runtime sandbox.Runtime
	logger  *slog.Logger
}

// NewExecutor creates an executor backed by the given guest runtime.
func NewExecutor(runtime sandbox.Runtime, logger *slog.Logger) *Executor {
	return &Executor{runtime: runtime, logger: logger}
}

// Execute runs the job's prompt in the sandbox with network access confined
// to mcpURL and filesystem access confined to repoPath. An empty mcpURL
// yields a fail-closed session: the guest still runs, but every network
// request it makes is rejected.
func (e *Executor) Execute(ctx context.Context, job *domain.Job, repoPath, mcpURL string) (*sandbox.ExecutionResult, error) {
	e.logger.Info("executing agent",
		slog.String("job_id", job.ID),
		slog.String("repo_path", repoPath),
	)

	session, err := mediator.NewSession(mcpURL, repoPath, e.logger.With(slog.String("job_id", job.ID)))
	if err != nil {
		return nil, fmt.Errorf("creating mediator session: %w", err)
	}
	defer session.Close()

	result, err := e.runtime.Execute(ctx, sandbox.ExecutionRequest{
		Prompt:     job.Prompt,
		WorkingDir: repoPath,
		MCPURL:     mcpURL,
		Host:       session,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("agent execution finished",
		slog.String("job_id", job.ID),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}
