// Package sandbox runs untrusted guest agent code in an isolated execution
// environment. The guest has no direct network or filesystem access beyond
// its working directory; every network operation crosses the host-function
// boundary, a fixed closed set of operations served by the security mediator.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// HostFunctions is the closed set of operations a guest may invoke on the
// host. The mediator session implements it; nothing else is ever exposed.
type HostFunctions interface {
	InitializeMCPConnection(ctx context.Context, url string) error
	GetMCPTools(ctx context.Context) (string, error)
	ExecuteMCPTool(ctx context.Context, toolName, argumentsJSON string) (string, error)
}

// Runtime executes guest agent code for one job attempt.
type Runtime interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines one guest run.
type ExecutionRequest struct {
	// Prompt is the agent instruction for this job.
	Prompt string

	// WorkingDir is the guest's only writable root: the job's cloned
	// repository. The runtime must not grant access outside it.
	WorkingDir string

	// MCPURL is the endpoint the guest should initialize its connection
	// against. Advertised only; enforcement happens in Host.
	MCPURL string

	// Host serves the guest's host-function calls.
	Host HostFunctions

	// Timeout overrides the runtime default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use runtime defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the guest process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// ExecutionResult captures the outcome of a guest run.
type ExecutionResult struct {
	Output   string // Final output reported by the guest.
	Stdout   string // Non-protocol stdout, capped.
	Stderr   string // Stderr, capped.
	ExitCode int
	Duration time.Duration
}

// Success reports whether the guest completed cleanly.
func (r *ExecutionResult) Success() bool { return r.ExitCode == 0 }

// ExecError is a failure of the sandbox runtime itself, as opposed to a
// guest that ran and exited nonzero.
type ExecError struct {
	Stage string
	Err   error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Stage, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }
