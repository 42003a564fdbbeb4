package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps captured stderr and plain stdout.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout    = 10 * time.Minute
	defaultCPUSeconds = 300
	defaultMemoryMB   = 1024
)

// ProcessConfig configures the process-backed runtime.
type ProcessConfig struct {
	// GuestBinary is the path to the guest agent executable.
	GuestBinary string

	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
}

// ProcessRuntime runs the guest agent as an isolated OS process.
//
// Isolation:
//   - The guest runs in its own process group; the whole group is killed on
//     timeout or cancellation
//   - No environment inheritance — only a minimal safe set
//   - Working directory pinned to the job's cloned repository
//   - Resource limits enforced via ulimit
//   - Network access only through the host-function protocol on stdio
type ProcessRuntime struct {
	guestBinary    string
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	logger         *slog.Logger
}

// NewProcessRuntime creates a process-backed guest runtime.
func NewProcessRuntime(cfg ProcessConfig, logger *slog.Logger) (*ProcessRuntime, error) {
	if cfg.GuestBinary == "" {
		return nil, errors.New("guest binary path is required")
	}

	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	limits := cfg.DefaultLimits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}

	return &ProcessRuntime{
		guestBinary:    cfg.GuestBinary,
		defaultTimeout: timeout,
		defaultLimits:  limits,
		logger:         logger,
	}, nil
}

// Execute runs the guest for one job attempt.
func (r *ProcessRuntime) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if req.WorkingDir == "" {
		return nil, &ExecError{Stage: "setup", Err: errors.New("working directory is required")}
	}
	if req.Host == nil {
		return nil, &ExecError{Stage: "setup", Err: errors.New("host functions are required")}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = r.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limits := r.resolveLimits(req.Limits)

	// Wrap the guest with ulimit enforcement. exec "$@" keeps the binary
	// path out of the shell string, so nothing is interpolated.
	memKB := limits.MaxMemoryMB * 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, limits.MaxCPUSeconds,
	)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", shellScript, "_", r.guestBinary)
	cmd.Dir = req.WorkingDir

	// Process group isolation; kill the whole group on timeout/cancel so
	// anything the guest spawned dies with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// Sanitized environment — no inheritance from the worker process.
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + req.WorkingDir,
		"TMPDIR=" + req.WorkingDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ExecError{Stage: "setup", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ExecError{Stage: "setup", Err: err}
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	r.logger.Info("guest executing",
		slog.String("binary", r.guestBinary),
		slog.String("working_dir", req.WorkingDir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ExecError{Stage: "start", Err: err}
	}

	var plainOut strings.Builder
	output, serveErr := serveGuest(ctx, stdin, stdout, req.Host, req.Prompt, req.MCPURL, &plainOut)
	_, _ = io.Copy(io.Discard, stdout) // drain anything after the result frame
	_ = stdin.Close()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	exitCode := 0
	if waitErr != nil {
		if ctx.Err() != nil {
			r.logger.Warn("guest execution timed out",
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, &ExecError{Stage: "execute", Err: fmt.Errorf("timed out after %s", timeout)}
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, &ExecError{Stage: "execute", Err: waitErr}
		}
	}
	if serveErr != nil && ctx.Err() == nil && exitCode == 0 {
		return nil, &ExecError{Stage: "protocol", Err: serveErr}
	}

	r.logger.Info("guest execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &ExecutionResult{
		Output:   output,
		Stdout:   capString(plainOut.String(), maxOutputBytes),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func (r *ProcessRuntime) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := r.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

func capString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// limitedWriter stops writing after a byte limit; excess is discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
