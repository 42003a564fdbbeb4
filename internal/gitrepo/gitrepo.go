// Package gitrepo is the repository collaborator for the worker pipeline:
// clone, checkout, commit, and push via the git CLI.
//
// Security:
//   - Credential environment variables are stripped from every invocation
//   - GIT_TERMINAL_PROMPT is forced off so git never blocks on a prompt
//   - Authentication, when needed, comes from the host's git configuration
//     outside this process; this package never handles credentials itself
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Kind classifies a git failure so callers can pattern-match on it.
type Kind string

const (
	KindClone          Kind = "clone-failed"
	KindCheckout       Kind = "checkout-failed"
	KindCommit         Kind = "commit-failed"
	KindPush           Kind = "push-rejected"
	KindNoCommitTarget Kind = "no-commit-target"
	KindStatus         Kind = "status-failed"
)

// Error is a git operation failure with its classification and the
// command output that explains it.
type Error struct {
	Kind   Kind
	Output string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("git %s: %v", e.Kind, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Credential-related env vars that must never reach a git invocation.
var stripEnvVars = []string{
	"GIT_ASKPASS",
	"GIT_CONFIG",
	"GIT_CONFIG_GLOBAL",
	"GIT_CONFIG_SYSTEM",
	"GIT_CREDENTIAL_HELPER",
	"GIT_SSH",
	"GIT_SSH_COMMAND",
}

// runner executes a git command in a directory and returns combined output.
// Swapped for a fake in tests.
type runner func(ctx context.Context, dir string, args ...string) (string, error)

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = gitEnv()
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return strings.TrimSpace(out.String()), err
}

func gitEnv() []string {
	stripped := make(map[string]bool, len(stripEnvVars))
	for _, name := range stripEnvVars {
		stripped[name] = true
	}
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if !stripped[name] {
			env = append(env, kv)
		}
	}
	return env
}

// Repo is a cloned working copy.
type Repo struct {
	path   string
	run    runner
	logger *slog.Logger
}

// Clone clones repoURL into targetDir.
func Clone(ctx context.Context, repoURL, targetDir string, logger *slog.Logger) (*Repo, error) {
	return cloneWith(ctx, execGit, repoURL, targetDir, logger)
}

func cloneWith(ctx context.Context, run runner, repoURL, targetDir string, logger *slog.Logger) (*Repo, error) {
	logger.Info("cloning repository",
		slog.String("repo_url", repoURL),
		slog.String("target", targetDir),
	)
	out, err := run(ctx, "", "clone", repoURL, targetDir)
	if err != nil {
		return nil, &Error{Kind: KindClone, Output: out, Err: err}
	}
	return &Repo{path: targetDir, run: run, logger: logger}, nil
}

// Open wraps an existing working copy.
func Open(path string, logger *slog.Logger) *Repo {
	return &Repo{path: path, run: execGit, logger: logger}
}

// Path returns the working copy's local path.
func (r *Repo) Path() string { return r.path }

// Fetch updates remote-tracking branches from origin.
func (r *Repo) Fetch(ctx context.Context) error {
	out, err := r.run(ctx, r.path, "fetch", "origin")
	if err != nil {
		return &Error{Kind: KindCheckout, Output: out, Err: err}
	}
	return nil
}

// Checkout switches the working copy to the named branch. A branch that only
// exists on the remote is checked out as a new local tracking branch.
func (r *Repo) Checkout(ctx context.Context, branch string) error {
	r.logger.Info("checking out branch", slog.String("branch", branch))
	out, err := r.run(ctx, r.path, "checkout", branch)
	if err == nil {
		return nil
	}
	// Fall back to creating a local branch from the remote-tracking ref.
	trackOut, trackErr := r.run(ctx, r.path, "checkout", "-b", branch, "origin/"+branch)
	if trackErr != nil {
		return &Error{Kind: KindCheckout, Output: out + "\n" + trackOut, Err: trackErr}
	}
	return nil
}

// HasChanges reports whether the working copy has uncommitted changes,
// including untracked files.
func (r *Repo) HasChanges(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, r.path, "status", "--porcelain")
	if err != nil {
		return false, &Error{Kind: KindStatus, Output: out, Err: err}
	}
	return out != "", nil
}

// CommitAll stages everything and commits with the given message. Returns
// false with no error when there is nothing to commit; that is a success
// outcome for the pipeline, not a failure.
func (r *Repo) CommitAll(ctx context.Context, message string) (bool, error) {
	hasChanges, err := r.HasChanges(ctx)
	if err != nil {
		return false, err
	}
	if !hasChanges {
		r.logger.Info("no changes to commit")
		return false, nil
	}

	if out, err := r.run(ctx, r.path, "add", "--all"); err != nil {
		return false, &Error{Kind: KindCommit, Output: out, Err: err}
	}

	// A repository without a resolvable HEAD has nothing to commit onto.
	if out, err := r.run(ctx, r.path, "rev-parse", "--verify", "HEAD"); err != nil {
		return false, &Error{Kind: KindNoCommitTarget, Output: out, Err: err}
	}

	out, err := r.run(ctx, r.path,
		"-c", "user.name=kazi-worker",
		"-c", "user.email=worker@kazi.local",
		"commit", "-m", message,
	)
	if err != nil {
		return false, &Error{Kind: KindCommit, Output: out, Err: err}
	}
	r.logger.Info("changes committed")
	return true, nil
}

// Push pushes the named branch to origin.
func (r *Repo) Push(ctx context.Context, branch string) error {
	r.logger.Info("pushing branch", slog.String("branch", branch))
	out, err := r.run(ctx, r.path, "push", "origin", branch)
	if err != nil {
		return &Error{Kind: KindPush, Output: out, Err: err}
	}
	return nil
}
