package gitrepo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// call records one git invocation made through a fake runner.
type call struct {
	dir  string
	args []string
}

// fakeRunner scripts git responses keyed by subcommand.
type fakeRunner struct {
	calls   []call
	outputs map[string]string // subcommand -> stdout
	fails   map[string]error  // subcommand -> error
}

func (f *fakeRunner) run(_ context.Context, dir string, args ...string) (string, error) {
	f.calls = append(f.calls, call{dir: dir, args: args})
	sub := subcommand(args)
	if err, ok := f.fails[sub]; ok {
		return "fatal: " + sub + " failed", err
	}
	return f.outputs[sub], nil
}

// subcommand skips -c key=value config pairs to find the git verb.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}

func testRepo(f *fakeRunner) *Repo {
	return &Repo{path: "/work/j1", run: f.run, logger: testLogger()}
}

func TestClone(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{}}
	repo, err := cloneWith(context.Background(), f.run, "file:///tmp/r.git", "/work/j1", testLogger())
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if repo.Path() != "/work/j1" {
		t.Fatalf("unexpected path: %s", repo.Path())
	}
	if len(f.calls) != 1 || f.calls[0].args[0] != "clone" {
		t.Fatalf("unexpected calls: %+v", f.calls)
	}
}

func TestClone_Failure(t *testing.T) {
	f := &fakeRunner{fails: map[string]error{"clone": errors.New("exit status 128")}}
	_, err := cloneWith(context.Background(), f.run, "file:///nonexistent.git", "/work/j1", testLogger())
	var gitErr *Error
	if !errors.As(err, &gitErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if gitErr.Kind != KindClone {
		t.Fatalf("expected %s, got %s", KindClone, gitErr.Kind)
	}
}

func TestCheckout_LocalBranch(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{}}
	if err := testRepo(f).Checkout(context.Background(), "main"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if len(f.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(f.calls))
	}
}

func TestCheckout_RemoteFallback(t *testing.T) {
	f := &fakeRunner{fails: map[string]error{}}
	// First checkout fails, the -b origin/<branch> fallback succeeds.
	first := true
	repo := &Repo{
		path: "/work/j1",
		run: func(ctx context.Context, dir string, args ...string) (string, error) {
			f.calls = append(f.calls, call{dir: dir, args: args})
			if first {
				first = false
				return "error: pathspec 'feature' did not match", errors.New("exit status 1")
			}
			return "", nil
		},
		logger: testLogger(),
	}
	if err := repo.Checkout(context.Background(), "feature"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	last := f.calls[len(f.calls)-1].args
	if want := "origin/feature"; last[len(last)-1] != want {
		t.Fatalf("expected fallback to %s, got %v", want, last)
	}
}

func TestCheckout_BothFail(t *testing.T) {
	f := &fakeRunner{fails: map[string]error{"checkout": errors.New("exit status 1")}}
	err := testRepo(f).Checkout(context.Background(), "ghost")
	var gitErr *Error
	if !errors.As(err, &gitErr) || gitErr.Kind != KindCheckout {
		t.Fatalf("expected checkout-failed, got %v", err)
	}
}

func TestHasChanges(t *testing.T) {
	cases := []struct {
		name   string
		status string
		want   bool
	}{
		{"clean", "", false},
		{"modified", " M main.go", true},
		{"untracked", "?? new.go", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeRunner{outputs: map[string]string{"status": tc.status}}
			got, err := testRepo(f).HasChanges(context.Background())
			if err != nil {
				t.Fatalf("has changes: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestCommitAll_NoChanges(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{"status": ""}}
	committed, err := testRepo(f).CommitAll(context.Background(), "msg")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed {
		t.Fatal("expected no commit on a clean tree")
	}
	// Only the status probe should have run.
	if len(f.calls) != 1 {
		t.Fatalf("unexpected calls: %+v", f.calls)
	}
}

func TestCommitAll_WithChanges(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{"status": " M main.go", "rev-parse": "abc123"}}
	committed, err := testRepo(f).CommitAll(context.Background(), "Agent changes for job: j1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !committed {
		t.Fatal("expected a commit")
	}
	var sawCommit bool
	for _, c := range f.calls {
		if subcommand(c.args) == "commit" {
			sawCommit = true
			joined := strings.Join(c.args, " ")
			if !strings.Contains(joined, "Agent changes for job: j1") {
				t.Fatalf("commit message missing: %v", c.args)
			}
		}
	}
	if !sawCommit {
		t.Fatalf("no commit invocation: %+v", f.calls)
	}
}

func TestCommitAll_NoCommitTarget(t *testing.T) {
	f := &fakeRunner{
		outputs: map[string]string{"status": "?? file"},
		fails:   map[string]error{"rev-parse": errors.New("exit status 128")},
	}
	_, err := testRepo(f).CommitAll(context.Background(), "msg")
	var gitErr *Error
	if !errors.As(err, &gitErr) || gitErr.Kind != KindNoCommitTarget {
		t.Fatalf("expected no-commit-target, got %v", err)
	}
}

func TestPush_Rejected(t *testing.T) {
	f := &fakeRunner{fails: map[string]error{"push": errors.New("exit status 1")}}
	err := testRepo(f).Push(context.Background(), "main")
	var gitErr *Error
	if !errors.As(err, &gitErr) || gitErr.Kind != KindPush {
		t.Fatalf("expected push-rejected, got %v", err)
	}
}

func TestGitEnv_StripsCredentials(t *testing.T) {
	t.Setenv("GIT_ASKPASS", "/usr/bin/leak")
	t.Setenv("GIT_SSH_COMMAND", "ssh -i /secret")
	t.Setenv("HOME", "/home/worker")

	env := gitEnv()
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if name == "GIT_ASKPASS" || name == "GIT_SSH_COMMAND" {
			t.Fatalf("credential var leaked: %s", kv)
		}
	}
	var sawPromptOff, sawHome bool
	for _, kv := range env {
		if kv == "GIT_TERMINAL_PROMPT=0" {
			sawPromptOff = true
		}
		if kv == "HOME=/home/worker" {
			sawHome = true
		}
	}
	if !sawPromptOff {
		t.Fatal("GIT_TERMINAL_PROMPT=0 not set")
	}
	if !sawHome {
		t.Fatal("benign env var dropped")
	}
}
