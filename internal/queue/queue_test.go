package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

// memStore is an in-memory store implementing the same list-transfer
// semantics as the Redis adapter. Index 0 is the head of each list.
type memStore struct {
	mu    sync.Mutex
	lists map[string][]string
	fail  error // when set, every operation returns this error
}

func newMemStore() *memStore {
	return &memStore{lists: make(map[string][]string)}
}

func (s *memStore) Push(_ context.Context, list, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.lists[list] = append(s.lists[list], value)
	return nil
}

func (s *memStore) BlockingMove(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		value, err := s.Move(ctx, src, dst)
		if err != nil || value != "" {
			return value, err
		}
		if time.Now().After(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *memStore) Move(_ context.Context, src, dst string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	entries := s.lists[src]
	if len(entries) == 0 {
		return "", nil
	}
	value := entries[0]
	s.lists[src] = entries[1:]
	s.lists[dst] = append(s.lists[dst], value)
	return value, nil
}

func (s *memStore) Remove(_ context.Context, list, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	for i, entry := range s.lists[list] {
		if entry == value {
			s.lists[list] = append(s.lists[list][:i], s.lists[list][i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (s *memStore) Head(_ context.Context, list string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	if len(s.lists[list]) == 0 {
		return "", nil
	}
	return s.lists[list][0], nil
}

func (s *memStore) Entries(_ context.Context, list string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	out := make([]string, len(s.lists[list]))
	copy(out, s.lists[list])
	return out, nil
}

func (s *memStore) Len(_ context.Context, list string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	return int64(len(s.lists[list])), nil
}

func testQueue(t *testing.T) (*Queue, *memStore) {
	t.Helper()
	store := newMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newWithStore(store, "agent_jobs", WithLogger(logger)), store
}

func testJob(id string) *domain.Job {
	return &domain.Job{
		ID:      id,
		RepoURL: "file:///tmp/repo.git",
		Branch:  "main",
		Prompt:  "do nothing",
	}
}

func TestEnqueueDequeue_FIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, testJob(fmt.Sprintf("j%d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx, time.Second)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if job == nil {
			t.Fatal("expected a job")
		}
		if want := fmt.Sprintf("j%d", i); job.ID != want {
			t.Fatalf("expected %s, got %s", want, job.ID)
		}
	}
}

func TestDequeue_MovesToProcessing(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Enqueue(ctx, testJob("j1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Pending != 1 || stats.Processing != 0 {
		t.Fatalf("before dequeue: %+v", stats)
	}

	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	stats, _ = q.Stats(ctx)
	if stats.Pending != 0 || stats.Processing != 1 {
		t.Fatalf("after dequeue: %+v", stats)
	}
}

func TestDequeue_EmptyBlocksUntilTimeout(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	timeout := 50 * time.Millisecond
	start := time.Now()
	job, err := q.Dequeue(ctx, timeout)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %s", job.ID)
	}
	if elapsed < timeout {
		t.Fatalf("returned before timeout: %v", elapsed)
	}
	if elapsed > timeout+time.Second {
		t.Fatalf("blocked far past timeout: %v", elapsed)
	}
}

func TestAck_RemovesFromProcessing(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Enqueue(ctx, testJob("j1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Ack(ctx, "j1"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Pending != 0 || stats.Processing != 0 {
		t.Fatalf("after ack: %+v", stats)
	}
}

func TestAck_Double(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	_ = q.Enqueue(ctx, testJob("j1"))
	_, _ = q.Dequeue(ctx, time.Second)

	if err := q.Ack(ctx, "j1"); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	err := q.Ack(ctx, "j1")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("second ack: expected ErrJobNotFound, got %v", err)
	}
}

func TestAck_MatchesByParsedID(t *testing.T) {
	ctx := context.Background()
	q, store := testQueue(t)

	// Entry stored with a field order the worker would never produce itself.
	// Matching must parse the id, not compare bytes.
	raw := `{"branch":"main","id":"j1","prompt":"p","repo_url":"file:///tmp/r.git"}`
	if err := store.Push(ctx, "agent_jobs_processing", raw); err != nil {
		t.Fatalf("push: %v", err)
	}

	if err := q.Ack(ctx, "j1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestNack_RequeuesAtTail(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	_ = q.Enqueue(ctx, testJob("j1"))
	_ = q.Enqueue(ctx, testJob("j2"))

	job, _ := q.Dequeue(ctx, time.Second)
	if job.ID != "j1" {
		t.Fatalf("expected j1, got %s", job.ID)
	}
	if err := q.Nack(ctx, "j1"); err != nil {
		t.Fatalf("nack: %v", err)
	}

	// j2 was already ahead of the requeued j1.
	job, _ = q.Dequeue(ctx, time.Second)
	if job.ID != "j2" {
		t.Fatalf("expected j2, got %s", job.ID)
	}
	job, _ = q.Dequeue(ctx, time.Second)
	if job.ID != "j1" {
		t.Fatalf("expected j1 again, got %s", job.ID)
	}
}

func TestNack_Missing(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	err := q.Nack(ctx, "ghost")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRecover(t *testing.T) {
	ctx := context.Background()

	for _, count := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("%d_stalled", count), func(t *testing.T) {
			q, _ := testQueue(t)
			for i := 0; i < count; i++ {
				_ = q.Enqueue(ctx, testJob(fmt.Sprintf("j%d", i)))
				_, _ = q.Dequeue(ctx, time.Second)
			}

			recovered, err := q.Recover(ctx)
			if err != nil {
				t.Fatalf("recover: %v", err)
			}
			if recovered != count {
				t.Fatalf("expected %d recovered, got %d", count, recovered)
			}

			stats, _ := q.Stats(ctx)
			if stats.Processing != 0 {
				t.Fatalf("processing not drained: %+v", stats)
			}
			if stats.Pending != int64(count) {
				t.Fatalf("pending mismatch: %+v", stats)
			}
		})
	}
}

func TestRecover_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	for i := 0; i < 3; i++ {
		_ = q.Enqueue(ctx, testJob(fmt.Sprintf("j%d", i)))
		_, _ = q.Dequeue(ctx, time.Second)
	}

	if _, err := q.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	for i := 0; i < 3; i++ {
		job, _ := q.Dequeue(ctx, time.Second)
		if want := fmt.Sprintf("j%d", i); job == nil || job.ID != want {
			t.Fatalf("expected %s after recover, got %+v", want, job)
		}
	}
}

func TestPeek_DoesNotMutate(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	_ = q.Enqueue(ctx, testJob("j1"))

	job, err := q.Peek(ctx)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if job == nil || job.ID != "j1" {
		t.Fatalf("expected j1, got %+v", job)
	}

	stats, _ := q.Stats(ctx)
	if stats.Pending != 1 || stats.Processing != 0 {
		t.Fatalf("peek mutated state: %+v", stats)
	}
}

func TestPeek_Empty(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	job, err := q.Peek(ctx)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil, got %+v", job)
	}
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	q, store := testQueue(t)
	store.fail = errors.New("connection refused")

	err := q.Enqueue(ctx, testJob("j1"))
	var unavailable *StoreUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected StoreUnavailableError, got %v", err)
	}
}

func TestConcurrentWorkers_EachJobClaimedOnce(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	const jobs = 10
	for i := 0; i < jobs; i++ {
		_ = q.Enqueue(ctx, testJob(fmt.Sprintf("j%d", i)))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Dequeue(ctx, 20*time.Millisecond)
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
				if err := q.Ack(ctx, job.ID); err != nil {
					t.Errorf("ack %s: %v", job.ID, err)
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("expected %d distinct jobs, got %d", jobs, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
	stats, _ := q.Stats(ctx)
	if stats.Pending != 0 || stats.Processing != 0 {
		t.Fatalf("queue not drained: %+v", stats)
	}
}
