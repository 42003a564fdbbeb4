package allocator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jkaninda/kazi/internal/domain"
)

// Guard owns one borrowed instance for the duration of one job attempt.
//
// The owning control flow defers Release immediately after a successful
// Borrow, so the return call runs on every exit path: normal completion,
// early failure, or a panic unwinding through the job attempt. Release is
// idempotent at the guard level; an explicit early Release followed by the
// deferred one still produces exactly one return call to the allocator.
type Guard struct {
	client   *Client
	instance domain.Instance
	logger   *slog.Logger
	once     sync.Once
}

// Instance returns the borrowed instance.
func (g *Guard) Instance() domain.Instance { return g.instance }

// Release returns the instance to the allocator. At most one return call is
// made regardless of how many times Release runs. A failed return is logged
// and swallowed: release runs on cleanup paths, and a return failure must
// never mask the job outcome it accompanies.
func (g *Guard) Release(ctx context.Context) {
	g.once.Do(func() {
		if err := g.client.returnInstance(ctx, g.instance); err != nil {
			g.logger.Error("failed to return instance",
				slog.String("instance_id", g.instance.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		g.logger.Info("instance returned", slog.String("instance_id", g.instance.ID))
	})
}
