// Package allocator is the HTTP client for the compute-instance allocator
// service, plus the Guard that guarantees a borrowed instance is returned on
// every exit path of the job attempt that owns it.
package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jkaninda/kazi/internal/domain"
)

const defaultTimeout = 30 * time.Second

// Error wraps a borrow or return failure, either transport-level or a
// non-2xx response from the allocator.
type Error struct {
	Op     string // "borrow" or "return"
	Status int    // HTTP status, 0 on transport failure
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("allocator %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("allocator %s failed: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// Client talks to the allocator's borrow/return endpoints.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// NewClient creates an allocator client for the given base URL.
func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(defaultTimeout).
			SetHeader("Content-Type", "application/json"),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Borrow requests an instance and wraps it in a Guard. On failure nothing was
// acquired, so there is nothing to release.
func (c *Client) Borrow(ctx context.Context) (*Guard, error) {
	var instance domain.Instance
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&instance).
		Post("/borrow")
	if err != nil {
		return nil, &Error{Op: "borrow", Err: err}
	}
	if !resp.IsSuccess() {
		return nil, &Error{Op: "borrow", Status: resp.StatusCode(), Body: resp.String()}
	}

	c.logger.Info("instance borrowed", slog.String("instance_id", instance.ID))
	return &Guard{client: c, instance: instance, logger: c.logger}, nil
}

// Health probes the allocator's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return &Error{Op: "health", Err: err}
	}
	if !resp.IsSuccess() {
		return &Error{Op: "health", Status: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// returnInstance posts the borrowed triple back to the allocator.
func (c *Client) returnInstance(ctx context.Context, instance domain.Instance) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(instance).
		Post("/return")
	if err != nil {
		return &Error{Op: "return", Err: err}
	}
	if !resp.IsSuccess() {
		return &Error{Op: "return", Status: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}
