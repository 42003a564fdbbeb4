// Package mediator is the only path by which sandboxed guest code reaches the
// network. Each job gets one Session holding the single allowed MCP endpoint
// and the job's working directory; every guest request is validated against
// the allow-list before anything touches the network. A job with no MCP URL
// gets a fail-closed session that rejects every request.
package mediator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ErrUnauthorized is returned for any guest network request that does not
// match the session's allowed endpoint, and for every request on a session
// with no allowed endpoint configured.
var ErrUnauthorized = errors.New("unauthorized network access")

// RemoteError wraps a failure of a proxied call to the allowed endpoint.
// Surfaced to the guest as a normal call failure, distinct from a rejection.
type RemoteError struct {
	Op   string
	Tool string
	Err  error
}

func (e *RemoteError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("mcp %s %q failed: %v", e.Op, e.Tool, e.Err)
	}
	return fmt.Sprintf("mcp %s failed: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Session mediates one job's guest network access. The allowed URL and
// working directory are fixed at construction and never guest-writable.
type Session struct {
	allowed *url.URL // nil = fail closed
	workDir string
	logger  *slog.Logger

	mu     sync.Mutex
	client *mcpclient.Client
}

// NewSession creates the mediation session for one job. allowedURL is the
// job's MCP connection URL; empty means the job has no network access at all.
func NewSession(allowedURL, workDir string, logger *slog.Logger) (*Session, error) {
	s := &Session{workDir: workDir, logger: logger}
	if allowedURL == "" {
		logger.Warn("no MCP URL for this job; all guest network access will be rejected")
		return s, nil
	}
	parsed, err := url.Parse(allowedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MCP connection URL %q: %w", allowedURL, err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("MCP connection URL %q has no host", allowedURL)
	}
	s.allowed = parsed
	return s, nil
}

// WorkDir returns the job's confined working directory.
func (s *Session) WorkDir() string { return s.workDir }

// InitializeMCPConnection validates the guest-supplied URL against the
// allowed endpoint and performs the MCP handshake. Scheme, host, and port
// must all match exactly; a differing path alone does not widen access, and
// no wildcard or empty rule ever permits a connection.
func (s *Session) InitializeMCPConnection(ctx context.Context, rawURL string) error {
	if s.allowed == nil {
		s.logger.Error("guest network request rejected: no MCP endpoint configured")
		return ErrUnauthorized
	}
	requested, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("unparseable URL %q: %w", rawURL, ErrUnauthorized)
	}
	if requested.Scheme != s.allowed.Scheme ||
		requested.Hostname() != s.allowed.Hostname() ||
		requested.Port() != s.allowed.Port() {
		s.logger.Error("blocked unauthorized connection attempt",
			slog.String("requested", rawURL),
			slog.String("allowed", s.allowed.String()),
		)
		return fmt.Errorf("connection to %q blocked, only %q is allowed: %w",
			rawURL, s.allowed.String(), ErrUnauthorized)
	}

	if err := s.connect(ctx); err != nil {
		return err
	}
	s.logger.Info("mcp connection initialized", slog.String("endpoint", s.allowed.String()))
	return nil
}

// GetMCPTools forwards a tool-listing request to the allowed endpoint and
// returns the response as an opaque JSON payload.
func (s *Session) GetMCPTools(ctx context.Context) (string, error) {
	if s.allowed == nil {
		return "", ErrUnauthorized
	}
	if err := s.connect(ctx); err != nil {
		return "", err
	}

	listResp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return "", &RemoteError{Op: "list tools", Err: err}
	}
	payload, err := json.Marshal(listResp)
	if err != nil {
		return "", &RemoteError{Op: "list tools", Err: err}
	}
	s.logger.Info("mcp tools listed", slog.Int("count", len(listResp.Tools)))
	return string(payload), nil
}

// ExecuteMCPTool forwards a tool invocation to the allowed endpoint.
// Arguments and responses are opaque here: the mediator validates the
// destination, not the payload.
func (s *Session) ExecuteMCPTool(ctx context.Context, toolName, argumentsJSON string) (string, error) {
	if s.allowed == nil {
		return "", ErrUnauthorized
	}
	if err := s.connect(ctx); err != nil {
		return "", err
	}

	var arguments map[string]any
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &arguments); err != nil {
			return "", fmt.Errorf("tool %q arguments are not valid JSON: %w", toolName, err)
		}
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = toolName
	callReq.Params.Arguments = arguments

	s.logger.Info("mcp tool executing", slog.String("tool", toolName))
	callResult, err := s.client.CallTool(ctx, callReq)
	if err != nil {
		return "", &RemoteError{Op: "call tool", Tool: toolName, Err: err}
	}
	payload, err := json.Marshal(callResult)
	if err != nil {
		return "", &RemoteError{Op: "call tool", Tool: toolName, Err: err}
	}
	return string(payload), nil
}

// Close shuts down the MCP client connection, if one was established.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		s.logger.Error("closing MCP client", slog.String("error", err.Error()))
	}
	s.client = nil
}

// connect lazily establishes the MCP client against the allowed endpoint and
// performs the initialization handshake. Only ever dials s.allowed.
func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	c, err := mcpclient.NewStreamableHttpClient(s.allowed.String())
	if err != nil {
		return &RemoteError{Op: "connect", Err: err}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "kazi",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return &RemoteError{Op: "initialize", Err: err}
	}

	s.client = c
	return nil
}
