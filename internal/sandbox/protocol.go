package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// The guest talks to the host over its own stdio with line-delimited JSON.
// The host opens the exchange with an "execute" message carrying the prompt;
// the guest then issues host calls, each answered on its stdin, and finishes
// with a "result" message. Anything on stdout that is not a protocol frame is
// treated as plain guest output.

const (
	opExecute       = "execute"
	opInitializeMCP = "initialize_mcp_connection"
	opGetTools      = "get_mcp_tools"
	opExecuteTool   = "execute_mcp_tool"
	opResult        = "result"
)

// guestFrame is a message from the guest: a host call or the final result.
type guestFrame struct {
	ID        int64  `json:"id,omitempty"`
	Op        string `json:"op"`
	URL       string `json:"url,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// hostFrame is a message to the guest: the execute preamble or a call reply.
type hostFrame struct {
	ID      int64  `json:"id,omitempty"`
	Op      string `json:"op,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
	MCPURL  string `json:"mcp_url,omitempty"`
	OK      bool   `json:"ok"`
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// protocolMaxLine bounds a single protocol frame. Large tool responses are
// the host's to cap before they reach the guest.
const protocolMaxLine = 4 << 20 // 4 MB

// serveGuest drives the host side of the protocol: sends the execute
// preamble, dispatches host calls to hf, and returns the guest's final
// output. Plain (non-JSON) stdout lines are appended to plainOut.
func serveGuest(ctx context.Context, stdin io.Writer, stdout io.Reader, hf HostFunctions, prompt, mcpURL string, plainOut *strings.Builder) (string, error) {
	enc := json.NewEncoder(stdin)
	if err := enc.Encode(hostFrame{Op: opExecute, Prompt: prompt, MCPURL: mcpURL, OK: true}); err != nil {
		return "", fmt.Errorf("sending execute frame: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), protocolMaxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		var frame guestFrame
		if err := json.Unmarshal(line, &frame); err != nil || frame.Op == "" {
			plainOut.Write(line)
			plainOut.WriteByte('\n')
			continue
		}

		if frame.Op == opResult {
			return frame.Output, nil
		}

		reply := dispatch(ctx, hf, frame)
		if err := enc.Encode(reply); err != nil {
			return "", fmt.Errorf("replying to guest call %q: %w", frame.Op, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading guest stdout: %w", err)
	}
	// Guest exited without a result frame; its exit code tells the story.
	return "", nil
}

// dispatch routes one guest call to the host-function set. Unknown operations
// are rejected, never forwarded anywhere.
func dispatch(ctx context.Context, hf HostFunctions, frame guestFrame) hostFrame {
	reply := hostFrame{ID: frame.ID}
	switch frame.Op {
	case opInitializeMCP:
		if err := hf.InitializeMCPConnection(ctx, frame.URL); err != nil {
			reply.Error = err.Error()
			return reply
		}
		reply.OK = true
	case opGetTools:
		payload, err := hf.GetMCPTools(ctx)
		if err != nil {
			reply.Error = err.Error()
			return reply
		}
		reply.OK = true
		reply.Payload = payload
	case opExecuteTool:
		payload, err := hf.ExecuteMCPTool(ctx, frame.Tool, frame.Arguments)
		if err != nil {
			reply.Error = err.Error()
			return reply
		}
		reply.OK = true
		reply.Payload = payload
	default:
		reply.Error = fmt.Sprintf("unknown host operation %q", frame.Op)
	}
	return reply
}
