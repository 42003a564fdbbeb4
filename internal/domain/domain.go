// Package domain defines the entity types shared across the worker pipeline.
package domain

// Job is one unit of agent work. Immutable once enqueued; identity is ID.
// The JSON encoding is the queue wire format.
type Job struct {
	ID               string `json:"id"`
	RepoURL          string `json:"repo_url"`
	Branch           string `json:"branch"`
	Prompt           string `json:"prompt"`
	MCPConnectionURL string `json:"mcp_connection_url,omitempty"`
}

// Instance is a unit of compute capacity borrowed from the allocator for the
// duration of one job attempt. Exclusively owned by one allocator.Guard from
// borrow until return.
type Instance struct {
	ID               string `json:"id"`
	MCPConnectionURL string `json:"mcp_connection_url"`
	APIURL           string `json:"api_url"`
}
