package main

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/domain"
)

var (
	enqueueJobID   string
	enqueueRepoURL string
	enqueueBranch  string
	enqueuePrompt  string
	enqueueMCPURL  string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a new job",
	RunE:  runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueJobID, "job-id", "", "Unique job ID (default: generated)")
	enqueueCmd.Flags().StringVar(&enqueueRepoURL, "repo-url", "", "Repository URL")
	enqueueCmd.Flags().StringVar(&enqueueBranch, "branch", "", "Branch name")
	enqueueCmd.Flags().StringVar(&enqueuePrompt, "prompt", "", "Prompt for the agent")
	enqueueCmd.Flags().StringVar(&enqueueMCPURL, "mcp-connection-url", "", "Optional MCP connection URL")
	_ = enqueueCmd.MarkFlagRequired("repo-url")
	_ = enqueueCmd.MarkFlagRequired("branch")
	_ = enqueueCmd.MarkFlagRequired("prompt")
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	jobID := enqueueJobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	q, err := openQueue(cmd.Context(), logger)
	if err != nil {
		return err
	}

	job := &domain.Job{
		ID:               jobID,
		RepoURL:          enqueueRepoURL,
		Branch:           enqueueBranch,
		Prompt:           enqueuePrompt,
		MCPConnectionURL: enqueueMCPURL,
	}

	if err := q.Enqueue(cmd.Context(), job); err != nil {
		return err
	}

	logger.Info("job enqueued", slog.String("job_id", job.ID))
	fmt.Printf("Job enqueued successfully: %s\n", job.ID)
	return nil
}
