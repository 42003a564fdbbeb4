package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		q, err := openQueue(cmd.Context(), newLogger())
		if err != nil {
			return err
		}
		stats, err := q.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println("Queue Statistics:")
		fmt.Printf("  Pending jobs: %d\n", stats.Pending)
		fmt.Printf("  Processing jobs: %d\n", stats.Processing)
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover stalled jobs from the processing queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		q, err := openQueue(cmd.Context(), newLogger())
		if err != nil {
			return err
		}
		recovered, err := q.Recover(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Recovered %d stalled jobs\n", recovered)
		return nil
	},
}

var peekCmd = &cobra.Command{
	Use:   "peek",
	Short: "Peek at the next job without dequeuing",
	RunE: func(cmd *cobra.Command, _ []string) error {
		q, err := openQueue(cmd.Context(), newLogger())
		if err != nil {
			return err
		}
		job, err := q.Peek(cmd.Context())
		if err != nil {
			return err
		}
		if job == nil {
			fmt.Println("Queue is empty")
			return nil
		}
		fmt.Println("Next job in queue:")
		fmt.Printf("  ID: %s\n", job.ID)
		fmt.Printf("  Repository: %s\n", job.RepoURL)
		fmt.Printf("  Branch: %s\n", job.Branch)
		fmt.Printf("  Prompt: %s\n", job.Prompt)
		if job.MCPConnectionURL != "" {
			fmt.Printf("  MCP URL: %s\n", job.MCPConnectionURL)
		}
		return nil
	},
}
