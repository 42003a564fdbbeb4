// Kazi — reliable Redis-backed worker for agent code-change jobs.
package main

import (
	"fmt"
	"os"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kazi",
	Short: "Kazi — a reliable Redis-based agent worker for processing code changes.",
	Long: `Kazi pulls agent-execution jobs off a durable Redis queue, borrows an
isolated compute instance per job, runs the agent in a sandbox with mediated
network access, and pushes the resulting code changes back to the repository.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url",
		goutils.Env("KAZI_REDIS_URL", "redis://127.0.0.1:6379"), "Redis connection URL")
	rootCmd.PersistentFlags().StringVar(&queueName, "queue",
		goutils.Env("KAZI_QUEUE_NAME", "agent_jobs"), "Queue name")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level",
		goutils.Env("KAZI_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd, enqueueCmd, statsCmd, peekCmd, recoverCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
