// Loom Agent — выполняет одну попытку task на хосте.
//
// Агент получает описание попытки из API, скачивает входные файлы,
// выполняет команду, собирает выходы и сообщает результат.
// Процесс завершается вместе с попыткой.
//
// Использование:
//
//	loom-agent --attempt ID --api URL [--workdir DIR]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/loom/internal/agent"
	"github.com/shaiso/loom/internal/telemetry"
)

var version = "dev"

func main() {
	var (
		attempt   string
		apiURL    string
		workDir   string
		dockerBin string
		heartbeat time.Duration
		timeout   time.Duration
	)

	rootCmd := &cobra.Command{
		Use:           "loom-agent",
		Short:         "Run a single task attempt",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			attemptID, err := uuid.Parse(attempt)
			if err != nil {
				return fmt.Errorf("invalid --attempt: %w", err)
			}
			if workDir == "" {
				workDir, err = os.Getwd()
				if err != nil {
					return err
				}
			}

			logger := telemetry.ForAttempt(telemetry.SetupLogger(), attemptID)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a := agent.New(agent.Config{
				AttemptID: attemptID,
				Reporter:  agent.NewAPIReporter(apiURL, timeout),
				Executors: agent.NewRegistry(dockerBin),
				WorkDir:   workDir,
				Heartbeat: heartbeat,
				Logger:    logger,
			})
			return a.Run(ctx)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&attempt, "attempt", "", "Task attempt ID")
	flags.StringVar(&apiURL, "api", "http://localhost:8080", "Loom API URL")
	flags.StringVar(&workDir, "workdir", "", "Working directory (default: current)")
	flags.StringVar(&dockerBin, "docker", "docker", "Docker binary for containerized steps")
	flags.DurationVar(&heartbeat, "heartbeat", 30*time.Second, "Heartbeat interval")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "API request timeout")
	_ = rootCmd.MarkFlagRequired("attempt")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
