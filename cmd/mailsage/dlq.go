package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailsage/internal/queue"
)

var (
	dlqListLimit  int
	dlqListOffset int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Task queue commands",
	Long: `Task queue commands.

The queue file is locked by a running serve or worker process; stop it
before using these commands.`,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task queue statistics",
	RunE:  runQueueStats,
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead letter queue commands",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead tasks",
	RunE:  runDLQList,
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <task_id>",
	Short: "Move a dead task back to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQRetry,
}

var dlqDeleteCmd = &cobra.Command{
	Use:   "delete <task_id>",
	Short: "Delete a dead task",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQDelete,
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqListLimit, "limit", 50, "Maximum number of tasks to show")
	dlqListCmd.Flags().IntVar(&dlqListOffset, "offset", 0, "Number of tasks to skip")

	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqDeleteCmd)
	queueCmd.AddCommand(queueStatsCmd)
	rootCmd.AddCommand(queueCmd, dlqCmd)
}

func openQueueStorage() (*queue.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Queue.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}

	return storage, nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()

	stats, err := storage.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	fmt.Println("Queue Statistics")
	fmt.Println("================")
	fmt.Printf("Total:     %d\n", stats.Total)
	fmt.Printf("Pending:   %d\n", stats.Pending)
	fmt.Printf("Running:   %d\n", stats.Running)
	fmt.Printf("Deferred:  %d\n", stats.Deferred)
	fmt.Printf("Completed: %d\n", stats.Completed)
	fmt.Printf("Dead:      %d\n", stats.Dead)

	dlqStats, err := storage.DLQStats(ctx)
	if err == nil && dlqStats.Total > 0 {
		fmt.Println("\nDead Letter Queue")
		fmt.Println("-----------------")
		fmt.Printf("Total:     %d\n", dlqStats.Total)
		if !dlqStats.OldestAt.IsZero() {
			fmt.Printf("Oldest:    %s\n", dlqStats.OldestAt.Format(time.RFC3339))
		}
	}

	return nil
}

func runDLQList(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	tasks, err := storage.ListDLQ(context.Background(), dlqListLimit, dlqListOffset)
	if err != nil {
		return fmt.Errorf("failed to list dead tasks: %w", err)
	}

	if len(tasks) == 0 {
		fmt.Println("Dead letter queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tJOB\tATTEMPTS\tUPDATED\tERROR")
	fmt.Fprintln(w, "--\t----\t---\t--------\t-------\t-----")

	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.ID,
			t.Type,
			t.JobID,
			t.Attempts,
			t.UpdatedAt.Format("2006-01-02 15:04"),
			truncate(t.LastError, 60),
		)
	}

	w.Flush()
	fmt.Printf("\nShown: %d tasks\n", len(tasks))

	return nil
}

func runDLQRetry(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := storage.RetryFromDLQ(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to retry task: %w", err)
	}

	fmt.Printf("Task %s moved back to the queue\n", args[0])
	return nil
}

func runDLQDelete(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := storage.DeleteFromDLQ(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	fmt.Printf("Task %s deleted\n", args[0])
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
