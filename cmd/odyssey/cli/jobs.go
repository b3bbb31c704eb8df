package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/period-close/jobs"
)

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    jobs.Enqueuer
	inspector queueInspector
	queue     string
	closers   []io.Closer
}

// NewJobsCLI initialises the CLI helpers against the closing queue.
func NewJobsCLI(redisOpts asynq.RedisClientOpt, queue string) (*JobsCLI, error) {
	client := asynq.NewClient(redisOpts)
	inspector := asynq.NewInspector(redisOpts)
	return &JobsCLI{
		client:    client,
		inspector: inspector,
		queue:     queueName(queue),
		closers:   []io.Closer{inspector, client},
	}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	for _, closer := range c.closers {
		if closeErr := closer.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported closing task. jobID is required for advance.
func (c *JobsCLI) Trigger(ctx context.Context, name string, jobID int64) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var task *asynq.Task
	var err error
	switch name {
	case jobs.TaskClosingSweep, "sweep":
		task = jobs.NewSweepTask(c.queue)
	case jobs.TaskClosingAdvance, "advance":
		if jobID <= 0 {
			return nil, errors.New("jobs cli: advance requires a job id")
		}
		task, err = jobs.NewAdvanceTask(jobID, c.queue)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
}

// InspectQueue reports the queue metrics for the closing queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(c.queue)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: c.queue}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(c.queue, asynq.PageSize(size), asynq.Page(1))
}

// NewJobsCommand builds `jobs trigger|stats|scheduled`. open is called once
// per invocation and the helper is closed afterwards.
func NewJobsCommand(open func() (*JobsCLI, error)) *cobra.Command {
	withCLI := func(run func(cmd *cobra.Command, c *JobsCLI, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			return run(cmd, c, args)
		}
	}

	root := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger closing queue tasks",
	}

	trigger := &cobra.Command{
		Use:   "trigger <sweep|advance>",
		Short: "Enqueue a sweep of running jobs or an advance of one job",
		Example: `  odyssey jobs trigger sweep
  odyssey jobs trigger advance --job 42`,
		Args: cobra.ExactArgs(1),
		RunE: withCLI(func(cmd *cobra.Command, c *JobsCLI, args []string) error {
			jobID, _ := cmd.Flags().GetInt64("job")
			info, err := c.Trigger(cmd.Context(), args[0], jobID)
			if errors.Is(err, asynq.ErrTaskIDConflict) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "advance already pending")
				return nil
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
			return nil
		}),
	}
	trigger.Flags().Int64("job", 0, "Closing job id (advance only)")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print closing queue depth as JSON",
		Args:  cobra.NoArgs,
		RunE: withCLI(func(cmd *cobra.Command, c *JobsCLI, _ []string) error {
			s, err := c.InspectQueue(cmd.Context())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(s)
		}),
	}

	scheduled := &cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled closing tasks",
		Args:  cobra.NoArgs,
		RunE: withCLI(func(cmd *cobra.Command, c *JobsCLI, _ []string) error {
			size, _ := cmd.Flags().GetInt("size")
			tasks, err := c.ListScheduled(cmd.Context(), size)
			if err != nil {
				return err
			}
			for _, task := range tasks {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", task.ID, task.Type, task.NextProcessAt.UTC().Format("2006-01-02T15:04:05Z"))
			}
			return nil
		}),
	}
	scheduled.Flags().Int("size", 10, "Page size")

	root.AddCommand(trigger, stats, scheduled)
	return root
}

func queueName(queue string) string {
	if queue == "" {
		return jobs.QueueClosing
	}
	return queue
}
