package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/trustcore/jobs"
)

// Enqueuer submits tasks to the queue.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Inspector reads queue state.
type Inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    Enqueuer
	inspector Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	if redisAddr == "" {
		return nil, errors.New("jobs cli: redis address required")
	}
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported job by name with default payload.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := jobs.NewTaskByName(name)
	if err != nil {
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueues reports the metrics of every worker queue.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	out := make([]QueueStats, 0, 2)
	for _, queue := range []string{jobs.QueueCritical, jobs.QueueDefault} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := c.inspector.GetQueueInfo(queue)
		if err != nil {
			return nil, fmt.Errorf("jobs cli: inspect %s: %w", queue, err)
		}
		stats := QueueStats{Queue: queue}
		if info != nil {
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		out = append(out, stats)
	}
	return out, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

// TriggerCommand enqueues name and prints the task id.
func (c *JobsCLI) TriggerCommand(ctx context.Context, name string, out Output) int {
	out = out.withDefaults()
	info, err := c.Trigger(ctx, name)
	if err != nil {
		_, _ = fmt.Fprintln(out.Stderr, "trigger:", err)
		_, _ = fmt.Fprintln(out.Stderr, "known jobs:", jobs.TaskNames())
		return 1
	}
	if out.JSON {
		return out.writeJSON(map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue})
	}
	_, _ = fmt.Fprintf(out.Stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	return 0
}

// QueueCommand prints queue statistics.
func (c *JobsCLI) QueueCommand(ctx context.Context, out Output) int {
	out = out.withDefaults()
	stats, err := c.InspectQueues(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(out.Stderr, "queue:", err)
		return 1
	}
	if out.JSON {
		return out.writeJSON(stats)
	}
	for _, s := range stats {
		_, _ = fmt.Fprintf(out.Stdout, "%-9s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
	}
	return 0
}

// Output selects where and how commands print.
type Output struct {
	JSON   bool
	Stdout io.Writer
	Stderr io.Writer
}

func (o Output) withDefaults() Output {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}
