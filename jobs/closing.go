package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/period-close/internal/closing"
	jobmetrics "github.com/odyssey-erp/period-close/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Enqueuer submits tasks; *asynq.Client and *Client satisfy it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ServerLister lists live worker servers; *asynq.Inspector satisfies it.
type ServerLister interface {
	Servers() ([]*asynq.ServerInfo, error)
}

// Dispatcher hands closing day units to asynq workers.
type Dispatcher struct {
	Enqueuer Enqueuer
	Servers  ServerLister
	Queue    string
	Logger   *slog.Logger
}

var _ closing.Dispatcher = (*Dispatcher)(nil)

// Available reports whether an active worker server consumes the closing queue.
func (d *Dispatcher) Available(ctx context.Context) bool {
	if d == nil || d.Enqueuer == nil {
		return false
	}
	if d.Servers == nil {
		return true
	}
	servers, err := d.Servers.Servers()
	if err != nil {
		d.log().Warn("list asynq servers", slog.Any("error", err))
		return false
	}
	queue := queueOrDefault(d.Queue)
	for _, srv := range servers {
		if srv == nil || srv.Status != "active" {
			continue
		}
		if _, ok := srv.Queues[queue]; ok {
			return true
		}
	}
	return false
}

// Dispatch enqueues a process unit task.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID int64, date time.Time) error {
	task, err := NewProcessUnitTask(jobID, date, d.Queue)
	if err != nil {
		return err
	}
	if _, err := d.Enqueuer.EnqueueContext(ctx, task); err != nil {
		return err
	}
	d.log().Debug("closing unit dispatched", slog.Int64("job_id", jobID), slog.String("date", closing.FormatDate(date)))
	return nil
}

func (d *Dispatcher) log() *slog.Logger {
	if d != nil && d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func enqueueAdvance(ctx context.Context, enqueuer Enqueuer, jobID int64, queue string) error {
	task, err := NewAdvanceTask(jobID, queue)
	if err != nil {
		return err
	}
	if _, err := enqueuer.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return err
	}
	return nil
}

// ClosingController is the slice of closing.Controller the handlers drive.
type ClosingController interface {
	ProcessUnit(ctx context.Context, jobID int64, date time.Time) error
	Advance(ctx context.Context, jobID int64) error
	Sweep(ctx context.Context, jobID int64) error
}

// RunningJobLister lists jobs currently Running.
type RunningJobLister interface {
	RunningJobIDs(ctx context.Context) ([]int64, error)
}

// ClosingJob handles the asynq tasks of period closing jobs.
type ClosingJob struct {
	Controller ClosingController
	Enqueuer   Enqueuer
	Jobs       RunningJobLister
	Queue      string
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewClosingJob constructs the task handlers.
func NewClosingJob(controller ClosingController, enqueuer Enqueuer, jobsLister RunningJobLister, queue string, logger *slog.Logger, metrics *jobmetrics.Metrics) *ClosingJob {
	return &ClosingJob{
		Controller: controller,
		Enqueuer:   enqueuer,
		Jobs:       jobsLister,
		Queue:      queue,
		Logger:     logger,
		Metrics:    metrics,
	}
}

// HandleProcessUnit processes one day unit. When the unit was stored but the
// follow-up step failed, an advance task is enqueued instead of re-running
// the unit.
func (j *ClosingJob) HandleProcessUnit(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Controller == nil {
		return errors.New("closing process unit: dependencies not configured")
	}
	payload, date, err := decodeProcessUnit(task)
	if err != nil {
		j.log(TaskClosingProcessUnit).Warn("malformed payload", slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	err = j.Controller.ProcessUnit(ctx, payload.JobID, date)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, closing.ErrJobNotFound), errors.Is(err, closing.ErrUnitNotFound):
		j.log(TaskClosingProcessUnit).Warn("closing unit gone", slog.Int64("job_id", payload.JobID), slog.String("date", payload.Date), slog.Any("error", err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	case errors.Is(err, closing.ErrAdvance):
		j.log(TaskClosingProcessUnit).Error("advance after unit", slog.Int64("job_id", payload.JobID), slog.String("date", payload.Date), slog.Any("error", err))
		if j.Enqueuer == nil {
			return err
		}
		return enqueueAdvance(ctx, j.Enqueuer, payload.JobID, j.Queue)
	default:
		j.log(TaskClosingProcessUnit).Error("process unit", slog.Int64("job_id", payload.JobID), slog.String("date", payload.Date), slog.Any("error", err))
		return err
	}
}

// HandleAdvance dispatches the next unit or finalises the job.
func (j *ClosingJob) HandleAdvance(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Controller == nil {
		return errors.New("closing advance: dependencies not configured")
	}
	payload, err := decodeAdvance(task)
	if err != nil {
		j.log(TaskClosingAdvance).Warn("malformed payload", slog.Any("error", err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err := j.Controller.Advance(ctx, payload.JobID); err != nil {
		if errors.Is(err, closing.ErrJobNotFound) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		j.log(TaskClosingAdvance).Error("advance", slog.Int64("job_id", payload.JobID), slog.Any("error", err))
		return err
	}
	return nil
}

// HandleSweep requeues stale units of every Running job and advances it, so
// stalled jobs pick up again once workers are back.
func (j *ClosingJob) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Controller == nil || j.Jobs == nil {
		return errors.New("closing sweep: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskClosingSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	ids, err := j.Jobs.RunningJobIDs(ctx)
	if err != nil {
		resultErr = err
		j.log(TaskClosingSweep).Error("list running jobs", slog.Any("error", err))
		return resultErr
	}
	var errs []error
	for _, id := range ids {
		if err := j.Controller.Sweep(ctx, id); err != nil {
			j.log(TaskClosingSweep).Error("sweep job", slog.Int64("job_id", id), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	resultErr = errors.Join(errs...)
	j.log(TaskClosingSweep).Info("swept running closing jobs", slog.Int("jobs", len(ids)), slog.Int("failed", len(errs)))
	return resultErr
}

// Handlers returns the task registrations for the worker.
func (j *ClosingJob) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskClosingProcessUnit, Handler: j.HandleProcessUnit},
		{Type: TaskClosingAdvance, Handler: j.HandleAdvance},
		{Type: TaskClosingSweep, Handler: j.HandleSweep},
	}
}

func (j *ClosingJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ClosingJob) log(task string) *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", task))
	}
	return slog.Default().With(slog.String("job", task))
}
