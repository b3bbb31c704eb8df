package closing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	jobmetrics "github.com/odyssey-erp/period-close/internal/jobs"
)

const (
	// MetricProcessUnit names the tracker of a single day unit.
	MetricProcessUnit = "closing.process_unit"
	// MetricFinalize names the tracker of the terminal merge.
	MetricFinalize = "closing.finalize"

	defaultLockTTL = 5 * time.Minute
)

// ErrAdvance marks a failure that happened after a unit was already stored,
// while chaining the next dispatch or finalising the job.
var ErrAdvance = errors.New("closing: advance failed")

// ControllerConfig collects the collaborators of a Controller.
type ControllerConfig struct {
	Store      JobStore
	Ledger     LedgerQuery
	Writer     LedgerWriter
	Dimensions DimensionRegistry
	Dispatcher Dispatcher
	Locker     Locker
	Metrics    *jobmetrics.Metrics
	Logger     *slog.Logger
	BurstSize  int
	LockTTL    time.Duration
}

// Controller drives the closing job state machine.
type Controller struct {
	store      JobStore
	aggregator Aggregator
	ledger     LedgerQuery
	writer     LedgerWriter
	dimensions DimensionRegistry
	dispatcher Dispatcher
	locker     Locker
	metrics    *jobmetrics.Metrics
	logger     *slog.Logger
	burst      int
	lockTTL    time.Duration
	now        func() time.Time
	finalizing singleflight.Group
}

// NewController constructs a Controller.
func NewController(cfg ControllerConfig) *Controller {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = BurstSize
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Controller{
		store:      cfg.Store,
		aggregator: Aggregator{Ledger: cfg.Ledger},
		ledger:     cfg.Ledger,
		writer:     cfg.Writer,
		dimensions: cfg.Dimensions,
		dispatcher: cfg.Dispatcher,
		locker:     cfg.Locker,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		burst:      burst,
		lockTTL:    ttl,
		now:        time.Now,
	}
}

// WithDispatcher swaps the dispatcher, used to wire inline dispatch which
// needs the controller itself.
func (c *Controller) WithDispatcher(d Dispatcher) {
	if c != nil && d != nil {
		c.dispatcher = d
	}
}

// Define validates a definition and creates the job with one Queued unit per day.
func (c *Controller) Define(ctx context.Context, in DefineInput) (Job, error) {
	if err := in.Validate(); err != nil {
		return Job{}, err
	}
	source := in.PeriodRef()
	units, err := ExpandDates(source.StartDate, source.EndDate)
	if err != nil {
		return Job{}, err
	}
	if source.Dimensions, err = c.registryDimensions(ctx); err != nil {
		return Job{}, err
	}
	job, err := c.store.CreateJob(ctx, source, units)
	if err != nil {
		return Job{}, err
	}
	c.log().Info("closing job defined", slog.Int64("job_id", job.ID), slog.Int("units", len(units)))
	return job, nil
}

// Redefine replaces the definition and regenerates every unit from scratch.
// Progress of a running job is discarded.
func (c *Controller) Redefine(ctx context.Context, jobID int64, in DefineInput) (Job, error) {
	if err := in.Validate(); err != nil {
		return Job{}, err
	}
	source := in.PeriodRef()
	units, err := ExpandDates(source.StartDate, source.EndDate)
	if err != nil {
		return Job{}, err
	}
	status, err := c.store.JobStatus(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if status == StatusCompleted {
		return Job{}, ErrJobCompleted
	}
	// a committed voucher must be completed with the definition it was built from
	if c.writer != nil {
		posted, err := c.writer.VoucherPosted(ctx, VoucherID(jobID))
		if err != nil {
			return Job{}, fmt.Errorf("closing: check voucher: %w", err)
		}
		if posted {
			return Job{}, fmt.Errorf("%w: job %d cannot be redefined", ErrAlreadyPosted, jobID)
		}
	}
	if source.Dimensions, err = c.registryDimensions(ctx); err != nil {
		return Job{}, err
	}
	job, err := c.store.ReplaceDefinition(ctx, jobID, source, units)
	if err != nil {
		return Job{}, err
	}
	if status != StatusQueued {
		c.log().Warn("closing job redefined, progress reset", slog.Int64("job_id", jobID), slog.String("previous_status", string(status)))
	}
	return job, nil
}

// Job returns the job with its units.
func (c *Controller) Job(ctx context.Context, jobID int64) (Job, error) {
	return c.store.GetJob(ctx, jobID)
}

// Start moves a Queued or Paused job to Running and admits up to the burst
// size of Queued units. Any other state is left untouched.
func (c *Controller) Start(ctx context.Context, jobID int64) (Job, error) {
	status, err := c.store.JobStatus(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if status != StatusQueued && status != StatusPaused {
		return c.store.GetJob(ctx, jobID)
	}
	if err := c.store.SetJobStatus(ctx, jobID, StatusRunning); err != nil {
		return Job{}, err
	}
	if status == StatusPaused {
		resumed, err := c.store.TransitionUnits(ctx, jobID, StatusPaused, StatusQueued)
		if err != nil {
			return Job{}, err
		}
		c.log().Info("closing job resumed", slog.Int64("job_id", jobID), slog.Int("units", resumed))
	}

	queued, err := c.store.UnitsByStatus(ctx, jobID, StatusQueued, c.burst)
	if err != nil {
		return Job{}, err
	}
	if len(queued) == 0 {
		if err := c.Advance(ctx, jobID); err != nil {
			return Job{}, err
		}
		return c.store.GetJob(ctx, jobID)
	}
	if c.dispatcher == nil || !c.dispatcher.Available(ctx) {
		c.log().Warn("scheduler unavailable, closing job stalled", slog.Int64("job_id", jobID), slog.Int("queued", len(queued)))
		return c.store.GetJob(ctx, jobID)
	}

	var errs []error
	for _, date := range queued {
		if _, err := c.dispatch(ctx, jobID, date); err != nil {
			errs = append(errs, err)
		}
	}
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		errs = append(errs, err)
	}
	return job, errors.Join(errs...)
}

// Pause stops further dispatches of a Running job. Queued units become Paused;
// Running units are left to finish.
func (c *Controller) Pause(ctx context.Context, jobID int64) (Job, error) {
	status, err := c.store.JobStatus(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if status != StatusRunning {
		return c.store.GetJob(ctx, jobID)
	}
	if err := c.store.SetJobStatus(ctx, jobID, StatusPaused); err != nil {
		return Job{}, err
	}
	paused, err := c.store.TransitionUnits(ctx, jobID, StatusQueued, StatusPaused)
	if err != nil {
		return Job{}, err
	}
	c.metrics.AddUnits(string(StatusPaused), paused)
	c.log().Info("closing job paused", slog.Int64("job_id", jobID), slog.Int("units", paused))
	return c.store.GetJob(ctx, jobID)
}

// ProcessUnit aggregates one date and chains the next dispatch. It is a no-op
// unless the job is Running. Rerunning a date overwrites its stored balance.
func (c *Controller) ProcessUnit(ctx context.Context, jobID int64, date time.Time) (err error) {
	date = truncateDate(date)
	tracker := c.metrics.Track(MetricProcessUnit)
	defer func() {
		err = tracker.End(err)
	}()

	status, err := c.store.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if status != StatusRunning {
		if status == StatusPaused {
			// release a claim taken before the pause so Start can re-queue it
			if _, err := c.store.TransitionUnit(ctx, jobID, date, StatusRunning, StatusPaused); err != nil {
				return err
			}
		}
		tracker.Skip()
		c.log().Info("closing unit skipped", slog.Int64("job_id", jobID), slog.String("date", FormatDate(date)), slog.String("job_status", string(status)))
		return nil
	}

	if _, err := c.store.UnitStatus(ctx, jobID, date); err != nil {
		return err
	}
	source, err := c.store.GetSource(ctx, jobID)
	if err != nil {
		return err
	}
	dims, err := c.jobDimensions(ctx, source)
	if err != nil {
		return err
	}
	if _, err := c.store.TransitionUnit(ctx, jobID, date, StatusQueued, StatusRunning); err != nil {
		return err
	}
	balance, err := c.aggregator.AggregateDay(ctx, source.CompanyID, dims, date)
	if err != nil {
		c.log().Error("aggregate day", slog.Int64("job_id", jobID), slog.String("date", FormatDate(date)), slog.Any("error", err))
		return err
	}
	stored, err := c.store.CompleteUnit(ctx, jobID, date, balance)
	if err != nil {
		return err
	}
	if !stored {
		tracker.Skip()
		c.log().Warn("closing unit no longer claimed, result dropped", slog.Int64("job_id", jobID), slog.String("date", FormatDate(date)))
		return nil
	}
	c.metrics.AddUnits(string(StatusCompleted), 1)

	if err := c.Advance(ctx, jobID); err != nil {
		return fmt.Errorf("%w: %w", ErrAdvance, err)
	}
	return nil
}

// Advance dispatches the earliest Queued unit, or finalises the job once every
// unit is Completed. It is a no-op unless the job is Running.
func (c *Controller) Advance(ctx context.Context, jobID int64) error {
	status, err := c.store.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if status != StatusRunning {
		return nil
	}

	for attempt := 0; attempt < c.burst; attempt++ {
		next, err := c.store.UnitsByStatus(ctx, jobID, StatusQueued, 1)
		if err != nil {
			return err
		}
		if len(next) == 0 {
			break
		}
		if c.dispatcher == nil || !c.dispatcher.Available(ctx) {
			c.log().Warn("scheduler unavailable, closing job stalled", slog.Int64("job_id", jobID))
			return nil
		}
		claimed, err := c.dispatch(ctx, jobID, next[0])
		if err != nil || claimed {
			return err
		}
	}

	counts, err := c.store.CountUnits(ctx, jobID)
	if err != nil {
		return err
	}
	if counts[StatusQueued] > 0 || counts[StatusRunning] > 0 || counts[StatusPaused] > 0 {
		return nil
	}
	return c.finalize(ctx, jobID)
}

// Sweep hands back units claimed longer than the lock TTL ago, whose task was
// lost or ran out of retries, then advances the job.
func (c *Controller) Sweep(ctx context.Context, jobID int64) error {
	status, err := c.store.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if status != StatusRunning {
		return nil
	}
	requeued, err := c.store.RequeueStaleUnits(ctx, jobID, c.now().Add(-c.lockTTL))
	if err != nil {
		return err
	}
	if requeued > 0 {
		c.metrics.AddUnits(string(StatusQueued), requeued)
		c.log().Warn("stale closing units requeued", slog.Int64("job_id", jobID), slog.Int("units", requeued))
	}
	return c.Advance(ctx, jobID)
}

// dispatch claims a Queued unit and hands it to the dispatcher. It reports
// whether this caller won the claim.
func (c *Controller) dispatch(ctx context.Context, jobID int64, date time.Time) (bool, error) {
	claimed, err := c.store.TransitionUnit(ctx, jobID, date, StatusQueued, StatusRunning)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}
	if err := c.dispatcher.Dispatch(ctx, jobID, date); err != nil {
		if _, rerr := c.store.TransitionUnit(ctx, jobID, date, StatusRunning, StatusQueued); rerr != nil {
			c.log().Error("release unit claim", slog.Int64("job_id", jobID), slog.String("date", FormatDate(date)), slog.Any("error", rerr))
		}
		return true, fmt.Errorf("closing: dispatch %s: %w", FormatDate(date), err)
	}
	return true, nil
}

func (c *Controller) finalize(ctx context.Context, jobID int64) error {
	_, err, _ := c.finalizing.Do(formatInt(jobID), func() (interface{}, error) {
		return nil, c.finalizeLocked(ctx, jobID)
	})
	return err
}

func (c *Controller) finalizeLocked(ctx context.Context, jobID int64) (err error) {
	tracker := c.metrics.Track(MetricFinalize)
	defer func() {
		err = tracker.End(err)
	}()

	if c.locker != nil {
		release, ok, err := c.locker.Acquire(ctx, FinalizeLockKey(jobID), c.lockTTL)
		if err != nil {
			return err
		}
		if !ok {
			tracker.Skip()
			c.log().Info("closing job finalize already in progress", slog.Int64("job_id", jobID))
			return nil
		}
		defer release()
	}

	status, err := c.store.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if status != StatusRunning {
		tracker.Skip()
		return nil
	}
	job, err := c.store.GetSource(ctx, jobID)
	if err != nil {
		return err
	}
	results, err := c.store.UnitResults(ctx, jobID)
	if err != nil {
		return err
	}
	total := Accumulate(results...)

	dims, err := c.jobDimensions(ctx, job)
	if err != nil {
		return err
	}
	currency := ""
	if c.ledger != nil {
		currency, err = c.ledger.AccountCurrency(ctx, job.CompanyID, job.ClosingAccount)
		if err != nil {
			return fmt.Errorf("closing: closing account currency: %w", err)
		}
	}
	entries := BuildClosingEntries(total, MetaForJob(Job{ID: jobID, Source: job}, dims, currency))
	if len(entries) > 0 {
		if err := c.writer.PostEntries(ctx, entries); err != nil {
			if !errors.Is(err, ErrAlreadyPosted) {
				c.log().Error("commit closing entries", slog.Int64("job_id", jobID), slog.Any("error", err))
				return fmt.Errorf("%w: %w", ErrLedgerCommit, err)
			}
			c.log().Warn("closing voucher already posted", slog.Int64("job_id", jobID))
		} else {
			c.metrics.AddEntries(len(entries))
		}
	}

	completed, err := c.store.CompleteJob(ctx, jobID, total)
	if err != nil {
		return err
	}
	if completed {
		c.log().Info("closing job completed", slog.Int64("job_id", jobID), slog.Int("dimension_keys", len(total)), slog.Int("entries", len(entries)))
	}
	return nil
}

// FinalizeLockKey builds the lock key guarding the terminal merge of a job.
func FinalizeLockKey(jobID int64) string {
	return "closing:job:" + formatInt(jobID) + ":finalize"
}

func (c *Controller) log() *slog.Logger {
	if c != nil && c.logger != nil {
		return c.logger.With(slog.String("component", "closing"))
	}
	return slog.Default().With(slog.String("component", "closing"))
}

// InlineDispatcher processes units synchronously on the caller's goroutine.
type InlineDispatcher struct {
	Controller *Controller
}

// Available implements Dispatcher.
func (d InlineDispatcher) Available(context.Context) bool {
	return d.Controller != nil
}

// Dispatch implements Dispatcher.
func (d InlineDispatcher) Dispatch(ctx context.Context, jobID int64, date time.Time) error {
	return d.Controller.ProcessUnit(ctx, jobID, date)
}

func (c *Controller) registryDimensions(ctx context.Context) ([]string, error) {
	if c.dimensions == nil {
		return nil, nil
	}
	dims, err := c.dimensions.Dimensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("closing: load dimensions: %w", err)
	}
	return dims, nil
}

// jobDimensions returns the list captured at definition. Rows stored before
// the capture existed fall back to the live registry.
func (c *Controller) jobDimensions(ctx context.Context, source PeriodRef) ([]string, error) {
	if len(source.Dimensions) > 0 {
		return source.Dimensions, nil
	}
	dims, err := c.registryDimensions(ctx)
	if err != nil {
		return nil, err
	}
	if dims == nil {
		return nil, errors.New("closing: dimension registry not configured")
	}
	return dims, nil
}
