package closing

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// JobStore persists jobs and their day units. Every method is an individually
// atomic write or read against the backing store.
type JobStore interface {
	CreateJob(ctx context.Context, source PeriodRef, units []DayUnit) (Job, error)
	// ReplaceDefinition rewrites the source, resets the job to Queued, clears
	// the period total and regenerates every unit.
	ReplaceDefinition(ctx context.Context, jobID int64, source PeriodRef, units []DayUnit) (Job, error)
	GetJob(ctx context.Context, jobID int64) (Job, error)
	GetSource(ctx context.Context, jobID int64) (PeriodRef, error)
	JobStatus(ctx context.Context, jobID int64) (Status, error)
	SetJobStatus(ctx context.Context, jobID int64, status Status) error
	// UnitsByStatus lists processing dates in ascending order, limit <= 0 means all.
	UnitsByStatus(ctx context.Context, jobID int64, status Status, limit int) ([]time.Time, error)
	CountUnits(ctx context.Context, jobID int64) (map[Status]int, error)
	// UnitStatus returns ErrUnitNotFound when the date is not a unit of the job.
	UnitStatus(ctx context.Context, jobID int64, date time.Time) (Status, error)
	// TransitionUnit moves a unit from one status to another and reports
	// whether this caller won the transition.
	TransitionUnit(ctx context.Context, jobID int64, date time.Time, from, to Status) (bool, error)
	// TransitionUnits moves every unit currently in from to to.
	TransitionUnits(ctx context.Context, jobID int64, from, to Status) (int, error)
	// RequeueStaleUnits moves Running units last touched before cutoff back to Queued.
	RequeueStaleUnits(ctx context.Context, jobID int64, cutoff time.Time) (int, error)
	// CompleteUnit stores the balance of a Running or Completed unit and marks
	// it Completed. It reports false when the unit is in neither state.
	CompleteUnit(ctx context.Context, jobID int64, date time.Time, balance AggregateResult) (bool, error)
	UnitResults(ctx context.Context, jobID int64) ([]AggregateResult, error)
	// CompleteJob stores the period total and flips Running to Completed in one write.
	CompleteJob(ctx context.Context, jobID int64, total AggregateResult) (bool, error)
}

// MovementQuery selects the movements of one company and day.
type MovementQuery struct {
	CompanyID  int64
	Date       time.Time
	Accounts   []string
	Dimensions []string
}

// LedgerQuery reads grouped ledger movements.
type LedgerQuery interface {
	ProfitAndLossAccounts(ctx context.Context, companyID int64) ([]string, error)
	// Movements returns uncancelled movements grouped by account and dimensions.
	Movements(ctx context.Context, q MovementQuery) ([]Movement, error)
	AccountCurrency(ctx context.Context, companyID int64, account string) (string, error)
}

// LedgerWriter commits a batch of entries atomically or not at all. It returns
// ErrAlreadyPosted when the voucher was committed before.
type LedgerWriter interface {
	PostEntries(ctx context.Context, entries []LedgerEntry) error
	// VoucherPosted reports whether the voucher was committed.
	VoucherPosted(ctx context.Context, voucherID uuid.UUID) (bool, error)
}

// DimensionRegistry returns the ordered dimension names to group by.
type DimensionRegistry interface {
	Dimensions(ctx context.Context) ([]string, error)
}

// Dispatcher hands a day unit to the background task facility.
type Dispatcher interface {
	Available(ctx context.Context) bool
	Dispatch(ctx context.Context, jobID int64, date time.Time) error
}

// Locker serialises the terminal merge of a job across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// StaticDimensions is a fixed DimensionRegistry.
type StaticDimensions []string

// Dimensions implements DimensionRegistry.
func (s StaticDimensions) Dimensions(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
