package closing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the lifecycle of a closing job and of its day units.
type Status string

const (
	StatusQueued    Status = "Queued"
	StatusRunning   Status = "Running"
	StatusPaused    Status = "Paused"
	StatusCompleted Status = "Completed"
)

// BurstSize caps how many day units Start admits at once.
const BurstSize = 4

// dateLayout is the canonical text form of a processing date.
const dateLayout = "2006-01-02"

// PeriodRef references the accounting period being closed.
type PeriodRef struct {
	CompanyID      int64
	FiscalYear     string
	PeriodName     string
	StartDate      time.Time
	EndDate        time.Time
	ClosingAccount string
	Remarks        string
	// Dimensions is the ordered dimension list captured when the job was
	// defined. Day keys and closing entry tags both follow it.
	Dimensions []string
}

// Job is one run of the period closing pipeline.
type Job struct {
	ID          int64
	Status      Status
	Source      PeriodRef
	PeriodTotal AggregateResult
	Units       []DayUnit
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DayUnit is the per-date unit of work owned by a Job.
type DayUnit struct {
	ProcessingDate time.Time
	Status         Status
	ClosingBalance AggregateResult
}

// Progress summarises unit statuses.
func (j Job) Progress() map[Status]int {
	out := map[Status]int{}
	for _, u := range j.Units {
		out[u.Status]++
	}
	return out
}

// DefineInput describes a closing job definition.
type DefineInput struct {
	CompanyID      int64
	FiscalYear     string
	PeriodName     string
	StartDate      time.Time
	EndDate        time.Time
	ClosingAccount string
	Remarks        string
}

// Validate ensures the definition is coherent. Range ordering is checked by ExpandDates.
func (in DefineInput) Validate() error {
	if in.CompanyID == 0 {
		return fmt.Errorf("%w: company required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(in.FiscalYear) == "" {
		return fmt.Errorf("%w: fiscal year required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(in.ClosingAccount) == "" {
		return fmt.Errorf("%w: closing account required", ErrInvalidDefinition)
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return fmt.Errorf("%w: start and end date required", ErrInvalidDefinition)
	}
	return nil
}

// PeriodRef converts the definition into the stored source reference.
func (in DefineInput) PeriodRef() PeriodRef {
	return PeriodRef{
		CompanyID:      in.CompanyID,
		FiscalYear:     strings.TrimSpace(in.FiscalYear),
		PeriodName:     strings.TrimSpace(in.PeriodName),
		StartDate:      truncateDate(in.StartDate),
		EndDate:        truncateDate(in.EndDate),
		ClosingAccount: strings.TrimSpace(in.ClosingAccount),
		Remarks:        in.Remarks,
	}
}

// InvalidRangeError reports period bounds where the end precedes the start.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("closing: invalid range %s..%s", e.Start.Format(dateLayout), e.End.Format(dateLayout))
}

// Is lets errors.Is match ErrInvalidRange.
func (e *InvalidRangeError) Is(target error) bool {
	return target == ErrInvalidRange
}

var (
	// ErrInvalidRange indicates the period end precedes its start.
	ErrInvalidRange = errors.New("closing: end date before start date")
	// ErrInvalidDefinition indicates missing definition fields.
	ErrInvalidDefinition = errors.New("closing: invalid job definition")
	// ErrJobNotFound indicates the job does not exist.
	ErrJobNotFound = errors.New("closing: job not found")
	// ErrUnitNotFound indicates the processing date is not part of the job.
	ErrUnitNotFound = errors.New("closing: day unit not found")
	// ErrJobCompleted indicates the job can no longer be redefined.
	ErrJobCompleted = errors.New("closing: job already completed")
	// ErrLedgerCommit wraps failures of the ledger write step.
	ErrLedgerCommit = errors.New("closing: ledger commit failed")
	// ErrAlreadyPosted indicates the closing voucher is already in the ledger.
	ErrAlreadyPosted = errors.New("closing: voucher already posted")
	// ErrInvalidDimensionValue indicates a ledger dimension value that is not
	// valid UTF-8 and so has no lossless key encoding.
	ErrInvalidDimensionValue = errors.New("closing: invalid dimension value")
)

func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a processing date in its canonical form.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// ParseDate parses a canonical processing date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("closing: parse date %q: %w", s, err)
	}
	return t, nil
}
