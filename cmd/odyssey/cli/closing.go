package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/period-close/internal/closing"
)

// JobReader loads closing jobs.
type JobReader interface {
	GetJob(ctx context.Context, jobID int64) (closing.Job, error)
}

// ClosingCLI reports closing job progress for operators.
type ClosingCLI struct {
	jobs JobReader
}

// NewClosingCLI constructs the helper.
func NewClosingCLI(jobs JobReader) *ClosingCLI {
	return &ClosingCLI{jobs: jobs}
}

// ClosingStatus is the JSON output of `closing status`. NetIncome is the
// credit-positive net of the period total and is set once the job completes.
type ClosingStatus struct {
	JobID     int64          `json:"job_id"`
	Status    closing.Status `json:"status"`
	Start     string         `json:"start_date"`
	End       string         `json:"end_date"`
	Progress  map[string]int `json:"progress"`
	Pending   []string       `json:"pending,omitempty"`
	NetIncome *float64       `json:"net_income,omitempty"`
}

// ExitError carries a process exit code out of a command. Err may be nil
// when the code alone is the outcome.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitPending is returned by `closing status` while the job is not Completed.
const ExitPending = 10

// NewClosingCommand builds `closing status`. open returns the job reader and
// a release func.
func NewClosingCommand(open func(ctx context.Context) (JobReader, func(), error)) *cobra.Command {
	root := &cobra.Command{
		Use:   "closing",
		Short: "Inspect period closing jobs",
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the progress of a closing job",
		Long: `Show unit progress, pending days and, once completed, the net income
of a closing job. Exits 0 when the job is Completed and 10 while work remains.`,
		Example: `  odyssey closing status --job 42
  odyssey closing status --job 42 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobID, _ := cmd.Flags().GetInt64("job")
			jsonOutput, _ := cmd.Flags().GetBool("json")
			if jobID <= 0 {
				return fmt.Errorf("--job is required and must be positive")
			}
			reader, release, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			return NewClosingCLI(reader).Status(cmd.Context(), jobID, jsonOutput, cmd.OutOrStdout())
		},
	}
	status.Flags().Int64("job", 0, "Closing job id")
	status.Flags().Bool("json", false, "Output as JSON")
	root.AddCommand(status)
	return root
}

// Status writes the job summary. It returns an ExitError with ExitPending
// while the job is not Completed.
func (c *ClosingCLI) Status(ctx context.Context, jobID int64, jsonOutput bool, w io.Writer) error {
	if c == nil || c.jobs == nil {
		return errors.New("closing status: repository not configured")
	}
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, closing.ErrJobNotFound) {
			return fmt.Errorf("closing status: job %d not found", jobID)
		}
		return fmt.Errorf("closing status: %w", err)
	}

	summary := buildStatus(job)
	if jsonOutput {
		if err := json.NewEncoder(w).Encode(summary); err != nil {
			return fmt.Errorf("closing status: encode json: %w", err)
		}
	} else {
		renderStatusHuman(w, summary)
	}
	if job.Status != closing.StatusCompleted {
		return &ExitError{Code: ExitPending}
	}
	return nil
}

func buildStatus(job closing.Job) ClosingStatus {
	summary := ClosingStatus{
		JobID:    job.ID,
		Status:   job.Status,
		Start:    closing.FormatDate(job.Source.StartDate),
		End:      closing.FormatDate(job.Source.EndDate),
		Progress: map[string]int{},
	}
	for status, n := range job.Progress() {
		summary.Progress[string(status)] = n
	}
	if job.Status == closing.StatusCompleted && job.PeriodTotal != nil {
		var net float64
		for _, bucket := range job.PeriodTotal {
			if bucket != nil {
				net -= bucket.Rollup.Balance
			}
		}
		summary.NetIncome = &net
	}
	for _, unit := range job.Units {
		if unit.Status != closing.StatusCompleted {
			summary.Pending = append(summary.Pending, closing.FormatDate(unit.ProcessingDate)+" "+string(unit.Status))
		}
	}
	return summary
}

func renderStatusHuman(w io.Writer, s ClosingStatus) {
	_, _ = fmt.Fprintf(w, "job %d %s (%s..%s)\n", s.JobID, s.Status, s.Start, s.End)
	statuses := make([]string, 0, len(s.Progress))
	for status := range s.Progress {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		_, _ = fmt.Fprintf(w, "  %-10s %d\n", status, s.Progress[status])
	}
	if s.NetIncome != nil {
		_, _ = message.NewPrinter(language.English).Fprintf(w, "  net income %.2f\n", *s.NetIncome)
	}
	for _, pending := range s.Pending {
		_, _ = fmt.Fprintf(w, "  pending %s\n", pending)
	}
}
