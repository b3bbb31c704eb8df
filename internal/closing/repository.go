package closing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/period-close/internal/platform/db"
)

// Repository persists closing jobs and day units in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("closing: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

const jobColumns = `id, company_id, fiscal_year, period_name, start_date, end_date, closing_account, remarks, dimensions, status, period_total, created_at, updated_at`

// CreateJob inserts the job and its units in one transaction.
func (r *Repository) CreateJob(ctx context.Context, source PeriodRef, units []DayUnit) (Job, error) {
	var job Job
	err := r.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `INSERT INTO period_closing_jobs (company_id, fiscal_year, period_name, start_date, end_date, closing_account, remarks, dimensions, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING `+jobColumns,
			source.CompanyID, source.FiscalYear, source.PeriodName, source.StartDate, source.EndDate, source.ClosingAccount, source.Remarks, dimensionsArg(source.Dimensions), StatusQueued)
		var err error
		job, err = scanJob(row)
		if err != nil {
			return err
		}
		job.Units, err = insertUnits(ctx, tx, job.ID, units)
		return err
	})
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// ReplaceDefinition rewrites the job source and regenerates every unit.
func (r *Repository) ReplaceDefinition(ctx context.Context, jobID int64, source PeriodRef, units []DayUnit) (Job, error) {
	var job Job
	err := r.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `UPDATE period_closing_jobs SET company_id=$2, fiscal_year=$3, period_name=$4, start_date=$5, end_date=$6,
closing_account=$7, remarks=$8, dimensions=$9, status=$10, period_total=NULL, updated_at=NOW() WHERE id=$1 RETURNING `+jobColumns,
			jobID, source.CompanyID, source.FiscalYear, source.PeriodName, source.StartDate, source.EndDate, source.ClosingAccount, source.Remarks,
			dimensionsArg(source.Dimensions), StatusQueued)
		var err error
		job, err = scanJob(row)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM period_closing_days WHERE job_id=$1`, jobID); err != nil {
			return err
		}
		job.Units, err = insertUnits(ctx, tx, jobID, units)
		return err
	})
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

func insertUnits(ctx context.Context, tx pgx.Tx, jobID int64, units []DayUnit) ([]DayUnit, error) {
	batch := &pgx.Batch{}
	for _, u := range units {
		batch.Queue(`INSERT INTO period_closing_days (job_id, processing_date, status) VALUES ($1,$2,$3)`, jobID, u.ProcessingDate, u.Status)
	}
	results := tx.SendBatch(ctx, batch)
	for range units {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return nil, err
		}
	}
	if err := results.Close(); err != nil {
		return nil, err
	}
	return append([]DayUnit(nil), units...), nil
}

// GetJob loads the job and its units ordered by date.
func (r *Repository) GetJob(ctx context.Context, jobID int64) (Job, error) {
	job, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM period_closing_jobs WHERE id=$1`, jobID))
	if err != nil {
		return Job{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT processing_date, status, closing_balance FROM period_closing_days WHERE job_id=$1 ORDER BY processing_date ASC`, jobID)
	if err != nil {
		return Job{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			unit    DayUnit
			balance []byte
		)
		if err := rows.Scan(&unit.ProcessingDate, &unit.Status, &balance); err != nil {
			return Job{}, err
		}
		if unit.ClosingBalance, err = UnmarshalAggregate(balance); err != nil {
			return Job{}, err
		}
		job.Units = append(job.Units, unit)
	}
	return job, rows.Err()
}

// GetSource loads the period reference of a job.
func (r *Repository) GetSource(ctx context.Context, jobID int64) (PeriodRef, error) {
	var src PeriodRef
	err := r.pool.QueryRow(ctx, `SELECT company_id, fiscal_year, period_name, start_date, end_date, closing_account, remarks, dimensions
FROM period_closing_jobs WHERE id=$1`, jobID).
		Scan(&src.CompanyID, &src.FiscalYear, &src.PeriodName, &src.StartDate, &src.EndDate, &src.ClosingAccount, &src.Remarks, &src.Dimensions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PeriodRef{}, ErrJobNotFound
		}
		return PeriodRef{}, err
	}
	return src, nil
}

// JobStatus reads the current job status.
func (r *Repository) JobStatus(ctx context.Context, jobID int64) (Status, error) {
	var status Status
	err := r.pool.QueryRow(ctx, `SELECT status FROM period_closing_jobs WHERE id=$1`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrJobNotFound
		}
		return "", err
	}
	return status, nil
}

// SetJobStatus overwrites the job status.
func (r *Repository) SetJobStatus(ctx context.Context, jobID int64, status Status) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE period_closing_jobs SET status=$2, updated_at=NOW() WHERE id=$1`, jobID, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// UnitsByStatus lists processing dates with the given status in ascending order.
func (r *Repository) UnitsByStatus(ctx context.Context, jobID int64, status Status, limit int) ([]time.Time, error) {
	query := `SELECT processing_date FROM period_closing_days WHERE job_id=$1 AND status=$2 ORDER BY processing_date ASC`
	args := []any{jobID, status}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[time.Time])
}

// CountUnits groups unit counts by status.
func (r *Repository) CountUnits(ctx context.Context, jobID int64) (map[Status]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM period_closing_days WHERE job_id=$1 GROUP BY status`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[Status]int{}
	for rows.Next() {
		var (
			status Status
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// UnitStatus reads the status of one unit.
func (r *Repository) UnitStatus(ctx context.Context, jobID int64, date time.Time) (Status, error) {
	var status Status
	err := r.pool.QueryRow(ctx, `SELECT status FROM period_closing_days WHERE job_id=$1 AND processing_date=$2`, jobID, date).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUnitNotFound
		}
		return "", err
	}
	return status, nil
}

// RequeueStaleUnits hands Running units untouched since cutoff back to Queued.
func (r *Repository) RequeueStaleUnits(ctx context.Context, jobID int64, cutoff time.Time) (int, error) {
	cmd, err := r.pool.Exec(ctx, `UPDATE period_closing_days SET status=$3, updated_at=NOW()
WHERE job_id=$1 AND status=$2 AND updated_at < $4`, jobID, StatusRunning, StatusQueued, cutoff)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

// TransitionUnit is a compare-and-swap on a single unit status.
func (r *Repository) TransitionUnit(ctx context.Context, jobID int64, date time.Time, from, to Status) (bool, error) {
	cmd, err := r.pool.Exec(ctx, `UPDATE period_closing_days SET status=$4, updated_at=NOW()
WHERE job_id=$1 AND processing_date=$2 AND status=$3`, jobID, date, from, to)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// TransitionUnits moves every unit in from to to.
func (r *Repository) TransitionUnits(ctx context.Context, jobID int64, from, to Status) (int, error) {
	cmd, err := r.pool.Exec(ctx, `UPDATE period_closing_days SET status=$3, updated_at=NOW() WHERE job_id=$1 AND status=$2`, jobID, from, to)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

// CompleteUnit stores the balance and marks the unit Completed.
func (r *Repository) CompleteUnit(ctx context.Context, jobID int64, date time.Time, balance AggregateResult) (bool, error) {
	payload, err := MarshalAggregate(balance)
	if err != nil {
		return false, err
	}
	cmd, err := r.pool.Exec(ctx, `UPDATE period_closing_days SET status=$3, closing_balance=$4, updated_at=NOW()
WHERE job_id=$1 AND processing_date=$2 AND status IN ($5,$3)`, jobID, date, StatusCompleted, payload, StatusRunning)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// UnitResults returns the stored balances of every Completed unit.
func (r *Repository) UnitResults(ctx context.Context, jobID int64) ([]AggregateResult, error) {
	rows, err := r.pool.Query(ctx, `SELECT closing_balance FROM period_closing_days
WHERE job_id=$1 AND status=$2 ORDER BY processing_date ASC`, jobID, StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AggregateResult
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		result, err := UnmarshalAggregate(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

// CompleteJob stores the total and flips Running to Completed.
func (r *Repository) CompleteJob(ctx context.Context, jobID int64, total AggregateResult) (bool, error) {
	payload, err := MarshalAggregate(total)
	if err != nil {
		return false, err
	}
	cmd, err := r.pool.Exec(ctx, `UPDATE period_closing_jobs SET status=$2, period_total=$3, updated_at=NOW()
WHERE id=$1 AND status=$4`, jobID, StatusCompleted, payload, StatusRunning)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		job   Job
		total []byte
	)
	err := row.Scan(&job.ID, &job.Source.CompanyID, &job.Source.FiscalYear, &job.Source.PeriodName, &job.Source.StartDate,
		&job.Source.EndDate, &job.Source.ClosingAccount, &job.Source.Remarks, &job.Source.Dimensions, &job.Status, &total, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, err
	}
	if job.PeriodTotal, err = UnmarshalAggregate(total); err != nil {
		return Job{}, err
	}
	return job, nil
}

// RunningJobIDs lists jobs currently Running, oldest first.
func (r *Repository) RunningJobIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM period_closing_jobs WHERE status=$1 ORDER BY id ASC`, StatusRunning)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// CountJobsByStatus groups job counts by status.
func (r *Repository) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM period_closing_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// dimensionsArg keeps a nil list from being written as NULL.
func dimensionsArg(dims []string) []string {
	if dims == nil {
		return []string{}
	}
	return dims
}
