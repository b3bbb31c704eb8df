package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/period-close/internal/closing"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueClosing is the default queue for period closing tasks.
	QueueClosing = "closing"
	// TaskClosingProcessUnit aggregates one day of a closing job.
	TaskClosingProcessUnit = "closing:process_unit"
	// TaskClosingAdvance chains the next unit or finalises a closing job.
	TaskClosingAdvance = "closing:advance"
	// TaskClosingSweep requeues stale units and re-advances running jobs.
	TaskClosingSweep = "closing:sweep"
)

// ProcessUnitPayload identifies the day unit to process.
type ProcessUnitPayload struct {
	JobID int64  `json:"job_id"`
	Date  string `json:"date"`
}

// AdvancePayload identifies the job to advance.
type AdvancePayload struct {
	JobID int64 `json:"job_id"`
}

// NewProcessUnitTask constructs the task for one day unit.
func NewProcessUnitTask(jobID int64, date time.Time, queue string) (*asynq.Task, error) {
	body, err := json.Marshal(ProcessUnitPayload{JobID: jobID, Date: closing.FormatDate(date)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskClosingProcessUnit, body, asynq.Queue(queueOrDefault(queue)), asynq.MaxRetry(5)), nil
}

// NewAdvanceTask constructs an advance task. Concurrent advances of one job
// collapse on the task id while one is pending.
func NewAdvanceTask(jobID int64, queue string) (*asynq.Task, error) {
	body, err := json.Marshal(AdvancePayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskClosingAdvance, body,
		asynq.Queue(queueOrDefault(queue)),
		asynq.TaskID(fmt.Sprintf("closing:advance:%d", jobID)),
		asynq.MaxRetry(10),
	), nil
}

// NewSweepTask constructs the periodic sweep task.
func NewSweepTask(queue string) *asynq.Task {
	return asynq.NewTask(TaskClosingSweep, nil, asynq.Queue(queueOrDefault(queue)), asynq.MaxRetry(0))
}

func decodeProcessUnit(task *asynq.Task) (ProcessUnitPayload, time.Time, error) {
	var payload ProcessUnitPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, time.Time{}, err
	}
	if payload.JobID <= 0 {
		return payload, time.Time{}, fmt.Errorf("job id must be positive")
	}
	date, err := closing.ParseDate(payload.Date)
	if err != nil {
		return payload, time.Time{}, err
	}
	return payload, date, nil
}

func decodeAdvance(task *asynq.Task) (AdvancePayload, error) {
	var payload AdvancePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, err
	}
	if payload.JobID <= 0 {
		return payload, fmt.Errorf("job id must be positive")
	}
	return payload, nil
}

func queueOrDefault(queue string) string {
	if queue == "" {
		return QueueClosing
	}
	return queue
}
