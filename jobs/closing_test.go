package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/period-close/internal/closing"
	jobmetrics "github.com/odyssey-erp/period-close/internal/jobs"
)

type fakeController struct {
	mu         sync.Mutex
	processErr error
	advanceErr map[int64]error
	processed  []string
	advanced   []int64
	swept      []int64
}

func (c *fakeController) ProcessUnit(_ context.Context, jobID int64, date time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed = append(c.processed, fmt.Sprintf("%d@%s", jobID, closing.FormatDate(date)))
	return c.processErr
}

func (c *fakeController) Advance(_ context.Context, jobID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanced = append(c.advanced, jobID)
	return c.advanceErr[jobID]
}

func (c *fakeController) Sweep(_ context.Context, jobID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.swept = append(c.swept, jobID)
	return c.advanceErr[jobID]
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (e *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type fakeServers struct {
	servers []*asynq.ServerInfo
	err     error
}

func (s fakeServers) Servers() ([]*asynq.ServerInfo, error) {
	return s.servers, s.err
}

type fakeLister []int64

func (l fakeLister) RunningJobIDs(context.Context) ([]int64, error) {
	return l, nil
}

func newClosingJob(ctrl *fakeController, enq *fakeEnqueuer, lister RunningJobLister) *ClosingJob {
	return NewClosingJob(ctrl, enq, lister, "closing", nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
}

func processTask(t *testing.T, jobID int64, date string) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(ProcessUnitPayload{JobID: jobID, Date: date})
	require.NoError(t, err)
	return asynq.NewTask(TaskClosingProcessUnit, body)
}

func TestHandleProcessUnitRunsController(t *testing.T) {
	ctrl := &fakeController{}
	job := newClosingJob(ctrl, &fakeEnqueuer{}, nil)

	require.NoError(t, job.HandleProcessUnit(context.Background(), processTask(t, 7, "2024-01-02")))
	assert.Equal(t, []string{"7@2024-01-02"}, ctrl.processed)
}

func TestHandleProcessUnitSkipsRetryOnMalformedPayload(t *testing.T) {
	ctrl := &fakeController{}
	job := newClosingJob(ctrl, &fakeEnqueuer{}, nil)

	err := job.HandleProcessUnit(context.Background(), asynq.NewTask(TaskClosingProcessUnit, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	err = job.HandleProcessUnit(context.Background(), processTask(t, 7, "02/01/2024"))
	require.ErrorIs(t, err, asynq.SkipRetry)
	err = job.HandleProcessUnit(context.Background(), processTask(t, 0, "2024-01-02"))
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, ctrl.processed)
}

func TestHandleProcessUnitEnqueuesAdvanceAfterStoredUnit(t *testing.T) {
	ctrl := &fakeController{processErr: fmt.Errorf("%w: %w", closing.ErrAdvance, closing.ErrLedgerCommit)}
	enq := &fakeEnqueuer{}
	job := newClosingJob(ctrl, enq, nil)

	require.NoError(t, job.HandleProcessUnit(context.Background(), processTask(t, 3, "2024-01-02")))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TaskClosingAdvance, enq.tasks[0].Type())

	var payload AdvancePayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.Equal(t, int64(3), payload.JobID)
}

func TestHandleProcessUnitTreatsPendingAdvanceAsSuccess(t *testing.T) {
	ctrl := &fakeController{processErr: closing.ErrAdvance}
	job := newClosingJob(ctrl, &fakeEnqueuer{err: asynq.ErrTaskIDConflict}, nil)

	require.NoError(t, job.HandleProcessUnit(context.Background(), processTask(t, 3, "2024-01-02")))
}

func TestHandleProcessUnitReturnsAggregationErrorForRetry(t *testing.T) {
	boom := errors.New("boom")
	ctrl := &fakeController{processErr: boom}
	enq := &fakeEnqueuer{}
	job := newClosingJob(ctrl, enq, nil)

	err := job.HandleProcessUnit(context.Background(), processTask(t, 3, "2024-01-02"))
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, enq.tasks)
}

func TestHandleProcessUnitSkipsMissingJobOrUnit(t *testing.T) {
	for _, gone := range []error{closing.ErrJobNotFound, closing.ErrUnitNotFound} {
		ctrl := &fakeController{processErr: gone}
		enq := &fakeEnqueuer{}
		job := newClosingJob(ctrl, enq, nil)

		err := job.HandleProcessUnit(context.Background(), processTask(t, 3, "2024-01-25"))
		require.ErrorIs(t, err, asynq.SkipRetry)
		require.ErrorIs(t, err, gone)
		assert.Empty(t, enq.tasks)
	}
}

func TestHandleAdvance(t *testing.T) {
	ctrl := &fakeController{advanceErr: map[int64]error{9: closing.ErrLedgerCommit}}
	job := newClosingJob(ctrl, &fakeEnqueuer{}, nil)

	task, err := NewAdvanceTask(4, "")
	require.NoError(t, err)
	require.NoError(t, job.HandleAdvance(context.Background(), task))

	task, err = NewAdvanceTask(9, "")
	require.NoError(t, err)
	require.ErrorIs(t, job.HandleAdvance(context.Background(), task), closing.ErrLedgerCommit)
	assert.Equal(t, []int64{4, 9}, ctrl.advanced)

	err = job.HandleAdvance(context.Background(), asynq.NewTask(TaskClosingAdvance, []byte(`{"job_id":-1}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleSweepSweepsEveryRunningJob(t *testing.T) {
	boom := errors.New("boom")
	ctrl := &fakeController{advanceErr: map[int64]error{2: boom}}
	job := newClosingJob(ctrl, &fakeEnqueuer{}, fakeLister{1, 2, 3})

	err := job.HandleSweep(context.Background(), NewSweepTask(""))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []int64{1, 2, 3}, ctrl.swept)
	assert.Empty(t, ctrl.advanced)
}

func TestDispatcherAvailability(t *testing.T) {
	enq := &fakeEnqueuer{}
	cases := []struct {
		name    string
		servers ServerLister
		want    bool
	}{
		{name: "no lister", servers: nil, want: true},
		{name: "active server on queue", servers: fakeServers{servers: []*asynq.ServerInfo{{Status: "active", Queues: map[string]int{"closing": 3}}}}, want: true},
		{name: "server on other queue", servers: fakeServers{servers: []*asynq.ServerInfo{{Status: "active", Queues: map[string]int{"default": 1}}}}, want: false},
		{name: "stopped server", servers: fakeServers{servers: []*asynq.ServerInfo{{Status: "stopped", Queues: map[string]int{"closing": 3}}}}, want: false},
		{name: "no servers", servers: fakeServers{}, want: false},
		{name: "inspector error", servers: fakeServers{err: errors.New("redis down")}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &Dispatcher{Enqueuer: enq, Servers: tc.servers, Queue: "closing"}
			assert.Equal(t, tc.want, d.Available(context.Background()))
		})
	}
}

func TestDispatcherEnqueuesProcessUnitTask(t *testing.T) {
	enq := &fakeEnqueuer{}
	d := &Dispatcher{Enqueuer: enq}
	require.NoError(t, d.Dispatch(context.Background(), 5, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.Len(t, enq.tasks, 1)

	payload, date, err := decodeProcessUnit(enq.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, int64(5), payload.JobID)
	assert.Equal(t, "2024-03-01", closing.FormatDate(date))

	enq.err = errors.New("redis down")
	require.Error(t, d.Dispatch(context.Background(), 5, date))
}
