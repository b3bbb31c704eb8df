package closing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*memJob
}

type memJob struct {
	source PeriodRef
	status Status
	total  AggregateResult
	units  map[time.Time]*DayUnit
	// touched mirrors period_closing_days.updated_at.
	touched map[time.Time]time.Time
}

func newMemStore() *memStore {
	return &memStore{jobs: map[int64]*memJob{}}
}

func (s *memStore) CreateJob(_ context.Context, source PeriodRef, units []DayUnit) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job := &memJob{source: source, status: StatusQueued}
	job.setUnits(units)
	s.jobs[s.nextID] = job
	return s.snapshot(s.nextID, job), nil
}

func (s *memStore) ReplaceDefinition(_ context.Context, jobID int64, source PeriodRef, units []DayUnit) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	job.source = source
	job.status = StatusQueued
	job.total = nil
	job.setUnits(units)
	return s.snapshot(jobID, job), nil
}

func (j *memJob) setUnits(units []DayUnit) {
	j.units = map[time.Time]*DayUnit{}
	j.touched = map[time.Time]time.Time{}
	for _, u := range units {
		unit := u
		j.units[u.ProcessingDate] = &unit
		j.touched[u.ProcessingDate] = time.Now()
	}
}

func (s *memStore) snapshot(id int64, job *memJob) Job {
	out := Job{ID: id, Status: job.status, Source: job.source, PeriodTotal: job.total}
	for _, u := range job.units {
		out.Units = append(out.Units, *u)
	}
	sort.Slice(out.Units, func(a, b int) bool {
		return out.Units[a].ProcessingDate.Before(out.Units[b].ProcessingDate)
	})
	return out
}

func (s *memStore) get(jobID int64) (*memJob, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *memStore) GetJob(_ context.Context, jobID int64) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return Job{}, err
	}
	return s.snapshot(jobID, job), nil
}

func (s *memStore) GetSource(_ context.Context, jobID int64) (PeriodRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return PeriodRef{}, err
	}
	return job.source, nil
}

func (s *memStore) JobStatus(_ context.Context, jobID int64) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return "", err
	}
	return job.status, nil
}

func (s *memStore) SetJobStatus(_ context.Context, jobID int64, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return err
	}
	job.status = status
	return nil
}

func (s *memStore) UnitsByStatus(_ context.Context, jobID int64, status Status, limit int) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for date, u := range job.units {
		if u.Status == status {
			out = append(out, date)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Before(out[b]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CountUnits(_ context.Context, jobID int64) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return nil, err
	}
	counts := map[Status]int{}
	for _, u := range job.units {
		counts[u.Status]++
	}
	return counts, nil
}

func (s *memStore) TransitionUnit(_ context.Context, jobID int64, date time.Time, from, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return false, err
	}
	u, ok := job.units[date]
	if !ok || u.Status != from {
		return false, nil
	}
	u.Status = to
	job.touched[date] = time.Now()
	return true, nil
}

func (s *memStore) TransitionUnits(_ context.Context, jobID int64, from, to Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return 0, err
	}
	n := 0
	for date, u := range job.units {
		if u.Status == from {
			u.Status = to
			job.touched[date] = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *memStore) UnitStatus(_ context.Context, jobID int64, date time.Time) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return "", err
	}
	u, ok := job.units[date]
	if !ok {
		return "", ErrUnitNotFound
	}
	return u.Status, nil
}

func (s *memStore) RequeueStaleUnits(_ context.Context, jobID int64, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return 0, err
	}
	n := 0
	for date, u := range job.units {
		if u.Status == StatusRunning && job.touched[date].Before(cutoff) {
			u.Status = StatusQueued
			job.touched[date] = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *memStore) CompleteUnit(_ context.Context, jobID int64, date time.Time, balance AggregateResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return false, err
	}
	u, ok := job.units[date]
	if !ok || (u.Status != StatusRunning && u.Status != StatusCompleted) {
		return false, nil
	}
	u.Status = StatusCompleted
	u.ClosingBalance = balance
	job.touched[date] = time.Now()
	return true, nil
}

func (s *memStore) UnitResults(_ context.Context, jobID int64) ([]AggregateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return nil, err
	}
	var out []AggregateResult
	for _, u := range job.units {
		if u.Status == StatusCompleted {
			out = append(out, u.ClosingBalance)
		}
	}
	return out, nil
}

func (s *memStore) CompleteJob(_ context.Context, jobID int64, total AggregateResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return false, err
	}
	if job.status != StatusRunning {
		return false, nil
	}
	job.status = StatusCompleted
	job.total = total
	return true, nil
}

// fakeLedger serves movements keyed by date. hook runs inside Movements.
type fakeLedger struct {
	accounts  []string
	movements map[time.Time][]Movement
	currency  string
	hook      func(date time.Time)
	err       error

	mu      sync.Mutex
	queries []MovementQuery
}

func (l *fakeLedger) ProfitAndLossAccounts(context.Context, int64) ([]string, error) {
	return l.accounts, nil
}

func (l *fakeLedger) Movements(_ context.Context, q MovementQuery) ([]Movement, error) {
	l.mu.Lock()
	l.queries = append(l.queries, q)
	l.mu.Unlock()
	if l.hook != nil {
		l.hook(q.Date)
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.movements[q.Date], nil
}

func (l *fakeLedger) recorded() []MovementQuery {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]MovementQuery(nil), l.queries...)
}

func (l *fakeLedger) AccountCurrency(context.Context, int64, string) (string, error) {
	return l.currency, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	posted  map[string][]LedgerEntry
	calls   int
	failErr error
}

func (w *fakeWriter) PostEntries(_ context.Context, entries []LedgerEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failErr != nil {
		return w.failErr
	}
	if w.posted == nil {
		w.posted = map[string][]LedgerEntry{}
	}
	voucher := entries[0].VoucherID.String()
	if _, ok := w.posted[voucher]; ok {
		return ErrAlreadyPosted
	}
	w.posted[voucher] = append([]LedgerEntry(nil), entries...)
	return nil
}

func (w *fakeWriter) VoucherPosted(_ context.Context, voucherID uuid.UUID) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.posted[voucherID.String()]
	return ok, nil
}

func (w *fakeWriter) entries(jobID int64) []LedgerEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.posted[VoucherID(jobID).String()]
}

// recordingDispatcher accepts dispatches without running them.
type recordingDispatcher struct {
	mu          sync.Mutex
	unavailable bool
	err         error
	dates       []time.Time
}

func (d *recordingDispatcher) Available(context.Context) bool {
	return !d.unavailable
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ int64, date time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.dates = append(d.dates, date)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dates)
}

type fakeLocker struct {
	mu     sync.Mutex
	held   map[string]bool
	denied bool
}

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denied || l.held[key] {
		return nil, false, nil
	}
	if l.held == nil {
		l.held = map[string]bool{}
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true, nil
}

var errBoom = errors.New("boom")

func day(d int) time.Time {
	return time.Date(2024, time.January, d, 0, 0, 0, 0, time.UTC)
}

func strPtr(s string) *string {
	return &s
}
