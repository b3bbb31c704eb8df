package closinghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/period-close/internal/closing"
	_ "github.com/odyssey-erp/period-close/testing"
)

type stubService struct {
	defineFn   func(ctx context.Context, in closing.DefineInput) (closing.Job, error)
	redefineFn func(ctx context.Context, id int64, in closing.DefineInput) (closing.Job, error)
	jobFn      func(ctx context.Context, id int64) (closing.Job, error)
	startFn    func(ctx context.Context, id int64) (closing.Job, error)
	pauseFn    func(ctx context.Context, id int64) (closing.Job, error)
	advanceFn  func(ctx context.Context, id int64) error
}

func (s *stubService) Define(ctx context.Context, in closing.DefineInput) (closing.Job, error) {
	return s.defineFn(ctx, in)
}

func (s *stubService) Redefine(ctx context.Context, id int64, in closing.DefineInput) (closing.Job, error) {
	return s.redefineFn(ctx, id, in)
}

func (s *stubService) Job(ctx context.Context, id int64) (closing.Job, error) {
	return s.jobFn(ctx, id)
}

func (s *stubService) Start(ctx context.Context, id int64) (closing.Job, error) {
	return s.startFn(ctx, id)
}

func (s *stubService) Pause(ctx context.Context, id int64) (closing.Job, error) {
	return s.pauseFn(ctx, id)
}

func (s *stubService) Advance(ctx context.Context, id int64) error {
	return s.advanceFn(ctx, id)
}

func newTestRouter(svc *stubService) http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, svc, 1000).MountRoutes(r)
	return r
}

func sampleJob(id int64, status closing.Status) closing.Job {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return closing.Job{
		ID:     id,
		Status: status,
		Source: closing.PeriodRef{
			CompanyID:      1,
			FiscalYear:     "2024",
			StartDate:      start,
			EndDate:        start.AddDate(0, 0, 1),
			ClosingAccount: "Retained Earnings",
		},
		Units: []closing.DayUnit{
			{ProcessingDate: start, Status: closing.StatusCompleted, ClosingBalance: closing.AggregateResult{}},
			{ProcessingDate: start.AddDate(0, 0, 1), Status: closing.StatusQueued},
		},
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const validBody = `{"company_id":1,"fiscal_year":"2024","start_date":"2024-01-01","end_date":"2024-01-02","closing_account":"Retained Earnings"}`

func TestDefineCreatesJob(t *testing.T) {
	svc := &stubService{defineFn: func(ctx context.Context, in closing.DefineInput) (closing.Job, error) {
		if in.CompanyID != 1 || in.ClosingAccount != "Retained Earnings" {
			t.Fatalf("unexpected input %+v", in)
		}
		if closing.FormatDate(in.StartDate) != "2024-01-01" || closing.FormatDate(in.EndDate) != "2024-01-02" {
			t.Fatalf("unexpected dates %s..%s", in.StartDate, in.EndDate)
		}
		return sampleJob(11, closing.StatusQueued), nil
	}}
	rr := do(t, newTestRouter(svc), http.MethodPost, "/closing/jobs/", validBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/closing/jobs/11" {
		t.Fatalf("unexpected location %q", loc)
	}
	var resp jobResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Units) != 2 || resp.Units[0].Date != "2024-01-01" || resp.Progress[closing.StatusQueued] != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestDefineValidation(t *testing.T) {
	svc := &stubService{defineFn: func(ctx context.Context, in closing.DefineInput) (closing.Job, error) {
		return closing.Job{}, &closing.InvalidRangeError{Start: in.StartDate, End: in.EndDate}
	}}
	router := newTestRouter(svc)
	cases := map[string]string{
		"missing account": `{"company_id":1,"fiscal_year":"2024","start_date":"2024-01-01","end_date":"2024-01-02"}`,
		"bad date":        `{"company_id":1,"fiscal_year":"2024","start_date":"01/01/2024","end_date":"2024-01-02","closing_account":"RE"}`,
		"unknown field":   `{"company_id":1,"extra":true}`,
		"malformed":       `{`,
		"reversed range":  `{"company_id":1,"fiscal_year":"2024","start_date":"2024-02-01","end_date":"2024-01-02","closing_account":"RE"}`,
	}
	for name, body := range cases {
		rr := do(t, router, http.MethodPost, "/closing/jobs/", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", name, rr.Code, rr.Body.String())
		}
	}
}

func TestRedefineCompletedJobConflicts(t *testing.T) {
	svc := &stubService{redefineFn: func(ctx context.Context, id int64, in closing.DefineInput) (closing.Job, error) {
		if id != 5 {
			t.Fatalf("expected job 5, got %d", id)
		}
		return closing.Job{}, closing.ErrJobCompleted
	}}
	rr := do(t, newTestRouter(svc), http.MethodPut, "/closing/jobs/5", validBody)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestRedefinePostedJobConflicts(t *testing.T) {
	svc := &stubService{redefineFn: func(ctx context.Context, id int64, in closing.DefineInput) (closing.Job, error) {
		return closing.Job{}, fmt.Errorf("%w: job %d cannot be redefined", closing.ErrAlreadyPosted, id)
	}}
	rr := do(t, newTestRouter(svc), http.MethodPut, "/closing/jobs/6", validBody)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestGetJobNotFound(t *testing.T) {
	svc := &stubService{jobFn: func(ctx context.Context, id int64) (closing.Job, error) {
		return closing.Job{}, closing.ErrJobNotFound
	}}
	router := newTestRouter(svc)
	if rr := do(t, router, http.MethodGet, "/closing/jobs/9", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := do(t, router, http.MethodGet, "/closing/jobs/abc", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rr.Code)
	}
}

func TestGetTotalOnlyOnceCompleted(t *testing.T) {
	key := closing.NewDimensionKey(nil, nil, nil)
	status := closing.StatusRunning
	svc := &stubService{jobFn: func(ctx context.Context, id int64) (closing.Job, error) {
		job := sampleJob(id, status)
		if status == closing.StatusCompleted {
			job.PeriodTotal = closing.AggregateResult{key: {Accounts: map[string]closing.AccountBalance{}, Rollup: closing.Rollup{Balance: -100}}}
		}
		return job, nil
	}}
	router := newTestRouter(svc)
	if rr := do(t, router, http.MethodGet, "/closing/jobs/3/total", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 while running, got %d", rr.Code)
	}

	status = closing.StatusCompleted
	rr := do(t, router, http.MethodGet, "/closing/jobs/3/total", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"[null,null,null]"`) || !strings.Contains(rr.Body.String(), `"__rollup__"`) {
		t.Fatalf("unexpected total body %s", rr.Body.String())
	}
}

func TestLifecycleTransitions(t *testing.T) {
	var calls []string
	svc := &stubService{
		startFn: func(ctx context.Context, id int64) (closing.Job, error) {
			calls = append(calls, fmt.Sprintf("start %d", id))
			return sampleJob(id, closing.StatusRunning), nil
		},
		pauseFn: func(ctx context.Context, id int64) (closing.Job, error) {
			calls = append(calls, fmt.Sprintf("pause %d", id))
			return sampleJob(id, closing.StatusPaused), nil
		},
		advanceFn: func(ctx context.Context, id int64) error {
			calls = append(calls, fmt.Sprintf("advance %d", id))
			return nil
		},
		jobFn: func(ctx context.Context, id int64) (closing.Job, error) {
			return sampleJob(id, closing.StatusRunning), nil
		},
	}
	router := newTestRouter(svc)
	for _, action := range []string{"start", "pause", "advance"} {
		rr := do(t, router, http.MethodPost, "/closing/jobs/4/"+action, "")
		if rr.Code != http.StatusAccepted {
			t.Fatalf("%s: expected 202, got %d", action, rr.Code)
		}
	}
	want := []string{"start 4", "pause 4", "advance 4"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected calls %v", calls)
	}
}

func TestAdvanceCommitFailureIsUnavailable(t *testing.T) {
	svc := &stubService{advanceFn: func(ctx context.Context, id int64) error {
		return fmt.Errorf("%w: deadlock", closing.ErrLedgerCommit)
	}}
	rr := do(t, newTestRouter(svc), http.MethodPost, "/closing/jobs/4/advance", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "deadlock") {
		t.Fatalf("cause must not leak: %s", rr.Body.String())
	}
}
