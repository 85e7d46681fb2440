package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/storeflow/internal/jobs"
	"github.com/odyssey-erp/storeflow/internal/procurement"
	"github.com/odyssey-erp/storeflow/internal/sheet"
	"github.com/odyssey-erp/storeflow/internal/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRecorder struct {
	calls map[string]map[string]int
}

func (f *fakeRecorder) SetOverdue(name string, byStage map[string]int) {
	if f.calls == nil {
		f.calls = make(map[string]map[string]int)
	}
	f.calls[name] = byStage
}

func seededService(t *testing.T) (*procurement.Service, *sheet.MemoryStore) {
	t.Helper()
	store := sheet.NewMemoryStore()
	store.Seed(procurement.SheetIndent,
		workflow.Row{"Indent Number": "SI-0001", "Firm Name": "Acme Steel", "planned1": "2025-06-01 09:00:00"},
		workflow.Row{"Indent Number": "SI-0002", "Firm Name": "Acme Steel", "planned1": "2025-06-01 09:00:00", "actual1": "2025-06-02 09:00:00", "planned2": "2025-06-10 08:00:00"},
		workflow.Row{"Indent Number": "SI-0003", "Firm Name": "Bolt Works", "planned1": "2025-06-03 09:00:00"},
	)
	store.Seed(procurement.SheetTally, workflow.Row{"Bill Number": "INV-1", "Firm Name": "Acme Steel", "planned1": "2025-06-09 09:00:00"})
	svc := procurement.NewService(store, nil, nil, nil, discardLogger())
	return svc, store
}

func newOverdueJob(t *testing.T, svc *procurement.Service, rec OverdueRecorder) *OverdueScanJob {
	t.Helper()
	job := NewOverdueScanJob(svc, rec, 48*time.Hour, discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))
	job.clock = func() time.Time { return time.Date(2025, time.June, 10, 10, 0, 0, 0, time.Local) }
	return job
}

func TestOverdueScanReportsStaleStages(t *testing.T) {
	svc, _ := seededService(t)
	rec := &fakeRecorder{}
	job := newOverdueJob(t, svc, rec)

	report, err := job.Scan(context.Background(), OverdueScanPayload{})
	require.NoError(t, err)
	require.Equal(t, 4, report.Scanned)
	require.Len(t, report.Overdue, 2)
	ids := []string{report.Overdue[0].Identifier, report.Overdue[1].Identifier}
	require.ElementsMatch(t, []string{"SI-0001", "SI-0003"}, ids)
	require.Equal(t, "approval", report.Overdue[0].Stage)

	require.Equal(t, map[string]int{"approval": 2}, rec.calls["indent"])
	require.Empty(t, rec.calls["tally"])
	require.Contains(t, rec.calls, "payment")
}

func TestOverdueScanPayloadOverrides(t *testing.T) {
	svc, _ := seededService(t)
	rec := &fakeRecorder{}
	job := newOverdueJob(t, svc, rec)

	report, err := job.Scan(context.Background(), OverdueScanPayload{Workflows: []string{"indent", "tally"}, Firm: "Acme Steel", After: "1h"})
	require.NoError(t, err)
	require.Equal(t, 3, report.Scanned)
	require.Len(t, report.Overdue, 3)
	require.Equal(t, map[string]int{"approval": 1, "vendor-rate": 1}, rec.calls["indent"])
	require.Equal(t, map[string]int{"audit": 1}, rec.calls["tally"])
	require.NotContains(t, rec.calls, "payment")

	_, err = job.Scan(context.Background(), OverdueScanPayload{After: "soon"})
	require.ErrorIs(t, err, asynq.SkipRetry)

	_, err = job.Scan(context.Background(), OverdueScanPayload{Workflows: []string{"unknown"}})
	require.ErrorIs(t, err, procurement.ErrUnknownWorkflow)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestOverdueScanHandle(t *testing.T) {
	svc, store := seededService(t)
	job := newOverdueJob(t, svc, nil)

	task, err := NewOverdueScanTask(OverdueScanPayload{Workflows: []string{"indent"}})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	err = job.Handle(context.Background(), asynq.NewTask(TaskWorkflowOverdueScan, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	store.FailNext = errors.New("sheet api down")
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestCacheWarmupFillsCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, mem := seededService(t)
	cached := sheet.NewCachedStore(mem, client, time.Minute, discardLogger())
	registry := prometheus.NewRegistry()
	job := NewCacheWarmupJob(cached, []string{procurement.SheetIndent, procurement.SheetTally}, discardLogger(), jobmetrics.NewMetrics(registry))

	task, err := NewCacheWarmupTask(CacheWarmupPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.True(t, mr.Exists("sheet:INDENT:rows:1"))
	require.True(t, mr.Exists("sheet:TALLY:rows:1"))

	mem.FailNext = errors.New("sheet api down")
	rows, err := cached.Fetch(context.Background(), procurement.SheetIndent)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	require.Contains(t, names, "storeflow_job_rows_total")
	require.Contains(t, names, "storeflow_jobs_total")
}

func TestCacheWarmupFailure(t *testing.T) {
	_, mem := seededService(t)
	job := NewCacheWarmupJob(mem, nil, discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))
	mem.FailNext = errors.New("sheet api down")

	task, err := NewCacheWarmupTask(CacheWarmupPayload{Sheets: []string{procurement.SheetPO}})
	require.NoError(t, err)
	require.Error(t, job.Handle(context.Background(), task))

	err = (&CacheWarmupJob{}).Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewTaskByName(t *testing.T) {
	require.Equal(t, []string{TaskSheetCacheWarmup, TaskWorkflowOverdueScan}, TaskTypes())
	task, err := NewTask(TaskWorkflowOverdueScan)
	require.NoError(t, err)
	require.Equal(t, TaskWorkflowOverdueScan, task.Type())

	_, err = NewTask("email:send")
	require.Error(t, err)
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestHealthHandler(t *testing.T) {
	cases := []struct {
		name      string
		inspector QueueInspector
		status    int
		pending   int
	}{
		{name: "no inspector", status: http.StatusOK},
		{name: "queue info", inspector: stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3}}, status: http.StatusOK, pending: 3},
		{name: "redis down", inspector: stubInspector{err: errors.New("dial tcp")}, status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHandler(tc.inspector, discardLogger()).MountRoutes(r)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, tc.status, rec.Code)
			if tc.status != http.StatusOK {
				return
			}
			var body queueHealth
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, QueueDefault, body.Queue)
			require.Equal(t, tc.pending, body.Pending)
		})
	}
}
