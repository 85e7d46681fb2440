package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/storeflow/internal/jobs"
	"github.com/odyssey-erp/storeflow/internal/procurement"
	"github.com/odyssey-erp/storeflow/internal/workflow"
)

// DefaultOverdueAfter is used when neither the job nor the payload sets a threshold.
const DefaultOverdueAfter = 48 * time.Hour

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OverdueRecorder receives the per-stage overdue counts of a workflow.
type OverdueRecorder interface {
	SetOverdue(workflow string, byStage map[string]int)
}

// OverdueRecord is one pending record waiting past the threshold.
type OverdueRecord struct {
	Workflow   string
	Identifier string
	Firm       string
	Stage      string
	PlannedAt  time.Time
	Waiting    time.Duration
}

// OverdueReport summarises one scan.
type OverdueReport struct {
	Scanned int
	Overdue []OverdueRecord
}

// OverdueScanJob flags pending workflow records whose current stage has been
// planned for longer than the threshold.
type OverdueScanJob struct {
	Service  *procurement.Service
	Recorder OverdueRecorder
	After    time.Duration
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewOverdueScanJob builds the job.
func NewOverdueScanJob(service *procurement.Service, recorder OverdueRecorder, after time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueScanJob {
	return &OverdueScanJob{Service: service, Recorder: recorder, After: after, Logger: logger, Metrics: metrics}
}

// Handle processes the overdue scan task.
func (j *OverdueScanJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload OverdueScanPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode overdue payload: %w: %w", err, asynq.SkipRetry)
		}
	}
	tracker := j.metrics().Track(TaskWorkflowOverdueScan)
	report, err := j.Scan(ctx, payload)
	if err != nil {
		return tracker.End(err)
	}
	j.logger().Info("overdue scan complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("overdue", len(report.Overdue)))
	return tracker.End(nil)
}

// Scan walks the requested workflows and reports overdue records.
func (j *OverdueScanJob) Scan(ctx context.Context, payload OverdueScanPayload) (OverdueReport, error) {
	if j.Service == nil {
		return OverdueReport{}, fmt.Errorf("overdue scan: service not configured: %w", asynq.SkipRetry)
	}
	after, err := j.threshold(payload.After)
	if err != nil {
		return OverdueReport{}, fmt.Errorf("overdue scan: %w: %w", err, asynq.SkipRetry)
	}
	names := payload.Workflows
	if len(names) == 0 {
		names = j.Service.Registry().Names()
	}
	now := j.now()
	var report OverdueReport
	for _, name := range names {
		wf, err := j.Service.Registry().Get(name)
		if err != nil {
			return report, fmt.Errorf("overdue scan: %w: %w", err, asynq.SkipRetry)
		}
		projection, err := j.Service.Queue(ctx, name, payload.Firm)
		if err != nil {
			return report, err
		}
		j.metrics().AddRows(TaskWorkflowOverdueScan, wf.Sheet, len(projection.Pending))
		report.Scanned += len(projection.Pending)

		byStage := make(map[string]int)
		for _, rec := range projection.Pending {
			planned, ok := workflow.ParseTimestamp(rec.PlannedAt)
			if !ok {
				continue
			}
			waiting := now.Sub(planned)
			if waiting <= after {
				continue
			}
			byStage[rec.StageKey]++
			report.Overdue = append(report.Overdue, OverdueRecord{
				Workflow:   name,
				Identifier: rec.Identifier,
				Firm:       rec.Firm,
				Stage:      rec.StageKey,
				PlannedAt:  planned,
				Waiting:    waiting,
			})
			j.logger().Warn("workflow record overdue",
				slog.String("workflow", name),
				slog.String("identifier", rec.Identifier),
				slog.String("stage", rec.StageKey),
				slog.Duration("waiting", waiting.Truncate(time.Minute)))
		}
		if j.Recorder != nil {
			j.Recorder.SetOverdue(name, byStage)
		}
	}
	return report, nil
}

func (j *OverdueScanJob) threshold(override string) (time.Duration, error) {
	if override != "" {
		d, err := time.ParseDuration(override)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("invalid threshold %q", override)
		}
		return d, nil
	}
	if j.After > 0 {
		return j.After, nil
	}
	return DefaultOverdueAfter, nil
}

func (j *OverdueScanJob) logger() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *OverdueScanJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *OverdueScanJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now()
}
