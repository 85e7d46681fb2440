package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/storeflow/internal/jobs"
	"github.com/odyssey-erp/storeflow/internal/sheet"
)

// CacheWarmupJob fetches sheets through the cached store so the first
// request after a deploy or an invalidation does not wait on the sheet API.
type CacheWarmupJob struct {
	Store   sheet.Store
	Sheets  []string
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCacheWarmupJob builds the job. sheets is the default set to warm.
func NewCacheWarmupJob(store sheet.Store, sheets []string, logger *slog.Logger, metrics *jobmetrics.Metrics) *CacheWarmupJob {
	return &CacheWarmupJob{Store: store, Sheets: sheets, Logger: logger, Metrics: metrics}
}

// Handle processes the cache warmup task.
func (j *CacheWarmupJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload CacheWarmupPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode warmup payload: %w: %w", err, asynq.SkipRetry)
		}
	}
	if j.Store == nil {
		return fmt.Errorf("cache warmup: store not configured: %w", asynq.SkipRetry)
	}
	sheets := payload.Sheets
	if len(sheets) == 0 {
		sheets = j.Sheets
	}
	tracker := j.metrics().Track(TaskSheetCacheWarmup)

	counts := make([]int, len(sheets))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range sheets {
		i, name := i, name
		g.Go(func() error {
			rows, err := j.Store.Fetch(gctx, name)
			if err != nil {
				return fmt.Errorf("warm %s: %w", name, err)
			}
			counts[i] = len(rows)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		j.logger().Warn("cache warmup failed", slog.Any("error", err))
		return tracker.End(err)
	}
	total := 0
	for i, name := range sheets {
		j.metrics().AddRows(TaskSheetCacheWarmup, name, counts[i])
		total += counts[i]
	}
	j.logger().Info("sheet cache warmed", slog.Int("sheets", len(sheets)), slog.Int("rows", total))
	return tracker.End(nil)
}

func (j *CacheWarmupJob) logger() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *CacheWarmupJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
