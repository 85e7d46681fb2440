package jobs

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskWorkflowOverdueScan looks for pending records past their due time.
	TaskWorkflowOverdueScan = "workflow:overdue_scan"
	// TaskSheetCacheWarmup prefetches every workflow sheet into the cache.
	TaskSheetCacheWarmup = "sheet:cache_warmup"
)

// OverdueScanPayload scopes an overdue scan. Empty fields use the job defaults.
type OverdueScanPayload struct {
	Workflows []string `json:"workflows,omitempty"`
	Firm      string   `json:"firm,omitempty"`
	// After is a Go duration string, e.g. "48h".
	After string `json:"after,omitempty"`
}

// CacheWarmupPayload lists the sheets to prefetch. Empty means all.
type CacheWarmupPayload struct {
	Sheets []string `json:"sheets,omitempty"`
}

// NewOverdueScanTask constructs an overdue scan task.
func NewOverdueScanTask(payload OverdueScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWorkflowOverdueScan, data), nil
}

// NewCacheWarmupTask constructs a cache warmup task.
func NewCacheWarmupTask(payload CacheWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSheetCacheWarmup, data), nil
}

var taskBuilders = map[string]func() (*asynq.Task, error){
	TaskWorkflowOverdueScan: func() (*asynq.Task, error) { return NewOverdueScanTask(OverdueScanPayload{}) },
	TaskSheetCacheWarmup:    func() (*asynq.Task, error) { return NewCacheWarmupTask(CacheWarmupPayload{}) },
}

// NewTask builds the task of the given type with a default payload.
func NewTask(taskType string) (*asynq.Task, error) {
	build, ok := taskBuilders[taskType]
	if !ok {
		return nil, fmt.Errorf("jobs: unknown task %q", taskType)
	}
	return build()
}

// TaskTypes lists the task types NewTask accepts.
func TaskTypes() []string {
	types := make([]string, 0, len(taskBuilders))
	for t := range taskBuilders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
