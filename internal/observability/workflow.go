package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/storeflow/internal/procurement"
	"github.com/odyssey-erp/storeflow/internal/workflow"
)

// WorkflowMetrics counts classification results and workflow events.
type WorkflowMetrics struct {
	records      *prometheus.CounterVec
	inconsistent *prometheus.CounterVec
	overdue      *prometheus.GaugeVec
	advances     *prometheus.CounterVec
	pos          prometheus.Counter
}

// NewWorkflowMetrics registers the workflow collectors on registerer.
func NewWorkflowMetrics(registerer prometheus.Registerer) *WorkflowMetrics {
	m := &WorkflowMetrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storeflow_workflow_records_total",
			Help: "Records classified per workflow and derived state.",
		}, []string{"workflow", "state"}),
		inconsistent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storeflow_workflow_inconsistent_stages_total",
			Help: "Stages found with an actual date but no planned date.",
		}, []string{"workflow"}),
		overdue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "storeflow_workflow_overdue_records",
			Help: "Pending records whose current stage is past due, from the last scan.",
		}, []string{"workflow", "stage"}),
		advances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storeflow_workflow_stage_advances_total",
			Help: "Stages finished through the API.",
		}, []string{"workflow", "stage", "status"}),
		pos: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storeflow_purchase_orders_generated_total",
			Help: "Purchase orders generated from indents.",
		}),
	}
	registerer.MustRegister(m.records, m.inconsistent, m.overdue, m.advances, m.pos)
	return m
}

// Observe is installed as the projector hook.
func (m *WorkflowMetrics) Observe(table string, res workflow.Result) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(table, res.State.String()).Inc()
	if n := len(res.Inconsistent); n > 0 {
		m.inconsistent.WithLabelValues(table).Add(float64(n))
	}
}

// SetOverdue replaces the overdue counts of one workflow.
func (m *WorkflowMetrics) SetOverdue(workflowName string, byStage map[string]int) {
	if m == nil {
		return
	}
	m.overdue.DeletePartialMatch(prometheus.Labels{"workflow": workflowName})
	for stage, n := range byStage {
		m.overdue.WithLabelValues(workflowName, stage).Set(float64(n))
	}
}

func (m *WorkflowMetrics) HandleStageAdvanced(_ context.Context, evt procurement.StageAdvancedEvent) {
	if m == nil {
		return
	}
	m.advances.WithLabelValues(evt.Workflow, evt.Stage, evt.Status).Inc()
}

func (m *WorkflowMetrics) HandlePOGenerated(_ context.Context, _ procurement.POGeneratedEvent) {
	if m == nil {
		return
	}
	m.pos.Inc()
}
