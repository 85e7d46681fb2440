package observability

import (
	"context"
	"strings"
	"testing"

	"github.com/odyssey-erp/storeflow/internal/procurement"
	"github.com/odyssey-erp/storeflow/internal/workflow"
)

func TestWorkflowMetricsObserve(t *testing.T) {
	metrics := NewMetrics()
	wf := NewWorkflowMetrics(metrics.Registerer())

	wf.Observe("indent", workflow.Result{State: workflow.StatePending, Index: 1})
	wf.Observe("indent", workflow.Result{State: workflow.StatePending, Index: 0})
	wf.Observe("indent", workflow.Result{State: workflow.StateIneligible, Index: -1, Inconsistent: []int{0, 2}})

	body := scrape(t, metrics)
	for _, want := range []string{
		`storeflow_workflow_records_total{state="pending",workflow="indent"} 2`,
		`storeflow_workflow_records_total{state="ineligible",workflow="indent"} 1`,
		`storeflow_workflow_inconsistent_stages_total{workflow="indent"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics, got: %s", want, body)
		}
	}
}

func TestWorkflowMetricsOverdueReplacesPreviousScan(t *testing.T) {
	metrics := NewMetrics()
	wf := NewWorkflowMetrics(metrics.Registerer())

	wf.SetOverdue("lift", map[string]int{"lift": 3, "store-in": 1})
	wf.SetOverdue("lift", map[string]int{"quality-check": 2})

	body := scrape(t, metrics)
	if strings.Contains(body, `stage="store-in"`) {
		t.Fatalf("expected stale overdue series to be removed, got: %s", body)
	}
	if !strings.Contains(body, `storeflow_workflow_overdue_records{stage="quality-check",workflow="lift"} 2`) {
		t.Fatalf("expected overdue gauge, got: %s", body)
	}
}

func TestWorkflowMetricsEvents(t *testing.T) {
	metrics := NewMetrics()
	wf := NewWorkflowMetrics(metrics.Registerer())
	var handler procurement.EventHandler = wf

	handler.HandleStageAdvanced(context.Background(), procurement.StageAdvancedEvent{Workflow: "indent", Stage: "approval", Status: "Approved"})
	handler.HandlePOGenerated(context.Background(), procurement.POGeneratedEvent{Number: "STORE-PO-25-26-1"})

	body := scrape(t, metrics)
	if !strings.Contains(body, `storeflow_workflow_stage_advances_total{stage="approval",status="Approved",workflow="indent"} 1`) {
		t.Fatalf("expected stage advance counter, got: %s", body)
	}
	if !strings.Contains(body, "storeflow_purchase_orders_generated_total 1") {
		t.Fatalf("expected po counter, got: %s", body)
	}

	var nilMetrics *WorkflowMetrics
	nilMetrics.Observe("indent", workflow.Result{})
	nilMetrics.SetOverdue("indent", nil)
}
