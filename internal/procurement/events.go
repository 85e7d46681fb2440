package procurement

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/storeflow/internal/shared"
	"github.com/odyssey-erp/storeflow/internal/workflow"
)

// StageAdvancedEvent describes a stage finished through the service.
type StageAdvancedEvent struct {
	Workflow   string
	Identifier string
	Stage      string
	Status     string
	Remarks    string
	Actor      string
	At         time.Time
}

// POGeneratedEvent describes a purchase order created from indents.
type POGeneratedEvent struct {
	Number  string
	Vendor  string
	Indents int
	At      time.Time
}

// EventHandler receives procurement events, e.g. for metrics.
type EventHandler interface {
	HandleStageAdvanced(ctx context.Context, evt StageAdvancedEvent)
	HandlePOGenerated(ctx context.Context, evt POGeneratedEvent)
}

type noopEvents struct{}

func (noopEvents) HandleStageAdvanced(context.Context, StageAdvancedEvent) {}
func (noopEvents) HandlePOGenerated(context.Context, POGeneratedEvent)     {}

// MultiEvents fans every event out to each handler in order.
type MultiEvents []EventHandler

func (m MultiEvents) HandleStageAdvanced(ctx context.Context, evt StageAdvancedEvent) {
	for _, h := range m {
		if h != nil {
			h.HandleStageAdvanced(ctx, evt)
		}
	}
}

func (m MultiEvents) HandlePOGenerated(ctx context.Context, evt POGeneratedEvent) {
	for _, h := range m {
		if h != nil {
			h.HandlePOGenerated(ctx, evt)
		}
	}
}

// ApprovalPort persists approval decisions.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// ApprovalEvents records Approved and Rejected stage outcomes as approval
// history. Other statuses are ignored.
type ApprovalEvents struct {
	Recorder ApprovalPort
	Logger   *slog.Logger
}

func (a ApprovalEvents) HandleStageAdvanced(ctx context.Context, evt StageAdvancedEvent) {
	if a.Recorder == nil {
		return
	}
	var action shared.ApprovalAction
	switch {
	case strings.EqualFold(evt.Status, workflow.StatusApproved):
		action = shared.ApprovalApprove
	case strings.EqualFold(evt.Status, workflow.StatusRejected):
		action = shared.ApprovalReject
	default:
		return
	}
	err := a.Recorder.Record(ctx, shared.ApprovalLog{
		Workflow:   evt.Workflow,
		Identifier: evt.Identifier,
		Stage:      evt.Stage,
		Actor:      evt.Actor,
		Action:     action,
		Note:       evt.Remarks,
		At:         evt.At,
	})
	if err != nil && a.Logger != nil {
		a.Logger.Warn("record approval", slog.String("workflow", evt.Workflow), slog.String("identifier", evt.Identifier), slog.Any("error", err))
	}
}

func (ApprovalEvents) HandlePOGenerated(context.Context, POGeneratedEvent) {}
