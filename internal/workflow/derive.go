package workflow

import (
	"fmt"
	"strings"
)

// State classifies a record against its stage table.
type State int

const (
	// StateIneligible records never entered the pipeline or carry gaps that
	// prevent classification. They appear in no view.
	StateIneligible State = iota
	// StatePending records wait on the stage at Result.Index.
	StatePending
	// StateCompleted records finished every stage.
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	default:
		return "ineligible"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "pending":
		*s = StatePending
	case "completed":
		*s = StateCompleted
	case "ineligible":
		*s = StateIneligible
	default:
		return fmt.Errorf("workflow: unknown state %q", text)
	}
	return nil
}

// Result is the outcome of Derive.
type Result struct {
	State State
	// Index is the pending stage, -1 otherwise.
	Index int
	// PlannedAt is the planned value of the current stage, or of the last
	// scheduled stage when completed.
	PlannedAt string
	// Inconsistent lists stages with an actual value but no planned value.
	Inconsistent []int
}

// StageRecord holds the values of one stage for one record.
type StageRecord struct {
	PlannedAt string
	ActualAt  string
	Status    string
	Remarks   string
}

// Pending reports whether the stage is scheduled and not finished.
func (s StageRecord) Pending() bool {
	return HasValue(s.PlannedAt) && !HasValue(s.ActualAt)
}

// Done reports whether the stage is scheduled and finished.
func (s StageRecord) Done() bool {
	return HasValue(s.PlannedAt) && HasValue(s.ActualAt)
}

// WorkflowRecord is a row viewed through a stage table.
type WorkflowRecord struct {
	Identifier string
	Handle     RowHandle
	Stages     []StageRecord
}

// NewRecord reads the stage columns of row according to table.
func NewRecord(row Row, table Table, identifier ...string) WorkflowRecord {
	rec := WorkflowRecord{
		Identifier: ResolveString(row, identifier...),
		Handle:     HandleOf(row),
		Stages:     make([]StageRecord, len(table.Stages)),
	}
	for i, stage := range table.Stages {
		rec.Stages[i] = StageRecord{
			PlannedAt: ResolveString(row, stage.Planned...),
			ActualAt:  ResolveString(row, stage.Actual...),
			Status:    ResolveString(row, stage.Status...),
			Remarks:   ResolveString(row, stage.Remarks...),
		}
	}
	return rec
}

// Classify walks the stages in order. The first pending stage wins; a record
// is completed only when every stage is done.
func (r WorkflowRecord) Classify() Result {
	res := Result{State: StateIneligible, Index: -1}
	allDone := len(r.Stages) > 0
	for i, stage := range r.Stages {
		if HasValue(stage.ActualAt) && !HasValue(stage.PlannedAt) {
			res.Inconsistent = append(res.Inconsistent, i)
		}
		if !stage.Done() {
			allDone = false
		}
		if res.State == StateIneligible && stage.Pending() {
			res.State = StatePending
			res.Index = i
			res.PlannedAt = stage.PlannedAt
		}
	}
	if res.State == StatePending {
		return res
	}
	if allDone {
		res.State = StateCompleted
		res.PlannedAt = r.lastPlanned()
	}
	return res
}

// CurrentStage returns the pending stage index, or -1.
func (r WorkflowRecord) CurrentStage() int {
	return r.Classify().Index
}

// IsComplete reports whether every stage is done.
func (r WorkflowRecord) IsComplete() bool {
	return r.Classify().State == StateCompleted
}

func (r WorkflowRecord) lastPlanned() string {
	for i := len(r.Stages) - 1; i >= 0; i-- {
		if HasValue(r.Stages[i].PlannedAt) {
			return r.Stages[i].PlannedAt
		}
	}
	return ""
}

// Derive classifies row into exactly one of pending(i), completed or
// ineligible.
func Derive(row Row, table Table) Result {
	return NewRecord(row, table).Classify()
}
