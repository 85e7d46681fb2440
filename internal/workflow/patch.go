package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout is the format written into planned/actual columns.
const TimestampLayout = "2006-01-02 15:04:05"

var (
	// ErrInvalidStatus indicates a status outside the stage vocabulary.
	ErrInvalidStatus = errors.New("workflow: status not allowed for stage")
	// ErrStageOutOfRange indicates a stage index outside the table.
	ErrStageOutOfRange = errors.New("workflow: stage out of range")
)

// Patch is a partial row update. The store merges it per field, so it must
// only carry fields that actually changed.
type Patch struct {
	Handle RowHandle
	Fields map[string]any
}

// BuildPatch returns a patch for handle carrying exactly the changed fields.
// A rowIndex entry in changed is ignored; the handle is immutable.
func BuildPatch(handle RowHandle, changed map[string]any) Patch {
	fields := make(map[string]any, len(changed))
	for key, value := range changed {
		if key == RowHandleKey {
			continue
		}
		fields[key] = value
	}
	return Patch{Handle: handle, Fields: fields}
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return len(p.Fields) == 0
}

// Row flattens the patch into the {rowIndex, ...fields} shape.
func (p Patch) Row() Row {
	row := make(Row, len(p.Fields)+1)
	for key, value := range p.Fields {
		row[key] = value
	}
	if p.Handle != "" {
		row[RowHandleKey] = string(p.Handle)
	}
	return row
}

// MarshalJSON encodes the patch as {rowIndex, ...fields}.
func (p Patch) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(p.Row()))
}

// Diff returns the entries of after whose value differs from before.
func Diff(before Row, after map[string]any) map[string]any {
	changed := make(map[string]any)
	for key, value := range after {
		if key == RowHandleKey {
			continue
		}
		if current, ok := before[key]; ok && Stringify(current) == Stringify(value) {
			continue
		}
		if _, ok := before[key]; !ok && Stringify(value) == "" {
			continue
		}
		changed[key] = value
	}
	return changed
}

// AdvanceInput carries the user's decision for the current stage.
type AdvanceInput struct {
	Status  string
	Remarks string
	// Hold leaves the next stage unscheduled, e.g. after a rejection.
	Hold bool
	// Extra holds additional column changes made by the form.
	Extra map[string]any
}

// AdvancePatch finishes stage index and schedules the following one.
func AdvancePatch(handle RowHandle, table Table, index int, in AdvanceInput, now time.Time) (Patch, error) {
	if index < 0 || index >= len(table.Stages) {
		return Patch{}, fmt.Errorf("%w: %d of %s", ErrStageOutOfRange, index, table.Name)
	}
	stage := table.Stages[index]
	status, ok := stage.CanonicalStatus(in.Status)
	if !ok || (len(stage.AllowedStatus) > 0 && status == "") {
		return Patch{}, fmt.Errorf("%w: %q for %s", ErrInvalidStatus, in.Status, stage.Key)
	}
	stamp := now.Format(TimestampLayout)
	fields := make(map[string]any, len(in.Extra)+4)
	for key, value := range in.Extra {
		fields[key] = value
	}
	fields[stage.Actual[0]] = stamp
	if status != "" && len(stage.Status) > 0 {
		fields[stage.Status[0]] = status
	}
	if in.Remarks != "" && len(stage.Remarks) > 0 {
		fields[stage.Remarks[0]] = in.Remarks
	}
	if !in.Hold && index+1 < len(table.Stages) {
		fields[table.Stages[index+1].Planned[0]] = stamp
	}
	return BuildPatch(handle, fields), nil
}

var timestampLayouts = []string{
	TimestampLayout,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006",
}

// ParseTimestamp parses the date formats found in planned/actual columns.
func ParseTimestamp(value string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
