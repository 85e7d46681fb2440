package workflow

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testProjector() Projector {
	return Projector{
		Table:      twoStage,
		Identifier: []string{"Indent Number", "indentNumber"},
		Firm:       []string{"Firm Name", "firmName"},
		Fields: map[string][]string{
			"item":     {"Item Name", "itemName"},
			"quantity": {"Quantity", "quantity"},
		},
	}
}

func TestProjectRoutesByState(t *testing.T) {
	rows := []Row{
		{RowHandleKey: 2, "Indent Number": "SI-0001", "Firm Name": "Alpha", "planned1": "d1"},
		{RowHandleKey: 3, "Indent Number": "SI-0002", "Firm Name": "Alpha", "planned1": "d1", "actual1": "d2", "planned2": "d3", "actual2": "d4"},
		{RowHandleKey: 4, "Indent Number": "SI-0003", "Firm Name": "Beta", "planned1": "d1", "actual1": "d2", "planned2": "d3"},
		{RowHandleKey: 5, "Indent Number": "SI-0004", "Firm Name": "Alpha"},
	}
	var observed []State
	p := testProjector()
	p.Observe = func(table string, res Result) {
		require.Equal(t, "test", table)
		observed = append(observed, res.State)
	}

	all := p.Project(rows, "ALL")
	require.Len(t, all.Pending, 2)
	require.Len(t, all.History, 1)
	require.Equal(t, "SI-0001", all.Pending[0].Identifier)
	require.Equal(t, "first", all.Pending[0].StageKey)
	require.Equal(t, "SI-0003", all.Pending[1].Identifier)
	require.Equal(t, 1, all.Pending[1].StageIndex)
	require.Equal(t, "SI-0002", all.History[0].Identifier)
	require.Equal(t, StateCompleted, all.History[0].State)
	require.Equal(t, []State{StatePending, StateCompleted, StatePending, StateIneligible}, observed)

	alpha := p.Project(rows, "Alpha")
	require.Len(t, alpha.Pending, 1)
	require.Len(t, alpha.History, 1)

	// only the sentinel is case-insensitive
	lower := p.Project(rows, "alpha")
	require.Empty(t, lower.Pending)
	require.Empty(t, lower.History)
}

func TestProjectHistoryOrderIsLexicographic(t *testing.T) {
	done := func(id string) Row {
		return Row{"Indent Number": id, "planned1": "a", "actual1": "b", "planned2": "c", "actual2": "d"}
	}
	rows := []Row{done("SI-9999"), done("SI-10000"), done("SI-0002")}

	p := testProjector()
	history := p.Project(rows, AllFirms).History
	ids := []string{history[0].Identifier, history[1].Identifier, history[2].Identifier}
	// "SI-9999" > "SI-10000" as strings even though 10000 is the newer number.
	require.Equal(t, []string{"SI-9999", "SI-10000", "SI-0002"}, ids)

	p.Less = NumericSuffixDescending
	history = p.Project(rows, AllFirms).History
	ids = []string{history[0].Identifier, history[1].Identifier, history[2].Identifier}
	require.Equal(t, []string{"SI-10000", "SI-9999", "SI-0002"}, ids)
}

func TestProjectLogsInconsistentStages(t *testing.T) {
	var buf bytes.Buffer
	p := testProjector()
	p.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	out := p.Project([]Row{{"Indent Number": "SI-0009", "actual1": "d2"}}, AllFirms)
	require.Empty(t, out.Pending)
	require.Empty(t, out.History)
	require.Contains(t, buf.String(), "stage finished without being planned")
	require.Contains(t, buf.String(), "SI-0009")
}

func TestDisplayRoundTripYieldsHandleOnlyPatch(t *testing.T) {
	row := Row{RowHandleKey: float64(12), "indentNumber": "SI-0001", "Item Name": "Cement", "quantity": float64(40), "planned1": "d1"}
	p := testProjector()
	rec := p.Display(row)
	require.Equal(t, "Cement", rec.Fields["item"])
	require.Equal(t, "40", rec.Fields["quantity"])

	changes := p.Changes(rec, rec.Fields)
	require.Empty(t, changes)
	patch := BuildPatch(rec.Handle, changes)
	raw, err := json.Marshal(patch)
	require.NoError(t, err)
	require.JSONEq(t, `{"rowIndex":"12"}`, string(raw))
}

func TestChangesWriteBackToSourceColumn(t *testing.T) {
	row := Row{RowHandleKey: "3", "itemName": "Sand", "Quantity": "10"}
	p := testProjector()
	rec := p.Display(row)
	changes := p.Changes(rec, map[string]string{"item": "Sand", "quantity": "12"})
	require.Equal(t, map[string]any{"Quantity": "12"}, changes)

	// unset field falls back to the first alias
	rec = p.Display(Row{RowHandleKey: "4"})
	changes = p.Changes(rec, map[string]string{"item": "Gravel"})
	require.Equal(t, map[string]any{"Item Name": "Gravel"}, changes)
}

func TestBuildPatchKeepsOnlyChangedFields(t *testing.T) {
	before := Row{RowHandleKey: "9", "Vendor": "Acme", "Rate": float64(100), "Terms": "30 days"}
	changed := Diff(before, map[string]any{"Vendor": "Acme", "Rate": "120", "Terms": "30 days", RowHandleKey: "99", "Blank": ""})
	require.Equal(t, map[string]any{"Rate": "120"}, changed)

	patch := BuildPatch("9", changed)
	require.Equal(t, RowHandle("9"), patch.Handle)
	require.Equal(t, Row{RowHandleKey: "9", "Rate": "120"}, patch.Row())
	require.False(t, patch.Empty())

	patch = BuildPatch("9", map[string]any{RowHandleKey: "10"})
	require.True(t, patch.Empty())
	require.Equal(t, Row{RowHandleKey: "9"}, patch.Row())
}

func TestAdvancePatch(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	patch, err := AdvancePatch("5", IndentApprovalTable, 0, AdvanceInput{Status: "approved", Remarks: "ok"}, now)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"actual1":  "2024-03-01 09:30:00",
		"status1":  "Approved",
		"remarks1": "ok",
		"planned2": "2024-03-01 09:30:00",
	}, patch.Fields)

	patch, err = AdvancePatch("5", IndentApprovalTable, 0, AdvanceInput{Status: "Rejected", Hold: true}, now)
	require.NoError(t, err)
	require.NotContains(t, patch.Fields, "planned2")
	require.NotContains(t, patch.Fields, "remarks1")

	patch, err = AdvancePatch("5", IndentApprovalTable, 3, AdvanceInput{Status: "Done"}, now)
	require.NoError(t, err)
	require.Len(t, patch.Fields, 2)

	_, err = AdvancePatch("5", IndentApprovalTable, 0, AdvanceInput{Status: "maybe"}, now)
	require.ErrorIs(t, err, ErrInvalidStatus)
	_, err = AdvancePatch("5", IndentApprovalTable, 0, AdvanceInput{}, now)
	require.ErrorIs(t, err, ErrInvalidStatus)
	_, err = AdvancePatch("5", IndentApprovalTable, 4, AdvanceInput{Status: "Done"}, now)
	require.ErrorIs(t, err, ErrStageOutOfRange)
}

func TestAdvancedRowMovesToNextStage(t *testing.T) {
	row := Row{RowHandleKey: "5", "planned1": "2024-02-01 10:00:00"}
	patch, err := AdvancePatch(HandleOf(row), twoStage, 0, AdvanceInput{Status: "any"}, time.Now())
	require.NoError(t, err)
	for k, v := range patch.Fields {
		row[k] = v
	}
	res := Derive(row, twoStage)
	require.Equal(t, StatePending, res.State)
	require.Equal(t, 1, res.Index)
}
