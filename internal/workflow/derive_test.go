package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

var twoStage = Table{
	Name: "test",
	Stages: []StageDef{
		NumberedStage("first", "First", 1),
		NumberedStage("second", "Second", 2),
	},
}

func TestResolve(t *testing.T) {
	require.Equal(t, "x", Resolve(Row{"a": "", "b": "x"}, "a", "b"))
	require.Equal(t, "", Resolve(Row{}, "a", "b"))
	require.Equal(t, "", Resolve(nil, "a"))
	require.Equal(t, "y", Resolve(Row{"a": nil, "b": "y"}, "a", "b"))
	require.Equal(t, 0.0, Resolve(Row{"qty": 0.0}, "qty"))
	require.Equal(t, "12", ResolveString(Row{"n": float64(12)}, "n"))
}

func TestHasValue(t *testing.T) {
	require.False(t, HasValue(nil))
	require.False(t, HasValue(""))
	require.False(t, HasValue("   "))
	require.True(t, HasValue("0"))
	require.True(t, HasValue(0))
	require.True(t, HasValue(0.0))
	require.True(t, HasValue("2024-01-01"))
}

func TestDeriveScenarios(t *testing.T) {
	cases := []struct {
		name    string
		row     Row
		state   State
		index   int
		planned string
	}{
		{
			name:    "first stage pending",
			row:     Row{"planned1": "2024-01-01", "actual1": "", "planned2": "", "actual2": ""},
			state:   StatePending,
			index:   0,
			planned: "2024-01-01",
		},
		{
			name:    "second stage pending",
			row:     Row{"planned1": "2024-01-01", "actual1": "2024-01-02", "planned2": "2024-01-03", "actual2": ""},
			state:   StatePending,
			index:   1,
			planned: "2024-01-03",
		},
		{
			name:    "completed",
			row:     Row{"planned1": "d1", "actual1": "d2", "planned2": "d3", "actual2": "d4"},
			state:   StateCompleted,
			index:   -1,
			planned: "d3",
		},
		{
			name:  "never planned",
			row:   Row{"planned1": "", "actual1": "", "planned2": "", "actual2": ""},
			state: StateIneligible,
			index: -1,
		},
		{
			name:    "friendly column names",
			row:     Row{"Planned 1": "d1", "Actual 1": "d2", "Planned 2": "d3"},
			state:   StatePending,
			index:   1,
			planned: "d3",
		},
		{
			name:  "first done but second never planned",
			row:   Row{"planned1": "d1", "actual1": "d2"},
			state: StateIneligible,
			index: -1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Derive(tc.row, twoStage)
			require.Equal(t, tc.state, res.State)
			require.Equal(t, tc.index, res.Index)
			require.Equal(t, tc.planned, res.PlannedAt)
		})
	}
}

func TestDeriveActualWithoutPlanned(t *testing.T) {
	res := Derive(Row{"actual1": "d2", "planned2": "d3", "actual2": "d4"}, twoStage)
	require.Equal(t, StateIneligible, res.State)
	require.Equal(t, []int{0}, res.Inconsistent)

	res = Derive(Row{"actual1": "d2", "planned2": "d3"}, twoStage)
	require.Equal(t, StatePending, res.State)
	require.Equal(t, 1, res.Index)
	require.Equal(t, []int{0}, res.Inconsistent)
}

func TestDeriveExhaustiveClassification(t *testing.T) {
	for n := 1; n <= 5; n++ {
		table := Table{Name: "gen"}
		for i := 1; i <= n; i++ {
			table.Stages = append(table.Stages, NumberedStage(fmt.Sprintf("s%d", i), "", i))
		}
		combos := 1 << (2 * n)
		for mask := 0; mask < combos; mask++ {
			row := Row{}
			allPlanned, allActual, nonePlanned := true, true, true
			firstPending := -1
			for i := 0; i < n; i++ {
				planned := mask&(1<<(2*i)) != 0
				actual := mask&(1<<(2*i+1)) != 0
				if planned {
					row[fmt.Sprintf("planned%d", i+1)] = "p"
					nonePlanned = false
				} else {
					allPlanned = false
				}
				if actual {
					row[fmt.Sprintf("actual%d", i+1)] = "a"
				} else {
					allActual = false
				}
				if firstPending < 0 && planned && !actual {
					firstPending = i
				}
			}
			res := Derive(row, table)
			switch res.State {
			case StatePending:
				require.GreaterOrEqual(t, res.Index, 0)
				require.Less(t, res.Index, n)
				require.Equal(t, firstPending, res.Index)
			case StateCompleted, StateIneligible:
				require.Equal(t, -1, res.Index)
			default:
				t.Fatalf("unexpected state %v", res.State)
			}
			if nonePlanned {
				require.Equal(t, StateIneligible, res.State)
			}
			if allPlanned && allActual {
				require.Equal(t, StateCompleted, res.State)
			}
		}
	}
}

func TestWorkflowRecord(t *testing.T) {
	row := Row{RowHandleKey: float64(7), "Indent Number": "SI-0001", "planned1": "d1", "actual1": "d2", "status1": "Approved", "planned2": "d3"}
	rec := NewRecord(row, twoStage, "Indent Number")
	require.Equal(t, "SI-0001", rec.Identifier)
	require.Equal(t, RowHandle("7"), rec.Handle)
	require.Equal(t, "Approved", rec.Stages[0].Status)
	require.True(t, rec.Stages[0].Done())
	require.True(t, rec.Stages[1].Pending())
	require.Equal(t, 1, rec.CurrentStage())
	require.False(t, rec.IsComplete())
}

func TestTablesValidate(t *testing.T) {
	for _, table := range []Table{IndentApprovalTable, LiftTable, TallyEntryTable, PaymentTable} {
		require.NoError(t, table.Validate(), table.Name)
	}
	require.ErrorIs(t, Table{Name: "empty"}.Validate(), ErrInvalidTable)
	dup := Table{Name: "dup", Stages: []StageDef{NumberedStage("a", "", 1), NumberedStage("a", "", 2)}}
	require.ErrorIs(t, dup.Validate(), ErrInvalidTable)
	require.Equal(t, 3, TallyEntryTable.Index("tally-entry"))
	require.Equal(t, -1, TallyEntryTable.Index("missing"))
}

func TestStateText(t *testing.T) {
	var s State
	require.NoError(t, s.UnmarshalText([]byte("Completed")))
	require.Equal(t, StateCompleted, s)
	require.Error(t, s.UnmarshalText([]byte("unknown")))
	text, err := StatePending.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "pending", string(text))
}
