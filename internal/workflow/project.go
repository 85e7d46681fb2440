package workflow

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// AllFirms is the firm filter sentinel that matches every row.
const AllFirms = "all"

// DisplayRecord is a row prepared for a pending or history view.
type DisplayRecord struct {
	Handle     RowHandle         `json:"rowIndex"`
	Identifier string            `json:"identifier"`
	Firm       string            `json:"firm,omitempty"`
	State      State             `json:"state"`
	StageIndex int               `json:"stageIndex"`
	StageKey   string            `json:"stageKey,omitempty"`
	StageLabel string            `json:"stageLabel,omitempty"`
	PlannedAt  string            `json:"plannedAt,omitempty"`
	Fields     map[string]string `json:"fields"`

	columns map[string]string
}

// Projection splits records into the pending and history buckets.
type Projection struct {
	Pending []DisplayRecord `json:"pending"`
	History []DisplayRecord `json:"history"`
}

// Projector maps raw rows of one workflow into display records.
type Projector struct {
	Table      Table
	Identifier []string
	Firm       []string
	// Fields maps a display name to its column aliases.
	Fields map[string][]string
	// Less orders the history bucket. Defaults to IdentifierDescending.
	Less   func(a, b DisplayRecord) bool
	Logger *slog.Logger
	// Observe is called with every derivation result, dropped ones included.
	Observe func(table string, res Result)
}

// Project classifies rows and routes them to pending or history. Ineligible
// rows are dropped.
func (p Projector) Project(rows []Row, firm string) Projection {
	out := Projection{Pending: []DisplayRecord{}, History: []DisplayRecord{}}
	all := matchesAll(firm)
	for _, row := range rows {
		if !all && ResolveString(row, p.Firm...) != firm {
			continue
		}
		res := Derive(row, p.Table)
		if p.Observe != nil {
			p.Observe(p.Table.Name, res)
		}
		rec := p.display(row, res)
		if len(res.Inconsistent) > 0 {
			p.warnInconsistent(rec, res)
		}
		switch res.State {
		case StatePending:
			out.Pending = append(out.Pending, rec)
		case StateCompleted:
			out.History = append(out.History, rec)
		}
	}
	less := p.Less
	if less == nil {
		less = IdentifierDescending
	}
	sort.SliceStable(out.History, func(i, j int) bool {
		return less(out.History[i], out.History[j])
	})
	return out
}

// Display resolves the display fields of a single row.
func (p Projector) Display(row Row) DisplayRecord {
	return p.display(row, Derive(row, p.Table))
}

func (p Projector) display(row Row, res Result) DisplayRecord {
	rec := DisplayRecord{
		Handle:     HandleOf(row),
		Identifier: ResolveString(row, p.Identifier...),
		Firm:       ResolveString(row, p.Firm...),
		State:      res.State,
		StageIndex: res.Index,
		PlannedAt:  res.PlannedAt,
		Fields:     make(map[string]string, len(p.Fields)),
		columns:    make(map[string]string, len(p.Fields)),
	}
	if res.State == StatePending {
		stage := p.Table.Stages[res.Index]
		rec.StageKey = stage.Key
		rec.StageLabel = stage.Label
	}
	for name, aliases := range p.Fields {
		key, value, ok := Lookup(row, aliases...)
		if !ok && len(aliases) > 0 {
			key = aliases[0]
		}
		rec.Fields[name] = Stringify(value)
		rec.columns[name] = key
	}
	return rec
}

// Changes converts edited display values into column changes, keeping only
// fields whose value differs and writing each to the column it was read from.
func (p Projector) Changes(rec DisplayRecord, edited map[string]string) map[string]any {
	changes := make(map[string]any)
	for name, value := range edited {
		if current, ok := rec.Fields[name]; ok && current == value {
			continue
		}
		column := rec.columns[name]
		if column == "" {
			aliases := p.Fields[name]
			if len(aliases) == 0 {
				continue
			}
			column = aliases[0]
		}
		changes[column] = value
	}
	return changes
}

func (p Projector) warnInconsistent(rec DisplayRecord, res Result) {
	if p.Logger == nil {
		return
	}
	keys := make([]string, 0, len(res.Inconsistent))
	for _, i := range res.Inconsistent {
		keys = append(keys, p.Table.Stages[i].Key)
	}
	p.Logger.Warn("stage finished without being planned",
		slog.String("workflow", p.Table.Name),
		slog.String("identifier", rec.Identifier),
		slog.String("row", string(rec.Handle)),
		slog.String("stages", strings.Join(keys, ",")),
		slog.String("state", res.State.String()),
	)
}

func matchesAll(firm string) bool {
	if strings.TrimSpace(firm) == "" {
		return true
	}
	return cases.Fold().String(firm) == AllFirms
}

// IdentifierDescending orders by identifier, descending, comparing strings.
// Once numbers outgrow their padding this puts "SI-9999" above "SI-10000".
func IdentifierDescending(a, b DisplayRecord) bool {
	return a.Identifier > b.Identifier
}

// NumericSuffixDescending orders by the trailing number of the identifier,
// descending, falling back to IdentifierDescending.
func NumericSuffixDescending(a, b DisplayRecord) bool {
	na, okA := trailingNumber(a.Identifier)
	nb, okB := trailingNumber(b.Identifier)
	if okA && okB && na != nb {
		return na > nb
	}
	return IdentifierDescending(a, b)
}

func trailingNumber(id string) (int, bool) {
	end := len(id)
	start := end
	for start > 0 && id[start-1] >= '0' && id[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	n, err := strconv.Atoi(id[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
