package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// StageDef describes one step of a pipeline and the sheet columns backing it.
// The first alias of each list is the column written by patches.
type StageDef struct {
	Key           string
	Label         string
	Planned       []string
	Actual        []string
	Status        []string
	Remarks       []string
	AllowedStatus []string
}

// CanonicalStatus matches status against the allowed vocabulary ignoring case
// and returns the configured spelling.
func (s StageDef) CanonicalStatus(status string) (string, bool) {
	status = strings.TrimSpace(status)
	if len(s.AllowedStatus) == 0 {
		return status, true
	}
	for _, allowed := range s.AllowedStatus {
		if strings.EqualFold(allowed, status) {
			return allowed, true
		}
	}
	return "", false
}

// NumberedStage builds a stage whose columns follow the "plannedN" /
// "Planned N" naming used across sheet revisions.
func NumberedStage(key, label string, n int, statuses ...string) StageDef {
	return StageDef{
		Key:           key,
		Label:         label,
		Planned:       numberedAliases("planned", "Planned", n),
		Actual:        numberedAliases("actual", "Actual", n),
		Status:        numberedAliases("status", "Status", n),
		Remarks:       numberedAliases("remarks", "Remarks", n),
		AllowedStatus: statuses,
	}
}

func numberedAliases(lower, title string, n int) []string {
	return []string{
		fmt.Sprintf("%s%d", lower, n),
		fmt.Sprintf("%s %d", title, n),
		fmt.Sprintf("%s%d", title, n),
		fmt.Sprintf("%s_%d", lower, n),
	}
}

// Table is the ordered stage list of one workflow type. Order decides stage
// precedence and is never inferred from data.
type Table struct {
	Name   string
	Stages []StageDef
}

// Len returns the number of stages.
func (t Table) Len() int {
	return len(t.Stages)
}

// Index returns the position of the stage with the given key, or -1.
func (t Table) Index(key string) int {
	for i, stage := range t.Stages {
		if stage.Key == key {
			return i
		}
	}
	return -1
}

// ErrInvalidTable is returned by Validate.
var ErrInvalidTable = errors.New("workflow: invalid stage table")

// Validate checks the table is usable for derivation.
func (t Table) Validate() error {
	if len(t.Stages) == 0 {
		return fmt.Errorf("%w: %s has no stages", ErrInvalidTable, t.Name)
	}
	seen := make(map[string]struct{}, len(t.Stages))
	for i, stage := range t.Stages {
		if stage.Key == "" {
			return fmt.Errorf("%w: %s stage %d has no key", ErrInvalidTable, t.Name, i)
		}
		if _, dup := seen[stage.Key]; dup {
			return fmt.Errorf("%w: %s duplicate stage %q", ErrInvalidTable, t.Name, stage.Key)
		}
		seen[stage.Key] = struct{}{}
		if len(stage.Planned) == 0 || len(stage.Actual) == 0 {
			return fmt.Errorf("%w: %s stage %q needs planned and actual columns", ErrInvalidTable, t.Name, stage.Key)
		}
	}
	return nil
}
