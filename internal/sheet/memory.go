package sheet

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/odyssey-erp/storeflow/internal/workflow"
)

// firstDataRow mirrors a sheet whose row 1 holds headers.
const firstDataRow = 2

// PostCall records one Post on a MemoryStore.
type PostCall struct {
	Sheet   string
	Op      Op
	Patches []workflow.Patch
}

// MemoryStore keeps sheets in memory with the same per-field merge
// semantics as the remote store.
type MemoryStore struct {
	mu     sync.Mutex
	sheets map[string][]workflow.Row
	files  map[string][]byte
	calls  []PostCall
	// FailNext makes the next call return this error.
	FailNext error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sheets: make(map[string][]workflow.Row), files: make(map[string][]byte)}
}

// Seed appends rows to sheet, assigning row handles.
func (m *MemoryStore) Seed(sheet string, rows ...workflow.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.insert(sheet, row)
	}
}

// Calls returns every post made so far.
func (m *MemoryStore) Calls() []PostCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PostCall(nil), m.calls...)
}

// Fetch returns copies of every row of sheet.
func (m *MemoryStore) Fetch(ctx context.Context, sheet string) ([]workflow.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("fetch", sheet); err != nil {
		return nil, err
	}
	rows := make([]workflow.Row, 0, len(m.sheets[sheet]))
	for _, row := range m.sheets[sheet] {
		rows = append(rows, copyRow(row))
	}
	return rows, nil
}

// Post inserts or merges patches.
func (m *MemoryStore) Post(ctx context.Context, sheet string, op Op, patches []workflow.Patch) error {
	if err := validOp(op); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(string(op), sheet); err != nil {
		return err
	}
	for _, patch := range patches {
		if op == OpUpdate {
			if _, err := m.find(sheet, patch.Handle); err != nil {
				return err
			}
		}
	}
	for _, patch := range patches {
		switch op {
		case OpInsert:
			m.insert(sheet, patch.Fields)
		case OpUpdate:
			idx, _ := m.find(sheet, patch.Handle)
			for key, value := range patch.Fields {
				m.sheets[sheet][idx][key] = value
			}
		}
	}
	m.calls = append(m.calls, PostCall{Sheet: sheet, Op: op, Patches: append([]workflow.Patch(nil), patches...)})
	return nil
}

// Upload keeps the file in memory and returns a synthetic URL.
func (m *MemoryStore) Upload(ctx context.Context, file File) (string, error) {
	data, err := io.ReadAll(file.Body)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("upload", file.Name); err != nil {
		return "", err
	}
	url := fmt.Sprintf("memory://files/%s/%s", uuid.NewString(), file.Name)
	m.files[url] = data
	return url, nil
}

// File returns an uploaded file's content.
func (m *MemoryStore) File(url string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[url]
	return data, ok
}

func (m *MemoryStore) insert(sheet string, fields map[string]any) {
	row := make(workflow.Row, len(fields)+1)
	for key, value := range fields {
		row[key] = value
	}
	row[workflow.RowHandleKey] = int64(len(m.sheets[sheet]) + firstDataRow)
	m.sheets[sheet] = append(m.sheets[sheet], row)
}

func (m *MemoryStore) find(sheet string, handle workflow.RowHandle) (int, error) {
	n, err := strconv.Atoi(string(handle))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	idx := n - firstDataRow
	if idx < 0 || idx >= len(m.sheets[sheet]) {
		return 0, fmt.Errorf("%w: %s row %s", ErrRowNotFound, sheet, handle)
	}
	return idx, nil
}

func (m *MemoryStore) takeFailure(op, sheet string) error {
	if m.FailNext == nil {
		return nil
	}
	err := m.FailNext
	m.FailNext = nil
	return &RemoteError{Op: op, Sheet: sheet, Err: err}
}

func copyRow(row workflow.Row) workflow.Row {
	out := make(workflow.Row, len(row))
	for key, value := range row {
		out[key] = value
	}
	return out
}
