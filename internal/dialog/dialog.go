// Package dialog tracks the lifecycle of a form dialog explicitly instead of
// through scattered open/selected flags.
package dialog

import (
	"errors"
	"fmt"
	"sync"
)

// State is the phase a dialog is in.
type State string

const (
	Closed     State = "closed"
	Selecting  State = "selecting"
	Editing    State = "editing"
	Submitting State = "submitting"
)

var (
	// ErrInvalidTransition reports a move the state machine does not allow.
	ErrInvalidTransition = errors.New("dialog: invalid transition")
	// ErrBusy reports a submission already in flight.
	ErrBusy = errors.New("dialog: submission in progress")
)

var transitions = map[State][]State{
	Closed:     {Selecting, Editing},
	Selecting:  {Editing, Closed},
	Editing:    {Submitting, Selecting, Closed},
	Submitting: {Editing, Closed},
}

// Machine is the state of one dialog. The zero value is closed.
type Machine struct {
	state    State
	selected string
	lastErr  error
}

// State returns the current state.
func (m *Machine) State() State {
	if m.state == "" {
		return Closed
	}
	return m.state
}

// Selected returns the row the dialog works on.
func (m *Machine) Selected() string {
	return m.selected
}

// Err returns the error of the last failed submission.
func (m *Machine) Err() error {
	return m.lastErr
}

func (m *Machine) move(to State) error {
	from := m.State()
	for _, allowed := range transitions[from] {
		if allowed == to {
			m.state = to
			return nil
		}
	}
	if from == Submitting && to == Submitting {
		return ErrBusy
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Open starts row selection.
func (m *Machine) Open() error {
	return m.move(Selecting)
}

// Edit selects row and starts editing it.
func (m *Machine) Edit(row string) error {
	if err := m.move(Editing); err != nil {
		return err
	}
	m.selected = row
	m.lastErr = nil
	return nil
}

// Submit marks the form as being submitted.
func (m *Machine) Submit() error {
	return m.move(Submitting)
}

// Finish ends a submission: success closes the dialog, failure returns to
// editing with the error kept for display.
func (m *Machine) Finish(err error) error {
	if m.State() != Submitting {
		return fmt.Errorf("%w: finish while %s", ErrInvalidTransition, m.State())
	}
	if err != nil {
		m.lastErr = err
		return m.move(Editing)
	}
	m.selected = ""
	m.lastErr = nil
	return m.move(Closed)
}

// Close abandons the dialog.
func (m *Machine) Close() error {
	if err := m.move(Closed); err != nil {
		return err
	}
	m.selected = ""
	return nil
}

// Registry holds one machine per key and is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{machines: make(map[string]*Machine)}
}

// Begin moves the dialog for key straight to submitting, returning ErrBusy
// when a submission for key is already running.
func (r *Registry) Begin(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[key]
	if !ok {
		m = &Machine{}
		r.machines[key] = m
	}
	switch m.State() {
	case Submitting:
		return ErrBusy
	case Closed, Selecting:
		if err := m.Edit(key); err != nil {
			return err
		}
	}
	return m.Submit()
}

// End finishes the submission for key and forgets closed dialogs.
func (r *Registry) End(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[key]
	if !ok {
		return
	}
	_ = m.Finish(err)
	if m.State() == Closed || err != nil {
		delete(r.machines, key)
	}
}

// State reports the state for key.
func (r *Registry) State(key string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[key]; ok {
		return m.State()
	}
	return Closed
}
