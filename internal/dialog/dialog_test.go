package dialog

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMachineLifecycle(t *testing.T) {
	var m Machine
	require.Equal(t, Closed, m.State())
	require.NoError(t, m.Open())
	require.NoError(t, m.Edit("12"))
	require.Equal(t, "12", m.Selected())
	require.NoError(t, m.Submit())
	require.ErrorIs(t, m.Submit(), ErrBusy)

	failure := errors.New("store offline")
	require.NoError(t, m.Finish(failure))
	require.Equal(t, Editing, m.State())
	require.Equal(t, failure, m.Err())
	require.Equal(t, "12", m.Selected())

	require.NoError(t, m.Submit())
	require.NoError(t, m.Finish(nil))
	require.Equal(t, Closed, m.State())
	require.Empty(t, m.Selected())
	require.NoError(t, m.Err())
}

func TestMachineRejectsInvalidMoves(t *testing.T) {
	var m Machine
	require.ErrorIs(t, m.Submit(), ErrInvalidTransition)
	require.ErrorIs(t, m.Finish(nil), ErrInvalidTransition)
	require.ErrorIs(t, m.Close(), ErrInvalidTransition)
	require.NoError(t, m.Open())
	require.ErrorIs(t, m.Submit(), ErrInvalidTransition)
	require.NoError(t, m.Close())
}

func TestRegistryGuardsDoubleSubmit(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Begin("indent:5"))
	require.ErrorIs(t, r.Begin("indent:5"), ErrBusy)
	require.NoError(t, r.Begin("indent:6"))
	require.Equal(t, Submitting, r.State("indent:5"))

	r.End("indent:5", nil)
	require.Equal(t, Closed, r.State("indent:5"))
	require.NoError(t, r.Begin("indent:5"))
	r.End("indent:5", errors.New("failed"))
	require.NoError(t, r.Begin("indent:5"))
	r.End("missing", nil)
}

func TestRegistryConcurrentBegin(t *testing.T) {
	r := NewRegistry()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Begin("po:1") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}
