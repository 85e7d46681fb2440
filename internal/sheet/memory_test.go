package sheet

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/storeflow/internal/workflow"
)

func TestMemoryStoreMergesPerField(t *testing.T) {
	store := NewMemoryStore()
	store.Seed("INDENT", workflow.Row{"Indent Number": "SI-0001", "Vendor": "Acme", "Rate": "100"})
	ctx := context.Background()

	rows, err := store.Fetch(ctx, "INDENT")
	require.NoError(t, err)
	handle := workflow.HandleOf(rows[0])
	require.Equal(t, workflow.RowHandle("2"), handle)

	// simulate another session editing Vendor meanwhile
	other := workflow.BuildPatch(handle, map[string]any{"Vendor": "Bolt"})
	require.NoError(t, store.Post(ctx, "INDENT", OpUpdate, []workflow.Patch{other}))

	// our patch built from the stale read only touches Rate
	changed := workflow.Diff(rows[0], map[string]any{"Vendor": "Acme", "Rate": "120"})
	require.NoError(t, store.Post(ctx, "INDENT", OpUpdate, []workflow.Patch{workflow.BuildPatch(handle, changed)}))

	rows, err = store.Fetch(ctx, "INDENT")
	require.NoError(t, err)
	require.Equal(t, "Bolt", rows[0]["Vendor"])
	require.Equal(t, "120", rows[0]["Rate"])
}

func TestMemoryStoreInsertAndErrors(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Post(ctx, "PO", OpInsert, []workflow.Patch{
		workflow.BuildPatch("", map[string]any{"PO Number": "STORE-PO-25-26-1"}),
		workflow.BuildPatch("", map[string]any{"PO Number": "STORE-PO-25-26-2"}),
	}))
	rows, err := store.Fetch(ctx, "PO")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, workflow.RowHandle("3"), workflow.HandleOf(rows[1]))
	require.Len(t, store.Calls(), 1)

	err = store.Post(ctx, "PO", OpUpdate, []workflow.Patch{workflow.BuildPatch("40", map[string]any{"x": 1})})
	require.ErrorIs(t, err, ErrRowNotFound)
	err = store.Post(ctx, "PO", OpUpdate, []workflow.Patch{workflow.BuildPatch("x", nil)})
	require.ErrorIs(t, err, ErrInvalidHandle)

	store.FailNext = errors.New("offline")
	_, err = store.Fetch(ctx, "PO")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
}

func TestMemoryStoreUpload(t *testing.T) {
	store := NewMemoryStore()
	url, err := store.Upload(context.Background(), File{Name: "bill.pdf", Body: strings.NewReader("data")})
	require.NoError(t, err)
	data, ok := store.File(url)
	require.True(t, ok)
	require.Equal(t, "data", string(data))
}

func TestPGStore(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	store := NewPGStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))
	sheetName := "TEST_" + strings.ReplaceAll(t.Name(), "/", "_")
	_, err = pool.Exec(ctx, `DELETE FROM sheet_rows WHERE sheet=$1`, sheetName)
	require.NoError(t, err)

	require.NoError(t, store.Post(ctx, sheetName, OpInsert, []workflow.Patch{
		workflow.BuildPatch("", map[string]any{"Indent Number": "SI-0001", "Vendor": "Acme"}),
	}))
	rows, err := store.Fetch(ctx, sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	handle := workflow.HandleOf(rows[0])

	require.NoError(t, store.Post(ctx, sheetName, OpUpdate, []workflow.Patch{workflow.BuildPatch(handle, map[string]any{"Rate": "120"})}))
	rows, err = store.Fetch(ctx, sheetName)
	require.NoError(t, err)
	require.Equal(t, "Acme", workflow.ResolveString(rows[0], "Vendor"))
	require.Equal(t, "120", workflow.ResolveString(rows[0], "Rate"))

	err = store.Post(ctx, sheetName, OpUpdate, []workflow.Patch{workflow.BuildPatch("999", map[string]any{"Rate": "1"})})
	require.ErrorIs(t, err, ErrRowNotFound)
	_, err = store.Upload(ctx, File{Name: "x"})
	require.ErrorIs(t, err, ErrUploadUnsupported)
}
