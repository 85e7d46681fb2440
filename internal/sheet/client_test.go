package sheet

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/storeflow/internal/workflow"
)

func TestClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "INDENT", r.URL.Query().Get("sheet"))
		_, _ = w.Write([]byte(`{"success":true,"data":[{"rowIndex":2,"Indent Number":"SI-0001","Quantity":12.5,"planned1":"2024-01-01"}]}`))
	}))
	defer srv.Close()

	rows, err := NewClient(srv.URL, 0).Fetch(context.Background(), "INDENT")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, workflow.RowHandle("2"), workflow.HandleOf(rows[0]))
	require.Equal(t, "12.5", workflow.ResolveString(rows[0], "Quantity"))
}

func TestClientFetchSurfacesRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sheet") == "BROKEN" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"error":"Sheet not found"}`))
	}))
	defer srv.Close()
	client := NewClient(srv.URL, 0)

	_, err := client.Fetch(context.Background(), "MISSING")
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, "Sheet not found", remote.Message)

	_, err = client.Fetch(context.Background(), "BROKEN")
	require.True(t, errors.As(err, &remote))
	require.Equal(t, http.StatusInternalServerError, remote.Status)
}

func TestClientPostSendsNumericRowIndex(t *testing.T) {
	var got postBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	patch := workflow.BuildPatch("14", map[string]any{"actual1": "2024-01-02 10:00:00"})
	require.NoError(t, NewClient(srv.URL, 0).Post(context.Background(), "INDENT", OpUpdate, []workflow.Patch{patch}))
	require.Equal(t, "INDENT", got.SheetName)
	require.Equal(t, OpUpdate, got.Action)
	require.Equal(t, []map[string]any{{"rowIndex": float64(14), "actual1": "2024-01-02 10:00:00"}}, got.Rows)
}

func TestClientPostRejectsBadInput(t *testing.T) {
	client := NewClient("http://127.0.0.1:0", 0)
	err := client.Post(context.Background(), "INDENT", OpUpdate, []workflow.Patch{workflow.BuildPatch("abc", nil)})
	require.ErrorIs(t, err, ErrInvalidHandle)
	err = client.Post(context.Background(), "INDENT", Op("delete"), nil)
	require.ErrorIs(t, err, ErrInvalidOp)
}

func TestClientUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "upload", r.URL.Query().Get("action"))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)
		require.Equal(t, "bill.pdf", header.Filename)
		require.Equal(t, "pdf-bytes", string(data))
		require.Equal(t, "bills", r.FormValue("folder"))
		_, _ = w.Write([]byte(`{"success":true,"fileUrl":"https://files.example/bill.pdf"}`))
	}))
	defer srv.Close()

	url, err := NewClient(srv.URL, 0).Upload(context.Background(), File{Name: "bill.pdf", Folder: "bills", Body: strings.NewReader("pdf-bytes")})
	require.NoError(t, err)
	require.Equal(t, "https://files.example/bill.pdf", url)
}
