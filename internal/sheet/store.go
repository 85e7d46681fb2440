// Package sheet adapts the external row store behind the workflow views.
package sheet

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/odyssey-erp/storeflow/internal/workflow"
)

// Op tags a post as an insert or an update.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// File is an attachment handed to Upload.
type File struct {
	Name        string
	ContentType string
	Folder      string
	Body        io.Reader
}

// Store is the fetch/post/upload API of the sheet backend.
type Store interface {
	Fetch(ctx context.Context, sheet string) ([]workflow.Row, error)
	Post(ctx context.Context, sheet string, op Op, patches []workflow.Patch) error
	Upload(ctx context.Context, file File) (string, error)
}

var (
	// ErrRowNotFound indicates an update addressed a missing row.
	ErrRowNotFound = errors.New("sheet: row not found")
	// ErrInvalidHandle indicates a row handle the backend cannot address.
	ErrInvalidHandle = errors.New("sheet: invalid row handle")
	// ErrUploadUnsupported is returned by backends without file storage.
	ErrUploadUnsupported = errors.New("sheet: upload not supported")
	// ErrInvalidOp indicates an unknown post operation.
	ErrInvalidOp = errors.New("sheet: invalid operation")
)

// RemoteError reports a failed call to the remote store.
type RemoteError struct {
	Op      string
	Sheet   string
	Status  int
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("sheet: %s %s failed", e.Op, e.Sheet)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func validOp(op Op) error {
	switch op {
	case OpInsert, OpUpdate:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOp, op)
	}
}
