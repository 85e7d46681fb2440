package sheet

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/storeflow/internal/platform/db"
	"github.com/odyssey-erp/storeflow/internal/workflow"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS sheet_rows (
	sheet      TEXT        NOT NULL,
	row_index  BIGINT      NOT NULL,
	data       JSONB       NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (sheet, row_index)
)`

// PGStore keeps sheet rows as JSONB documents in PostgreSQL. Updates merge
// per field with the jsonb || operator.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs the store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the backing table.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// Fetch returns every row of sheet ordered by row index.
func (s *PGStore) Fetch(ctx context.Context, sheet string) ([]workflow.Row, error) {
	rows, err := s.pool.Query(ctx, `SELECT row_index, data FROM sheet_rows WHERE sheet=$1 ORDER BY row_index ASC`, sheet)
	if err != nil {
		return nil, &RemoteError{Op: "fetch", Sheet: sheet, Err: err}
	}
	defer rows.Close()
	var out []workflow.Row
	for rows.Next() {
		var index int64
		var data []byte
		if err := rows.Scan(&index, &data); err != nil {
			return nil, &RemoteError{Op: "fetch", Sheet: sheet, Err: err}
		}
		row, err := decodeRow(data)
		if err != nil {
			return nil, &RemoteError{Op: "fetch", Sheet: sheet, Message: "malformed row", Err: err}
		}
		row[workflow.RowHandleKey] = index
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &RemoteError{Op: "fetch", Sheet: sheet, Err: err}
	}
	return out, nil
}

// Post inserts or merges patches in one transaction.
func (s *PGStore) Post(ctx context.Context, sheet string, op Op, patches []workflow.Patch) error {
	if err := validOp(op); err != nil {
		return err
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if op == OpInsert {
			return s.insert(ctx, tx, sheet, patches)
		}
		return s.update(ctx, tx, sheet, patches)
	})
}

func (s *PGStore) insert(ctx context.Context, tx pgx.Tx, sheet string, patches []workflow.Patch) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sheet); err != nil {
		return &RemoteError{Op: "insert", Sheet: sheet, Err: err}
	}
	var last int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(row_index), $2) FROM sheet_rows WHERE sheet=$1`, sheet, firstDataRow-1).Scan(&last); err != nil {
		return &RemoteError{Op: "insert", Sheet: sheet, Err: err}
	}
	for _, patch := range patches {
		data, err := json.Marshal(patch.Fields)
		if err != nil {
			return err
		}
		last++
		if _, err := tx.Exec(ctx, `INSERT INTO sheet_rows (sheet, row_index, data) VALUES ($1, $2, $3::jsonb)`, sheet, last, data); err != nil {
			return &RemoteError{Op: "insert", Sheet: sheet, Err: err}
		}
	}
	return nil
}

func (s *PGStore) update(ctx context.Context, tx pgx.Tx, sheet string, patches []workflow.Patch) error {
	for _, patch := range patches {
		index, err := strconv.ParseInt(string(patch.Handle), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidHandle, patch.Handle)
		}
		data, err := json.Marshal(patch.Fields)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE sheet_rows SET data = data || $3::jsonb, updated_at = NOW() WHERE sheet=$1 AND row_index=$2`, sheet, index, data)
		if err != nil {
			return &RemoteError{Op: "update", Sheet: sheet, Err: err}
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s row %d", ErrRowNotFound, sheet, index)
		}
	}
	return nil
}

// Upload is not supported by the database backend.
func (s *PGStore) Upload(ctx context.Context, file File) (string, error) {
	return "", ErrUploadUnsupported
}
