package shared

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const approvalSchemaSQL = `CREATE TABLE IF NOT EXISTS approvals (
	id         BIGSERIAL PRIMARY KEY,
	workflow   TEXT        NOT NULL,
	identifier TEXT        NOT NULL,
	stage      TEXT        NOT NULL,
	actor      TEXT        NOT NULL DEFAULT '',
	action     TEXT        NOT NULL,
	note       TEXT        NOT NULL DEFAULT '',
	at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS approvals_record_idx ON approvals (workflow, identifier)`

// ApprovalAction enumerates approval log actions.
type ApprovalAction string

const (
	// ApprovalApprove marks an approve decision.
	ApprovalApprove ApprovalAction = "APPROVE"
	// ApprovalReject marks a reject decision.
	ApprovalReject ApprovalAction = "REJECT"
)

// ApprovalLog is one decision taken on an approval stage.
type ApprovalLog struct {
	ID         int64
	Workflow   string
	Identifier string
	Stage      string
	Actor      string
	Action     ApprovalAction
	Note       string
	At         time.Time
}

func (l ApprovalLog) validate() error {
	switch {
	case l.Workflow == "":
		return errors.New("approval workflow required")
	case l.Identifier == "":
		return errors.New("approval identifier required")
	case l.Stage == "":
		return errors.New("approval stage required")
	case l.Action == "":
		return errors.New("approval action required")
	}
	return nil
}

// ApprovalRecorder persists approval history.
type ApprovalRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(pool *pgxpool.Pool, logger *slog.Logger) *ApprovalRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalRecorder{pool: pool, logger: logger}
}

// EnsureSchema creates the approvals table.
func (r *ApprovalRecorder) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, approvalSchemaSQL)
	return err
}

// Record writes approval entry to database.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if r == nil || r.pool == nil {
		return errors.New("approval recorder not initialised")
	}
	if err := log.validate(); err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO approvals (workflow, identifier, stage, actor, action, note, at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`, log.Workflow, log.Identifier, log.Stage, log.Actor, string(log.Action), log.Note, at)
	if err != nil {
		r.logger.Error("record approval", slog.Any("error", err))
		return err
	}
	return nil
}

// List returns the decisions taken on one record, oldest first.
func (r *ApprovalRecorder) List(ctx context.Context, workflow, identifier string) ([]ApprovalLog, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("approval recorder not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, workflow, identifier, stage, actor, action, note, at
FROM approvals WHERE workflow=$1 AND identifier=$2 ORDER BY at ASC, id ASC`, workflow, identifier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []ApprovalLog
	for rows.Next() {
		var l ApprovalLog
		var action string
		if err := rows.Scan(&l.ID, &l.Workflow, &l.Identifier, &l.Stage, &l.Actor, &action, &l.Note, &l.At); err != nil {
			return nil, err
		}
		l.Action = ApprovalAction(action)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}
