package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
)

func (sb *sqliteBackend) GetAction(ctx context.Context, key core.ActionKey) (*core.ActionRecord, error) {
	row := sb.db.QueryRowContext(
		ctx,
		"SELECT business_id, kind, instance_id, status, result, error_kind, error, attempts, created_at, updated_at FROM `actions` WHERE business_id = ? AND kind = ?",
		key.BusinessID,
		key.Kind,
	)

	var r core.ActionRecord
	var status string
	var createdAt, updatedAt int64
	if err := row.Scan(
		&r.BusinessID,
		&r.Kind,
		&r.InstanceID,
		&status,
		&r.Result,
		&r.ErrorKind,
		&r.Error,
		&r.Attempts,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrActionNotFound
		}

		return nil, fmt.Errorf("reading action record: %w", err)
	}

	r.Status = core.ActionStatus(status)
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)

	return &r, nil
}

func (sb *sqliteBackend) RecordAction(ctx context.Context, record *core.ActionRecord) error {
	now := sb.now()

	// Applied records are final, the conditional upsert leaves them untouched
	res, err := sb.db.ExecContext(
		ctx,
		"INSERT INTO `actions` (business_id, kind, instance_id, status, result, error_kind, error, attempts, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT(business_id, kind) DO UPDATE SET instance_id = excluded.instance_id, status = excluded.status, result = excluded.result, "+
			"error_kind = excluded.error_kind, error = excluded.error, attempts = excluded.attempts, updated_at = excluded.updated_at "+
			"WHERE `actions`.status <> ?",
		record.BusinessID,
		record.Kind,
		record.InstanceID,
		string(record.Status),
		record.Result,
		record.ErrorKind,
		record.Error,
		record.Attempts,
		now,
		now,
		string(core.ActionStatusApplied),
	)
	if err != nil {
		return fmt.Errorf("recording action: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return backend.ErrActionAlreadyApplied
	}

	return nil
}
