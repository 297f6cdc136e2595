package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
)

func (b *mysqlBackend) GetAction(ctx context.Context, key core.ActionKey) (*core.ActionRecord, error) {
	row := b.db.QueryRowContext(
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

func (b *mysqlBackend) RecordAction(ctx context.Context, record *core.ActionRecord) error {
	err := b.recordAction(ctx, record)
	if isDuplicateEntry(err) {
		// Lost the race for the first insert, the record exists now and can be locked
		err = b.recordAction(ctx, record)
	}

	return err
}

func (b *mysqlBackend) recordAction(ctx context.Context, record *core.ActionRecord) error {
	tx, err := b.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(
		ctx,
		"SELECT status FROM `actions` WHERE business_id = ? AND kind = ? FOR UPDATE",
		record.BusinessID,
		record.Kind,
	).Scan(&status)

	now := b.now()

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(
			ctx,
			"INSERT INTO `actions` (business_id, kind, instance_id, status, result, error_kind, error, attempts, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
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
		); err != nil {
			return err
		}

	case err != nil:
		return fmt.Errorf("locking action record: %w", err)

	case core.ActionStatus(status) == core.ActionStatusApplied:
		return backend.ErrActionAlreadyApplied

	default:
		if _, err := tx.ExecContext(
			ctx,
			"UPDATE `actions` SET instance_id = ?, status = ?, result = ?, error_kind = ?, error = ?, attempts = ?, updated_at = ? WHERE business_id = ? AND kind = ?",
			record.InstanceID,
			string(record.Status),
			record.Result,
			record.ErrorKind,
			record.Error,
			record.Attempts,
			now,
			record.BusinessID,
			record.Kind,
		); err != nil {
			return fmt.Errorf("updating action record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing action record: %w", err)
	}

	return nil
}
