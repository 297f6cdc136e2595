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

const terminalStatuses = "('completed', 'failed', 'cancelled')"

func (sb *sqliteBackend) RegisterCorrelation(ctx context.Context, businessID, instanceID string) error {
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, "SELECT business_id FROM `correlations` WHERE instance_id = ?", instanceID).Scan(&owner)
	if err == nil && owner != businessID {
		return backend.ErrInstanceAlreadyExists
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading correlation: %w", err)
	}

	// Action records of a finished unit of work do not carry over to the new one
	if _, err := tx.ExecContext(
		ctx,
		"DELETE FROM `actions` WHERE business_id = ? AND EXISTS (SELECT 1 FROM `correlations` WHERE business_id = ? AND status IN "+terminalStatuses+")",
		businessID,
		businessID,
	); err != nil {
		return fmt.Errorf("removing action records: %w", err)
	}

	now := sb.now()
	res, err := tx.ExecContext(
		ctx,
		"INSERT INTO `correlations` (business_id, instance_id, channel_message_id, status, created_at, updated_at, terminal_at) VALUES (?, ?, '', ?, ?, ?, NULL) "+
			"ON CONFLICT(business_id) DO UPDATE SET instance_id = excluded.instance_id, channel_message_id = '', status = excluded.status, "+
			"created_at = excluded.created_at, updated_at = excluded.updated_at, terminal_at = NULL "+
			"WHERE `correlations`.status IN "+terminalStatuses,
		businessID,
		instanceID,
		string(core.WorkflowInstanceStatusRunning),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("inserting correlation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return backend.ErrDuplicateBusinessID
	}

	return tx.Commit()
}

func (sb *sqliteBackend) AttachChannelMessage(ctx context.Context, businessID, instanceID, channelMessageID string) error {
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	r, err := correlation(ctx, tx, businessID, instanceID)
	if err != nil {
		return err
	}

	if r.Terminal() {
		return backend.ErrInstanceTerminal
	}

	if _, err := tx.ExecContext(
		ctx,
		"UPDATE `correlations` SET channel_message_id = ?, updated_at = ? WHERE business_id = ?",
		channelMessageID,
		sb.now(),
		businessID,
	); err != nil {
		return fmt.Errorf("updating correlation: %w", err)
	}

	return tx.Commit()
}

func (sb *sqliteBackend) ResolveCorrelation(ctx context.Context, businessID string) (*core.CorrelationRecord, error) {
	row := sb.db.QueryRowContext(ctx, "SELECT "+correlationColumns+" FROM `correlations` WHERE business_id = ?", businessID)

	r, err := scanCorrelation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrCorrelationNotFound
		}

		return nil, fmt.Errorf("reading correlation: %w", err)
	}

	return r, nil
}

func (sb *sqliteBackend) MarkCorrelation(ctx context.Context, businessID, instanceID string, status core.WorkflowInstanceStatus) error {
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	r, err := correlation(ctx, tx, businessID, instanceID)
	if err != nil {
		return err
	}

	if r.Terminal() {
		if r.Status == status {
			return nil
		}

		return backend.ErrInstanceTerminal
	}

	if status == core.WorkflowInstanceStatusPaused && r.ChannelMessageID == "" {
		return backend.ErrChannelMessageMissing
	}

	now := sb.now()
	var terminalAt *int64
	if status.Terminal() {
		terminalAt = &now
	}

	if _, err := tx.ExecContext(
		ctx,
		"UPDATE `correlations` SET status = ?, updated_at = ?, terminal_at = ? WHERE business_id = ?",
		string(status),
		now,
		terminalAt,
		businessID,
	); err != nil {
		return fmt.Errorf("updating correlation: %w", err)
	}

	return tx.Commit()
}

func (sb *sqliteBackend) RemoveCorrelations(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	ro := backend.ApplyRemovalOptions(options...)

	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	cond := "terminal_at IS NOT NULL"
	args := make([]any, 0, 1)
	if !ro.FinishedBefore.IsZero() {
		cond += " AND terminal_at < ?"
		args = append(args, ro.FinishedBefore.UnixMilli())
	}

	if _, err := tx.ExecContext(
		ctx,
		"DELETE FROM `actions` WHERE business_id IN (SELECT business_id FROM `correlations` WHERE "+cond+")",
		args...,
	); err != nil {
		return 0, fmt.Errorf("removing action records: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM `correlations` WHERE "+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("removing correlations: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing removal: %w", err)
	}

	return int(removed), nil
}

const correlationColumns = "business_id, instance_id, channel_message_id, status, created_at, updated_at, terminal_at"

func correlation(ctx context.Context, tx *sql.Tx, businessID, instanceID string) (*core.CorrelationRecord, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+correlationColumns+" FROM `correlations` WHERE business_id = ?", businessID)

	r, err := scanCorrelation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrCorrelationNotFound
		}

		return nil, fmt.Errorf("reading correlation: %w", err)
	}

	if r.InstanceID != instanceID {
		return nil, backend.ErrCorrelationMismatch
	}

	return r, nil
}

func scanCorrelation(s scanner) (*core.CorrelationRecord, error) {
	var r core.CorrelationRecord
	var status string
	var createdAt, updatedAt int64
	var terminalAt sql.NullInt64

	if err := s.Scan(&r.BusinessID, &r.InstanceID, &r.ChannelMessageID, &status, &createdAt, &updatedAt, &terminalAt); err != nil {
		return nil, err
	}

	r.Status = core.WorkflowInstanceStatus(status)
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)

	if terminalAt.Valid {
		t := time.UnixMilli(terminalAt.Int64)
		r.TerminalAt = &t
	}

	return &r, nil
}
