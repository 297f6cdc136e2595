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

const correlationColumns = "business_id, instance_id, channel_message_id, status, created_at, updated_at, terminal_at"

func (b *mysqlBackend) RegisterCorrelation(ctx context.Context, businessID, instanceID string) error {
	tx, err := b.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+correlationColumns+" FROM `correlations` WHERE business_id = ? FOR UPDATE", businessID)
	existing, err := scanCorrelation(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("locking correlation: %w", err)
	}

	if existing != nil {
		if !existing.Terminal() {
			return backend.ErrDuplicateBusinessID
		}

		// Action records of a finished unit of work do not carry over to the new one
		if _, err := tx.ExecContext(ctx, "DELETE FROM `actions` WHERE business_id = ?", businessID); err != nil {
			return fmt.Errorf("removing action records: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM `correlations` WHERE business_id = ?", businessID); err != nil {
			return fmt.Errorf("removing terminal correlation: %w", err)
		}
	}

	var owner string
	err = tx.QueryRowContext(ctx, "SELECT business_id FROM `correlations` WHERE instance_id = ?", instanceID).Scan(&owner)
	if err == nil {
		return backend.ErrInstanceAlreadyExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading correlation: %w", err)
	}

	now := b.now()
	if _, err := tx.ExecContext(
		ctx,
		"INSERT INTO `correlations` (business_id, instance_id, channel_message_id, status, created_at, updated_at, terminal_at) VALUES (?, ?, '', ?, ?, ?, NULL)",
		businessID,
		instanceID,
		string(core.WorkflowInstanceStatusRunning),
		now,
		now,
	); err != nil {
		// A concurrent registration inserted the record first
		if isDuplicateEntry(err) {
			return backend.ErrDuplicateBusinessID
		}

		return fmt.Errorf("inserting correlation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing correlation: %w", err)
	}

	return nil
}

func (b *mysqlBackend) AttachChannelMessage(ctx context.Context, businessID, instanceID, channelMessageID string) error {
	tx, err := b.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, err := lockCorrelation(ctx, tx, businessID, instanceID)
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
		b.now(),
		businessID,
	); err != nil {
		return fmt.Errorf("updating correlation: %w", err)
	}

	return tx.Commit()
}

func (b *mysqlBackend) ResolveCorrelation(ctx context.Context, businessID string) (*core.CorrelationRecord, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+correlationColumns+" FROM `correlations` WHERE business_id = ?", businessID)

	r, err := scanCorrelation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrCorrelationNotFound
		}

		return nil, fmt.Errorf("reading correlation: %w", err)
	}

	return r, nil
}

func (b *mysqlBackend) MarkCorrelation(ctx context.Context, businessID, instanceID string, status core.WorkflowInstanceStatus) error {
	tx, err := b.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, err := lockCorrelation(ctx, tx, businessID, instanceID)
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

	now := b.now()
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

func (b *mysqlBackend) RemoveCorrelations(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	ro := backend.ApplyRemovalOptions(options...)

	cond := "c.terminal_at IS NOT NULL"
	args := make([]any, 0, 1)
	if !ro.FinishedBefore.IsZero() {
		cond += " AND c.terminal_at < ?"
		args = append(args, ro.FinishedBefore.UnixMilli())
	}

	tx, err := b.beginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		"DELETE a FROM `actions` a INNER JOIN `correlations` c ON a.business_id = c.business_id WHERE "+cond,
		args...,
	); err != nil {
		return 0, fmt.Errorf("removing action records: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE c FROM `correlations` c WHERE "+cond, args...)
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

func lockCorrelation(ctx context.Context, tx *sql.Tx, businessID, instanceID string) (*core.CorrelationRecord, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+correlationColumns+" FROM `correlations` WHERE business_id = ? FOR UPDATE", businessID)

	r, err := scanCorrelation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrCorrelationNotFound
		}

		return nil, fmt.Errorf("locking correlation: %w", err)
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
