package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/internal/metrickeys"
	"github.com/cschleiden/go-triage/internal/workflowerrors"
	"github.com/cschleiden/go-triage/metrics"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

// NewInMemoryBackend returns a backend backed by a private in-memory database.
func NewInMemoryBackend(opts ...option) *sqliteBackend {
	// Named in-memory database, shared between the connections of this backend only
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_txlock=immediate", uuid.NewString())

	return newSqliteBackend(dsn, opts...)
}

// NewSqliteBackend returns a backend storing its data in the database file at path.
func NewSqliteBackend(path string, opts ...option) *sqliteBackend {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate", path)

	return newSqliteBackend(dsn, opts...)
}

func newSqliteBackend(dsn string, opts ...option) *sqliteBackend {
	backendOptions := backend.ApplyOptions()
	options := &options{
		Options:         &backendOptions,
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(err)
	}

	// SQLite allows a single writer, serialize all access through one connection
	db.SetMaxOpenConns(1)

	b := &sqliteBackend{
		db:      db,
		options: options,
	}

	if options.ApplyMigrations {
		if err := b.Migrate(); err != nil {
			panic(err)
		}
	}

	return b
}

type sqliteBackend struct {
	db      *sql.DB
	options *options
}

var _ backend.Backend = (*sqliteBackend)(nil)

func (sb *sqliteBackend) Close() error {
	return sb.db.Close()
}

// Migrate applies any pending database migrations.
func (sb *sqliteBackend) Migrate() error {
	dbi, err := sqlite.WithInstance(sb.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "sqlite", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	return nil
}

func (sb *sqliteBackend) Options() *backend.Options {
	return sb.options.Options
}

func (sb *sqliteBackend) Metrics() metrics.Client {
	return sb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "sqlite"})
}

func (sb *sqliteBackend) now() int64 {
	return sb.options.Clock.Now().UnixMilli()
}

func (sb *sqliteBackend) CreateWorkflowInstance(ctx context.Context, instance *core.WorkflowInstance) error {
	status := instance.Status
	if status == "" {
		status = core.WorkflowInstanceStatusRunning
	}

	now := sb.now()
	res, err := sb.db.ExecContext(
		ctx,
		"INSERT OR IGNORE INTO `instances` (id, business_id, graph, status, current_node, state, sequence, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)",
		instance.InstanceID,
		instance.BusinessID,
		instance.Graph,
		string(status),
		instance.CurrentNode,
		instance.State,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("inserting workflow instance: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return backend.ErrInstanceAlreadyExists
	}

	return nil
}

func (sb *sqliteBackend) SaveCheckpoint(ctx context.Context, update *backend.CheckpointUpdate) (int64, error) {
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	var sequence int64
	row := tx.QueryRowContext(ctx, "SELECT status, sequence FROM `instances` WHERE id = ?", update.InstanceID)
	if err := row.Scan(&status, &sequence); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, backend.ErrInstanceNotFound
		}

		return 0, fmt.Errorf("reading workflow instance: %w", err)
	}

	if core.WorkflowInstanceStatus(status).Terminal() {
		return 0, backend.ErrInstanceTerminal
	}

	if sequence != update.ExpectedSequence {
		return 0, backend.ErrSequenceConflict
	}

	errorData, err := marshalError(update.Error)
	if err != nil {
		return 0, err
	}

	now := sb.now()
	next := sequence + 1

	if _, err := tx.ExecContext(
		ctx,
		"INSERT INTO `checkpoints` (instance_id, sequence, node_id, status, state, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		update.InstanceID,
		next,
		update.NodeID,
		string(update.Status),
		update.State,
		now,
	); err != nil {
		return 0, fmt.Errorf("inserting checkpoint: %w", err)
	}

	var completedAt *int64
	if update.Status.Terminal() {
		completedAt = &now
	}

	res, err := tx.ExecContext(
		ctx,
		"UPDATE `instances` SET status = ?, current_node = ?, state = ?, sequence = ?, error = ?, updated_at = ?, completed_at = ? WHERE id = ? AND sequence = ?",
		string(update.Status),
		update.NodeID,
		update.State,
		next,
		errorData,
		now,
		completedAt,
		update.InstanceID,
		sequence,
	)
	if err != nil {
		return 0, fmt.Errorf("updating workflow instance: %w", err)
	}

	if rows, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if rows != 1 {
		return 0, backend.ErrSequenceConflict
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing checkpoint: %w", err)
	}

	return next, nil
}

func (sb *sqliteBackend) LoadCheckpoint(ctx context.Context, instanceID string) (*core.Checkpoint, error) {
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT 1 FROM `instances` WHERE id = ?", instanceID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("reading workflow instance: %w", err)
	}

	row := tx.QueryRowContext(
		ctx,
		"SELECT instance_id, sequence, node_id, status, state, created_at FROM `checkpoints` WHERE instance_id = ? ORDER BY sequence DESC LIMIT 1",
		instanceID,
	)

	var cp core.Checkpoint
	var status string
	var createdAt int64
	if err := row.Scan(&cp.InstanceID, &cp.Sequence, &cp.NodeID, &status, &cp.State, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrCheckpointNotFound
		}

		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	cp.Status = core.WorkflowInstanceStatus(status)
	cp.CreatedAt = time.UnixMilli(createdAt)

	return &cp, tx.Commit()
}

const instanceColumns = "id, business_id, graph, status, current_node, state, sequence, error, created_at, updated_at, completed_at"

func (sb *sqliteBackend) GetWorkflowInstance(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	row := sb.db.QueryRowContext(ctx, "SELECT "+instanceColumns+" FROM `instances` WHERE id = ?", instanceID)

	i, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("reading workflow instance: %w", err)
	}

	return i, nil
}

func (sb *sqliteBackend) ListWorkflowInstances(ctx context.Context, filter backend.InstanceFilter) ([]*core.WorkflowInstance, error) {
	where := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UnixMilli())
	}

	query := "SELECT " + instanceColumns + " FROM `instances`"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY updated_at ASC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := sb.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflow instances: %w", err)
	}
	defer rows.Close()

	r := make([]*core.WorkflowInstance, 0)
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow instance: %w", err)
		}

		r = append(r, i)
	}

	return r, rows.Err()
}

func (sb *sqliteBackend) RemoveWorkflowInstances(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	ro := backend.ApplyRemovalOptions(options...)

	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	cond := "completed_at IS NOT NULL"
	args := make([]any, 0, 1)
	if !ro.FinishedBefore.IsZero() {
		cond += " AND completed_at < ?"
		args = append(args, ro.FinishedBefore.UnixMilli())
	}

	if _, err := tx.ExecContext(
		ctx,
		"DELETE FROM `checkpoints` WHERE instance_id IN (SELECT id FROM `instances` WHERE "+cond+")",
		args...,
	); err != nil {
		return 0, fmt.Errorf("removing checkpoints: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM `instances` WHERE "+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("removing workflow instances: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing removal: %w", err)
	}

	sb.Metrics().Counter(metrickeys.WorkflowInstanceRemoved, metrics.Tags{}, removed)

	return int(removed), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(s scanner) (*core.WorkflowInstance, error) {
	var i core.WorkflowInstance
	var status string
	var errorData []byte
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	if err := s.Scan(
		&i.InstanceID,
		&i.BusinessID,
		&i.Graph,
		&status,
		&i.CurrentNode,
		&i.State,
		&i.Sequence,
		&errorData,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	i.Status = core.WorkflowInstanceStatus(status)
	i.CreatedAt = time.UnixMilli(createdAt)
	i.UpdatedAt = time.UnixMilli(updatedAt)

	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		i.CompletedAt = &t
	}

	if len(errorData) > 0 {
		var e workflowerrors.Error
		if err := json.Unmarshal(errorData, &e); err != nil {
			return nil, fmt.Errorf("unmarshaling error: %w", err)
		}

		i.Error = &e
	}

	return &i, nil
}

func marshalError(e *workflowerrors.Error) ([]byte, error) {
	if e == nil {
		return nil, nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling error: %w", err)
	}

	return data, nil
}
