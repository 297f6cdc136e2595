package mysql

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
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	mysqlmigrate "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

const errDuplicateEntry = 1062

func NewMysqlBackend(host string, port int, user, password, database string, opts ...option) *mysqlBackend {
	backendOptions := backend.ApplyOptions()
	options := &options{
		Options:         &backendOptions,
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	cfg := mysqldriver.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = database
	cfg.InterpolateParams = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		panic(err)
	}

	if options.MySQLOptions != nil {
		options.MySQLOptions(db)
	}

	// Migrations need multiple statements per query, use a separate connection for them
	cfg.MultiStatements = true

	b := &mysqlBackend{
		schemaDsn: cfg.FormatDSN(),
		db:        db,
		options:   options,
	}

	if options.ApplyMigrations {
		if err := b.Migrate(); err != nil {
			panic(err)
		}
	}

	return b
}

type mysqlBackend struct {
	schemaDsn string
	db        *sql.DB
	options   *options
}

var _ backend.Backend = (*mysqlBackend)(nil)

func (b *mysqlBackend) Close() error {
	return b.db.Close()
}

// Migrate applies any pending database migrations.
func (b *mysqlBackend) Migrate() error {
	schemaDB, err := sql.Open("mysql", b.schemaDsn)
	if err != nil {
		return fmt.Errorf("opening schema database: %w", err)
	}

	dbi, err := mysqlmigrate.WithInstance(schemaDB, &mysqlmigrate.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "mysql", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	if err := schemaDB.Close(); err != nil {
		return fmt.Errorf("closing schema database: %w", err)
	}

	return nil
}

func (b *mysqlBackend) Options() *backend.Options {
	return b.options.Options
}

func (b *mysqlBackend) Metrics() metrics.Client {
	return b.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "mysql"})
}

func (b *mysqlBackend) now() int64 {
	return b.options.Clock.Now().UnixMilli()
}

func (b *mysqlBackend) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}

	return tx, nil
}

func (b *mysqlBackend) CreateWorkflowInstance(ctx context.Context, instance *core.WorkflowInstance) error {
	status := instance.Status
	if status == "" {
		status = core.WorkflowInstanceStatusRunning
	}

	now := b.now()
	if _, err := b.db.ExecContext(
		ctx,
		"INSERT INTO `instances` (id, business_id, graph, status, current_node, state, sequence, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)",
		instance.InstanceID,
		instance.BusinessID,
		instance.Graph,
		string(status),
		instance.CurrentNode,
		instance.State,
		now,
		now,
	); err != nil {
		if isDuplicateEntry(err) {
			return backend.ErrInstanceAlreadyExists
		}

		return fmt.Errorf("inserting workflow instance: %w", err)
	}

	return nil
}

func (b *mysqlBackend) SaveCheckpoint(ctx context.Context, update *backend.CheckpointUpdate) (int64, error) {
	tx, err := b.beginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var status string
	var sequence int64
	row := tx.QueryRowContext(ctx, "SELECT status, sequence FROM `instances` WHERE id = ? FOR UPDATE", update.InstanceID)
	if err := row.Scan(&status, &sequence); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, backend.ErrInstanceNotFound
		}

		return 0, fmt.Errorf("locking workflow instance: %w", err)
	}

	if core.WorkflowInstanceStatus(status).Terminal() {
		return 0, backend.ErrInstanceTerminal
	}

	if sequence != update.ExpectedSequence {
		return 0, backend.ErrSequenceConflict
	}

	var errorData []byte
	if update.Error != nil {
		errorData, err = json.Marshal(update.Error)
		if err != nil {
			return 0, fmt.Errorf("marshaling error: %w", err)
		}
	}

	now := b.now()
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
		if isDuplicateEntry(err) {
			return 0, backend.ErrSequenceConflict
		}

		return 0, fmt.Errorf("inserting checkpoint: %w", err)
	}

	var completedAt *int64
	if update.Status.Terminal() {
		completedAt = &now
	}

	if _, err := tx.ExecContext(
		ctx,
		"UPDATE `instances` SET status = ?, current_node = ?, state = ?, sequence = ?, error = ?, updated_at = ?, completed_at = ? WHERE id = ?",
		string(update.Status),
		update.NodeID,
		update.State,
		next,
		errorData,
		now,
		completedAt,
		update.InstanceID,
	); err != nil {
		return 0, fmt.Errorf("updating workflow instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing checkpoint: %w", err)
	}

	return next, nil
}

func (b *mysqlBackend) LoadCheckpoint(ctx context.Context, instanceID string) (*core.Checkpoint, error) {
	var exists int
	if err := b.db.QueryRowContext(ctx, "SELECT 1 FROM `instances` WHERE id = ?", instanceID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("reading workflow instance: %w", err)
	}

	row := b.db.QueryRowContext(
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

	return &cp, nil
}

const instanceColumns = "id, business_id, graph, status, current_node, state, sequence, error, created_at, updated_at, completed_at"

func (b *mysqlBackend) GetWorkflowInstance(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+instanceColumns+" FROM `instances` WHERE id = ?", instanceID)

	i, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("reading workflow instance: %w", err)
	}

	return i, nil
}

func (b *mysqlBackend) ListWorkflowInstances(ctx context.Context, filter backend.InstanceFilter) ([]*core.WorkflowInstance, error) {
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

	rows, err := b.db.QueryContext(ctx, query, args...)
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

func (b *mysqlBackend) RemoveWorkflowInstances(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	ro := backend.ApplyRemovalOptions(options...)

	cond := "i.completed_at IS NOT NULL"
	args := make([]any, 0, 1)
	if !ro.FinishedBefore.IsZero() {
		cond += " AND i.completed_at < ?"
		args = append(args, ro.FinishedBefore.UnixMilli())
	}

	tx, err := b.beginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		"DELETE c FROM `checkpoints` c INNER JOIN `instances` i ON c.instance_id = i.id WHERE "+cond,
		args...,
	); err != nil {
		return 0, fmt.Errorf("removing checkpoints: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE i FROM `instances` i WHERE "+cond, args...)
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

	b.Metrics().Counter(metrickeys.WorkflowInstanceRemoved, metrics.Tags{}, removed)

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

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysqldriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry
}
