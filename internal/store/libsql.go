package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLStore implements SnapshotStore using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Run snapshots ---

func (s *LibSQLStore) PutSnapshot(ctx context.Context, snap *RunSnapshot) error {
	steps, err := json.Marshal(snap.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	var suspended json.RawMessage
	if len(snap.Suspended) > 0 {
		suspended, err = json.Marshal(snap.Suspended)
		if err != nil {
			return fmt.Errorf("marshal suspended: %w", err)
		}
	}

	now := time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}

	if snap.Version == 0 {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO runs (workflow_id, run_id, resource_id, status, input, output, error, steps, suspended, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			snap.WorkflowID, snap.RunID, nullStr(snap.ResourceID), string(snap.Status),
			nullRaw(snap.Input), nullRaw(snap.Output), nullRaw(snap.Error),
			string(steps), nullRaw(suspended), snap.CreatedAt, now,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY KEY") {
				return schema.NewErrorf(schema.ErrCodeConflict,
					"stale snapshot write for run %s: version 0 but row exists", snap.RunID)
			}
			return schema.NewErrorf(schema.ErrCodeStore, "insert snapshot: %s", err.Error()).WithCause(err)
		}
		snap.UpdatedAt = now
		snap.Version = 1
		return nil
	}

	// Optimistic-concurrency update: the WHERE version clause rejects stale writers.
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET resource_id = ?, status = ?, input = ?, output = ?, error = ?, steps = ?, suspended = ?, version = version + 1, updated_at = ?
		 WHERE workflow_id = ? AND run_id = ? AND version = ?`,
		nullStr(snap.ResourceID), string(snap.Status),
		nullRaw(snap.Input), nullRaw(snap.Output), nullRaw(snap.Error),
		string(steps), nullRaw(suspended), now,
		snap.WorkflowID, snap.RunID, snap.Version,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update snapshot: %s", err.Error()).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update snapshot: %s", err.Error()).WithCause(err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"stale snapshot write for run %s at version %d", snap.RunID, snap.Version)
	}
	snap.UpdatedAt = now
	snap.Version++
	return nil
}

func (s *LibSQLStore) GetSnapshot(ctx context.Context, workflowID, runID string) (*RunSnapshot, error) {
	snap := &RunSnapshot{}
	var (
		resourceID                 sql.NullString
		input, output, errJSON     sql.NullString
		stepsJSON                  string
		suspendedJSON              sql.NullString
		status                     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, run_id, resource_id, status, input, output, error, steps, suspended, version, created_at, updated_at
		 FROM runs WHERE workflow_id = ? AND run_id = ?`, workflowID, runID,
	).Scan(&snap.WorkflowID, &snap.RunID, &resourceID, &status, &input, &output, &errJSON,
		&stepsJSON, &suspendedJSON, &snap.Version, &snap.CreatedAt, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeRunNotFound, "run %q not found", runID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get snapshot: %s", err.Error()).WithCause(err)
	}

	snap.ResourceID = resourceID.String
	snap.Status = schema.RunStatus(status)
	snap.Input = rawOrNil(input)
	snap.Output = rawOrNil(output)
	snap.Error = rawOrNil(errJSON)
	if err := json.Unmarshal([]byte(stepsJSON), &snap.Steps); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "unmarshal steps: %s", err.Error()).WithCause(err)
	}
	if suspendedJSON.Valid && suspendedJSON.String != "" {
		if err := json.Unmarshal([]byte(suspendedJSON.String), &snap.Suspended); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "unmarshal suspended: %s", err.Error()).WithCause(err)
		}
	}
	return snap, nil
}

func (s *LibSQLStore) ListSnapshots(ctx context.Context, workflowID string, filter SnapshotFilter) ([]*RunSnapshot, int, error) {
	where := []string{"workflow_id = ?"}
	args := []any{workflowID}

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if filter.FromDate != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.FromDate)
	}
	if filter.ToDate != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *filter.ToDate)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, schema.NewErrorf(schema.ErrCodeStore, "count snapshots: %s", err.Error()).WithCause(err)
	}

	query := `SELECT workflow_id, run_id, resource_id, status, input, output, error, steps, suspended, version, created_at, updated_at FROM runs` +
		whereClause + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, schema.NewErrorf(schema.ErrCodeStore, "list snapshots: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var snaps []*RunSnapshot
	for rows.Next() {
		snap := &RunSnapshot{}
		var (
			resourceID             sql.NullString
			input, output, errJSON sql.NullString
			stepsJSON              string
			suspendedJSON          sql.NullString
			status                 string
		)
		if err := rows.Scan(&snap.WorkflowID, &snap.RunID, &resourceID, &status, &input, &output, &errJSON,
			&stepsJSON, &suspendedJSON, &snap.Version, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
			return nil, 0, schema.NewErrorf(schema.ErrCodeStore, "scan snapshot: %s", err.Error()).WithCause(err)
		}
		snap.ResourceID = resourceID.String
		snap.Status = schema.RunStatus(status)
		snap.Input = rawOrNil(input)
		snap.Output = rawOrNil(output)
		snap.Error = rawOrNil(errJSON)
		if err := json.Unmarshal([]byte(stepsJSON), &snap.Steps); err != nil {
			return nil, 0, schema.NewErrorf(schema.ErrCodeStore, "unmarshal steps: %s", err.Error()).WithCause(err)
		}
		if suspendedJSON.Valid && suspendedJSON.String != "" {
			if err := json.Unmarshal([]byte(suspendedJSON.String), &snap.Suspended); err != nil {
				return nil, 0, schema.NewErrorf(schema.ErrCodeStore, "unmarshal suspended: %s", err.Error()).WithCause(err)
			}
		}
		snaps = append(snaps, snap)
	}
	return snaps, total, rows.Err()
}

// --- Event waits ---

func (s *LibSQLStore) PutEventWait(ctx context.Context, rec *EventWaitRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_waits (run_id, workflow_id, event_name, path, deadline, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, event_name) DO UPDATE SET path=excluded.path, deadline=excluded.deadline`,
		rec.RunID, rec.WorkflowID, rec.EventName, rec.Path, nullTime(rec.Deadline), rec.CreatedAt,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "put event wait: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) DeleteEventWait(ctx context.Context, runID, eventName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM event_waits WHERE run_id = ? AND event_name = ?`, runID, eventName)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete event wait: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) ListEventWaits(ctx context.Context) ([]*EventWaitRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, workflow_id, event_name, path, deadline, created_at FROM event_waits ORDER BY created_at ASC`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list event waits: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var recs []*EventWaitRecord
	for rows.Next() {
		rec := &EventWaitRecord{}
		var deadline sql.NullTime
		if err := rows.Scan(&rec.RunID, &rec.WorkflowID, &rec.EventName, &rec.Path, &deadline, &rec.CreatedAt); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan event wait: %s", err.Error()).WithCause(err)
		}
		if deadline.Valid {
			rec.Deadline = &deadline.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Helpers ---

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
