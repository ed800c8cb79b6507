// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id         text PRIMARY KEY,
    state      text NOT NULL,
    returncode integer,
    jobid      text,
    resource   text,
    document   jsonb NOT NULL,
    updated_at timestamptz NOT NULL
)`

// SQLStore keeps task records in a PostgreSQL table. The full record
// is a jsonb document; state, returncode, scheduler job id and
// resource name are lifted into columns for querying.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore connects to PostgreSQL and makes sure the tasks table
// exists.
func NewSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to task database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot set up tasks table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Save upserts the record.
func (ss *SQLStore) Save(ctx context.Context, rec *TaskRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = newID()
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("cannot encode task %s: %w", rec.ID, err)
	}
	var returncode sql.NullInt64
	if rec.HasTermStatus {
		returncode = sql.NullInt64{Int64: int64(rec.Returncode), Valid: true}
	}
	_, err = ss.db.ExecContext(ctx, `
		INSERT INTO tasks (id, state, returncode, jobid, resource, document, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			returncode = EXCLUDED.returncode,
			jobid = EXCLUDED.jobid,
			resource = EXCLUDED.resource,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.State, returncode, rec.LRMSJobID, rec.Resource, doc, rec.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("cannot save task %s: %w", rec.ID, err)
	}
	return rec.ID, nil
}

// Load retrieves the record saved under the given id.
func (ss *SQLStore) Load(ctx context.Context, id string) (*TaskRecord, error) {
	var doc []byte
	err := ss.db.QueryRowxContext(ctx, `SELECT document FROM tasks WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	var rec TaskRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("cannot decode task %s: %w", id, err)
	}
	return &rec, nil
}

// List returns the stored task ids, most recently updated first.
func (ss *SQLStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := ss.db.SelectContext(ctx, &ids, `SELECT id FROM tasks ORDER BY updated_at DESC, id`)
	return ids, err
}

// Delete removes the record saved under the given id.
func (ss *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := ss.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// Close closes the database connection.
func (ss *SQLStore) Close() error { return ss.db.Close() }
