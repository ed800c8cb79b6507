// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package store persists task snapshots between runs of the command
// line tools and the daemon, either as JSON files in a session
// directory or as rows in a PostgreSQL table.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gridrun/gridrun/lib/engine"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
)

// ErrNotFound is returned when the requested task id is not in the
// store.
var ErrNotFound = errors.New("task record not found")

// A Store keeps task snapshots across process restarts.
type Store interface {
	// Save writes a snapshot and returns its id, assigning a fresh
	// one if the record has none.
	Save(ctx context.Context, rec *TaskRecord) (string, error)
	// Load retrieves a snapshot by id.
	Load(ctx context.Context, id string) (*TaskRecord, error)
	// List returns the ids of all stored snapshots.
	List(ctx context.Context) ([]string, error)
	// Delete removes a snapshot.
	Delete(ctx context.Context, id string) error
	Close() error
}

// TaskRecord is the serializable snapshot of one application and its
// run record. The run's state and returncode are flattened into
// explicit fields so a restored task picks up exactly where the saved
// one stopped.
type TaskRecord struct {
	ID      string        `json:"id"`
	Jobname string        `json:"jobname"`
	State   gridrun.State `json:"state"`

	// HasTermStatus and Returncode carry the packed termination
	// status, valid only when HasTermStatus is set.
	HasTermStatus bool `json:"has_term_status,omitempty"`
	Returncode    int  `json:"returncode,omitempty"`

	LRMSJobID        string                         `json:"lrms_jobid,omitempty"`
	Resource         string                         `json:"resource,omitempty"`
	History          []gridrun.HistoryEntry         `json:"history,omitempty"`
	Timestamps       map[gridrun.State]time.Time    `json:"timestamps,omitempty"`
	ExecutionTargets []string                       `json:"execution_targets,omitempty"`
	Extra            map[string]string              `json:"extra,omitempty"`

	Arguments             []string          `json:"arguments"`
	Inputs                map[string]string `json:"inputs,omitempty"`
	Outputs               map[string]string `json:"outputs,omitempty"`
	OutputDir             string            `json:"output_dir,omitempty"`
	RequestedCores        int               `json:"requested_cores,omitempty"`
	RequestedMemory       gridrun.ByteSize  `json:"requested_memory,omitempty"`
	RequestedWalltime     gridrun.Duration  `json:"requested_walltime,omitempty"`
	RequestedArchitecture string            `json:"requested_architecture,omitempty"`
	Environment           map[string]string `json:"environment,omitempty"`
	Stdin                 string            `json:"stdin,omitempty"`
	Stdout                string            `json:"stdout,omitempty"`
	Stderr                string            `json:"stderr,omitempty"`
	Join                  bool              `json:"join,omitempty"`
	Tags                  []string          `json:"tags,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot captures the current state of an application into a
// record. A zero id means the store assigns one on Save.
func Snapshot(id string, app *gridrun.Application) *TaskRecord {
	run := app.Execution()
	return &TaskRecord{
		ID:      id,
		Jobname: app.Jobname,
		State:   run.State(),

		HasTermStatus: run.HasTermStatus(),
		Returncode:    packedReturncode(run),

		LRMSJobID:        run.LRMSJobID,
		Resource:         run.GetExtra(engine.ExtraResourceName),
		History:          append([]gridrun.HistoryEntry(nil), run.History...),
		Timestamps:       copyTimestamps(run.Timestamps),
		ExecutionTargets: append([]string(nil), run.ExecutionTargets...),
		Extra:            copyMap(run.Extra),

		Arguments:             append([]string(nil), app.Arguments...),
		Inputs:                copyMap(app.Inputs),
		Outputs:               copyMap(app.Outputs),
		OutputDir:             app.OutputDir,
		RequestedCores:        app.RequestedCores,
		RequestedMemory:       app.RequestedMemory,
		RequestedWalltime:     app.RequestedWalltime,
		RequestedArchitecture: app.RequestedArchitecture,
		Environment:           copyMap(app.Environment),
		Stdin:                 app.Stdin,
		Stdout:                app.Stdout,
		Stderr:                app.Stderr,
		Join:                  app.Join,
		Tags:                  append([]string(nil), app.Tags...),

		UpdatedAt: time.Now().UTC(),
	}
}

// Restore rebuilds an application from a snapshot, including its run
// record, so lifecycle operations continue from the saved state.
func (rec *TaskRecord) Restore() *gridrun.Application {
	app := gridrun.NewApplication(rec.Jobname, rec.Arguments...)
	app.Inputs = copyMap(rec.Inputs)
	app.Outputs = copyMap(rec.Outputs)
	app.OutputDir = rec.OutputDir
	app.RequestedCores = rec.RequestedCores
	app.RequestedMemory = rec.RequestedMemory
	app.RequestedWalltime = rec.RequestedWalltime
	app.RequestedArchitecture = rec.RequestedArchitecture
	app.Environment = copyMap(rec.Environment)
	app.Stdin = rec.Stdin
	app.Stdout = rec.Stdout
	app.Stderr = rec.Stderr
	app.Join = rec.Join
	app.Tags = append([]string(nil), rec.Tags...)

	run := app.Execution()
	if rec.State != "" && rec.State != gridrun.StateNew {
		run.ForceState(rec.State)
	}
	if rec.HasTermStatus {
		run.SetReturncode(rec.Returncode)
	}
	run.LRMSJobID = rec.LRMSJobID
	// overwrite, not append: ForceState above logged a bogus entry
	run.History = append([]gridrun.HistoryEntry(nil), rec.History...)
	run.Timestamps = copyTimestamps(rec.Timestamps)
	run.ExecutionTargets = append([]string(nil), rec.ExecutionTargets...)
	run.Extra = copyMap(rec.Extra)
	return app
}

// newID returns a fresh store id.
func newID() string { return uuid.NewString() }

func packedReturncode(run *gridrun.Run) int {
	if !run.HasTermStatus() {
		return 0
	}
	return run.Returncode()
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTimestamps(m map[gridrun.State]time.Time) map[gridrun.State]time.Time {
	if m == nil {
		return nil
	}
	out := make(map[gridrun.State]time.Time, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
