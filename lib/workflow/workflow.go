// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package workflow provides task collections: groups of tasks managed
// collectively as a single task. A collection implements the same
// lifecycle interface as a leaf application, so collections nest.
package workflow

import (
	"context"
	"io"

	"github.com/gridrun/gridrun/sdk/go/gridrun"
)

// stateOwner matches the owner contract of gridrun.NewRun: state
// hooks plus the dirty flag.
type stateOwner interface {
	gridrun.StateHooks
	MarkChanged()
}

// TaskCollection is the shared base of Sequential and Parallel. It
// holds the child tasks and the collection's own run record; each
// concrete collection decides how to deduce a collective state from
// the children's states.
type TaskCollection struct {
	// Jobname labels the collection.
	Jobname string
	// OutputDir is the base directory child outputs are collected
	// under when FetchOutput is called without an explicit one.
	OutputDir string

	tasks      []gridrun.TaskInterface
	execution  *gridrun.Run
	controller gridrun.Controller
	attached   bool
	changed    bool
}

func (tc *TaskCollection) init(owner stateOwner, jobname string, tasks []gridrun.TaskInterface) {
	tc.Jobname = jobname
	tc.tasks = tasks
	tc.execution = gridrun.NewRun(owner)
}

// Execution returns the collection's own run record.
func (tc *TaskCollection) Execution() *gridrun.Run { return tc.execution }

// Tasks returns the child tasks in order.
func (tc *TaskCollection) Tasks() []gridrun.TaskInterface {
	return append([]gridrun.TaskInterface(nil), tc.tasks...)
}

// Len returns the number of child tasks.
func (tc *TaskCollection) Len() int { return len(tc.tasks) }

// Attach binds the collection and all its children to a controller.
func (tc *TaskCollection) Attach(c gridrun.Controller) {
	for _, t := range tc.tasks {
		t.Attach(c)
	}
	tc.controller = c
	tc.attached = true
}

// Detach unbinds the collection and all its children.
func (tc *TaskCollection) Detach() {
	for _, t := range tc.tasks {
		t.Detach()
	}
	tc.controller = nil
	tc.attached = false
}

// Remove drops a child task from the collection and detaches it.
func (tc *TaskCollection) Remove(task gridrun.TaskInterface) {
	for i, t := range tc.tasks {
		if t == task {
			tc.tasks = append(tc.tasks[:i], tc.tasks[i+1:]...)
			task.Detach()
			return
		}
	}
}

// Changed reports whether the collection or any of its children was
// modified since the last ClearChanged.
func (tc *TaskCollection) Changed() bool {
	if tc.changed {
		return true
	}
	for _, t := range tc.tasks {
		if t.Changed() {
			return true
		}
	}
	return false
}

// ClearChanged marks the collection and all children clean.
func (tc *TaskCollection) ClearChanged() {
	tc.changed = false
	for _, t := range tc.tasks {
		t.ClearChanged()
	}
}

// MarkChanged marks the collection dirty.
func (tc *TaskCollection) MarkChanged() { tc.changed = true }

// Stats counts child tasks per lifecycle state.
func (tc *TaskCollection) Stats() map[gridrun.State]int {
	stats := map[gridrun.State]int{}
	for _, t := range tc.tasks {
		stats[t.Execution().State()]++
	}
	return stats
}

// Default state hooks. OnTerminated folds the children's exit codes
// into the collection's: the collection exit code is the worst
// (highest) child exit code, so a sequence of all-clean children
// reports success and a single failure is visible at the top.
func (tc *TaskCollection) OnNew()         {}
func (tc *TaskCollection) OnSubmitted()   {}
func (tc *TaskCollection) OnRunning()     {}
func (tc *TaskCollection) OnStopped()     {}
func (tc *TaskCollection) OnTerminating() {}
func (tc *TaskCollection) OnUnknown()     {}

func (tc *TaskCollection) OnTerminated() {
	if len(tc.tasks) == 0 {
		// a collection with no tasks terminates successfully
		tc.execution.SetTermStatus(0, 0)
		return
	}
	maxExit := -1
	for _, t := range tc.tasks {
		if run := t.Execution(); run.HasTermStatus() {
			if ec := run.Exitcode(); ec > maxExit {
				maxExit = ec
			}
		}
	}
	if maxExit < 0 {
		return
	}
	signal := tc.execution.Signal()
	if signal < 0 {
		signal = 0
	}
	tc.execution.SetTermStatus(signal, maxExit)
}

// updateChildren polls every child that is neither NEW nor
// TERMINATED.
func (tc *TaskCollection) updateChildren(ctx context.Context) error {
	for _, t := range tc.tasks {
		switch t.Execution().State() {
		case gridrun.StateNew, gridrun.StateTerminated:
		default:
			if err := t.UpdateState(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// FetchOutput collects the output of every TERMINATING child. Once
// all children are TERMINATED the collection itself terminates. The
// returned directory is the collection's base output directory.
func (tc *TaskCollection) FetchOutput(ctx context.Context, downloadDir string, overwrite, changedOnly bool) (string, error) {
	dir := downloadDir
	if dir == "" {
		dir = tc.OutputDir
	}
	if dir == "" {
		dir = tc.Jobname + ".d"
	}
	for _, t := range tc.tasks {
		if t.Execution().State() != gridrun.StateTerminating {
			continue
		}
		if _, err := t.FetchOutput(ctx, "", overwrite, changedOnly); err != nil {
			return "", err
		}
	}
	allDone := true
	for _, t := range tc.tasks {
		if t.Execution().State() != gridrun.StateTerminated {
			allDone = false
			break
		}
	}
	if allDone {
		setDerivedState(tc.execution, gridrun.StateTerminated)
	}
	return dir, nil
}

// Free releases the remote resources of every TERMINATED child.
func (tc *TaskCollection) Free(ctx context.Context) error {
	for _, t := range tc.tasks {
		if t.Execution().State() != gridrun.StateTerminated {
			continue
		}
		if err := t.Free(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Peek has no meaningful semantics on a collection.
func (tc *TaskCollection) Peek(ctx context.Context, what string, offset, size int64) (io.ReadCloser, error) {
	return nil, gridrun.NewInvalidArgumentError("cannot peek into a task collection")
}

// Redo resets the collection and all children back to NEW.
func (tc *TaskCollection) Redo(ctx context.Context) error {
	for _, t := range tc.tasks {
		if err := t.Redo(ctx); err != nil {
			return err
		}
	}
	return tc.execution.Reset()
}

// cancelTasks marks a slice of never-run tasks as cancelled.
func cancelTasks(tasks []gridrun.TaskInterface) {
	for _, t := range tasks {
		run := t.Execution()
		run.SetTermStatus(gridrun.SignalCancelled, -1)
		run.ForceState(gridrun.StateTerminated)
	}
}

// setDerivedState moves a collection's run to a deduced state. The
// aggregate state of a collection may legally jump edges a single
// job's never would (e.g. RUNNING back to TERMINATED after a rewind),
// so illegal edges fall back to a forced transition.
func setDerivedState(run *gridrun.Run, to gridrun.State) {
	if err := run.SetState(to); err != nil {
		run.ForceState(to)
	}
}
