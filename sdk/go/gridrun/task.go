// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package gridrun provides the core types of the job orchestration
// runtime: the Run lifecycle state machine, the Task facade, and the
// Application job description.
package gridrun

import (
	"context"
	"fmt"
	"io"
	"time"
)

// A Controller performs lifecycle operations on applications: it
// knows which resources exist, brokers submissions, and talks to the
// batch schedulers. The engine Core is the production implementation.
type Controller interface {
	SubmitApp(ctx context.Context, app *Application, resubmit bool, targets []string) error
	UpdateAppState(ctx context.Context, app *Application) error
	KillApp(ctx context.Context, app *Application) error
	// FetchAppOutput downloads the application's output files into
	// downloadDir (or the application's own OutputDir if empty) and
	// returns the directory used.
	FetchAppOutput(ctx context.Context, app *Application, downloadDir string, overwrite, changedOnly bool) (string, error)
	// PeekApp returns a reader over a portion of a remote file;
	// what is "stdout", "stderr", or a path relative to the job's
	// remote directory.
	PeekApp(ctx context.Context, app *Application, what string, offset, size int64) (io.ReadCloser, error)
	FreeApp(ctx context.Context, app *Application) error
}

// TaskInterface is anything the engine can drive: leaf applications
// and workflow collections built out of them.
type TaskInterface interface {
	Execution() *Run
	Attach(Controller)
	Detach()
	Submit(ctx context.Context, resubmit bool) error
	UpdateState(ctx context.Context) error
	Kill(ctx context.Context) error
	FetchOutput(ctx context.Context, downloadDir string, overwrite, changedOnly bool) (string, error)
	Free(ctx context.Context) error
	Progress(ctx context.Context) error
	Redo(ctx context.Context) error
	Changed() bool
	ClearChanged()
}

// Task is the generic lifecycle facade embedded in Application. All
// lifecycle methods require the task to be attached to a Controller
// first; calling them while detached fails with
// ErrDetachedFromController.
type Task struct {
	// Jobname labels the task in scheduler queues and default
	// output filenames.
	Jobname string

	execution  *Run
	controller Controller
	attached   bool
	changed    bool
	outputDir  string

	app *Application
}

func (t *Task) init(owner runOwner, app *Application, jobname string) {
	t.Jobname = jobname
	t.app = app
	t.execution = NewRun(owner)
}

// Execution returns the task's run record.
func (t *Task) Execution() *Run { return t.execution }

// Attached reports whether the task currently has a controller.
func (t *Task) Attached() bool { return t.attached }

// Attach binds the task to a controller. Attaching to the same
// controller again is a no-op; attaching to a different one detaches
// from the old one first.
func (t *Task) Attach(c Controller) {
	if t.attached && t.controller == c {
		return
	}
	if t.attached {
		t.Detach()
	}
	t.controller = c
	t.attached = true
}

// Detach unbinds the task from its controller. Safe to call on a
// detached task.
func (t *Task) Detach() {
	t.controller = nil
	t.attached = false
}

// Changed reports whether the task state was modified since the last
// ClearChanged; the persistence layer uses it to skip clean tasks.
func (t *Task) Changed() bool { return t.changed }

// ClearChanged marks the task clean.
func (t *Task) ClearChanged() { t.changed = false }

// MarkChanged marks the task dirty.
func (t *Task) MarkChanged() { t.changed = true }

// Default state hooks; Application and workflow collections shadow
// the ones they care about.
func (t *Task) OnNew()         {}
func (t *Task) OnSubmitted()   {}
func (t *Task) OnRunning()     {}
func (t *Task) OnStopped()     {}
func (t *Task) OnTerminating() {}
func (t *Task) OnTerminated()  {}
func (t *Task) OnUnknown()     {}

// Submit starts the task on some resource chosen by the controller.
// With resubmit set, a task in a terminal state is reset to NEW and
// submitted again.
func (t *Task) Submit(ctx context.Context, resubmit bool) error {
	if !t.attached {
		return ErrDetachedFromController
	}
	return t.controller.SubmitApp(ctx, t.app, resubmit, nil)
}

// SubmitTo is Submit restricted to the named resources.
func (t *Task) SubmitTo(ctx context.Context, resubmit bool, targets ...string) error {
	if !t.attached {
		return ErrDetachedFromController
	}
	return t.controller.SubmitApp(ctx, t.app, resubmit, targets)
}

// UpdateState polls the remote scheduler and advances the task's run
// state accordingly.
func (t *Task) UpdateState(ctx context.Context) error {
	if !t.attached {
		return ErrDetachedFromController
	}
	return t.controller.UpdateAppState(ctx, t.app)
}

// Kill cancels the remote job and forces the local state to
// TERMINATED with the Cancelled pseudo-signal.
func (t *Task) Kill(ctx context.Context) error {
	if !t.attached {
		return ErrDetachedFromController
	}
	return t.controller.KillApp(ctx, t.app)
}

// FetchOutput downloads the task's output files.
//
// If the task is already TERMINATED the cached download directory is
// returned without touching the remote end. If the task is
// TERMINATING the download finalizes it: the state moves to
// TERMINATED afterwards. In any earlier state a best-effort snapshot
// is downloaded and the state is left alone.
func (t *Task) FetchOutput(ctx context.Context, downloadDir string, overwrite, changedOnly bool) (string, error) {
	if t.execution.State() == StateTerminated && t.outputDir != "" {
		return t.outputDir, nil
	}
	if !t.attached {
		return "", ErrDetachedFromController
	}
	dir, err := t.controller.FetchAppOutput(ctx, t.app, downloadDir, overwrite, changedOnly)
	if err != nil {
		return "", err
	}
	t.outputDir = dir
	if t.execution.State() == StateTerminating {
		if err := t.execution.SetState(StateTerminated); err != nil {
			return dir, err
		}
	}
	return dir, nil
}

// OutputDir returns the local directory output was last downloaded
// to, or "" if no download happened yet.
func (t *Task) OutputDir() string { return t.outputDir }

// Peek returns a reader over size bytes of the named remote file
// starting at offset; what is "stdout", "stderr", or a relative
// path. size <= 0 means "to the end".
func (t *Task) Peek(ctx context.Context, what string, offset, size int64) (io.ReadCloser, error) {
	if !t.attached {
		return nil, ErrDetachedFromController
	}
	return t.controller.PeekApp(ctx, t.app, what, offset, size)
}

// Free releases the remote resources held by the task, i.e. deletes
// its remote spool directory. Only legal once the task is TERMINATED
// and its output has been collected.
func (t *Task) Free(ctx context.Context) error {
	if !t.attached {
		return ErrDetachedFromController
	}
	if t.execution.State() != StateTerminated {
		return fmt.Errorf("cannot free task %q in state %s: %w",
			t.Jobname, t.execution.State(), &UnexpectedStateError{From: t.execution.State(), To: StateTerminated})
	}
	return t.controller.FreeApp(ctx, t.app)
}

// Progress advances the task one lifecycle step: submit if NEW,
// fetch output if TERMINATING, otherwise poll. STOPPED and UNKNOWN
// need operator intervention, so Progress refuses to act on them.
func (t *Task) Progress(ctx context.Context) error {
	switch t.execution.State() {
	case StateNew:
		return t.Submit(ctx, false)
	case StateTerminating:
		_, err := t.FetchOutput(ctx, "", false, true)
		return err
	case StateTerminated:
		return nil
	case StateStopped, StateUnknown:
		return fmt.Errorf("task %q stuck in state %s, needs manual intervention",
			t.Jobname, t.execution.State())
	default:
		return t.UpdateState(ctx)
	}
}

// Redo resets a finished (or never-started) task back to NEW so it
// can be submitted again.
func (t *Task) Redo(ctx context.Context) error {
	return t.execution.Reset()
}

// Wait polls the task every interval until it reaches TERMINATED,
// then returns its returncode. The context cancels the wait.
func (t *Task) Wait(ctx context.Context, interval time.Duration) (int, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if t.execution.State() == StateTerminated {
			return t.execution.Returncode(), nil
		}
		if err := t.UpdateState(ctx); err != nil {
			return -1, err
		}
		if t.execution.State() == StateTerminated {
			return t.execution.Returncode(), nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}
