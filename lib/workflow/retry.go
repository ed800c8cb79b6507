// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"io"

	"github.com/gridrun/gridrun/sdk/go/gridrun"
)

// RetryableTask wraps a task and re-submits it after a failed run,
// until it succeeds, the retry budget is exhausted, or the
// ShouldRetry hook declines.
type RetryableTask struct {
	// Jobname labels the wrapper.
	Jobname string

	// MaxRetries is how many times a failed run is re-submitted;
	// 0 retries indefinitely.
	MaxRetries int

	// ShouldRetry, when set, replaces the default retry test
	// (retry while the wrapped task fails and the budget lasts).
	ShouldRetry func(task gridrun.TaskInterface) bool

	// Retried counts the re-submissions performed so far.
	Retried int

	task       gridrun.TaskInterface
	execution  *gridrun.Run
	controller gridrun.Controller
	attached   bool
	changed    bool
}

// NewRetryableTask wraps task, re-submitting a failed run up to
// maxRetries times (0 for no limit).
func NewRetryableTask(jobname string, task gridrun.TaskInterface, maxRetries int) *RetryableTask {
	r := &RetryableTask{Jobname: jobname, MaxRetries: maxRetries, task: task}
	r.execution = gridrun.NewRun(r)
	return r
}

// Task returns the wrapped task.
func (r *RetryableTask) Task() gridrun.TaskInterface { return r.task }

// Execution returns the wrapper's own run record; the wrapped task
// keeps its own.
func (r *RetryableTask) Execution() *gridrun.Run { return r.execution }

// Attach binds the wrapper and the wrapped task to a controller.
func (r *RetryableTask) Attach(c gridrun.Controller) {
	r.task.Attach(c)
	r.controller = c
	r.attached = true
}

// Detach unbinds the wrapper and the wrapped task.
func (r *RetryableTask) Detach() {
	r.task.Detach()
	r.controller = nil
	r.attached = false
}

// Changed reports whether the wrapper or the wrapped task was
// modified since the last ClearChanged.
func (r *RetryableTask) Changed() bool { return r.changed || r.task.Changed() }

// ClearChanged marks the wrapper and the wrapped task clean.
func (r *RetryableTask) ClearChanged() {
	r.changed = false
	r.task.ClearChanged()
}

// MarkChanged marks the wrapper dirty.
func (r *RetryableTask) MarkChanged() { r.changed = true }

func (r *RetryableTask) OnNew()         {}
func (r *RetryableTask) OnSubmitted()   {}
func (r *RetryableTask) OnRunning()     {}
func (r *RetryableTask) OnStopped()     {}
func (r *RetryableTask) OnTerminating() {}
func (r *RetryableTask) OnTerminated()  {}
func (r *RetryableTask) OnUnknown()     {}

// Submit starts the wrapped task.
func (r *RetryableTask) Submit(ctx context.Context, resubmit bool) error {
	if !r.attached {
		return gridrun.ErrDetachedFromController
	}
	if err := r.task.Submit(ctx, resubmit); err != nil {
		return err
	}
	if r.task.Execution().State() != gridrun.StateNew {
		setDerivedState(r.execution, r.recomputeState())
		r.changed = true
	}
	return nil
}

// recomputeState maps (wrapper state, wrapped task state) to the
// wrapper state to report. The wrapper hides the wrapped task's
// individual runs: while retries are ongoing it stays RUNNING,
// attention states (STOPPED, UNKNOWN) shine through.
func (r *RetryableTask) recomputeState() gridrun.State {
	own := r.execution.State()
	ts := r.task.Execution().State()
	switch {
	case own == ts:
		return own
	case own == gridrun.StateNew:
		switch ts {
		case gridrun.StateSubmitted, gridrun.StateRunning, gridrun.StateStopped, gridrun.StateUnknown:
			return ts
		default:
			return gridrun.StateRunning
		}
	case own == gridrun.StateSubmitted:
		switch ts {
		case gridrun.StateNew:
			return gridrun.StateSubmitted
		case gridrun.StateRunning, gridrun.StateTerminating, gridrun.StateTerminated:
			return gridrun.StateRunning
		default:
			return ts
		}
	case own == gridrun.StateRunning:
		switch ts {
		case gridrun.StateStopped, gridrun.StateUnknown:
			return ts
		default:
			return own
		}
	case own == gridrun.StateTerminating || own == gridrun.StateTerminated:
		return gridrun.StateTerminated
	default: // STOPPED or UNKNOWN
		switch ts {
		case gridrun.StateNew, gridrun.StateSubmitted, gridrun.StateRunning,
			gridrun.StateTerminating, gridrun.StateTerminated:
			return gridrun.StateRunning
		default:
			return own
		}
	}
}

func (r *RetryableTask) shouldRetry() bool {
	if r.ShouldRetry != nil {
		return r.ShouldRetry(r.task)
	}
	if r.task.Execution().Returncode() == 0 {
		return false
	}
	return r.MaxRetries == 0 || r.Retried < r.MaxRetries
}

// UpdateState polls the wrapped task; when it finishes, the wrapper
// either resubmits it (and keeps reporting RUNNING) or terminates
// with the wrapped task's returncode.
func (r *RetryableTask) UpdateState(ctx context.Context) error {
	oldOwn := r.execution.State()
	switch r.task.Execution().State() {
	case gridrun.StateNew, gridrun.StateTerminated:
	default:
		if err := r.task.UpdateState(ctx); err != nil {
			return err
		}
	}
	if r.task.Execution().State() == gridrun.StateTerminating {
		// finalize the run so the retry decision sees a result
		if _, err := r.task.FetchOutput(ctx, "", false, true); err != nil {
			return err
		}
	}
	newOwn := r.recomputeState()
	if r.task.Execution().State() == gridrun.StateTerminated && oldOwn != gridrun.StateTerminated {
		if run := r.task.Execution(); run.HasTermStatus() {
			r.execution.SetReturncode(run.Returncode())
		}
		if r.shouldRetry() {
			r.Retried++
			if err := r.task.Submit(ctx, true); err != nil {
				return err
			}
			newOwn = gridrun.StateRunning
		} else {
			newOwn = gridrun.StateTerminated
		}
		r.changed = true
	}
	if newOwn != oldOwn {
		setDerivedState(r.execution, newOwn)
		r.changed = true
	}
	return nil
}

// Kill cancels the wrapped task; no further retries happen.
func (r *RetryableTask) Kill(ctx context.Context) error {
	if err := r.task.Kill(ctx); err != nil {
		return err
	}
	if r.task.Execution().State() == gridrun.StateTerminated {
		r.execution.SetTermStatus(gridrun.SignalCancelled, -1)
		r.execution.ForceState(gridrun.StateTerminated)
		r.changed = true
	}
	return nil
}

// FetchOutput downloads the wrapped task's output.
func (r *RetryableTask) FetchOutput(ctx context.Context, downloadDir string, overwrite, changedOnly bool) (string, error) {
	return r.task.FetchOutput(ctx, downloadDir, overwrite, changedOnly)
}

// Peek reads from the wrapped task's remote files.
func (r *RetryableTask) Peek(ctx context.Context, what string, offset, size int64) (io.ReadCloser, error) {
	if peeker, ok := r.task.(interface {
		Peek(context.Context, string, int64, int64) (io.ReadCloser, error)
	}); ok {
		return peeker.Peek(ctx, what, offset, size)
	}
	return nil, gridrun.NewInvalidArgumentError("wrapped task does not support peeking")
}

// Free releases the wrapped task's remote resources.
func (r *RetryableTask) Free(ctx context.Context) error {
	return r.task.Free(ctx)
}

// Progress advances the wrapper one lifecycle step.
func (r *RetryableTask) Progress(ctx context.Context) error {
	switch r.execution.State() {
	case gridrun.StateNew:
		return r.Submit(ctx, false)
	case gridrun.StateTerminated, gridrun.StateStopped, gridrun.StateUnknown:
		return nil
	default:
		return r.UpdateState(ctx)
	}
}

// Redo resets the wrapper, the retry counter, and the wrapped task
// back to NEW.
func (r *RetryableTask) Redo(ctx context.Context) error {
	if err := r.task.Redo(ctx); err != nil {
		return err
	}
	r.Retried = 0
	return r.execution.Reset()
}
