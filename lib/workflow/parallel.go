// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"

	"github.com/gridrun/gridrun/sdk/go/gridrun"
)

// Parallel runs all of its tasks concurrently; the collection
// terminates once every task reached a terminal state.
type Parallel struct {
	TaskCollection
}

// NewParallel returns a collection running the given tasks
// concurrently.
func NewParallel(jobname string, tasks ...gridrun.TaskInterface) *Parallel {
	p := &Parallel{}
	p.TaskCollection.init(p, jobname, tasks)
	return p
}

// Add appends a task to the collection.
func (p *Parallel) Add(task gridrun.TaskInterface) {
	p.tasks = append(p.tasks, task)
	if p.attached {
		task.Attach(p.controller)
	} else {
		task.Detach()
	}
	p.changed = true
}

// aggregateState deduces the collection state from the children's.
// Attention states win (a single STOPPED or UNKNOWN child colors the
// whole collection), then the normal live states. A mix of NEW and
// finished children means the computation is mid-flight, so RUNNING.
// TERMINATING wins over TERMINATED: some output still needs
// collecting.
func (p *Parallel) aggregateState() gridrun.State {
	stats := p.Stats()
	for _, state := range []gridrun.State{
		gridrun.StateStopped,
		gridrun.StateUnknown,
		gridrun.StateRunning,
		gridrun.StateSubmitted,
	} {
		if stats[state] > 0 {
			return state
		}
	}
	if stats[gridrun.StateNew] > 0 {
		return gridrun.StateRunning
	}
	if stats[gridrun.StateTerminating] > 0 {
		return gridrun.StateTerminating
	}
	return gridrun.StateTerminated
}

// Submit starts every task in the collection. Submission failures do
// not stop the loop; the first error is reported after all tasks got
// their chance, and failed tasks stay NEW for a later retry.
func (p *Parallel) Submit(ctx context.Context, resubmit bool) error {
	if !p.attached {
		return gridrun.ErrDetachedFromController
	}
	var firstErr error
	for _, t := range p.tasks {
		t.Attach(p.controller)
		if err := t.Submit(ctx, resubmit); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	setDerivedState(p.execution, p.aggregateState())
	p.changed = true
	return firstErr
}

// UpdateState polls every live task, then recomputes the aggregate
// collection state.
func (p *Parallel) UpdateState(ctx context.Context) error {
	if err := p.updateChildren(ctx); err != nil {
		return err
	}
	setDerivedState(p.execution, p.aggregateState())
	return nil
}

// Kill cancels every task and terminates the collection with the
// Cancelled pseudo-signal.
func (p *Parallel) Kill(ctx context.Context) error {
	for _, t := range p.tasks {
		switch t.Execution().State() {
		case gridrun.StateNew:
			cancelTasks([]gridrun.TaskInterface{t})
		case gridrun.StateTerminated:
		default:
			if err := t.Kill(ctx); err != nil {
				return err
			}
		}
	}
	p.execution.SetTermStatus(gridrun.SignalCancelled, -1)
	p.execution.ForceState(gridrun.StateTerminated)
	p.changed = true
	return nil
}

// Progress advances the collection one lifecycle step.
func (p *Parallel) Progress(ctx context.Context) error {
	switch p.execution.State() {
	case gridrun.StateNew:
		return p.Submit(ctx, false)
	case gridrun.StateTerminating:
		_, err := p.FetchOutput(ctx, "", false, true)
		return err
	case gridrun.StateTerminated, gridrun.StateStopped, gridrun.StateUnknown:
		return nil
	default:
		return p.UpdateState(ctx)
	}
}
