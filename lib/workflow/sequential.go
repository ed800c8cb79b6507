// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"

	"github.com/gridrun/gridrun/sdk/go/gridrun"
)

// Next is the verdict of a sequence policy after a task finishes:
// either a collection state to move to, or a stage index to rewind
// the sequence to.
type Next struct {
	state  gridrun.State
	stage  int
	rewind bool
}

// NextState moves the collection to the given state; anything other
// than STOPPED, TERMINATING or TERMINATED also advances the sequence
// to the following task.
func NextState(state gridrun.State) Next { return Next{state: state} }

// Rewind re-runs the sequence starting from the given stage index.
func Rewind(stage int) Next { return Next{stage: stage, rewind: true} }

// Sequential runs its tasks one at a time, in order. After a task
// terminates, the Next policy decides what happens; the default runs
// the following task and terminates the collection after the last
// one.
type Sequential struct {
	TaskCollection

	// Next is called with the index of the just-finished task and
	// decides how the sequence continues. It may append tasks to
	// the collection (via Add) before answering. nil selects the
	// default in-order policy.
	Next func(done int) Next

	current int // index of the running task, -1 before the first submit
}

// NewSequential returns a sequence over the given tasks, in order.
func NewSequential(jobname string, tasks ...gridrun.TaskInterface) *Sequential {
	s := &Sequential{current: -1}
	s.TaskCollection.init(s, jobname, tasks)
	return s
}

// Add appends a task to the end of the sequence.
func (s *Sequential) Add(task gridrun.TaskInterface) {
	task.Detach()
	s.tasks = append(s.tasks, task)
	s.changed = true
}

// CurrentTask returns the task currently executing, or nil if the
// sequence is finished or not yet started.
func (s *Sequential) CurrentTask() gridrun.TaskInterface {
	if s.current < 0 || s.current >= len(s.tasks) {
		return nil
	}
	return s.tasks[s.current]
}

// Stage returns the index of the current task, or -1.
func (s *Sequential) Stage() int { return s.current }

// Attach binds the sequence to a controller. Only the current task
// needs the controller; later tasks are attached as they start.
func (s *Sequential) Attach(c gridrun.Controller) {
	if t := s.CurrentTask(); t != nil {
		t.Attach(c)
	}
	s.controller = c
	s.attached = true
}

// Submit starts the current task of the sequence (the first one, if
// the sequence never ran). An empty sequence terminates immediately.
func (s *Sequential) Submit(ctx context.Context, resubmit bool) error {
	if !s.attached {
		return gridrun.ErrDetachedFromController
	}
	if len(s.tasks) == 0 {
		setDerivedState(s.execution, gridrun.StateTerminated)
		return nil
	}
	if s.current < 0 {
		s.current = 0
	}
	task := s.tasks[s.current]
	task.Attach(s.controller)
	if err := task.Submit(ctx, resubmit); err != nil {
		return err
	}
	switch task.Execution().State() {
	case gridrun.StateNew:
		// submission did not stick, collection state unchanged
	case gridrun.StateSubmitted:
		setDerivedState(s.execution, gridrun.StateSubmitted)
	default:
		setDerivedState(s.execution, gridrun.StateRunning)
	}
	s.changed = true
	return nil
}

func (s *Sequential) next(done int) Next {
	if s.Next != nil {
		return s.Next(done)
	}
	if done == len(s.tasks)-1 {
		return NextState(gridrun.StateTerminated)
	}
	return NextState(gridrun.StateRunning)
}

// UpdateState polls the current task and advances the sequence when
// it terminates. A TERMINATING task has its output collected first,
// so the Next policy always sees a finished task. A STOPPED task
// stops the whole sequence.
func (s *Sequential) UpdateState(ctx context.Context) error {
	task := s.CurrentTask()
	if task == nil {
		// sequence is NEW or already finished
		return nil
	}
	switch task.Execution().State() {
	case gridrun.StateNew, gridrun.StateTerminated:
	default:
		if err := task.UpdateState(ctx); err != nil {
			return err
		}
	}
	if task.Execution().State() == gridrun.StateTerminating {
		// finalize the child so the sequence can move on
		if _, err := task.FetchOutput(ctx, "", false, true); err != nil {
			return err
		}
	}

	state := task.Execution().State()

	// The first task gets special treatment: while it is still on
	// its way into the queue the collection mirrors it, instead of
	// claiming the whole sequence is running.
	if s.current == 0 && (state == gridrun.StateNew || state == gridrun.StateSubmitted) {
		if s.execution.State() == gridrun.StateNew && state == gridrun.StateSubmitted {
			setDerivedState(s.execution, gridrun.StateSubmitted)
		}
		return nil
	}

	if state == gridrun.StateTerminated {
		verdict := s.next(s.current)
		stateSet := false
		if verdict.rewind {
			if verdict.stage < 0 || verdict.stage >= len(s.tasks) {
				return gridrun.NewInternalError(
					"sequence %q rewound to invalid stage %d of %d", s.Jobname, verdict.stage, len(s.tasks))
			}
			s.current = verdict.stage
		} else {
			setDerivedState(s.execution, verdict.state)
			stateSet = true
			switch verdict.state {
			case gridrun.StateStopped, gridrun.StateTerminating, gridrun.StateTerminated:
			default:
				s.current++
			}
		}
		switch s.execution.State() {
		case gridrun.StateStopped, gridrun.StateTerminating, gridrun.StateTerminated:
			return nil
		}
		if s.current >= len(s.tasks) {
			return gridrun.NewInternalError(
				"sequence %q advanced past its last task; the Next policy must terminate the sequence", s.Jobname)
		}
		nextTask := s.tasks[s.current]
		nextTask.Attach(s.controller)
		resubmit := nextTask.Execution().State() != gridrun.StateNew
		if err := nextTask.Submit(ctx, resubmit); err != nil {
			return err
		}
		if !stateSet {
			setDerivedState(s.execution, gridrun.StateRunning)
		}
		s.changed = true
		return nil
	}

	if state == gridrun.StateStopped {
		setDerivedState(s.execution, gridrun.StateStopped)
		return nil
	}

	setDerivedState(s.execution, gridrun.StateRunning)
	return nil
}

// Kill stops the sequence: the current task is cancelled remotely,
// the tasks after it are marked cancelled without ever starting, and
// the collection terminates with the Cancelled pseudo-signal.
func (s *Sequential) Kill(ctx context.Context) error {
	if t := s.CurrentTask(); t != nil {
		if err := t.Kill(ctx); err != nil {
			return err
		}
		cancelTasks(s.tasks[s.current+1:])
	}
	s.execution.SetTermStatus(gridrun.SignalCancelled, -1)
	s.execution.ForceState(gridrun.StateTerminated)
	s.changed = true
	return nil
}

// Progress advances the sequence one lifecycle step.
func (s *Sequential) Progress(ctx context.Context) error {
	switch s.execution.State() {
	case gridrun.StateNew:
		return s.Submit(ctx, false)
	case gridrun.StateTerminating:
		_, err := s.FetchOutput(ctx, "", false, true)
		return err
	case gridrun.StateTerminated, gridrun.StateStopped, gridrun.StateUnknown:
		return nil
	default:
		return s.UpdateState(ctx)
	}
}

// Redo rewinds the whole sequence back to its first task.
func (s *Sequential) Redo(ctx context.Context) error {
	return s.RedoFromStage(ctx, 0)
}

// RedoFromStage rewinds the sequence to the given stage and resets
// it to NEW; the tasks from that stage on are reset too, earlier
// ones keep their results. As a special case, fromStage equal to the
// number of tasks continues a terminated sequence: the Next policy
// is consulted again, which may have appended new tasks to run.
func (s *Sequential) RedoFromStage(ctx context.Context, fromStage int) error {
	n := len(s.tasks)
	if fromStage < 0 || fromStage > n {
		return gridrun.NewInvalidArgumentError(
			"cannot redo sequence %q from stage %d: only %d stages", s.Jobname, fromStage, n)
	}
	if n == 0 {
		return s.execution.Reset()
	}
	if fromStage == n {
		// continue, not redo
		if s.tasks[n-1].Execution().State() != gridrun.StateTerminated {
			return gridrun.NewInvalidArgumentError(
				"cannot continue sequence %q: its last task has not terminated", s.Jobname)
		}
		s.execution.ForceState(gridrun.StateRunning)
		s.current = n - 1
		return s.UpdateState(ctx)
	}
	s.current = fromStage
	for _, t := range s.tasks[fromStage:] {
		if err := t.Redo(ctx); err != nil {
			return err
		}
	}
	return s.execution.Reset()
}

// mirrorAndDecide is the shared body of the AbortOnError and
// StopOnError policies: the collection returncode mirrors the last
// finished task, a failure short-circuits the sequence into errState.
func (s *Sequential) mirrorAndDecide(done int, errState gridrun.State) Next {
	run := s.tasks[done].Execution()
	if run.HasTermStatus() {
		s.execution.SetReturncode(run.Returncode())
	}
	if done == len(s.tasks)-1 {
		return NextState(gridrun.StateTerminated)
	}
	if run.Returncode() != 0 {
		return NextState(errState)
	}
	return NextState(gridrun.StateRunning)
}

// AbortOnError is a Next policy that terminates the whole sequence
// as soon as one task fails. Assign it to Next.
func (s *Sequential) AbortOnError(done int) Next {
	return s.mirrorAndDecide(done, gridrun.StateTerminated)
}

// StopOnError is a Next policy that moves the sequence to STOPPED as
// soon as one task fails, leaving the operator to decide. Assign it
// to Next.
func (s *Sequential) StopOnError(done int) Next {
	return s.mirrorAndDecide(done, gridrun.StateStopped)
}
