// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gridrun

import (
	"fmt"
	"time"
)

// State is the universal job lifecycle state shared by every task,
// regardless of which scheduler runs it.
type State string

const (
	StateNew         State = "NEW"
	StateSubmitted   State = "SUBMITTED"
	StateStopped     State = "STOPPED"
	StateRunning     State = "RUNNING"
	StateTerminating State = "TERMINATING"
	StateTerminated  State = "TERMINATED"
	StateUnknown     State = "UNKNOWN"
)

// Pseudo-signal values encode middleware-level failures that have no
// real UNIX signal equivalent. They occupy the upper end of the
// 7-bit signal range.
const (
	SignalLost               = 120 // job vanished from the scheduler
	SignalCancelled          = 121 // killed on user request
	SignalRemoteKill         = 122 // killed by the remote scheduler
	SignalDataStagingFailure = 123 // input/output staging failed
	SignalRemoteError        = 124 // remote middleware error
	SignalSubmissionFailed   = 125 // submit command failed
)

// legalTransitions lists, for each state, the states it may move to.
// UNKNOWN is reachable from anywhere (communication loss) and may
// return to any live state once connectivity is restored.
var legalTransitions = map[State][]State{
	StateNew:         {StateSubmitted, StateTerminating, StateTerminated},
	StateSubmitted:   {StateRunning, StateStopped, StateTerminating},
	StateRunning:     {StateStopped, StateTerminating},
	StateStopped:     {StateSubmitted, StateTerminating},
	StateTerminating: {StateTerminated},
	StateTerminated:  {},
	StateUnknown:     {StateNew, StateSubmitted, StateRunning, StateStopped, StateTerminating, StateTerminated},
}

// StateHooks is implemented by objects that want a callback when the
// run they own enters a new state. Hooks fire before the state value
// is committed.
type StateHooks interface {
	OnNew()
	OnSubmitted()
	OnRunning()
	OnStopped()
	OnTerminating()
	OnTerminated()
	OnUnknown()
}

// runOwner is the contract between a Run and the Task holding it:
// hook dispatch plus a dirty flag for the persistence layer.
type runOwner interface {
	StateHooks
	MarkChanged()
}

// HistoryEntry is one timestamped human-readable event in a run's
// append-only log.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Run is the mutable execution status record owned by exactly one
// Task. It is not safe for concurrent use: the design assumes a
// single logical driver per task.
type Run struct {
	state      State
	hasTermRC  bool
	returncode int

	// LRMSJobID is the scheduler-assigned job identifier, set at
	// submission time.
	LRMSJobID string `json:"lrms_jobid,omitempty"`

	// History is the append-only event log.
	History []HistoryEntry `json:"history,omitempty"`

	// Timestamps records when each state was first entered.
	Timestamps map[State]time.Time `json:"timestamps,omitempty"`

	// ExecutionTargets lists, in order, the resources already
	// attempted for this run. Used by the brokering layer to
	// de-prioritize resources that failed before.
	ExecutionTargets []string `json:"execution_targets,omitempty"`

	// Extra holds backend-specific accounting attributes
	// (ssh_remote_folder, used_cpu_time, queue names, ...).
	Extra map[string]string `json:"extra,omitempty"`

	owner runOwner
}

// NewRun returns a Run in state NEW, owned by the given object.
// A nil owner is allowed; hooks and change tracking are then skipped.
func NewRun(owner runOwner) *Run {
	r := &Run{state: StateNew, owner: owner}
	r.Timestamps = map[State]time.Time{StateNew: time.Now()}
	return r
}

// SetOwner rebinds the run to a new owning task. Used when restoring
// a persisted run.
func (r *Run) SetOwner(owner runOwner) { r.owner = owner }

// State returns the current lifecycle state.
func (r *Run) State() State {
	if r.state == "" {
		return StateNew
	}
	return r.state
}

// SetState moves the run to a new state. Setting the current state
// again is a no-op. An illegal transition returns an
// UnexpectedStateError and leaves the run untouched. On a legal
// change the run appends a history line, records the first-entry
// timestamp, marks the owner dirty, and fires the owner's state hook
// before committing the new value.
func (r *Run) SetState(to State) error {
	from := r.State()
	if to == from {
		return nil
	}
	if !transitionAllowed(from, to) {
		return &UnexpectedStateError{From: from, To: to}
	}
	r.log("state changed from %s to %s", from, to)
	if r.Timestamps == nil {
		r.Timestamps = map[State]time.Time{}
	}
	if _, seen := r.Timestamps[to]; !seen {
		r.Timestamps[to] = time.Now()
	}
	if r.owner != nil {
		r.owner.MarkChanged()
		fireHook(r.owner, to)
	}
	r.state = to
	return nil
}

// MustSetState is SetState for transitions the caller has already
// validated; it panics on an illegal edge, which indicates a bug in
// the calling backend.
func (r *Run) MustSetState(to State) {
	if err := r.SetState(to); err != nil {
		panic(err)
	}
}

// ForceState moves the run to a new state without legality
// checking. Reserved for cancellation paths, where the local record
// is forced to TERMINATED no matter what the scheduler last said.
// History, timestamps, and hooks behave as in SetState.
func (r *Run) ForceState(to State) {
	from := r.State()
	if to == from {
		return
	}
	r.log("state forced from %s to %s", from, to)
	if r.Timestamps == nil {
		r.Timestamps = map[State]time.Time{}
	}
	if _, seen := r.Timestamps[to]; !seen {
		r.Timestamps[to] = time.Now()
	}
	if r.owner != nil {
		r.owner.MarkChanged()
		fireHook(r.owner, to)
	}
	r.state = to
}

// Reset returns the run to NEW, clearing the termination status.
// Legal only from NEW, STOPPED, TERMINATING, TERMINATED or UNKNOWN.
func (r *Run) Reset() error {
	switch r.State() {
	case StateNew, StateStopped, StateTerminating, StateTerminated, StateUnknown:
	default:
		return &UnexpectedStateError{From: r.State(), To: StateNew}
	}
	r.log("state reset from %s to %s", r.State(), StateNew)
	r.hasTermRC = false
	r.returncode = 0
	if r.owner != nil {
		r.owner.MarkChanged()
		fireHook(r.owner, StateNew)
	}
	r.state = StateNew
	return nil
}

func transitionAllowed(from, to State) bool {
	if to == StateUnknown {
		return from != StateTerminated
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func fireHook(h StateHooks, state State) {
	switch state {
	case StateNew:
		h.OnNew()
	case StateSubmitted:
		h.OnSubmitted()
	case StateRunning:
		h.OnRunning()
	case StateStopped:
		h.OnStopped()
	case StateTerminating:
		h.OnTerminating()
	case StateTerminated:
		h.OnTerminated()
	case StateUnknown:
		h.OnUnknown()
	}
}

// InState reports whether the run is in any of the named states. The
// pseudo-names "ok" (terminated successfully) and "failed"
// (terminated with a nonzero returncode) are accepted alongside real
// state names.
func (r *Run) InState(names ...string) bool {
	for _, name := range names {
		switch name {
		case "ok":
			if r.State() == StateTerminated && r.Returncode() == 0 {
				return true
			}
		case "failed":
			if r.State() == StateTerminated && r.Returncode() != 0 {
				return true
			}
		default:
			if r.State() == State(name) {
				return true
			}
		}
	}
	return false
}

// Returncode returns the packed POSIX-style termination status:
// (exitcode << 8) | signal. -1 if no termination status was recorded
// yet.
func (r *Run) Returncode() int {
	if !r.hasTermRC {
		return -1
	}
	return r.returncode
}

// HasTermStatus reports whether a termination status was recorded.
func (r *Run) HasTermStatus() bool { return r.hasTermRC }

// Signal returns the low 7 bits of the returncode: the number of the
// signal that killed the process, or one of the pseudo-signals.
func (r *Run) Signal() int {
	if !r.hasTermRC {
		return -1
	}
	return r.returncode & 0x7f
}

// Exitcode returns the high byte of the returncode: the process exit
// code, or 0xff when the exit code is unknown (process killed by a
// signal).
func (r *Run) Exitcode() int {
	if !r.hasTermRC {
		return -1
	}
	return (r.returncode >> 8) & 0xff
}

// SetReturncode records an already-packed termination status.
func (r *Run) SetReturncode(rc int) {
	r.hasTermRC = true
	r.returncode = rc & 0xffff
	if r.owner != nil {
		r.owner.MarkChanged()
	}
}

// SetTermStatus records a termination status from an explicit
// (signal, exitcode) pair. A negative exitcode means "unknown" and
// packs as 0xff.
func (r *Run) SetTermStatus(signal, exitcode int) {
	r.SetReturncode(TermStatus(signal, exitcode))
}

// TermStatus packs a (signal, exitcode) pair into a POSIX-style
// wait status: (exitcode << 8) | signal.
func TermStatus(signal, exitcode int) int {
	return ((exitcode & 0xff) << 8) | (signal & 0x7f)
}

// ShellExitToTermStatus converts a shell wait-status byte, as
// reported by `$?`, into a (signal, exitcode) pair. Values above 128
// mean "killed by signal rc-128" with the exit code unknown (-1);
// everything else is a plain exit code.
func ShellExitToTermStatus(rc int) (signal, exitcode int) {
	rc &= 0xff
	if rc > 128 {
		return rc - 128, -1
	}
	return 0, rc
}

// Info appends a timestamped message to the history and returns it.
func (r *Run) Info(format string, args ...interface{}) string {
	return r.log(format, args...)
}

// LastInfo returns the most recent history message, or "".
func (r *Run) LastInfo() string {
	if len(r.History) == 0 {
		return ""
	}
	return r.History[len(r.History)-1].Message
}

func (r *Run) log(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	r.History = append(r.History, HistoryEntry{Timestamp: time.Now(), Message: msg})
	return msg
}

// SetExtra records a backend-specific attribute on the run.
func (r *Run) SetExtra(key, value string) {
	if r.Extra == nil {
		r.Extra = map[string]string{}
	}
	r.Extra[key] = value
}

// GetExtra returns a backend-specific attribute, or "" if unset.
func (r *Run) GetExtra(key string) string { return r.Extra[key] }

// AddExecutionTarget appends a resource name to the list of
// attempted targets, skipping duplicates.
func (r *Run) AddExecutionTarget(name string) {
	for _, t := range r.ExecutionTargets {
		if t == name {
			return
		}
	}
	r.ExecutionTargets = append(r.ExecutionTargets, name)
}

// AttemptedTarget reports whether the named resource was already
// tried for this run.
func (r *Run) AttemptedTarget(name string) bool {
	for _, t := range r.ExecutionTargets {
		if t == name {
			return true
		}
	}
	return false
}
