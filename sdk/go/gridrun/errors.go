// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gridrun

import (
	"errors"
	"fmt"
)

// ErrDetachedFromController is returned by Task lifecycle methods
// invoked while the task is not attached to a controller.
var ErrDetachedFromController = errors.New("task is not attached to a controller")

// ErrOutputNotAvailable is returned by FetchOutput/Peek when the task
// has not produced any output yet.
var ErrOutputNotAvailable = errors.New("output not available yet")

// ErrNoResources is returned by the brokering layer when no
// configured resource can run a given application.
var ErrNoResources = errors.New("no compatible resources")

// ErrSchedulerUnreachable distinguishes "the scheduler stopped
// answering" from "the job is genuinely lost". It is wrapped into the
// error raised when the accounting grace period expires, so callers
// can tell a cluster outage apart from a forgotten job.
var ErrSchedulerUnreachable = errors.New("scheduler unreachable")

// recoverable is implemented by errors that denote a transient
// condition: the failed operation may succeed if retried later or
// elsewhere.
type recoverable interface {
	IsRecoverable() bool
}

// Recoverable reports whether any error in err's chain declares
// itself transient.
func Recoverable(err error) bool {
	for ; err != nil; err = errors.Unwrap(err) {
		if r, ok := err.(recoverable); ok {
			return r.IsRecoverable()
		}
	}
	return false
}

// ConfigurationError is a fatal error: the resource or application
// configuration is wrong and retrying cannot help.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string       { return "configuration error: " + e.Message }
func (e *ConfigurationError) IsRecoverable() bool { return false }

// NewConfigurationError formats a fatal configuration error.
func NewConfigurationError(format string, args ...interface{}) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// InvalidArgumentError reports an argument that violates an
// invariant of the called operation (e.g. an absolute remote path in
// an application's input map).
type InvalidArgumentError struct {
	Message string
}

func (e *InvalidArgumentError) Error() string { return "invalid argument: " + e.Message }

// NewInvalidArgumentError formats an InvalidArgumentError.
func NewInvalidArgumentError(format string, args ...interface{}) error {
	return &InvalidArgumentError{Message: fmt.Sprintf(format, args...)}
}

// DuplicateEntryError reports two entries of an application's input
// or output map colliding on the same path.
type DuplicateEntryError struct {
	Message string
}

func (e *DuplicateEntryError) Error() string { return "duplicate entry: " + e.Message }

// NewDuplicateEntryError formats a DuplicateEntryError.
func NewDuplicateEntryError(format string, args ...interface{}) error {
	return &DuplicateEntryError{Message: fmt.Sprintf(format, args...)}
}

// UnexpectedStateError reports an illegal run-state transition or a
// lifecycle method called in a state where it is not allowed.
type UnexpectedStateError struct {
	From State
	To   State
}

func (e *UnexpectedStateError) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s", e.From, e.To)
}

// SubmitError reports a failed submission attempt on one resource.
// It is local to that resource: the brokering layer tries the next
// ranked resource.
type SubmitError struct {
	Resource string
	Err      error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submitting to %s: %s", e.Resource, e.Err)
}
func (e *SubmitError) Unwrap() error       { return e.Err }
func (e *SubmitError) IsRecoverable() bool { return true }

// AuthError reports a credential problem on one resource.
type AuthError struct {
	Resource string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed on %s: %s", e.Resource, e.Err)
}
func (e *AuthError) Unwrap() error       { return e.Err }
func (e *AuthError) IsRecoverable() bool { return true }

// TransportError reports a failure of the underlying local/SSH
// transport (connection, remote command execution, file copy).
type TransportError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("transport %s %s: %s", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Op, e.Err)
}
func (e *TransportError) Unwrap() error       { return e.Err }
func (e *TransportError) IsRecoverable() bool { return true }

// DataStagingError reports a failed input upload or output download.
// Missing input files are fatal at submission time; missing output
// files are tolerated by the fetch path and never reach the caller as
// an error.
type DataStagingError struct {
	Path string
	Err  error
}

func (e *DataStagingError) Error() string {
	return fmt.Sprintf("staging %s: %s", e.Path, e.Err)
}
func (e *DataStagingError) Unwrap() error { return e.Err }

// UnknownJobError reports that a scheduler no longer knows anything
// about a job we hold a record of.
type UnknownJobError struct {
	JobID string
	Err   error
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("unknown job %q: %s", e.JobID, e.Err)
}
func (e *UnknownJobError) Unwrap() error { return e.Err }

// InternalError reports scheduler output that did not match the
// expected text protocol. Parsing failures always raise: silently
// guessing a job state would misclassify outcomes.
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string { return "internal error: " + e.Message }

// NewInternalError formats an InternalError.
func NewInternalError(format string, args ...interface{}) error {
	return &InternalError{Message: fmt.Sprintf(format, args...)}
}
