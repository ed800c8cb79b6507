// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package engine contains the brokering controller (Core) and the
// polling facade (Engine) that drive applications through the batch
// backends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/gridrun/gridrun/lib/batch"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
	"github.com/sirupsen/logrus"
)

// ExtraResourceName is the Run.Extra attribute recording which
// resource a job was submitted to.
const ExtraResourceName = "resource_name"

// An LRMS is the per-resource driver the Core brokers across.
// *batch.BatchSystem is the production implementation.
type LRMS interface {
	SubmitJob(ctx context.Context, app *gridrun.Application) error
	UpdateJobState(ctx context.Context, app *gridrun.Application) (gridrun.State, error)
	CancelJob(ctx context.Context, app *gridrun.Application) error
	GetResults(ctx context.Context, app *gridrun.Application, downloadDir string, overwrite, changedOnly bool) (string, error)
	Free(ctx context.Context, app *gridrun.Application) error
	Peek(ctx context.Context, app *gridrun.Application, what string, offset, size int64) (io.ReadCloser, error)
	GetResourceStatus(ctx context.Context) error
	Close() error
}

type backend struct {
	*batch.Resource
	LRMS
}

// Core implements gridrun.Controller over a set of resources: it
// filters and ranks them per application, retries submission down the
// ranked list, and routes every later lifecycle call to the resource
// the job ended up on. Like the rest of the task machinery it assumes
// a single logical driver; it is not safe for concurrent use.
type Core struct {
	logger   logrus.FieldLogger
	backends []*backend
	byName   map[string]*backend
}

// New returns a Core with no resources attached.
func New(logger logrus.FieldLogger) *Core {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Core{logger: logger, byName: map[string]*backend{}}
}

// AddResource registers a resource and its driver.
func (c *Core) AddResource(r *batch.Resource, lrms LRMS) error {
	if _, dup := c.byName[r.Name]; dup {
		return gridrun.NewDuplicateEntryError("resource %q already registered", r.Name)
	}
	b := &backend{Resource: r, LRMS: lrms}
	c.backends = append(c.backends, b)
	c.byName[r.Name] = b
	return nil
}

// ResourceNames returns the registered resource names in registration
// order.
func (c *Core) ResourceNames() []string {
	names := make([]string, 0, len(c.backends))
	for _, b := range c.backends {
		names = append(names, b.Name)
	}
	return names
}

// Resource returns the named resource record, or nil.
func (c *Core) Resource(name string) *batch.Resource {
	if b, ok := c.byName[name]; ok {
		return b.Resource
	}
	return nil
}

// UpdateResourceStatuses refreshes the usage counters of every
// enabled resource. Failures are logged and the stale counters kept;
// a resource with outdated numbers is still a valid submission
// target.
func (c *Core) UpdateResourceStatuses(ctx context.Context) {
	for _, b := range c.backends {
		if !b.Enabled {
			continue
		}
		if err := b.GetResourceStatus(ctx); err != nil {
			c.logger.WithField("resource", b.Name).WithError(err).
				Warn("cannot update resource status")
		}
	}
}

// Close shuts down every backend's transport.
func (c *Core) Close() error {
	var firstErr error
	for _, b := range c.backends {
		if err := b.LRMS.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// compatibleBackends returns the enabled resources that can run the
// application: architecture matches, per-job core limit holds, the
// memory ceiling (max memory per core times requested cores) is
// large enough, and the walltime limit is long enough. Unset limits
// on either side never disqualify.
func (c *Core) compatibleBackends(app *gridrun.Application) []*backend {
	cores := app.RequestedCores
	if cores < 1 {
		cores = 1
	}
	var compatible []*backend
	for _, b := range c.backends {
		switch {
		case !b.Enabled:
		case !b.SupportsArchitecture(app.RequestedArchitecture):
		case b.MaxCoresPerJob > 0 && app.RequestedCores > b.MaxCoresPerJob:
		case b.MaxMemoryPerCore > 0 && app.RequestedMemory > 0 &&
			app.RequestedMemory > b.MaxMemoryPerCore*gridrun.ByteSize(cores):
		case b.MaxWalltime > 0 && app.RequestedWalltime > b.MaxWalltime:
		default:
			compatible = append(compatible, b)
		}
	}
	return compatible
}

// rankBackends orders candidates by desirability: fewest of this
// user's queued jobs first, then most free slots, then fewest jobs
// queued cluster-wide, then fewest of the user's running jobs.
// Resources already attempted for this run sort after all fresh
// ones, so one flaky resource does not monopolize retries.
func rankBackends(candidates []*backend, run *gridrun.Run) {
	sort.SliceStable(candidates, func(i, j int) bool {
		bi, bj := candidates[i], candidates[j]
		if ti, tj := run.AttemptedTarget(bi.Name), run.AttemptedTarget(bj.Name); ti != tj {
			return !ti
		}
		ci, cj := bi.Counters, bj.Counters
		if ci.UserQueued != cj.UserQueued {
			return ci.UserQueued < cj.UserQueued
		}
		if ci.FreeSlots != cj.FreeSlots {
			return ci.FreeSlots > cj.FreeSlots
		}
		if ci.Queued != cj.Queued {
			return ci.Queued < cj.Queued
		}
		return ci.UserRun < cj.UserRun
	})
}

// checkInputs verifies that every local input file exists before any
// resource is contacted. A missing input is fatal at submission time.
func checkInputs(app *gridrun.Application) error {
	for src := range app.Inputs {
		if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
			continue
		}
		if _, err := os.Stat(src); err != nil {
			return &gridrun.DataStagingError{Path: src, Err: err}
		}
	}
	return nil
}

// SubmitApp brokers the application onto one of the compatible
// resources. Candidates are tried in ranked order; a failure on one
// resource (submit command failed, authentication refused, transport
// down) is logged and the next candidate tried. Only when every
// candidate fails does submission fail as a whole, and the run stays
// NEW so a later cycle can retry.
func (c *Core) SubmitApp(ctx context.Context, app *gridrun.Application, resubmit bool, targets []string) error {
	run := app.Execution()
	if resubmit && run.State() != gridrun.StateNew {
		if err := run.Reset(); err != nil {
			return err
		}
	}
	if run.State() != gridrun.StateNew {
		return &gridrun.UnexpectedStateError{From: run.State(), To: gridrun.StateSubmitted}
	}
	if err := app.Validate(); err != nil {
		return err
	}
	if err := checkInputs(app); err != nil {
		return err
	}

	candidates := c.compatibleBackends(app)
	if len(targets) > 0 {
		candidates = filterByName(candidates, targets)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("no resource can run application %q: %w", app.Jobname, gridrun.ErrNoResources)
	}

	for _, b := range candidates {
		if err := b.GetResourceStatus(ctx); err != nil {
			c.logger.WithField("resource", b.Name).WithError(err).
				Warn("cannot update resource status, ranking on stale counters")
		}
	}
	rankBackends(candidates, run)

	var failures []string
	for _, b := range candidates {
		err := b.SubmitJob(ctx, app)
		run.AddExecutionTarget(b.Name)
		if err == nil {
			run.SetExtra(ExtraResourceName, b.Name)
			return nil
		}
		var authErr *gridrun.AuthError
		if errors.As(err, &authErr) {
			c.logger.WithField("resource", b.Name).WithError(err).
				Warn("authentication failed, trying next resource")
		} else {
			c.logger.WithFields(logrus.Fields{"resource": b.Name, "jobname": app.Jobname}).
				WithError(err).Error("submission failed, trying next resource")
		}
		failures = append(failures, fmt.Sprintf("%s: %v", b.Name, err))
	}
	return fmt.Errorf("could not submit application %q to any of %d candidate resources: %s",
		app.Jobname, len(candidates), strings.Join(failures, "; "))
}

func filterByName(candidates []*backend, names []string) []*backend {
	var kept []*backend
	for _, b := range candidates {
		for _, name := range names {
			if b.Name == name {
				kept = append(kept, b)
				break
			}
		}
	}
	return kept
}

func (c *Core) backendFor(run *gridrun.Run) (*backend, error) {
	name := run.GetExtra(ExtraResourceName)
	if name == "" {
		return nil, gridrun.NewInternalError("job %q has no resource recorded", run.LRMSJobID)
	}
	b, ok := c.byName[name]
	if !ok {
		return nil, gridrun.NewInternalError("job %q was submitted to unknown resource %q", run.LRMSJobID, name)
	}
	return b, nil
}

// UpdateAppState polls the scheduler the job was submitted to and
// advances the run state. A job the scheduler no longer knows
// anything about is closed out locally with the Lost pseudo-signal.
func (c *Core) UpdateAppState(ctx context.Context, app *gridrun.Application) error {
	run := app.Execution()
	switch run.State() {
	case gridrun.StateNew:
		return gridrun.NewInvalidArgumentError("application %q has not been submitted yet", app.Jobname)
	case gridrun.StateTerminated:
		return nil
	}
	b, err := c.backendFor(run)
	if err != nil {
		return err
	}
	_, err = b.UpdateJobState(ctx, app)
	var unknown *gridrun.UnknownJobError
	if errors.As(err, &unknown) {
		run.Info("job %s disappeared from %s: %v", run.LRMSJobID, b.Name, err)
		run.SetTermStatus(gridrun.SignalLost, -1)
		run.ForceState(gridrun.StateTerminated)
		return nil
	}
	return err
}

// KillApp cancels the remote job. The local state ends up TERMINATED
// with the Cancelled pseudo-signal whatever the scheduler last said.
func (c *Core) KillApp(ctx context.Context, app *gridrun.Application) error {
	b, err := c.backendFor(app.Execution())
	if err != nil {
		return err
	}
	return b.CancelJob(ctx, app)
}

// FetchAppOutput downloads the application's output files and returns
// the directory they landed in.
func (c *Core) FetchAppOutput(ctx context.Context, app *gridrun.Application, downloadDir string, overwrite, changedOnly bool) (string, error) {
	b, err := c.backendFor(app.Execution())
	if err != nil {
		return "", err
	}
	return b.GetResults(ctx, app, downloadDir, overwrite, changedOnly)
}

// PeekApp returns a reader over a portion of a remote job file.
func (c *Core) PeekApp(ctx context.Context, app *gridrun.Application, what string, offset, size int64) (io.ReadCloser, error) {
	b, err := c.backendFor(app.Execution())
	if err != nil {
		return nil, err
	}
	return b.Peek(ctx, app, what, offset, size)
}

// FreeApp deletes the job's remote scratch directory.
func (c *Core) FreeApp(ctx context.Context, app *gridrun.Application) error {
	b, err := c.backendFor(app.Execution())
	if err != nil {
		return err
	}
	return b.Free(ctx, app)
}
