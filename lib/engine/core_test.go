// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gridrun/gridrun/lib/batch"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CoreSuite{})

type CoreSuite struct{}

// stubLRMS scripts the per-resource driver so brokering decisions can
// be observed without a scheduler.
type stubLRMS struct {
	name      string
	submitErr error
	updateErr error
	nextState gridrun.State
	statusErr error

	submits   int
	statCalls int
	cancelled bool
	freed     bool
}

func (l *stubLRMS) SubmitJob(ctx context.Context, app *gridrun.Application) error {
	l.submits++
	if l.submitErr != nil {
		return l.submitErr
	}
	run := app.Execution()
	run.LRMSJobID = "1"
	return run.SetState(gridrun.StateSubmitted)
}

func (l *stubLRMS) UpdateJobState(ctx context.Context, app *gridrun.Application) (gridrun.State, error) {
	if l.updateErr != nil {
		return gridrun.StateUnknown, l.updateErr
	}
	if l.nextState != "" {
		app.Execution().ForceState(l.nextState)
	}
	return app.Execution().State(), nil
}

func (l *stubLRMS) CancelJob(ctx context.Context, app *gridrun.Application) error {
	l.cancelled = true
	run := app.Execution()
	run.SetTermStatus(gridrun.SignalCancelled, -1)
	run.ForceState(gridrun.StateTerminated)
	return nil
}

func (l *stubLRMS) GetResults(ctx context.Context, app *gridrun.Application, downloadDir string, overwrite, changedOnly bool) (string, error) {
	if downloadDir == "" {
		downloadDir = app.Jobname + ".d"
	}
	return downloadDir, nil
}

func (l *stubLRMS) Free(ctx context.Context, app *gridrun.Application) error {
	l.freed = true
	return nil
}

func (l *stubLRMS) Peek(ctx context.Context, app *gridrun.Application, what string, offset, size int64) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func (l *stubLRMS) GetResourceStatus(ctx context.Context) error {
	l.statCalls++
	return l.statusErr
}

func (l *stubLRMS) Close() error { return nil }

func newTestCore(c *check.C, resources ...*batch.Resource) (*Core, map[string]*stubLRMS) {
	core := New(nil)
	stubs := map[string]*stubLRMS{}
	for _, r := range resources {
		stub := &stubLRMS{name: r.Name}
		stubs[r.Name] = stub
		c.Assert(core.AddResource(r, stub), check.IsNil)
	}
	return core, stubs
}

func enabledResource(name string) *batch.Resource {
	return &batch.Resource{Name: name, Enabled: true}
}

func (s *CoreSuite) TestAddResourceRejectsDuplicates(c *check.C) {
	core, _ := newTestCore(c, enabledResource("cluster"))
	err := core.AddResource(enabledResource("cluster"), &stubLRMS{})
	c.Check(err, check.ErrorMatches, `duplicate entry: resource "cluster" already registered`)
	c.Check(core.ResourceNames(), check.DeepEquals, []string{"cluster"})
}

func (s *CoreSuite) TestCompatibleResources(c *check.C) {
	disabled := &batch.Resource{Name: "disabled"}
	wrongArch := &batch.Resource{Name: "wrongarch", Enabled: true,
		Architectures: []string{gridrun.ArchX8632}}
	tooSmall := &batch.Resource{Name: "toosmall", Enabled: true, MaxCoresPerJob: 2}
	lowMem := &batch.Resource{Name: "lowmem", Enabled: true,
		MaxMemoryPerCore: 512 << 20}
	shortQueue := &batch.Resource{Name: "shortqueue", Enabled: true,
		MaxWalltime: gridrun.Duration(time.Hour)}
	ok := &batch.Resource{Name: "ok", Enabled: true,
		Architectures:    []string{gridrun.ArchX8664},
		MaxCoresPerJob:   16,
		MaxMemoryPerCore: 4 << 30,
		MaxWalltime:      gridrun.Duration(24 * time.Hour)}
	core, _ := newTestCore(c, disabled, wrongArch, tooSmall, lowMem, shortQueue, ok)

	app := gridrun.NewApplication("myjob", "true")
	app.RequestedArchitecture = gridrun.ArchX8664
	app.RequestedCores = 4
	app.RequestedMemory = 8 << 30 // over 512M/core x 4, under 4G/core x 4
	app.RequestedWalltime = gridrun.Duration(8 * time.Hour)
	c.Assert(app.Validate(), check.IsNil)

	compatible := core.compatibleBackends(app)
	c.Assert(compatible, check.HasLen, 1)
	c.Check(compatible[0].Name, check.Equals, "ok")

	// a resource with no declared limits accepts anything
	anything := enabledResource("anything")
	c.Assert(core.AddResource(anything, &stubLRMS{}), check.IsNil)
	compatible = core.compatibleBackends(app)
	c.Assert(compatible, check.HasLen, 2)
	c.Check(compatible[1].Name, check.Equals, "anything")
}

func (s *CoreSuite) TestRankResources(c *check.C) {
	a := &backend{Resource: &batch.Resource{Name: "a",
		Counters: batch.Counters{UserQueued: 0, FreeSlots: 5, Queued: 2, UserRun: 1}}}
	b := &backend{Resource: &batch.Resource{Name: "b",
		Counters: batch.Counters{UserQueued: 0, FreeSlots: 10, Queued: 1, UserRun: 0}}}

	run := gridrun.NewRun(nil)
	list := []*backend{a, b}
	rankBackends(list, run)
	c.Check(list[0].Name, check.Equals, "b")

	// a previously attempted resource drops to the end no matter how
	// good its numbers look
	run.AddExecutionTarget("b")
	rankBackends(list, run)
	c.Check(list[0].Name, check.Equals, "a")
	c.Check(list[1].Name, check.Equals, "b")
}

func (s *CoreSuite) TestSubmitTriesNextResourceOnFailure(c *check.C) {
	core, stubs := newTestCore(c, enabledResource("flaky"), enabledResource("good"))
	stubs["flaky"].submitErr = &gridrun.AuthError{Resource: "flaky", Err: errors.New("bad key")}

	app := gridrun.NewApplication("myjob", "true")
	err := core.SubmitApp(context.Background(), app, false, nil)
	c.Assert(err, check.IsNil)
	c.Check(app.Execution().State(), check.Equals, gridrun.StateSubmitted)
	c.Check(app.Execution().GetExtra(ExtraResourceName), check.Equals, "good")
	c.Check(app.Execution().ExecutionTargets, check.DeepEquals, []string{"flaky", "good"})
	c.Check(stubs["flaky"].submits, check.Equals, 1)
	c.Check(stubs["good"].submits, check.Equals, 1)
	// counters were refreshed before ranking
	c.Check(stubs["flaky"].statCalls, check.Equals, 1)
	c.Check(stubs["good"].statCalls, check.Equals, 1)
}

func (s *CoreSuite) TestSubmitFailsWhenAllResourcesFail(c *check.C) {
	core, stubs := newTestCore(c, enabledResource("one"), enabledResource("two"))
	stubs["one"].submitErr = errors.New("queue closed")
	stubs["two"].submitErr = errors.New("disk full")

	app := gridrun.NewApplication("myjob", "true")
	err := core.SubmitApp(context.Background(), app, false, nil)
	c.Check(err, check.ErrorMatches, `could not submit application "myjob" to any of 2 candidate resources: .*`)
	// the run stays NEW so a later cycle can retry
	c.Check(app.Execution().State(), check.Equals, gridrun.StateNew)
}

func (s *CoreSuite) TestSubmitWithNoCompatibleResource(c *check.C) {
	core, _ := newTestCore(c, &batch.Resource{Name: "tiny", Enabled: true, MaxCoresPerJob: 1})

	app := gridrun.NewApplication("myjob", "true")
	app.RequestedCores = 8
	err := core.SubmitApp(context.Background(), app, false, nil)
	c.Check(errors.Is(err, gridrun.ErrNoResources), check.Equals, true)
}

func (s *CoreSuite) TestSubmitRestrictedToNamedTargets(c *check.C) {
	core, stubs := newTestCore(c, enabledResource("one"), enabledResource("two"))

	app := gridrun.NewApplication("myjob", "true")
	err := core.SubmitApp(context.Background(), app, false, []string{"two"})
	c.Assert(err, check.IsNil)
	c.Check(app.Execution().GetExtra(ExtraResourceName), check.Equals, "two")
	c.Check(stubs["one"].submits, check.Equals, 0)
}

func (s *CoreSuite) TestSubmitChecksInputsBeforeBrokering(c *check.C) {
	core, stubs := newTestCore(c, enabledResource("cluster"))

	app := gridrun.NewApplication("myjob", "./run.sh")
	app.Inputs = map[string]string{"/nonexistent/input.dat": "input.dat"}
	err := core.SubmitApp(context.Background(), app, false, nil)
	var stagingErr *gridrun.DataStagingError
	c.Check(errors.As(err, &stagingErr), check.Equals, true)
	c.Check(stubs["cluster"].submits, check.Equals, 0)
	c.Check(app.Execution().State(), check.Equals, gridrun.StateNew)
}

func (s *CoreSuite) TestSubmitAcceptsExistingInputs(c *check.C) {
	core, _ := newTestCore(c, enabledResource("cluster"))

	input := filepath.Join(c.MkDir(), "input.dat")
	c.Assert(os.WriteFile(input, []byte("data"), 0644), check.IsNil)
	app := gridrun.NewApplication("myjob", "./run.sh")
	app.Inputs = map[string]string{
		input:                          "input.dat",
		"https://example.org/more.dat": "more.dat", // remote sources are not checked here
	}
	c.Check(core.SubmitApp(context.Background(), app, false, nil), check.IsNil)
}

func (s *CoreSuite) TestResubmitResetsTerminatedRun(c *check.C) {
	core, stubs := newTestCore(c, enabledResource("cluster"))

	app := gridrun.NewApplication("myjob", "true")
	run := app.Execution()
	run.ForceState(gridrun.StateTerminated)

	err := core.SubmitApp(context.Background(), app, false, nil)
	c.Check(err, check.NotNil) // not NEW, resubmit not requested

	c.Assert(core.SubmitApp(context.Background(), app, true, nil), check.IsNil)
	c.Check(run.State(), check.Equals, gridrun.StateSubmitted)
	c.Check(stubs["cluster"].submits, check.Equals, 1)
}

func submittedApp(c *check.C, core *Core, resource string) *gridrun.Application {
	app := gridrun.NewApplication("myjob", "true")
	c.Assert(core.SubmitApp(context.Background(), app, false, []string{resource}), check.IsNil)
	return app
}

func (s *CoreSuite) TestUpdateAppState(c *check.C) {
	core, stubs := newTestCore(c, enabledResource("cluster"))
	app := submittedApp(c, core, "cluster")

	stubs["cluster"].nextState = gridrun.StateRunning
	c.Assert(core.UpdateAppState(context.Background(), app), check.IsNil)
	c.Check(app.Execution().State(), check.Equals, gridrun.StateRunning)
}

func (s *CoreSuite) TestUpdateAppStateLostJob(c *check.C) {
	core, stubs := newTestCore(c, enabledResource("cluster"))
	app := submittedApp(c, core, "cluster")
	stubs["cluster"].updateErr = &gridrun.UnknownJobError{JobID: "1", Err: errors.New("no accounting record")}

	c.Assert(core.UpdateAppState(context.Background(), app), check.IsNil)
	run := app.Execution()
	c.Check(run.State(), check.Equals, gridrun.StateTerminated)
	c.Check(run.Signal(), check.Equals, gridrun.SignalLost)
}

func (s *CoreSuite) TestUpdateAppStateBeforeSubmission(c *check.C) {
	core, _ := newTestCore(c, enabledResource("cluster"))
	app := gridrun.NewApplication("myjob", "true")
	err := core.UpdateAppState(context.Background(), app)
	c.Check(err, check.ErrorMatches, `invalid argument: application "myjob" has not been submitted yet`)
}

func (s *CoreSuite) TestKillApp(c *check.C) {
	core, stubs := newTestCore(c, enabledResource("cluster"))
	app := submittedApp(c, core, "cluster")

	c.Assert(core.KillApp(context.Background(), app), check.IsNil)
	c.Check(stubs["cluster"].cancelled, check.Equals, true)
	run := app.Execution()
	c.Check(run.State(), check.Equals, gridrun.StateTerminated)
	c.Check(run.Signal(), check.Equals, gridrun.SignalCancelled)
}

func (s *CoreSuite) TestFetchAndFree(c *check.C) {
	core, stubs := newTestCore(c, enabledResource("cluster"))
	app := submittedApp(c, core, "cluster")

	dir, err := core.FetchAppOutput(context.Background(), app, "", false, false)
	c.Assert(err, check.IsNil)
	c.Check(dir, check.Equals, "myjob.d")
	c.Assert(core.FreeApp(context.Background(), app), check.IsNil)
	c.Check(stubs["cluster"].freed, check.Equals, true)
}
