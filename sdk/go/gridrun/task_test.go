// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gridrun

import (
	"context"
	"io"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&TaskSuite{})

type TaskSuite struct{}

// stubController records calls and drives the run through a scripted
// lifecycle.
type stubController struct {
	calls      []string
	submitErr  error
	nextStates []State
}

func (sc *stubController) SubmitApp(ctx context.Context, app *Application, resubmit bool, targets []string) error {
	sc.calls = append(sc.calls, "submit")
	if sc.submitErr != nil {
		return sc.submitErr
	}
	return app.Execution().SetState(StateSubmitted)
}

func (sc *stubController) UpdateAppState(ctx context.Context, app *Application) error {
	sc.calls = append(sc.calls, "update")
	if len(sc.nextStates) > 0 {
		next := sc.nextStates[0]
		sc.nextStates = sc.nextStates[1:]
		return app.Execution().SetState(next)
	}
	return nil
}

func (sc *stubController) KillApp(ctx context.Context, app *Application) error {
	sc.calls = append(sc.calls, "kill")
	app.Execution().ForceState(StateTerminated)
	app.Execution().SetTermStatus(SignalCancelled, 0)
	return nil
}

func (sc *stubController) FetchAppOutput(ctx context.Context, app *Application, dir string, overwrite, changedOnly bool) (string, error) {
	sc.calls = append(sc.calls, "fetch")
	if dir == "" {
		dir = "/tmp/output"
	}
	return dir, nil
}

func (sc *stubController) PeekApp(ctx context.Context, app *Application, what string, offset, size int64) (io.ReadCloser, error) {
	sc.calls = append(sc.calls, "peek")
	return nil, ErrOutputNotAvailable
}

func (sc *stubController) FreeApp(ctx context.Context, app *Application) error {
	sc.calls = append(sc.calls, "free")
	return nil
}

func (s *TaskSuite) TestDetachedOperationsFail(c *check.C) {
	ctx := context.Background()
	app := NewApplication("t", "/bin/true")
	c.Check(app.Submit(ctx, false), check.Equals, ErrDetachedFromController)
	c.Check(app.UpdateState(ctx), check.Equals, ErrDetachedFromController)
	c.Check(app.Kill(ctx), check.Equals, ErrDetachedFromController)
	_, err := app.FetchOutput(ctx, "", false, true)
	c.Check(err, check.Equals, ErrDetachedFromController)
	_, err = app.Peek(ctx, "stdout", 0, 0)
	c.Check(err, check.Equals, ErrDetachedFromController)
	c.Check(app.Free(ctx), check.Equals, ErrDetachedFromController)
}

func (s *TaskSuite) TestAttachIdempotent(c *check.C) {
	app := NewApplication("t", "/bin/true")
	c1 := &stubController{}
	c2 := &stubController{}
	app.Attach(c1)
	c.Check(app.Attached(), check.Equals, true)
	app.Attach(c1) // no-op
	c.Check(app.Attached(), check.Equals, true)
	app.Attach(c2) // detaches from c1 first
	c.Check(app.Attached(), check.Equals, true)
	c.Check(app.Submit(context.Background(), false), check.IsNil)
	c.Check(c1.calls, check.HasLen, 0)
	c.Check(c2.calls, check.DeepEquals, []string{"submit"})
	app.Detach()
	c.Check(app.Attached(), check.Equals, false)
}

func (s *TaskSuite) TestProgressDrivesLifecycle(c *check.C) {
	ctx := context.Background()
	sc := &stubController{nextStates: []State{StateRunning, StateTerminating}}
	app := NewApplication("t", "/bin/true")
	app.Attach(sc)

	c.Check(app.Progress(ctx), check.IsNil) // NEW -> submit
	c.Check(app.Execution().State(), check.Equals, StateSubmitted)
	c.Check(app.Progress(ctx), check.IsNil) // poll -> RUNNING
	c.Check(app.Execution().State(), check.Equals, StateRunning)
	c.Check(app.Progress(ctx), check.IsNil) // poll -> TERMINATING
	c.Check(app.Execution().State(), check.Equals, StateTerminating)
	c.Check(app.Progress(ctx), check.IsNil) // fetch output, finalize
	c.Check(app.Execution().State(), check.Equals, StateTerminated)
	c.Check(app.Task.OutputDir(), check.Equals, "/tmp/output")
	c.Check(sc.calls, check.DeepEquals, []string{"submit", "update", "update", "fetch"})

	// TERMINATED: progress is a no-op, fetch returns cached dir
	c.Check(app.Progress(ctx), check.IsNil)
	dir, err := app.FetchOutput(ctx, "", false, true)
	c.Check(err, check.IsNil)
	c.Check(dir, check.Equals, "/tmp/output")
	c.Check(sc.calls, check.HasLen, 4)
}

func (s *TaskSuite) TestProgressRefusesStuckStates(c *check.C) {
	ctx := context.Background()
	sc := &stubController{nextStates: []State{StateStopped}}
	app := NewApplication("t", "/bin/true")
	app.Attach(sc)
	c.Assert(app.Progress(ctx), check.IsNil)
	c.Assert(app.Progress(ctx), check.IsNil)
	c.Check(app.Execution().State(), check.Equals, StateStopped)
	c.Check(app.Progress(ctx), check.NotNil)
}

func (s *TaskSuite) TestFreeRequiresTerminated(c *check.C) {
	ctx := context.Background()
	sc := &stubController{}
	app := NewApplication("t", "/bin/true")
	app.Attach(sc)
	c.Check(app.Free(ctx), check.NotNil)
	app.Execution().ForceState(StateTerminated)
	c.Check(app.Free(ctx), check.IsNil)
	c.Check(sc.calls, check.DeepEquals, []string{"free"})
}

func (s *TaskSuite) TestKillSetsCancelled(c *check.C) {
	ctx := context.Background()
	sc := &stubController{}
	app := NewApplication("t", "/bin/true")
	app.Attach(sc)
	c.Assert(app.Submit(ctx, false), check.IsNil)
	c.Assert(app.Kill(ctx), check.IsNil)
	c.Check(app.Execution().State(), check.Equals, StateTerminated)
	c.Check(app.Execution().Signal(), check.Equals, SignalCancelled)
	c.Check(app.Execution().InState("failed"), check.Equals, true)
}

func (s *TaskSuite) TestChangedFlag(c *check.C) {
	app := NewApplication("t", "/bin/true")
	c.Check(app.Changed(), check.Equals, false)
	c.Assert(app.Execution().SetState(StateSubmitted), check.IsNil)
	c.Check(app.Changed(), check.Equals, true)
	app.ClearChanged()
	c.Check(app.Changed(), check.Equals, false)
}

func (s *TaskSuite) TestTerminatedHookRuns(c *check.C) {
	ran := false
	app := NewApplication("t", "/bin/true")
	app.TerminatedFunc = func(a *Application) {
		ran = true
		a.Execution().SetReturncode(TermStatus(0, 42))
	}
	r := app.Execution()
	r.MustSetState(StateSubmitted)
	r.MustSetState(StateRunning)
	r.MustSetState(StateTerminating)
	r.MustSetState(StateTerminated)
	c.Check(ran, check.Equals, true)
	c.Check(r.Exitcode(), check.Equals, 42)
}
