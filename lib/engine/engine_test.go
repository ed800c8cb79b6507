// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gridrun/gridrun/sdk/go/gridrun"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&EngineSuite{})

type EngineSuite struct{}

// stubCtrl scripts controller behavior so engine scheduling can be
// tested without resources.
type stubCtrl struct {
	submitErr  error
	updateFunc func(app *gridrun.Application)
	fetched    []string
}

func (s *stubCtrl) SubmitApp(ctx context.Context, app *gridrun.Application, resubmit bool, targets []string) error {
	if s.submitErr != nil {
		return s.submitErr
	}
	return app.Execution().SetState(gridrun.StateSubmitted)
}

func (s *stubCtrl) UpdateAppState(ctx context.Context, app *gridrun.Application) error {
	if s.updateFunc != nil {
		s.updateFunc(app)
	}
	return nil
}

func (s *stubCtrl) KillApp(ctx context.Context, app *gridrun.Application) error {
	run := app.Execution()
	run.SetTermStatus(gridrun.SignalCancelled, -1)
	run.ForceState(gridrun.StateTerminated)
	return nil
}

func (s *stubCtrl) FetchAppOutput(ctx context.Context, app *gridrun.Application, downloadDir string, overwrite, changedOnly bool) (string, error) {
	s.fetched = append(s.fetched, app.Jobname)
	return app.Jobname + ".d", nil
}

func (s *stubCtrl) PeekApp(ctx context.Context, app *gridrun.Application, what string, offset, size int64) (io.ReadCloser, error) {
	return nil, gridrun.ErrOutputNotAvailable
}

func (s *stubCtrl) FreeApp(ctx context.Context, app *gridrun.Application) error {
	return nil
}

func (s *EngineSuite) TestAddTaskAttachesToController(c *check.C) {
	ctrl := &stubCtrl{}
	eng := NewEngine(ctrl, nil, nil)
	app := gridrun.NewApplication("myjob", "true")
	eng.AddTask(app)
	c.Check(app.Attached(), check.Equals, true)
	c.Check(eng.Stats(), check.DeepEquals, Stats{gridrun.StateNew: 1})

	eng.RemoveTask(app)
	c.Check(app.Attached(), check.Equals, false)
	c.Check(eng.Stats().Total(), check.Equals, 0)
}

func (s *EngineSuite) TestProgressSubmitsWithinLimits(c *check.C) {
	ctrl := &stubCtrl{}
	eng := NewEngine(ctrl, nil, nil)
	eng.MaxSubmitted = 2
	for _, name := range []string{"one", "two", "three"} {
		eng.AddTask(gridrun.NewApplication(name, "true"))
	}

	c.Assert(eng.Progress(context.Background()), check.IsNil)
	c.Check(eng.Stats(), check.DeepEquals, Stats{
		gridrun.StateNew:       1,
		gridrun.StateSubmitted: 2,
	})

	// once the submitted jobs start running, the third one fits
	ctrl.updateFunc = func(app *gridrun.Application) {
		if app.Execution().State() == gridrun.StateSubmitted {
			app.Execution().MustSetState(gridrun.StateRunning)
		}
	}
	c.Assert(eng.Progress(context.Background()), check.IsNil)
	c.Check(eng.Stats(), check.DeepEquals, Stats{
		gridrun.StateRunning:   2,
		gridrun.StateSubmitted: 1,
	})
}

func (s *EngineSuite) TestProgressMaxInFlightCountsRunning(c *check.C) {
	ctrl := &stubCtrl{updateFunc: func(app *gridrun.Application) {
		if app.Execution().State() == gridrun.StateSubmitted {
			app.Execution().MustSetState(gridrun.StateRunning)
		}
	}}
	eng := NewEngine(ctrl, nil, nil)
	eng.MaxInFlight = 1
	eng.AddTask(gridrun.NewApplication("one", "true"))
	eng.AddTask(gridrun.NewApplication("two", "true"))

	c.Assert(eng.Progress(context.Background()), check.IsNil)
	c.Assert(eng.Progress(context.Background()), check.IsNil)
	// the first task is RUNNING now and still occupies the only
	// in-flight slot
	c.Check(eng.Stats(), check.DeepEquals, Stats{
		gridrun.StateNew:     1,
		gridrun.StateRunning: 1,
	})
}

func (s *EngineSuite) TestProgressCollectsTerminatingTasks(c *check.C) {
	ctrl := &stubCtrl{updateFunc: func(app *gridrun.Application) {
		run := app.Execution()
		run.SetTermStatus(0, 0)
		run.MustSetState(gridrun.StateTerminating)
	}}
	reg := prometheus.NewRegistry()
	eng := NewEngine(ctrl, nil, reg)
	app := gridrun.NewApplication("myjob", "true")
	eng.AddTask(app)

	c.Assert(eng.Progress(context.Background()), check.IsNil) // submits
	c.Assert(eng.Progress(context.Background()), check.IsNil) // polls, then fetches
	c.Check(ctrl.fetched, check.DeepEquals, []string{"myjob"})
	c.Check(app.Execution().State(), check.Equals, gridrun.StateTerminated)
	c.Check(app.Task.OutputDir(), check.Equals, "myjob.d")
	c.Check(testutil.ToFloat64(eng.mTasks.WithLabelValues("TERMINATED")), check.Equals, 1.0)
	c.Check(testutil.ToFloat64(eng.mFinished), check.Equals, 1.0)
}

func (s *EngineSuite) TestProgressReportsFailedOperations(c *check.C) {
	ctrl := &stubCtrl{submitErr: errors.New("cluster on fire")}
	eng := NewEngine(ctrl, nil, nil)
	app := gridrun.NewApplication("myjob", "true")
	eng.AddTask(app)

	err := eng.Progress(context.Background())
	c.Check(err, check.ErrorMatches, "1 task operations failed during progress cycle")
	// the task stays NEW and is retried on the next cycle
	c.Check(app.Execution().State(), check.Equals, gridrun.StateNew)
	ctrl.submitErr = nil
	c.Assert(eng.Progress(context.Background()), check.IsNil)
	c.Check(app.Execution().State(), check.Equals, gridrun.StateSubmitted)
}

func (s *EngineSuite) TestWait(c *check.C) {
	ctrl := &stubCtrl{updateFunc: func(app *gridrun.Application) {
		run := app.Execution()
		run.SetTermStatus(0, 0)
		run.MustSetState(gridrun.StateTerminating)
	}}
	eng := NewEngine(ctrl, nil, nil)
	eng.AddTask(gridrun.NewApplication("one", "true"))
	eng.AddTask(gridrun.NewApplication("two", "true"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.Assert(eng.Wait(ctx, time.Millisecond), check.IsNil)
	c.Check(eng.Stats(), check.DeepEquals, Stats{gridrun.StateTerminated: 2})
}

func (s *EngineSuite) TestWaitHonorsContext(c *check.C) {
	ctrl := &stubCtrl{} // tasks never leave SUBMITTED
	eng := NewEngine(ctrl, nil, nil)
	eng.AddTask(gridrun.NewApplication("stuck", "true"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := eng.Wait(ctx, time.Millisecond)
	c.Check(errors.Is(err, context.DeadlineExceeded), check.Equals, true)
}
