// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/gridrun/gridrun/sdk/go/gridrun"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Engine drives a set of tasks through their lifecycle with repeated
// Progress calls: one logical driver polling many tasks, the
// concurrency model the task machinery assumes. Tasks added to the
// engine are attached to its controller; a workflow collection counts
// as one task, it cascades to its children itself.
type Engine struct {
	// MaxInFlight caps the number of tasks in SUBMITTED or RUNNING
	// at once; 0 means no limit.
	MaxInFlight int
	// MaxSubmitted caps the number of tasks in SUBMITTED at once;
	// 0 means no limit.
	MaxSubmitted int

	// FetchOverwrites and FetchChangedOnly are passed through to
	// FetchOutput when collecting results of TERMINATING tasks.
	FetchOverwrites  bool
	FetchChangedOnly bool

	ctrl   gridrun.Controller
	logger logrus.FieldLogger
	tasks  []gridrun.TaskInterface

	mTasks    *prometheus.GaugeVec
	mCycles   prometheus.Counter
	mSubmits  prometheus.Counter
	mFinished prometheus.Counter
	mErrors   *prometheus.CounterVec
}

// NewEngine returns an Engine submitting through the given
// controller. Metrics are registered on reg when it is non-nil.
func NewEngine(ctrl gridrun.Controller, logger logrus.FieldLogger, reg *prometheus.Registry) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Engine{
		ctrl:   ctrl,
		logger: logger,
		mTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gridrun",
			Name:      "tasks",
			Help:      "Number of tasks the engine is driving, by lifecycle state.",
		}, []string{"state"}),
		mCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gridrun",
			Name:      "progress_cycles_total",
			Help:      "Number of completed progress cycles.",
		}),
		mSubmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gridrun",
			Name:      "submissions_total",
			Help:      "Number of successful task submissions.",
		}),
		mFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gridrun",
			Name:      "tasks_finished_total",
			Help:      "Number of tasks that reached TERMINATED.",
		}),
		mErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridrun",
			Name:      "operation_errors_total",
			Help:      "Number of failed lifecycle operations, by operation.",
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(e.mTasks, e.mCycles, e.mSubmits, e.mFinished, e.mErrors)
	}
	return e
}

// AddTask attaches the task to the engine's controller and takes it
// under management, whatever state it is in. Useful both for fresh
// tasks and for tasks restored from a session store.
func (e *Engine) AddTask(t gridrun.TaskInterface) {
	t.Attach(e.ctrl)
	e.tasks = append(e.tasks, t)
}

// SetController rebinds the engine and every managed task to a new
// controller, e.g. after a configuration reload rebuilt the resource
// backends.
func (e *Engine) SetController(ctrl gridrun.Controller) {
	e.ctrl = ctrl
	for _, t := range e.tasks {
		t.Attach(ctrl)
	}
}

// RemoveTask detaches the task and stops driving it.
func (e *Engine) RemoveTask(t gridrun.TaskInterface) {
	for i, managed := range e.tasks {
		if managed == t {
			e.tasks = append(e.tasks[:i], e.tasks[i+1:]...)
			t.Detach()
			return
		}
	}
}

// Tasks returns the managed tasks in insertion order.
func (e *Engine) Tasks() []gridrun.TaskInterface {
	return append([]gridrun.TaskInterface(nil), e.tasks...)
}

// Stats counts managed tasks per lifecycle state.
type Stats map[gridrun.State]int

// Total returns the number of managed tasks.
func (s Stats) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}

// Stats returns the current per-state task counts.
func (e *Engine) Stats() Stats {
	stats := Stats{}
	for _, t := range e.tasks {
		stats[t.Execution().State()]++
	}
	return stats
}

// Progress runs one scheduling cycle: poll every task in flight,
// submit NEW tasks as far as the in-flight limits allow, and collect
// the output of TERMINATING tasks. Individual task failures are
// logged and counted but do not stop the cycle; the returned error
// only summarizes how many operations failed.
func (e *Engine) Progress(ctx context.Context) error {
	nerr := 0

	// Poll first so the submission phase sees fresh states and
	// freed-up in-flight slots.
	for _, t := range e.tasks {
		switch t.Execution().State() {
		case gridrun.StateSubmitted, gridrun.StateRunning, gridrun.StateUnknown:
			if err := t.UpdateState(ctx); err != nil {
				nerr++
				e.mErrors.WithLabelValues("update").Inc()
				e.logger.WithError(err).Error("cannot update task state")
			}
		}
	}

	stats := e.Stats()
	inFlight := stats[gridrun.StateSubmitted] + stats[gridrun.StateRunning]
	submitted := stats[gridrun.StateSubmitted]
	for _, t := range e.tasks {
		if t.Execution().State() != gridrun.StateNew {
			continue
		}
		if e.MaxInFlight > 0 && inFlight >= e.MaxInFlight {
			break
		}
		if e.MaxSubmitted > 0 && submitted >= e.MaxSubmitted {
			break
		}
		if err := t.Submit(ctx, false); err != nil {
			nerr++
			e.mErrors.WithLabelValues("submit").Inc()
			e.logger.WithError(err).Error("cannot submit task")
			continue
		}
		e.mSubmits.Inc()
		inFlight++
		submitted++
	}

	for _, t := range e.tasks {
		if t.Execution().State() != gridrun.StateTerminating {
			continue
		}
		if _, err := t.FetchOutput(ctx, "", e.FetchOverwrites, e.FetchChangedOnly); err != nil {
			nerr++
			e.mErrors.WithLabelValues("fetch").Inc()
			e.logger.WithError(err).Error("cannot fetch task output")
			continue
		}
		if t.Execution().State() == gridrun.StateTerminated {
			e.mFinished.Inc()
		}
	}

	e.mCycles.Inc()
	e.updateGauges()
	if nerr > 0 {
		return fmt.Errorf("%d task operations failed during progress cycle", nerr)
	}
	return nil
}

func (e *Engine) updateGauges() {
	stats := e.Stats()
	for _, state := range []gridrun.State{
		gridrun.StateNew, gridrun.StateSubmitted, gridrun.StateRunning,
		gridrun.StateStopped, gridrun.StateTerminating, gridrun.StateTerminated,
		gridrun.StateUnknown,
	} {
		e.mTasks.WithLabelValues(string(state)).Set(float64(stats[state]))
	}
}

// Wait calls Progress until every managed task is TERMINATED, waiting
// interval between cycles. The context cancels the wait.
func (e *Engine) Wait(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := e.Progress(ctx); err != nil {
			e.logger.WithError(err).Warn("progress cycle had errors")
		}
		if stats := e.Stats(); stats[gridrun.StateTerminated] == stats.Total() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
