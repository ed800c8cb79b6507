// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package gridrund is the long-running job shepherd: it adopts task
// records from the session store, drives them through submission,
// polling and output collection, and reports progress over HTTP.
package gridrund

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gridrun/gridrun/lib/config"
	"github.com/gridrun/gridrun/lib/engine"
	"github.com/gridrun/gridrun/lib/store"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Daemon owns one engine loop plus the HTTP listener around it.
type Daemon struct {
	Config *config.Config
	// ConfigPath, when set, is watched; a change reloads the
	// resource backends without restarting the daemon.
	ConfigPath string
	Logger     logrus.FieldLogger
	Registry   *prometheus.Registry

	core  *engine.Core
	eng   *engine.Engine
	str   store.Store
	tasks map[string]*gridrun.Application

	// mtx serializes the engine loop against the HTTP handlers;
	// the task machinery assumes a single driver.
	mtx sync.Mutex

	handler http.Handler
}

// New returns a Daemon for the given configuration.
func New(cfg *config.Config, configPath string, logger logrus.FieldLogger) *Daemon {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Daemon{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     logger,
		Registry:   prometheus.NewRegistry(),
	}
}

func (d *Daemon) initialize(ctx context.Context) error {
	if d.core == nil {
		core, err := d.Config.NewCore(d.Logger)
		if err != nil {
			return err
		}
		d.core = core
	}
	if d.str == nil {
		str, err := d.Config.NewStore(ctx)
		if err != nil {
			return err
		}
		d.str = str
	}
	d.eng = engine.NewEngine(d.core, d.Logger, d.Registry)
	d.applyEngineConfig()
	d.tasks = map[string]*gridrun.Application{}

	mux := httprouter.New()
	mux.HandlerFunc("GET", "/status.json", d.apiStatus)
	mux.Handler("GET", "/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{
		ErrorLog: d.Logger,
	}))
	mux.HandlerFunc("GET", "/_health/ping", d.apiPing)
	d.handler = mux
	return nil
}

func (d *Daemon) applyEngineConfig() {
	d.eng.MaxInFlight = d.Config.Engine.MaxInFlight
	d.eng.MaxSubmitted = d.Config.Engine.MaxSubmitted
	d.eng.FetchOverwrites = d.Config.Engine.FetchOverwrites
	d.eng.FetchChangedOnly = true
}

// Run executes the daemon loop until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.initialize(ctx); err != nil {
		return err
	}
	defer d.core.Close()
	defer d.str.Close()

	srv := &http.Server{Addr: d.Config.Daemon.Listen, Handler: d.handler}
	go func() {
		d.Logger.WithField("Listen", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			d.Logger.WithError(err).Error("http server failed")
		}
	}()
	defer srv.Shutdown(context.Background())

	reload := make(chan struct{}, 1)
	if d.ConfigPath != "" {
		stop, err := d.watchConfig(reload)
		if err != nil {
			d.Logger.WithError(err).Warn("cannot watch configuration file; reload disabled")
		} else {
			defer stop()
		}
	}

	ticker := time.NewTicker(d.Config.Engine.PollInterval.Duration())
	defer ticker.Stop()

	d.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			d.Logger.Info("shutting down")
			d.persistAll(ctx)
			return nil
		case <-reload:
			d.reloadConfig(ticker)
		case <-ticker.C:
			d.cycle(ctx)
		}
	}
}

// cycle runs one progress pass: adopt new store records, advance all
// tasks, persist what changed.
func (d *Daemon) cycle(ctx context.Context) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.adoptStoredTasks(ctx)
	if err := d.eng.Progress(ctx); err != nil {
		d.Logger.WithError(err).Warn("progress cycle had errors")
	}
	for id, app := range d.tasks {
		if !app.Changed() {
			continue
		}
		if _, err := d.str.Save(ctx, store.Snapshot(id, app)); err != nil {
			d.Logger.WithError(err).WithField("TaskID", id).Error("cannot persist task")
			continue
		}
		app.ClearChanged()
	}
}

// adoptStoredTasks picks up records other processes (gridrun submit)
// added to the store since the last cycle.
func (d *Daemon) adoptStoredTasks(ctx context.Context) {
	ids, err := d.str.List(ctx)
	if err != nil {
		d.Logger.WithError(err).Error("cannot list task store")
		return
	}
	for _, id := range ids {
		if _, ok := d.tasks[id]; ok {
			continue
		}
		rec, err := d.str.Load(ctx, id)
		if err != nil {
			d.Logger.WithError(err).WithField("TaskID", id).Error("cannot load task")
			continue
		}
		app := rec.Restore()
		d.tasks[id] = app
		d.eng.AddTask(app)
		d.Logger.WithFields(logrus.Fields{
			"TaskID": id,
			"State":  app.Execution().State(),
		}).Info("adopted task")
	}
}

func (d *Daemon) persistAll(ctx context.Context) {
	for id, app := range d.tasks {
		if !app.Changed() {
			continue
		}
		if _, err := d.str.Save(ctx, store.Snapshot(id, app)); err != nil {
			d.Logger.WithError(err).WithField("TaskID", id).Error("cannot persist task")
		}
	}
}

// watchConfig signals the reload channel whenever the configuration
// file changes. The directory is watched rather than the file itself:
// most editors and config management tools replace the file by
// renaming.
func (d *Daemon) watchConfig(reload chan<- struct{}) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(d.ConfigPath)); err != nil {
		watcher.Close()
		return nil, err
	}
	base := filepath.Base(d.ConfigPath)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					select {
					case reload <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.Logger.WithError(err).Warn("config watcher error")
			}
		}
	}()
	return func() { watcher.Close() }, nil
}

// reloadConfig rebuilds the resource backends from the changed
// configuration file and rebinds all tasks to them. A file that no
// longer loads is logged and ignored; the daemon keeps running on the
// previous configuration.
func (d *Daemon) reloadConfig(ticker *time.Ticker) {
	cfg, err := config.LoadFile(d.ConfigPath)
	if err != nil {
		d.Logger.WithError(err).Error("configuration reload failed, keeping previous configuration")
		return
	}
	core, err := cfg.NewCore(d.Logger)
	if err != nil {
		d.Logger.WithError(err).Error("configuration reload failed, keeping previous configuration")
		return
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	old := d.core
	oldInterval := d.Config.Engine.PollInterval
	d.Config = cfg
	d.core = core
	d.eng.SetController(core)
	d.applyEngineConfig()
	if cfg.Engine.PollInterval != oldInterval {
		ticker.Reset(cfg.Engine.PollInterval.Duration())
	}
	if err := old.Close(); err != nil {
		d.Logger.WithError(err).Warn("error closing previous backends")
	}
	d.Logger.WithField("Resources", core.ResourceNames()).Info("configuration reloaded")
}

// taskStatus is one entry in the /status.json task list.
type taskStatus struct {
	ID         string        `json:"id"`
	Jobname    string        `json:"jobname"`
	State      gridrun.State `json:"state"`
	LRMSJobID  string        `json:"lrms_jobid,omitempty"`
	Resource   string        `json:"resource,omitempty"`
	Returncode *int          `json:"returncode,omitempty"`
	LastInfo   string        `json:"last_info,omitempty"`
}

func (d *Daemon) apiStatus(w http.ResponseWriter, r *http.Request) {
	d.mtx.Lock()
	resp := struct {
		Tasks     []taskStatus          `json:"tasks"`
		Stats     map[gridrun.State]int `json:"stats"`
		Resources []string              `json:"resources"`
	}{
		Stats:     d.eng.Stats(),
		Resources: d.core.ResourceNames(),
	}
	for id, app := range d.tasks {
		run := app.Execution()
		ts := taskStatus{
			ID:        id,
			Jobname:   app.Jobname,
			State:     run.State(),
			LRMSJobID: run.LRMSJobID,
			Resource:  run.GetExtra(engine.ExtraResourceName),
			LastInfo:  run.LastInfo(),
		}
		if run.HasTermStatus() {
			rc := run.Returncode()
			ts.Returncode = &rc
		}
		resp.Tasks = append(resp.Tasks, ts)
	}
	d.mtx.Unlock()

	sortTaskStatuses(resp.Tasks)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func sortTaskStatuses(tasks []taskStatus) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}

func (d *Daemon) apiPing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"health":"OK"}` + "\n"))
}
