// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the gridrun subcommands that submit,
// inspect, collect and cancel jobs from the command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridrun/gridrun/lib/config"
	"github.com/gridrun/gridrun/lib/engine"
	"github.com/gridrun/gridrun/lib/store"
	"github.com/gridrun/gridrun/sdk/go/ctxlog"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
	"github.com/sirupsen/logrus"
)

// session bundles what every subcommand needs: the configuration,
// the task store, and (lazily) the brokering controller.
type session struct {
	cfg    *config.Config
	str    store.Store
	logger logrus.FieldLogger

	core *engine.Core
}

func newSession(ctx context.Context, configPath, logLevel string, stderr io.Writer) (*session, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	str, err := cfg.NewStore(ctx)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, str: str, logger: ctxlog.New(stderr, "text", logLevel)}, nil
}

// Core builds the resource backends on first use; status listings
// that only read the store never pay for transport setup.
func (s *session) Core() (*engine.Core, error) {
	if s.core == nil {
		core, err := s.cfg.NewCore(s.logger)
		if err != nil {
			return nil, err
		}
		s.core = core
	}
	return s.core, nil
}

func (s *session) Close() {
	if s.core != nil {
		s.core.Close()
	}
	s.str.Close()
}

// loadTask restores the stored application and, when attach is true,
// binds it to the resource backends.
func (s *session) loadTask(ctx context.Context, id string, attach bool) (*gridrun.Application, error) {
	rec, err := s.str.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	app := rec.Restore()
	if attach {
		core, err := s.Core()
		if err != nil {
			return nil, err
		}
		app.Attach(core)
	}
	return app, nil
}

// saveTask persists the application back under its id.
func (s *session) saveTask(ctx context.Context, id string, app *gridrun.Application) error {
	_, err := s.str.Save(ctx, store.Snapshot(id, app))
	return err
}

// commandContext returns a context cancelled by SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintln(stderr, err)
	var cfgErr *gridrun.ConfigurationError
	if errors.As(err, &cfgErr) {
		return 2
	}
	if os.IsNotExist(err) {
		return 2
	}
	return 1
}
