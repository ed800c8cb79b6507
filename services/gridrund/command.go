// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gridrund

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridrun/gridrun/lib/cmd"
	"github.com/gridrun/gridrun/lib/config"
	"github.com/gridrun/gridrun/sdk/go/ctxlog"
)

// Command runs the daemon until SIGINT or SIGTERM.
func Command(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configPath := flags.String("config", "", "configuration `file` (default "+config.DefaultConfigFile+")")
	listen := flags.String("listen", "", "listen `address` (overrides the configuration file)")
	logLevel := flags.String("log-level", "info", "logging `level` (debug, info, warning, error)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}

	logger := ctxlog.New(stderr, "text", *logLevel)

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *listen != "" {
		cfg.Daemon.Listen = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := *configPath
	if path == "" {
		path = os.ExpandEnv(config.DefaultConfigFile)
	}
	d := New(cfg, path, logger)
	if err := d.Run(ctx); err != nil {
		logger.WithError(err).Error("daemon failed")
		return 1
	}
	return 0
}
