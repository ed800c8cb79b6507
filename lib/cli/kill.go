// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"flag"
	"fmt"
	"io"

	"github.com/gridrun/gridrun/lib/cmd"
)

// Kill cancels running tasks.
func Kill(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configPath := flags.String("config", "", "configuration `file`")
	logLevel := flags.String("log-level", "warning", "logging `level`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "task-id...", stderr); !ok {
		return code
	}
	if flags.NArg() == 0 {
		fmt.Fprintln(stderr, "no task ids given (try -help)")
		return 2
	}

	ctx, cancel := commandContext()
	defer cancel()

	sess, err := newSession(ctx, *configPath, *logLevel, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer sess.Close()

	exitCode := 0
	for _, id := range flags.Args() {
		app, err := sess.loadTask(ctx, id, true)
		if err != nil {
			fmt.Fprintln(stderr, err)
			exitCode = 1
			continue
		}
		if err := app.Kill(ctx); err != nil {
			fmt.Fprintln(stderr, err)
			exitCode = 1
			continue
		}
		if err := sess.saveTask(ctx, id, app); err != nil {
			fmt.Fprintln(stderr, err)
			exitCode = 1
			continue
		}
		fmt.Fprintf(stdout, "%s %s %s\n", id, app.Jobname, app.Execution().State())
	}
	return exitCode
}
