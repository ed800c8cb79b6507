// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/gridrun/gridrun/lib/cmd"
	"github.com/gridrun/gridrun/lib/store"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
)

// Status lists the stored tasks, optionally polling the schedulers
// for fresh states first.
func Status(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configPath := flags.String("config", "", "configuration `file`")
	logLevel := flags.String("log-level", "warning", "logging `level`")
	update := flags.Bool("update", false, "poll the schedulers before listing")
	if ok, code := cmd.ParseFlags(flags, prog, args, "[task-id...]", stderr); !ok {
		return code
	}

	ctx, cancel := commandContext()
	defer cancel()

	sess, err := newSession(ctx, *configPath, *logLevel, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer sess.Close()

	ids := flags.Args()
	if len(ids) == 0 {
		ids, err = sess.str.List(ctx)
		if err != nil {
			return fail(stderr, err)
		}
	}

	tw := tabwriter.NewWriter(stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tRESOURCE\tJOBID\tCORES\tMEMORY\tEXIT\tINFO")
	exitCode := 0
	for _, id := range ids {
		rec, err := sess.str.Load(ctx, id)
		if err != nil {
			fmt.Fprintln(stderr, err)
			exitCode = 1
			continue
		}
		if *update && liveState(rec.State) {
			rec, err = sess.refreshTask(ctx, id, rec)
			if err != nil {
				fmt.Fprintln(stderr, err)
				exitCode = 1
				continue
			}
		}
		memory := ""
		if rec.RequestedMemory > 0 {
			memory = humanize.IBytes(uint64(rec.RequestedMemory))
		}
		exit := ""
		if rec.HasTermStatus {
			exit = fmt.Sprintf("%d", (rec.Returncode>>8)&0xff)
		}
		info := ""
		if n := len(rec.History); n > 0 {
			info = rec.History[n-1].Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			rec.ID, rec.Jobname, rec.State, rec.Resource, rec.LRMSJobID,
			rec.RequestedCores, memory, exit, info)
	}
	tw.Flush()
	return exitCode
}

// liveState reports whether the scheduler may still change the state.
func liveState(state gridrun.State) bool {
	switch state {
	case gridrun.StateSubmitted, gridrun.StateRunning, gridrun.StateUnknown:
		return true
	}
	return false
}

// refreshTask polls the task's scheduler and persists the updated
// snapshot.
func (s *session) refreshTask(ctx context.Context, id string, rec *store.TaskRecord) (*store.TaskRecord, error) {
	app, err := s.loadTask(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if err := app.UpdateState(ctx); err != nil {
		return nil, err
	}
	if err := s.saveTask(ctx, id, app); err != nil {
		return nil, err
	}
	return store.Snapshot(id, app), nil
}
