// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package pbs implements job control on PBS/TORQUE and PBSPro
// clusters via the qsub/qstat/tracejob/qdel command suite.
package pbs

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gridrun/gridrun/lib/batch"
	"github.com/gridrun/gridrun/lib/transport"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
)

// Scheduler talks to PBS/TORQUE. It implements batch.Scheduler.
type Scheduler struct {
	// Queue, when set, is requested with `-q` at submission time.
	Queue string
}

func (s *Scheduler) BatchSystemName() string { return "PBS/TORQUE" }

// SubmitCommand builds the qsub invocation for app. The job command
// runs from a generated script that changes into $PBS_O_WORKDIR
// first, since PBS starts jobs in the user's home directory.
func (s *Scheduler) SubmitCommand(r *batch.Resource, app *gridrun.Application) ([]string, string, error) {
	argv, err := r.CommandArgv("qsub", "qsub")
	if err != nil {
		return nil, "", err
	}
	qsub := append([]string(nil), argv...)
	if app.RequestedWalltime > 0 {
		qsub = append(qsub, "-l", fmt.Sprintf("walltime=%d", app.RequestedWalltime.Seconds()))
	}
	if app.RequestedMemory > 0 {
		qsub = append(qsub, "-l", fmt.Sprintf("mem=%dmb", app.RequestedMemory.MiB()))
	}
	if app.Stdin != "" {
		return nil, "", gridrun.NewInvalidArgumentError(
			"stdin redirection is not supported by the PBS backend")
	}
	if app.Stderr != "" {
		qsub = append(qsub, "-e", app.Stderr)
	}
	if app.Stdout != "" {
		qsub = append(qsub, "-o", app.Stdout)
	}
	if app.RequestedCores > 1 {
		// all cores on one node
		qsub = append(qsub, "-l", fmt.Sprintf("nodes=1:ppn=%d", app.RequestedCores))
	}
	if app.Jobname != "" {
		name := app.Jobname
		if len(name) > 15 {
			name = name[:15]
		}
		qsub = append(qsub, "-N", name)
	}
	for _, k := range sortedKeys(app.Environment) {
		qsub = append(qsub, "-v", k+"="+app.Environment[k])
	}
	if s.Queue != "" {
		qsub = append(qsub, "-q", s.Queue)
	}
	script := `cd "$PBS_O_WORKDIR"; ` + batch.JoinCommand(app.Cmdline())
	return qsub, script, nil
}

var qsubJobidRe = regexp.MustCompile(`^(\d+)`)

func (s *Scheduler) ParseSubmitOutput(stdout string) (string, error) {
	for _, line := range strings.Split(stdout, "\n") {
		if m := qsubJobidRe.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
	}
	return "", gridrun.NewInternalError("could not extract job id from qsub output %q", stdout)
}

func (s *Scheduler) StatCommand(r *batch.Resource, jobid string) (string, error) {
	argv, err := r.CommandArgv("qstat", "qstat")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s | grep ^%s", batch.JoinCommand(argv), jobid, jobid), nil
}

// ParseStatOutput maps the status letter in column 5 of qstat output.
func (s *Scheduler) ParseStatOutput(stdout, stderr string) (batch.StatResult, error) {
	fields := strings.Fields(stdout)
	if len(fields) < 5 {
		return batch.StatResult{}, gridrun.NewInternalError(
			"unexpected qstat output %q: expected at least 5 columns", stdout)
	}
	status := fields[4]
	var state gridrun.State
	switch {
	case status == "Q" || status == "W":
		state = gridrun.StateSubmitted
	case status == "R":
		state = gridrun.StateRunning
	case status == "S" || status == "H" || status == "T" || strings.Contains(status, "qh"):
		state = gridrun.StateStopped
	case status == "C" || status == "E" || status == "F":
		state = gridrun.StateTerminating
	default:
		state = gridrun.StateUnknown
	}
	return batch.StatResult{State: state}, nil
}

func (s *Scheduler) AcctCommand(r *batch.Resource, jobid string) (string, error) {
	argv, err := r.CommandArgv("tracejob", "tracejob")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s", batch.JoinCommand(argv), jobid), nil
}

var (
	tracejobQueuedRe = regexp.MustCompile(
		`^(\d+/\d+/\d+\s+\d+:\d+:\d+)\s+.\s+` +
			`Job Queued at request of .*job name =\s*([^,]+),\s+queue =\s*([^,]+)`)
	tracejobRunRe = regexp.MustCompile(
		`^(\d+/\d+/\d+\s+\d+:\d+:\d+)\s+.\s+Job Run at request of `)
	tracejobLastRe = regexp.MustCompile(
		`^(\d+/\d+/\d+\s+\d+:\d+:\d+)\s+.\s+Exit_status=(\d+)\s+` +
			`resources_used\.cput=(\S+)\s+` +
			`resources_used\.mem=(\S+)\s+` +
			`resources_used\.vmem=(\S+)\s+` +
			`resources_used\.walltime=(\S+)`)
)

// ParseAcctOutput extracts the exit status and usage figures from
// tracejob output. tracejob logs one line per job event; the exit
// status only appears on the final "Exit_status=" line, so output
// without it means accounting has not caught up yet.
func (s *Scheduler) ParseAcctOutput(stdout string) (batch.AcctInfo, error) {
	extra := map[string]string{}
	exitStatus := ""
	for _, line := range strings.Split(stdout, "\n") {
		if m := tracejobQueuedRe.FindStringSubmatch(line); m != nil {
			extra["pbs_submission_time"] = m[1]
			extra["pbs_jobname"] = m[2]
			extra["pbs_queue"] = m[3]
			continue
		}
		if m := tracejobRunRe.FindStringSubmatch(line); m != nil {
			extra["pbs_running_time"] = m[1]
			continue
		}
		if m := tracejobLastRe.FindStringSubmatch(line); m != nil {
			extra["pbs_end_time"] = m[1]
			exitStatus = m[2]
			extra["used_cpu_time"] = m[3]
			extra["pbs_max_used_ram"] = m[4]
			extra["max_used_memory"] = m[5]
			extra["duration"] = m[6]
		}
	}
	if exitStatus == "" {
		return batch.AcctInfo{}, gridrun.NewInternalError(
			"could not extract exit code from tracejob output")
	}
	rc, err := strconv.Atoi(exitStatus)
	if err != nil {
		return batch.AcctInfo{}, gridrun.NewInternalError(
			"malformed Exit_status %q in tracejob output", exitStatus)
	}
	signal, exitcode := gridrun.ShellExitToTermStatus(rc)
	return batch.AcctInfo{
		TermStatus: &batch.TermStatus{Signal: signal, ExitCode: exitcode},
		Extra:      extra,
	}, nil
}

// SecondaryAcctCommand returns the PBSPro fallback: finished jobs
// stay visible to `qstat -x -f` for a while even where tracejob is
// unavailable.
func (s *Scheduler) SecondaryAcctCommand(r *batch.Resource, jobid string) (string, error) {
	argv, err := r.CommandArgv("qstat", "qstat")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s -x -f %s", batch.JoinCommand(argv), jobid), nil
}

var pbsproKeyvalMapping = map[string]string{
	"Exit_status":             "exit_status",
	"resources_used.cpupt":    "used_cpu_time",
	"resources_used.cput":     "used_cpu_time",
	"resources_used.vmem":     "max_used_memory",
	"resources_used.walltime": "duration",
	"resources_used.mem":      "pbs_max_used_ram",
	"etime":                   "pbs_queued_at",
	"stime":                   "pbs_started_at",
	"queue":                   "pbs_queue",
}

func (s *Scheduler) ParseSecondaryAcctOutput(stdout string) (batch.AcctInfo, error) {
	extra := map[string]string{}
	for _, line := range strings.Split(stdout, "\n") {
		for key, attr := range pbsproKeyvalMapping {
			if strings.Contains(line, key+" = ") {
				extra[attr] = strings.TrimSpace(strings.SplitN(line, "=", 2)[1])
			}
		}
	}
	exitStatus, ok := extra["exit_status"]
	if !ok {
		return batch.AcctInfo{}, gridrun.NewInternalError(
			"could not extract exit code from `qstat -x -f` output")
	}
	delete(extra, "exit_status")
	rc, err := strconv.Atoi(exitStatus)
	if err != nil {
		return batch.AcctInfo{}, gridrun.NewInternalError(
			"malformed Exit_status %q in `qstat -x -f` output", exitStatus)
	}
	signal, exitcode := gridrun.ShellExitToTermStatus(rc)
	return batch.AcctInfo{
		TermStatus: &batch.TermStatus{Signal: signal, ExitCode: exitcode},
		Extra:      extra,
	}, nil
}

func (s *Scheduler) CancelCommand(r *batch.Resource, jobid string) (string, error) {
	argv, err := r.CommandArgv("qdel", "qdel")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s", batch.JoinCommand(argv), jobid), nil
}

// default qstat layout: job id, name, user, time used, state, queue
var qstatLineRe = regexp.MustCompile(
	`^(\d+)\D+\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)`)

// UpdateResourceStatus counts running and queued jobs in `qstat -a`
// output. PBS does not expose a free-slot count, so FreeSlots is -1
// and brokering falls back on the queue lengths.
func (s *Scheduler) UpdateResourceStatus(ctx context.Context, tr transport.Transport, r *batch.Resource, username string) error {
	argv, err := r.CommandArgv("qstat", "qstat")
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("%s -a", batch.JoinCommand(argv))
	code, stdout, stderr, err := tr.ExecuteCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%q exited with code %d on resource %s: %q",
			cmd, code, r.Name, strings.TrimSpace(stderr))
	}
	var queued, userRun, userQueued int
	for _, line := range strings.Split(stdout, "\n") {
		m := qstatLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		user, state := m[3], m[5]
		switch state {
		case "R":
			if user == username {
				userRun++
			}
		case "Q":
			queued++
			if user == username {
				userQueued++
			}
		}
	}
	r.Counters = batch.Counters{
		FreeSlots:  -1,
		Queued:     queued,
		UserRun:    userRun,
		UserQueued: userQueued,
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
