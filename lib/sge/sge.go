// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package sge implements job control on Grid Engine clusters (SGE,
// OGS, Son of Grid Engine) via the qsub/qstat/qacct/qdel command
// suite.
package sge

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gridrun/gridrun/lib/batch"
	"github.com/gridrun/gridrun/lib/transport"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
)

// Scheduler talks to Grid Engine. It implements batch.Scheduler.
type Scheduler struct {
	// PE maps a job name to the parallel environment submitted
	// with `-pe` when the job requests more than one core. Jobs
	// not listed here use the resource's DefaultPE.
	PE map[string]string
}

func (s *Scheduler) BatchSystemName() string { return "Grid Engine" }

// SubmitCommand builds the qsub invocation for app. Grid Engine has
// no generic way of requesting cores: multi-core jobs need a parallel
// environment, and which PEs exist is local configuration, so a
// multi-core job with no configured PE is a configuration error.
func (s *Scheduler) SubmitCommand(r *batch.Resource, app *gridrun.Application) ([]string, string, error) {
	argv, err := r.CommandArgv("qsub", "qsub")
	if err != nil {
		return nil, "", err
	}
	qsub := append(append([]string(nil), argv...), "-cwd", "-S", "/bin/sh")
	if app.RequestedWalltime > 0 {
		qsub = append(qsub, "-l", fmt.Sprintf("s_rt=%d", app.RequestedWalltime.Seconds()))
	}
	cores := app.RequestedCores
	if cores < 1 {
		cores = 1
	}
	if app.RequestedMemory > 0 {
		// mem_free is a per-slot consumable
		perCore := app.RequestedMemory.MiB() / int64(cores)
		if perCore < 1 {
			perCore = 1
		}
		qsub = append(qsub, "-l", fmt.Sprintf("mem_free=%dM", perCore))
	}
	if app.Join {
		qsub = append(qsub, "-j", "yes")
	}
	if app.Stdout != "" {
		qsub = append(qsub, "-o", app.Stdout)
	}
	if app.Stdin != "" {
		qsub = append(qsub, "-i", path.Base(app.Stdin))
	}
	if app.Stderr != "" && !app.Join {
		qsub = append(qsub, "-e", app.Stderr)
	}
	if cores > 1 {
		pe := s.PE[app.Jobname]
		if pe == "" {
			pe = r.DefaultPE
		}
		if pe == "" {
			return nil, "", gridrun.NewConfigurationError(
				"job %s requested %d cores, but no parallel environment is configured for resource %s",
				app.Jobname, cores, r.Name)
		}
		qsub = append(qsub, "-pe", pe, strconv.Itoa(cores))
	}
	if app.Jobname != "" {
		qsub = append(qsub, "-N", app.Jobname)
	}
	for _, k := range sortedKeys(app.Environment) {
		qsub = append(qsub, "-v", k+"="+app.Environment[k])
	}
	return qsub, batch.JoinCommand(app.Cmdline()), nil
}

var qsubJobidRe = regexp.MustCompile(`(?i)Your job (\d+) \("(.+)"\) has been submitted`)

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
	return fmt.Sprintf("%s | egrep '^ *%s'", batch.JoinCommand(argv), jobid), nil
}

// ParseStatOutput maps the status flags in column 5 of qstat output.
// Grid Engine states are flag combinations ("hqw", "dr"), so these
// are substring checks, not equality.
func (s *Scheduler) ParseStatOutput(stdout, stderr string) (batch.StatResult, error) {
	fields := strings.Fields(stdout)
	if len(fields) < 5 {
		return batch.StatResult{}, gridrun.NewInternalError(
			"unexpected qstat output %q: expected at least 5 columns", stdout)
	}
	status := fields[4]
	var state gridrun.State
	switch {
	case status == "s" || status == "S" || status == "T" || strings.HasPrefix(status, "h"):
		state = gridrun.StateStopped
	case strings.Contains(status, "qw"):
		state = gridrun.StateSubmitted
	case strings.ContainsAny(status, "rRt"):
		state = gridrun.StateRunning
	case status == "E":
		state = gridrun.StateTerminating
	default:
		state = gridrun.StateUnknown
	}
	return batch.StatResult{State: state}, nil
}

func (s *Scheduler) AcctCommand(r *batch.Resource, jobid string) (string, error) {
	argv, err := r.CommandArgv("qacct", "qacct")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s -j %s", batch.JoinCommand(argv), jobid), nil
}

var qacctKeyvalMapping = map[string]string{
	"slots":        "cores",
	"cpu":          "used_cpu_time",
	"ru_wallclock": "duration",
	"maxvmem":      "max_used_memory",
	"end_time":     "sge_completion_time",
	"failed":       "sge_failed",
	"granted_pe":   "sge_granted_pe",
	"hostname":     "sge_hostname",
	"jobname":      "sge_jobname",
	"qname":        "sge_queue",
	"qsub_time":    "sge_submission_time",
	"start_time":   "sge_start_time",
}

// ParseAcctOutput extracts the exit status and usage figures from
// `qacct -j` output, a sequence of "key value" lines.
func (s *Scheduler) ParseAcctOutput(stdout string) (batch.AcctInfo, error) {
	extra := map[string]string{}
	exitStatus := ""
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "===") {
			continue
		}
		key, value, found := strings.Cut(line, " ")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		if key == "failed" {
			// value may be, e.g., "100 : assumedly after job"
			value = strings.Fields(value)[0]
		}
		if key == "exit_status" {
			exitStatus = value
			continue
		}
		if attr, ok := qacctKeyvalMapping[key]; ok {
			extra[attr] = value
		} else {
			extra["sge_"+key] = value
		}
	}
	if exitStatus == "" {
		return batch.AcctInfo{}, gridrun.NewInternalError(
			"could not extract exit code from qacct output")
	}
	rc, err := strconv.Atoi(exitStatus)
	if err != nil {
		return batch.AcctInfo{}, gridrun.NewInternalError(
			"malformed exit_status %q in qacct output", exitStatus)
	}
	signal, exitcode := gridrun.ShellExitToTermStatus(rc)
	return batch.AcctInfo{
		TermStatus: &batch.TermStatus{Signal: signal, ExitCode: exitcode},
		Extra:      extra,
	}, nil
}

// SecondaryAcctCommand returns "": Grid Engine has only qacct.
func (s *Scheduler) SecondaryAcctCommand(r *batch.Resource, jobid string) (string, error) {
	return "", nil
}

func (s *Scheduler) ParseSecondaryAcctOutput(stdout string) (batch.AcctInfo, error) {
	return batch.AcctInfo{}, nil
}

func (s *Scheduler) CancelCommand(r *batch.Resource, jobid string) (string, error) {
	argv, err := r.CommandArgv("qdel", "qdel")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s", batch.JoinCommand(argv), jobid), nil
}

// UpdateResourceStatus refreshes the resource counters from two qstat
// views: the plain job listing for queue lengths, and `qstat -F` for
// per-host slot counts.
func (s *Scheduler) UpdateResourceStatus(ctx context.Context, tr transport.Transport, r *batch.Resource, username string) error {
	argv, err := r.CommandArgv("qstat", "qstat")
	if err != nil {
		return err
	}
	qstat := batch.JoinCommand(argv)

	cmd := fmt.Sprintf("%s -U %s", qstat, username)
	code, stdout, stderr, err := tr.ExecuteCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%q exited with code %d on resource %s: %q",
			cmd, code, r.Name, strings.TrimSpace(stderr))
	}
	queued, userRun, userQueued := countJobs(stdout, username)

	cmd = fmt.Sprintf("%s -F -U %s", qstat, username)
	code, slotsOut, stderr, err := tr.ExecuteCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%q exited with code %d on resource %s: %q",
			cmd, code, r.Name, strings.TrimSpace(stderr))
	}

	r.Counters = batch.Counters{
		FreeSlots:  freeSlots(slotsOut),
		Queued:     queued,
		UserRun:    userRun,
		UserQueued: userQueued,
	}
	return nil
}

// countJobs tallies queued and running jobs in plain qstat output.
// Jobs in error, hold, suspended or deleted state count as neither.
func countJobs(stdout, username string) (queued, userRun, userQueued int) {
	for n, line := range strings.Split(stdout, "\n") {
		// two header lines
		if n < 2 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		user, state := fields[3], fields[4]
		if strings.ContainsAny(state, "EhTsSd") {
			continue
		}
		if strings.Contains(state, "q") {
			queued++
			if user == username {
				userQueued++
			}
		}
		if strings.Contains(state, "r") {
			if user == username {
				userRun++
			}
		}
	}
	return queued, userRun, userQueued
}

// queue header lines look like "all.q@compute-0-1.local  BIP  0/2/16 ..."
// where the slots column is reserved/used/total (older versions omit
// the reserved figure).
var queueHeaderRe = regexp.MustCompile(
	`(?i)^([a-z0-9._-]+)@([a-z0-9.-]+)\s+([BIPCTN]+)\s+(?:(\d+)/)?(\d+)/(\d+)`)

// freeSlots sums available slots across hosts in `qstat -F` output.
// A host can serve several queues, so the per-host figure is the
// maximum over its queues, not the sum. The result is a best-effort
// estimate: Grid Engine has no real cluster-wide free-slot count.
func freeSlots(stdout string) int {
	total := map[string]int{}
	unavailable := map[string]int{}
	for _, line := range strings.Split(stdout, "\n") {
		m := queueHeaderRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		host, kind := m[2], m[3]
		if !strings.Contains(kind, "B") {
			// not a batch queue
			continue
		}
		resv, _ := strconv.Atoi(m[4])
		used, _ := strconv.Atoi(m[5])
		slots, _ := strconv.Atoi(m[6])
		if slots > total[host] {
			total[host] = slots
		}
		if used+resv > unavailable[host] {
			unavailable[host] = used + resv
		}
	}
	free := 0
	for host, slots := range total {
		free += slots - unavailable[host]
	}
	return free
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
