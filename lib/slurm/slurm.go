// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package slurm implements job control on SLURM clusters via the
// sbatch/squeue/sacct/scancel command suite.
package slurm

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gridrun/gridrun/lib/batch"
	"github.com/gridrun/gridrun/lib/transport"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
)

// exit code used when the job was terminated by the system rather
// than by its own doing (sysexits.h EX_TEMPFAIL)
const exTempfail = 75

// Scheduler talks to SLURM. It implements batch.Scheduler.
type Scheduler struct{}

func (s *Scheduler) BatchSystemName() string { return "SLURM" }

// SubmitCommand builds the sbatch invocation for app. sbatch only
// accepts scripts, so the job command always goes into the generated
// submission script; multi-core jobs are wrapped in srun, otherwise
// SLURM would start the command as a single-CPU task.
func (s *Scheduler) SubmitCommand(r *batch.Resource, app *gridrun.Application) ([]string, string, error) {
	argv, err := r.CommandArgv("sbatch", "sbatch")
	if err != nil {
		return nil, "", err
	}
	cmdline := app.Cmdline()
	sbatch := append(append([]string(nil), argv...), "--no-requeue")
	if app.RequestedWalltime > 0 {
		sbatch = append(sbatch, "--time", strconv.FormatInt(app.RequestedWalltime.Minutes(), 10))
	}
	if app.Stdout != "" {
		sbatch = append(sbatch, "--output", app.Stdout)
	}
	if app.Stdin != "" {
		sbatch = append(sbatch, "--input", path.Base(app.Stdin))
	}
	if app.Stderr != "" && !app.Join {
		sbatch = append(sbatch, "-e", app.Stderr)
	}
	if app.RequestedCores > 1 {
		cores := strconv.Itoa(app.RequestedCores)
		// all cores on one node
		sbatch = append(sbatch, "--ntasks", "1", "--cpus-per-task", cores)
		srun, err := r.CommandArgv("srun", "srun")
		if err != nil {
			return nil, "", err
		}
		cmdline = append(append(append([]string(nil), srun...), "--cpus-per-task", cores), cmdline...)
	}
	if app.RequestedMemory > 0 {
		sbatch = append(sbatch, "--mem", strconv.FormatInt(app.RequestedMemory.MiB(), 10))
	}
	if app.Jobname != "" {
		sbatch = append(sbatch, "--job-name", app.Jobname)
	}
	// propagation of the submission environment is the default, but
	// make it explicit
	sbatch = append(sbatch, "--export", "ALL")
	if len(app.Environment) > 0 {
		env := []string{"/usr/bin/env"}
		for _, k := range sortedKeys(app.Environment) {
			env = append(env, k+"="+app.Environment[k])
		}
		sbatch = append(env, sbatch...)
	}
	return sbatch, batch.JoinCommand(cmdline), nil
}

var sbatchJobidRe = regexp.MustCompile(
	`(?:sbatch:\s*)?(?:Granted job allocation|Submitted batch job) (\d+)`)

func (s *Scheduler) ParseSubmitOutput(stdout string) (string, error) {
	for _, line := range strings.Split(stdout, "\n") {
		if m := sbatchJobidRe.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
	}
	return "", gridrun.NewInternalError("could not extract job id from sbatch output %q", stdout)
}

func (s *Scheduler) StatCommand(r *batch.Resource, jobid string) (string, error) {
	argv, err := r.CommandArgv("squeue", "squeue")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s --noheader -o %%i^%%T^%%r -j %s", batch.JoinCommand(argv), jobid), nil
}

var slurmStateMap = map[string]gridrun.State{
	// the "configuring" phase can last minutes while nodes boot, so
	// it groups with PENDING rather than RUNNING
	"PENDING":     gridrun.StateSubmitted,
	"CONFIGURING": gridrun.StateSubmitted,
	"RUNNING":     gridrun.StateRunning,
	"COMPLETING":  gridrun.StateRunning,
	"SUSPENDED":   gridrun.StateStopped,
	"COMPLETED":   gridrun.StateTerminating,
	"CANCELLED":   gridrun.StateTerminating,
	"FAILED":      gridrun.StateTerminating,
	"NODE_FAIL":   gridrun.StateTerminating,
	"PREEMPTED":   gridrun.StateTerminating,
	"TIMEOUT":     gridrun.StateTerminating,
}

// ParseStatOutput reads `squeue --noheader -o %i^%T^%r` output. An
// empty answer with a zero exit code means the job completed just
// recently: the controller no longer queues it but still knows the
// id. The termination status has to come from sacct either way.
func (s *Scheduler) ParseStatOutput(stdout, stderr string) (batch.StatResult, error) {
	if strings.TrimSpace(stdout) == "" {
		return batch.StatResult{State: gridrun.StateTerminating}, nil
	}
	fields := strings.Split(strings.TrimSpace(stdout), "^")
	if len(fields) < 3 {
		return batch.StatResult{}, gridrun.NewInternalError(
			"unexpected squeue output %q: expected jobid^state^reason", stdout)
	}
	state, ok := slurmStateMap[fields[1]]
	if !ok {
		state = gridrun.StateUnknown
	}
	return batch.StatResult{State: state}, nil
}

func (s *Scheduler) AcctCommand(r *batch.Resource, jobid string) (string, error) {
	argv, err := r.CommandArgv("sacct", "sacct")
	if err != nil {
		return "", err
	}
	// SLURM_TIME_FORMAT=standard forces ISO8601 timestamps whatever
	// the frontend's default is
	return fmt.Sprintf("env SLURM_TIME_FORMAT=standard %s --noheader --parsable"+
		" --format jobid,exitcode,state,ncpus,elapsed,totalcpu,submit,start,end,maxrss,maxvmsize -j %s",
		batch.JoinCommand(argv), jobid), nil
}

var slurmFinishedStates = map[string]bool{
	"BOOT_FAIL": true, "CANCELLED": true, "COMPLETED": true, "FAILED": true,
	"NODE_FAIL": true, "PREEMPTED": true, "TIMEOUT": true,
}

// ParseAcctOutput reads parsable sacct output. Job ids have the form
// `jobID[.step]`: the plain jobID line carries the exit code and the
// overall timing, while only the step lines carry real resource
// usage, so figures are merged across all records.
func (s *Scheduler) ParseAcctOutput(stdout string) (batch.AcctInfo, error) {
	extra := map[string]string{}
	var termstatus *batch.TermStatus
	var maxVM, maxRSS gridrun.ByteSize
	submission, start, completion := "", "", ""
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 11 {
			return batch.AcctInfo{}, gridrun.NewInternalError(
				"unexpected sacct output line %q", line)
		}
		jobid, exit, state := fields[0], fields[1], fields[2]
		ncpus, elapsed, totalcpu := fields[3], fields[4], fields[5]
		submit, begin, end := fields[6], fields[7], fields[8]
		maxrss, maxvmsize := fields[9], fields[10]

		// the state may carry a qualification, e.g. "CANCELLED by 1000"
		state = strings.Fields(state)[0]

		if !strings.Contains(jobid, ".") {
			// master job record
			if !slurmFinishedStates[state] {
				return batch.AcctInfo{}, gridrun.NewInternalError(
					"unexpected SLURM job state %q in sacct output", state)
			}
			if d, err := parseDuration(elapsed); err == nil {
				extra["duration"] = d.String()
			}
			if d, err := parseDuration(totalcpu); err == nil {
				extra["used_cpu_time"] = d.String()
			}
			extra["cores"] = ncpus
			switch state {
			case "CANCELLED", "TIMEOUT":
				// sacct reports exit 0:0 or 0:1 here, but the job
				// was killed by the system or the user
				termstatus = &batch.TermStatus{Signal: gridrun.SignalRemoteKill, ExitCode: exTempfail}
			case "NODE_FAIL":
				termstatus = &batch.TermStatus{Signal: gridrun.SignalRemoteError, ExitCode: exTempfail}
			default:
				ec, sig, found := strings.Cut(exit, ":")
				if !found {
					return batch.AcctInfo{}, gridrun.NewInternalError(
						"malformed exit code %q in sacct output", exit)
				}
				exitcode, err1 := strconv.Atoi(ec)
				signal, err2 := strconv.Atoi(sig)
				if err1 != nil || err2 != nil {
					return batch.AcctInfo{}, gridrun.NewInternalError(
						"malformed exit code %q in sacct output", exit)
				}
				termstatus = &batch.TermStatus{Signal: signal & 0x7f, ExitCode: exitcode & 0xff}
			}
			// some SLURM versions report submit == end on the master
			// record; the step records fix this up below. ISO8601
			// timestamps compare correctly as strings.
			submission = minTS(submit, begin)
			start = end
			completion = maxTS(maxTS(submit, begin), end)
		} else {
			// step record
			if v, err := gridrun.ParseByteSize(maxvmsize); err == nil && v > maxVM {
				maxVM = v
				extra["max_used_memory"] = maxvmsize
			}
			if v, err := gridrun.ParseByteSize(maxrss); err == nil && v > maxRSS {
				maxRSS = v
				extra["slurm_max_used_ram"] = maxrss
			}
			submission = minTS(submission, submit)
			start = minTS(start, begin)
		}
	}
	if submission != "" {
		extra["slurm_submission_time"] = submission
	}
	if start != "" {
		extra["slurm_start_time"] = start
	}
	if completion != "" {
		extra["slurm_completion_time"] = completion
	}
	return batch.AcctInfo{TermStatus: termstatus, Extra: extra}, nil
}

func minTS(a, b string) string {
	if a == "" || (b != "" && b < a) {
		return b
	}
	return a
}

func maxTS(a, b string) string {
	if b > a {
		return b
	}
	return a
}

// parseDuration parses a SLURM duration of the form DD-HH:MM:SS.UUU,
// where the DD, HH and .UUU parts are optional.
func parseDuration(d string) (time.Duration, error) {
	var total time.Duration
	if days, rest, found := strings.Cut(d, "-"); found {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("malformed duration %q", d)
		}
		total = time.Duration(n) * 24 * time.Hour
		d = rest
	}
	parts := strings.Split(d, ":")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	if len(parts) == 0 || len(parts) > 3 {
		return 0, fmt.Errorf("malformed duration %q", d)
	}
	secStr, fracStr, _ := strings.Cut(parts[0], ".")
	secs, err := strconv.Atoi(secStr)
	if err != nil {
		return 0, fmt.Errorf("malformed duration %q", d)
	}
	total += time.Duration(secs) * time.Second
	if fracStr != "" {
		frac, err := strconv.Atoi(fracStr)
		if err != nil || len(fracStr) > 9 {
			return 0, fmt.Errorf("malformed duration %q", d)
		}
		for i := len(fracStr); i < 9; i++ {
			frac *= 10
		}
		total += time.Duration(frac)
	}
	if len(parts) > 1 {
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, fmt.Errorf("malformed duration %q", d)
		}
		total += time.Duration(n) * time.Minute
	}
	if len(parts) > 2 {
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			return 0, fmt.Errorf("malformed duration %q", d)
		}
		total += time.Duration(n) * time.Hour
	}
	return total, nil
}

// SecondaryAcctCommand returns "": SLURM has only sacct.
func (s *Scheduler) SecondaryAcctCommand(r *batch.Resource, jobid string) (string, error) {
	return "", nil
}

func (s *Scheduler) ParseSecondaryAcctOutput(stdout string) (batch.AcctInfo, error) {
	return batch.AcctInfo{}, nil
}

func (s *Scheduler) CancelCommand(r *batch.Resource, jobid string) (string, error) {
	argv, err := r.CommandArgv("scancel", "scancel")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s", batch.JoinCommand(argv), jobid), nil
}

// UpdateResourceStatus counts running and pending jobs in squeue
// output. SLURM does not expose a cluster-wide free-slot count, so
// FreeSlots is -1 and brokering falls back on the queue lengths.
func (s *Scheduler) UpdateResourceStatus(ctx context.Context, tr transport.Transport, r *batch.Resource, username string) error {
	argv, err := r.CommandArgv("squeue", "squeue")
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("%s --noheader -o '%%i^%%T^%%u^%%U^%%r^%%R'", batch.JoinCommand(argv))
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
		if line == "" {
			continue
		}
		fields := strings.Split(line, "^")
		if len(fields) < 6 {
			continue
		}
		state, user := fields[1], fields[2]
		switch state {
		case "RUNNING", "COMPLETING":
			if user == username {
				userRun++
			}
		case "PENDING", "CONFIGURING":
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
