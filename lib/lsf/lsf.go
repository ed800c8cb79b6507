// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package lsf implements job control on IBM Platform LSF clusters
// via the bsub/bjobs/bacct/bkill command suite.
package lsf

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

// Scheduler talks to LSF. It implements batch.Scheduler.
type Scheduler struct {
	// ContinuationLinePrefixLength is the width of the whitespace
	// prefix `bjobs -l` uses on wrapped lines. It varies between
	// LSF releases; 0 means "guess from the output".
	ContinuationLinePrefixLength int
}

func (s *Scheduler) BatchSystemName() string { return "LSF" }

// SubmitCommand builds the bsub invocation for app. bsub accepts the
// job command directly on its command line, so no script is needed
// unless the resource configures a prologue or epilogue.
func (s *Scheduler) SubmitCommand(r *batch.Resource, app *gridrun.Application) ([]string, string, error) {
	argv, err := r.CommandArgv("bsub", "bsub")
	if err != nil {
		return nil, "", err
	}
	bsub := append(append([]string(nil), argv...), "-cwd", ".", "-L", "/bin/sh")
	if app.RequestedCores > 1 {
		// all cores on one host
		bsub = append(bsub, "-n", strconv.Itoa(app.RequestedCores), "-R", "span[hosts=1]")
	}
	if app.RequestedWalltime > 0 {
		minutes := app.RequestedWalltime.Minutes()
		bsub = append(bsub, "-W", fmt.Sprintf("%02d:%02d", minutes/60, minutes%60))
	}
	if app.RequestedMemory > 0 {
		bsub = append(bsub, "-R", fmt.Sprintf("rusage[mem=%d]", app.RequestedMemory.MiB()))
	}
	if app.Stdout != "" {
		bsub = append(bsub, "-oo", app.Stdout)
		if !app.Join && app.Stderr == "" {
			// LSF joins stderr into stdout by default
			bsub = append(bsub, "-eo", "/dev/null")
		}
	}
	if app.Stdin != "" {
		bsub = append(bsub, "-i", path.Base(app.Stdin))
	}
	if app.Stderr != "" && !app.Join {
		bsub = append(bsub, "-eo", app.Stderr)
	}
	if app.Jobname != "" {
		bsub = append(bsub, "-J", app.Jobname)
	}
	if len(app.Environment) > 0 {
		// bsub has no flag for setting environment variables, but
		// LSF copies the submission environment to the execution
		// host, so an env prefix on bsub itself works
		env := []string{"/usr/bin/env"}
		for _, k := range sortedKeys(app.Environment) {
			env = append(env, k+"="+app.Environment[k])
		}
		bsub = append(env, bsub...)
	}
	if r.Prologue != "" || r.Epilogue != "" {
		return bsub, batch.JoinCommand(app.Arguments), nil
	}
	return append(bsub, app.Arguments...), "", nil
}

var bsubJobidRe = regexp.MustCompile(`(?i)^Job <(\d+)> is submitted`)

func (s *Scheduler) ParseSubmitOutput(stdout string) (string, error) {
	for _, line := range strings.Split(stdout, "\n") {
		if m := bsubJobidRe.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
	}
	return "", gridrun.NewInternalError("could not extract job id from bsub output %q", stdout)
}

func (s *Scheduler) StatCommand(r *batch.Resource, jobid string) (string, error) {
	argv, err := r.CommandArgv("bjobs", "bjobs")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s -l %s", batch.JoinCommand(argv), jobid), nil
}

var (
	jobNotFoundRe      = regexp.MustCompile(`Job <\d+> is not found`)
	statusRe           = regexp.MustCompile(`Status <([A-Z]+)>`)
	unsuccessfulExitRe = regexp.MustCompile(`Exited with exit code (\d+)\.`)
	signalExitRe       = regexp.MustCompile(`Exited by signal (\d+)\.`)
	cpuTimeRe          = regexp.MustCompile(`The CPU time used is (\d+(?:\.\d+)?) seconds`)
	memUsedRe          = regexp.MustCompile(`MAX MEM:\s+(\d+)\s+([a-zA-Z]+);`)
)

var lsfStateMap = map[string]gridrun.State{
	"PEND":  gridrun.StateSubmitted,
	"RUN":   gridrun.StateRunning,
	"PSUSP": gridrun.StateStopped,
	"USUSP": gridrun.StateStopped,
	"SSUSP": gridrun.StateStopped,
	// DONE is success, EXIT is nonzero exit or kill, ZOMBI is
	// killed and unreachable
	"DONE":  gridrun.StateTerminating,
	"EXIT":  gridrun.StateTerminating,
	"ZOMBI": gridrun.StateTerminating,
	"UNKWN": gridrun.StateUnknown,
}

// ParseStatOutput reads `bjobs -l` output. bjobs forgets jobs a few
// minutes after completion and then reports "Job <X> is not found" on
// stderr; since we only query jobs we submitted ourselves, that is
// taken to mean the job terminated.
func (s *Scheduler) ParseStatOutput(stdout, stderr string) (batch.StatResult, error) {
	if jobNotFoundRe.MatchString(stderr) {
		return batch.StatResult{State: gridrun.StateTerminating}, nil
	}
	stdout = joinContinuationLines(stdout, s.ContinuationLinePrefixLength)

	m := statusRe.FindStringSubmatch(stdout)
	if m == nil {
		return batch.StatResult{State: gridrun.StateUnknown}, nil
	}
	lsfState := m[1]
	state, ok := lsfStateMap[lsfState]
	if !ok {
		state = gridrun.StateUnknown
	}
	var termstatus *batch.TermStatus
	switch lsfState {
	case "DONE":
		termstatus = &batch.TermStatus{Signal: 0, ExitCode: 0}
	case "EXIT":
		if m := unsuccessfulExitRe.FindStringSubmatch(stdout); m != nil {
			rc, _ := strconv.Atoi(m[1])
			signal, exitcode := gridrun.ShellExitToTermStatus(rc)
			termstatus = &batch.TermStatus{Signal: signal, ExitCode: exitcode}
		} else if m := signalExitRe.FindStringSubmatch(stdout); m != nil {
			// killed jobs report the signal instead of an exit code
			signal, _ := strconv.Atoi(m[1])
			termstatus = &batch.TermStatus{Signal: signal, ExitCode: -1}
		}
	}
	return batch.StatResult{State: state, TermStatus: termstatus}, nil
}

// joinContinuationLines undoes the wrapping in `bjobs -l` output:
// lines are truncated at 79 characters and continued on the next line
// behind a fixed-width whitespace prefix.
func joinContinuationLines(stdout string, prefixLen int) string {
	if prefixLen <= 0 {
		prefixLen = guessContinuationLinePrefixLen(stdout)
	}
	if prefixLen <= 0 {
		return stdout
	}
	prefix := strings.Repeat(" ", prefixLen)
	var lines []string
	for _, line := range strings.Split(stdout, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, prefix) && len(lines) > 0 {
			lines[len(lines)-1] += line[prefixLen:]
		} else {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// guessContinuationLinePrefixLen picks the most frequent leading-space
// run among lines that look like wrapped field lists (containing `<`
// or `>`). The prefix width changes between LSF releases, so unless
// configured it has to be inferred from the output itself. Ties go to
// the wider prefix: joining too little is recoverable, joining
// unrelated lines is not.
func guessContinuationLinePrefixLen(stdout string) int {
	occurrences := map[int]int{}
	for _, line := range strings.Split(stdout, "\n") {
		if !strings.ContainsAny(line, "<>") {
			continue
		}
		occurrences[len(line)-len(strings.TrimLeft(line, " "))]++
	}
	best, bestCount := 0, 0
	for length, count := range occurrences {
		if count > bestCount || (count == bestCount && length > best) {
			best, bestCount = length, count
		}
	}
	return best
}

// AcctCommand also runs `bjobs -l`: bacct is painfully slow on some
// LSF installations, so the fast path parses usage figures out of
// bjobs output and bacct stays as the secondary fallback.
func (s *Scheduler) AcctCommand(r *batch.Resource, jobid string) (string, error) {
	argv, err := r.CommandArgv("bjobs", "bjobs")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s -l %s", batch.JoinCommand(argv), jobid), nil
}

var eventRe = regexp.MustCompile(
	`^(?:Mon|Tue|Wed|Thu|Fri|Sat|Sun)\s+` +
		`(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\s+\d+\s+[0-9:]+:` +
		`\s+(Submitted|Dispatched|Started|Completed|Done successfully)`)

func (s *Scheduler) ParseAcctOutput(stdout string) (batch.AcctInfo, error) {
	stdout = joinContinuationLines(stdout, s.ContinuationLinePrefixLength)
	extra := map[string]string{}
	if m := cpuTimeRe.FindStringSubmatch(stdout); m != nil {
		extra["used_cpu_time"] = m[1] + "s"
	}
	if m := memUsedRe.FindStringSubmatch(stdout); m != nil {
		extra["max_used_memory"] = m[1] + " " + m[2]
	}
	for _, line := range strings.Split(stdout, "\n") {
		m := eventRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		timestamp := strings.SplitN(line, ": ", 2)[0]
		switch m[1] {
		case "Submitted":
			extra["lsf_submission_time"] = timestamp
		case "Dispatched", "Started":
			extra["lsf_start_time"] = timestamp
		case "Completed", "Done successfully":
			extra["lsf_completion_time"] = timestamp
		}
	}
	if d := eventDuration(extra["lsf_start_time"], extra["lsf_completion_time"]); d != "" {
		extra["duration"] = d
	}
	// bjobs yields usage figures only; the exit status comes from
	// the Status <...> line handled by ParseStatOutput
	return batch.AcctInfo{Extra: extra}, nil
}

func (s *Scheduler) SecondaryAcctCommand(r *batch.Resource, jobid string) (string, error) {
	argv, err := r.CommandArgv("bacct", "bacct")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s -l %s", batch.JoinCommand(argv), jobid), nil
}

var resourceUsageHeaderRe = regexp.MustCompile(
	`^\s+CPU_T\s+WAIT\s+TURNAROUND\s+STATUS\s+HOG_FACTOR\s+MEM\s+SWAP`)

// ParseSecondaryAcctOutput reads `bacct -l` output: the event log for
// timestamps, and the resource-usage table (figures on the line after
// the CPU_T header) for cpu time and memory.
func (s *Scheduler) ParseSecondaryAcctOutput(stdout string) (batch.AcctInfo, error) {
	extra := map[string]string{}
	lines := strings.Split(stdout, "\n")
	for i, line := range lines {
		if m := eventRe.FindStringSubmatch(line); m != nil {
			timestamp := strings.SplitN(line, ": ", 2)[0]
			switch m[1] {
			case "Submitted":
				extra["lsf_submission_time"] = timestamp
			case "Dispatched":
				extra["lsf_start_time"] = timestamp
			case "Completed":
				extra["lsf_completion_time"] = timestamp
			}
			continue
		}
		if resourceUsageHeaderRe.MatchString(line) && i+1 < len(lines) {
			fields := strings.Fields(lines[i+1])
			if len(fields) >= 7 {
				extra["used_cpu_time"] = fields[0] + "s"
				extra["max_used_memory"] = fields[5]
				extra["lsf_max_swap"] = fields[6]
			}
			break
		}
	}
	if d := eventDuration(extra["lsf_start_time"], extra["lsf_completion_time"]); d != "" {
		extra["duration"] = d
	}
	return batch.AcctInfo{Extra: extra}, nil
}

// LSF timestamps come with or without a year depending on age.
var lsfTimeLayouts = []string{"Mon Jan _2 15:04:05 2006", "Mon Jan _2 15:04:05"}

func parseEventTime(ts string) (time.Time, bool) {
	for _, layout := range lsfTimeLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func eventDuration(start, end string) string {
	st, ok1 := parseEventTime(start)
	et, ok2 := parseEventTime(end)
	if !ok1 || !ok2 {
		return ""
	}
	d := et.Sub(st)
	if d < 0 {
		return ""
	}
	return d.String()
}

func (s *Scheduler) CancelCommand(r *batch.Resource, jobid string) (string, error) {
	argv, err := r.CommandArgv("bkill", "bkill")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s", batch.JoinCommand(argv), jobid), nil
}

var lsfQueuedStatuses = map[string]bool{
	"PEND": true, "PSUSP": true, "USUSP": true,
	"SSUSP": true, "WAIT": true, "ZOMBI": true,
}

// UpdateResourceStatus computes free slots as the difference between
// the core counts advertised by `lshosts -w` and the cores allocated
// to jobs listed by `bjobs -u all -w`.
func (s *Scheduler) UpdateResourceStatus(ctx context.Context, tr transport.Transport, r *batch.Resource, username string) error {
	lshostsArgv, err := r.CommandArgv("lshosts", "lshosts")
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("%s -w", batch.JoinCommand(lshostsArgv))
	code, stdout, stderr, err := tr.ExecuteCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%q exited with code %d on resource %s: %q",
			cmd, code, r.Name, strings.TrimSpace(stderr))
	}
	totalCores := 0
	for i, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if i == 0 {
			// header
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		if n, err := strconv.Atoi(fields[4]); err == nil {
			totalCores += n
		}
	}

	bjobsArgv, err := r.CommandArgv("bjobs", "bjobs")
	if err != nil {
		return err
	}
	cmd = fmt.Sprintf("%s -u all -w", batch.JoinCommand(bjobsArgv))
	code, stdout, stderr, err = tr.ExecuteCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%q exited with code %d on resource %s: %q",
			cmd, code, r.Name, strings.TrimSpace(stderr))
	}
	var usedCores, queued, userRun, userQueued int
	for i, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		user, stat, execHost := fields[1], fields[2], fields[5]
		if lsfQueuedStatuses[stat] {
			queued++
			if user == username {
				userQueued++
			}
			continue
		}
		if user == username {
			userRun++
		}
		// EXEC_HOST looks like "1*cpt178:2*cpt151"
		for _, node := range strings.Split(execHost, ":") {
			if n, name, found := strings.Cut(node, "*"); found && name != "" {
				if cores, err := strconv.Atoi(n); err == nil {
					usedCores += cores
					continue
				}
			}
			usedCores++
		}
	}
	r.Counters = batch.Counters{
		FreeSlots:  totalCores - usedCores,
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
