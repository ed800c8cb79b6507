// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package batch implements the submission/status/accounting/
// cancellation protocol shared by every batch-queue backend. A
// concrete scheduler (PBS, SGE, LSF, SLURM) plugs in by implementing
// the Scheduler interface; everything else -- job directory
// lifecycle, input/output staging, the accounting fallback chain --
// is common code here.
package batch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gridrun/gridrun/lib/transport"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Names of the Run.Extra attributes maintained by this package.
const (
	ExtraRemoteFolder   = "ssh_remote_folder"
	ExtraJobname        = "lrms_jobname"
	ExtraStdoutFilename = "stdout_filename"
	ExtraStderrFilename = "stderr_filename"
	extraStatFailedAt   = "stat_failed_at"
)

// TermStatus is a decoded job termination status.
type TermStatus struct {
	Signal   int
	ExitCode int
}

// StatResult is what a scheduler's live-status parser yields. The
// termination status is filled only in the rare cases where the
// status command itself reveals the outcome.
type StatResult struct {
	State      gridrun.State
	TermStatus *TermStatus
	Extra      map[string]string
}

// AcctInfo is what a scheduler's accounting parser yields: the
// termination status plus whatever usage figures the scheduler
// records (used_cpu_time, max_used_memory, duration, ...).
type AcctInfo struct {
	TermStatus *TermStatus
	Extra      map[string]string
}

// A Scheduler supplies the per-batch-system pieces of the protocol:
// command lines to run and parsers for their text output. Parsers
// must return an error when the output does not match the expected
// protocol; guessing a state from unrecognized output would
// misclassify job outcomes.
type Scheduler interface {
	// BatchSystemName is a human-readable identifier ("PBS/TORQUE",
	// "LSF", ...).
	BatchSystemName() string

	// SubmitCommand returns the submit argv and an optional script
	// body. If the script body is non-empty it is uploaded to the
	// job directory and its name appended to the argv; otherwise
	// the argv is executed as-is. Configuration problems (e.g. a
	// multi-core SGE job with no parallel environment configured)
	// must be reported here, before any remote command runs.
	SubmitCommand(r *Resource, app *gridrun.Application) (argv []string, script string, err error)
	// ParseSubmitOutput extracts the job id from the submit
	// command's stdout.
	ParseSubmitOutput(stdout string) (jobid string, err error)

	StatCommand(r *Resource, jobid string) (string, error)
	ParseStatOutput(stdout, stderr string) (StatResult, error)

	AcctCommand(r *Resource, jobid string) (string, error)
	ParseAcctOutput(stdout string) (AcctInfo, error)
	// SecondaryAcctCommand returns "" when the scheduler has no
	// second accounting fallback.
	SecondaryAcctCommand(r *Resource, jobid string) (string, error)
	ParseSecondaryAcctOutput(stdout string) (AcctInfo, error)

	CancelCommand(r *Resource, jobid string) (string, error)

	// UpdateResourceStatus refreshes r.Counters from the remote
	// scheduler.
	UpdateResourceStatus(ctx context.Context, tr transport.Transport, r *Resource, username string) error
}

// BatchSystem drives one Resource through a Transport using a
// Scheduler's commands. It implements the backend side of the job
// lifecycle; brokering across several BatchSystems is the engine's
// job.
type BatchSystem struct {
	*Resource
	Transport transport.Transport
	Scheduler Scheduler
	Logger    logrus.FieldLogger

	// HTTP fetches http(s):// input sources during staging.
	HTTP *retryablehttp.Client

	now func() time.Time
}

// New returns a BatchSystem for the given resource.
func New(r *Resource, tr transport.Transport, sched Scheduler, logger logrus.FieldLogger) *BatchSystem {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil
	return &BatchSystem{
		Resource:  r,
		Transport: tr,
		Scheduler: sched,
		Logger:    logger.WithField("resource", r.Name),
		HTTP:      httpClient,
		now:       time.Now,
	}
}

func (bs *BatchSystem) submitError(err error) error {
	return &gridrun.SubmitError{Resource: bs.Name, Err: err}
}

// SubmitJob stages the application's inputs into a fresh remote
// scratch directory, renders and runs the scheduler's submit
// command, and records the resulting job id. On success the
// application is SUBMITTED. A non-zero exit from the submit command
// is a submission error: this layer never retries, the brokering
// loop moves on to the next resource.
func (bs *BatchSystem) SubmitJob(ctx context.Context, app *gridrun.Application) error {
	if err := app.Validate(); err != nil {
		return err
	}
	// Render the submit command first: configuration errors must
	// surface before anything touches the remote host.
	subArgv, script, err := bs.Scheduler.SubmitCommand(bs.Resource, app)
	if err != nil {
		return err
	}

	if err := bs.Transport.Connect(ctx); err != nil {
		return err
	}

	spool := bs.Spool()
	cmd := fmt.Sprintf("mkdir -p %s; mktemp -d %s/batch_job.XXXXXXXXXX", spool, spool)
	code, stdout, stderr, err := bs.Transport.ExecuteCommand(ctx, cmd)
	if err != nil {
		return bs.submitError(err)
	}
	if code != 0 {
		return bs.submitError(fmt.Errorf(
			"cannot create job working directory: %q exited with code %d, stderr %q",
			cmd, code, excerpt(stderr)))
	}
	remoteDir := strings.SplitN(stdout, "\n", 2)[0]

	if err := bs.stageInputs(ctx, app, remoteDir); err != nil {
		return err
	}

	if strings.HasPrefix(app.Arguments[0], "./") {
		if err := bs.Transport.Chmod(ctx, path.Join(remoteDir, app.Arguments[0]), 0755); err != nil {
			return bs.submitError(err)
		}
	}

	// stdout/stderr may point into a subdirectory; the scheduler
	// won't create it
	for _, dest := range []string{app.Stdout, app.Stderr} {
		if dir := path.Dir(dest); dest != "" && dir != "." && dir != "/" {
			if err := bs.Transport.Makedirs(ctx, path.Join(remoteDir, dir)); err != nil {
				return bs.submitError(err)
			}
		}
	}

	scriptName := ""
	if script != "" {
		scriptName = fmt.Sprintf("./script.%s.sh", uuid.New())
		body := "#!/bin/sh\n"
		if bs.Prologue != "" {
			body += bs.Prologue + "\n"
		}
		body += script
		if bs.Epilogue != "" {
			body += bs.Epilogue + "\n"
		}
		if err := bs.Transport.PutBytes(ctx, path.Join(remoteDir, scriptName), []byte(body), 0755); err != nil {
			return bs.submitError(err)
		}
	}

	submitLine := JoinCommand(subArgv)
	if scriptName != "" {
		submitLine += " " + scriptName
	}
	cmd = fmt.Sprintf("/bin/sh -c %s", QuoteShell(fmt.Sprintf("cd %s && %s", remoteDir, submitLine)))
	code, stdout, stderr, err = bs.Transport.ExecuteCommand(ctx, cmd)
	if err != nil {
		return bs.submitError(err)
	}
	if code != 0 {
		return bs.submitError(fmt.Errorf(
			"submit command %q exited with code %d, stderr %q",
			submitLine, code, excerpt(stderr)))
	}

	jobid, err := bs.Scheduler.ParseSubmitOutput(stdout)
	if err != nil {
		return err
	}

	run := app.Execution()
	run.LRMSJobID = jobid
	run.SetExtra(ExtraRemoteFolder, remoteDir)
	run.SetExtra(ExtraJobname, app.Jobname)
	if app.Stdout != "" {
		run.SetExtra(ExtraStdoutFilename, app.Stdout)
	} else {
		run.SetExtra(ExtraStdoutFilename, fmt.Sprintf("%s.o%s", app.Jobname, jobid))
	}
	switch {
	case app.Join:
		run.SetExtra(ExtraStderrFilename, run.GetExtra(ExtraStdoutFilename))
	case app.Stderr != "":
		run.SetExtra(ExtraStderrFilename, app.Stderr)
	default:
		run.SetExtra(ExtraStderrFilename, fmt.Sprintf("%s.e%s", app.Jobname, jobid))
	}
	run.Info("submitted to %s @ %s, got jobid %s", bs.Scheduler.BatchSystemName(), bs.Name, jobid)
	bs.Logger.WithFields(logrus.Fields{"jobid": jobid, "jobname": app.Jobname}).Info("job submitted")
	return run.SetState(gridrun.StateSubmitted)
}

func (bs *BatchSystem) stageInputs(ctx context.Context, app *gridrun.Application, remoteDir string) error {
	sources := make([]string, 0, len(app.Inputs))
	for src := range app.Inputs {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		remote := path.Join(remoteDir, app.Inputs[src])
		if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
			if err := bs.stageURL(ctx, src, remote); err != nil {
				return err
			}
			continue
		}
		info, err := os.Stat(src)
		if err != nil {
			return &gridrun.DataStagingError{Path: src, Err: err}
		}
		if err := bs.Transport.Put(ctx, src, remote); err != nil {
			return &gridrun.DataStagingError{Path: src, Err: err}
		}
		if info.Mode()&0100 != 0 {
			if err := bs.Transport.Chmod(ctx, remote, 0755); err != nil {
				return &gridrun.DataStagingError{Path: src, Err: err}
			}
		}
	}
	return nil
}

func (bs *BatchSystem) stageURL(ctx context.Context, url, remote string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return &gridrun.DataStagingError{Path: url, Err: err}
	}
	resp, err := bs.HTTP.Do(req)
	if err != nil {
		return &gridrun.DataStagingError{Path: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return &gridrun.DataStagingError{Path: url, Err: fmt.Errorf("HTTP status %s", resp.Status)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &gridrun.DataStagingError{Path: url, Err: err}
	}
	if err := bs.Transport.PutBytes(ctx, remote, data, 0644); err != nil {
		return &gridrun.DataStagingError{Path: url, Err: err}
	}
	return nil
}

// UpdateJobState polls the scheduler and moves the application's run
// state accordingly.
//
// The live status command is trusted as long as it reports anything
// other than TERMINATING. Schedulers forget finished jobs quickly,
// so when the status command reports TERMINATING, or fails outright,
// the accounting command chain is consulted for the termination
// status. If nothing answers, the previous state is kept for up to
// the resource's accounting delay; past that the job is declared
// UNKNOWN and an error raised -- the job is considered lost, not
// silently dropped.
func (bs *BatchSystem) UpdateJobState(ctx context.Context, app *gridrun.Application) (gridrun.State, error) {
	run := app.Execution()
	if run.LRMSJobID == "" {
		return run.State(), gridrun.NewInvalidArgumentError("job has no scheduler job id; was it submitted?")
	}
	if err := bs.Transport.Connect(ctx); err != nil {
		return run.State(), err
	}
	log := bs.Logger.WithField("jobid", run.LRMSJobID)

	var termstatus *TermStatus

	cmd, err := bs.Scheduler.StatCommand(bs.Resource, run.LRMSJobID)
	if err != nil {
		return run.State(), err
	}
	code, stdout, stderr, err := bs.Transport.ExecuteCommand(ctx, cmd)
	if err != nil {
		return run.State(), err
	}
	if code == 0 {
		res, perr := bs.Scheduler.ParseStatOutput(stdout, stderr)
		if perr != nil {
			return run.State(), perr
		}
		for k, v := range res.Extra {
			run.SetExtra(k, v)
		}
		if res.State != gridrun.StateTerminating {
			bs.clearStatFailure(run)
			if err := run.SetState(res.State); err != nil {
				// a held job may be released and running
				// again by the time we poll
				if run.State() == gridrun.StateStopped && res.State == gridrun.StateRunning {
					run.MustSetState(gridrun.StateSubmitted)
					run.MustSetState(gridrun.StateRunning)
				} else {
					return run.State(), err
				}
			}
			return res.State, nil
		}
		termstatus = res.TermStatus
	} else {
		log.WithField("cmd", cmd).WithField("stderr", excerpt(stderr)).
			Debug("status command failed, falling back to accounting")
	}

	// Accounting fallback chain: primary, then secondary (if the
	// scheduler has one).
	var acct AcctInfo
	if termstatus == nil {
		acct, err = bs.runAcctChain(ctx, run, log)
		if err == nil && acct.TermStatus != nil {
			termstatus = acct.TermStatus
		}
	}

	if termstatus == nil {
		// Neither status nor accounting produced an answer. Even
		// when the status command already shows the job finished,
		// TERMINATING must not be committed without a termination
		// status: nothing polls a TERMINATING job again, so the
		// exit code would be lost for good. Keep the previous
		// state until accounting catches up.
		return bs.toleratePollFailure(run, app)
	}

	bs.clearStatFailure(run)
	for k, v := range acct.Extra {
		run.SetExtra(k, v)
	}
	run.SetTermStatus(termstatus.Signal, termstatus.ExitCode)
	if err := run.SetState(gridrun.StateTerminating); err != nil {
		return run.State(), err
	}
	return gridrun.StateTerminating, nil
}

func (bs *BatchSystem) runAcctChain(ctx context.Context, run *gridrun.Run, log logrus.FieldLogger) (AcctInfo, error) {
	type acctStep struct {
		command func(*Resource, string) (string, error)
		parse   func(string) (AcctInfo, error)
	}
	for _, step := range []acctStep{
		{bs.Scheduler.AcctCommand, bs.Scheduler.ParseAcctOutput},
		{bs.Scheduler.SecondaryAcctCommand, bs.Scheduler.ParseSecondaryAcctOutput},
	} {
		cmd, err := step.command(bs.Resource, run.LRMSJobID)
		if err != nil {
			return AcctInfo{}, err
		}
		if cmd == "" {
			continue
		}
		code, stdout, stderr, err := bs.Transport.ExecuteCommand(ctx, cmd)
		if err != nil {
			return AcctInfo{}, err
		}
		if code != 0 {
			log.WithField("cmd", cmd).WithField("stderr", excerpt(stderr)).
				Debug("accounting command failed")
			continue
		}
		acct, perr := step.parse(stdout)
		if perr != nil {
			log.WithField("cmd", cmd).WithError(perr).
				Debug("unexpected output from accounting command")
			continue
		}
		if acct.TermStatus != nil || len(acct.Extra) > 0 {
			return acct, nil
		}
	}
	return AcctInfo{}, nil
}

// toleratePollFailure keeps returning the previous state for up to
// the accounting delay after the first failed poll, then gives up:
// state UNKNOWN and an error. The first-failure timestamp lives on
// the run record so the grace window survives a process restart.
func (bs *BatchSystem) toleratePollFailure(run *gridrun.Run, app *gridrun.Application) (gridrun.State, error) {
	firstFailed := bs.now()
	if s := run.GetExtra(extraStatFailedAt); s != "" {
		if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
			firstFailed = time.Unix(unix, 0)
		}
	} else {
		run.SetExtra(extraStatFailedAt, strconv.FormatInt(firstFailed.Unix(), 10))
		return run.State(), nil
	}
	if bs.now().Sub(firstFailed) <= bs.AcctDelay() {
		return run.State(), nil
	}
	run.ForceState(gridrun.StateUnknown)
	return gridrun.StateUnknown, fmt.Errorf(
		"could not retrieve status information for job %q on resource %s for more than %s: %w",
		run.LRMSJobID, bs.Name, bs.AcctDelay(), gridrun.ErrSchedulerUnreachable)
}

func (bs *BatchSystem) clearStatFailure(run *gridrun.Run) {
	if run.GetExtra(extraStatFailedAt) != "" {
		delete(run.Extra, extraStatFailedAt)
	}
}

// CancelJob cancels the remote job and forces the local state to
// TERMINATED with the Cancelled pseudo-signal. The scheduler may
// race us and complete (or forget) the job first; "job already
// gone" answers are success. The only failure that propagates is
// exit code 127: the cancel command itself could not run.
func (bs *BatchSystem) CancelJob(ctx context.Context, app *gridrun.Application) error {
	run := app.Execution()
	if run.LRMSJobID != "" {
		if err := bs.Transport.Connect(ctx); err != nil {
			return err
		}
		cmd, err := bs.Scheduler.CancelCommand(bs.Resource, run.LRMSJobID)
		if err != nil {
			return err
		}
		code, _, stderr, err := bs.Transport.ExecuteCommand(ctx, cmd)
		if err != nil {
			return err
		}
		if code == 127 {
			return fmt.Errorf("cancel command %q could not be executed on resource %s: %q",
				cmd, bs.Name, excerpt(stderr))
		}
		if code != 0 {
			bs.Logger.WithFields(logrus.Fields{"jobid": run.LRMSJobID, "exit": code, "stderr": excerpt(stderr)}).
				Info("cancel command failed, assuming job is already gone")
		}
	}
	run.SetTermStatus(gridrun.SignalCancelled, -1)
	run.ForceState(gridrun.StateTerminated)
	return nil
}

// GetResults downloads the application's output files into
// downloadDir (default: the application's OutputDir), expanding
// directory entries and the fetch-everything wildcard against the
// remote job directory. Missing remote files are skipped: schedulers
// do not guarantee every declared output exists.
func (bs *BatchSystem) GetResults(ctx context.Context, app *gridrun.Application, downloadDir string, overwrite, changedOnly bool) (string, error) {
	run := app.Execution()
	remoteDir := run.GetExtra(ExtraRemoteFolder)
	if remoteDir == "" {
		return "", gridrun.ErrOutputNotAvailable
	}
	if downloadDir == "" {
		downloadDir = app.OutputDir
	}
	if downloadDir == "" {
		downloadDir = app.Jobname + ".d"
	}
	if err := bs.Transport.Connect(ctx); err != nil {
		return "", err
	}
	if err := os.MkdirAll(downloadDir, 0777); err != nil {
		return "", &gridrun.DataStagingError{Path: downloadDir, Err: err}
	}

	remotes := make([]string, 0, len(app.Outputs))
	for remote := range app.Outputs {
		remotes = append(remotes, remote)
	}
	sort.Strings(remotes)

	type pair struct{ remote, local string }
	var stageout []pair
	var walk func(remoteRel, localRoot, localRel string) error
	walk = func(remoteRel, localRoot, localRel string) error {
		remotePath := path.Join(remoteDir, GenericFilenameMapping(
			run.GetExtra(ExtraJobname), run.LRMSJobID, remoteRel))
		localPath := filepath.Join(localRoot, localRel)
		isdir, err := bs.Transport.IsDir(ctx, remotePath)
		if err != nil {
			return err
		}
		if !isdir {
			stageout = append(stageout, pair{remotePath, localPath})
			return nil
		}
		entries, err := bs.Transport.ListDir(ctx, remotePath)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := walk(path.Join(remoteRel, entry), localPath, entry); err != nil {
				return err
			}
		}
		return nil
	}
	for _, remote := range remotes {
		local := app.Outputs[remote]
		if remote == gridrun.AnyOutput {
			remote, local = "", ""
		}
		if err := walk(remote, downloadDir, local); err != nil {
			return "", err
		}
	}

	for _, p := range stageout {
		err := bs.Transport.Get(ctx, p.remote, p.local, transport.GetOptions{
			IgnoreNonexisting: true,
			Overwrite:         overwrite,
			ChangedOnly:       changedOnly,
		})
		if err != nil {
			return "", &gridrun.DataStagingError{Path: p.remote, Err: err}
		}
	}
	return downloadDir, nil
}

// Free deletes the job's remote scratch directory. Best-effort:
// failures are logged and swallowed, cleanup must not break the
// caller's control flow.
func (bs *BatchSystem) Free(ctx context.Context, app *gridrun.Application) error {
	run := app.Execution()
	remoteDir := run.GetExtra(ExtraRemoteFolder)
	if remoteDir == "" {
		return nil
	}
	if err := bs.Transport.Connect(ctx); err != nil {
		bs.Logger.WithError(err).Warn("cannot connect to free job directory")
		return nil
	}
	if err := bs.Transport.RemoveTree(ctx, remoteDir); err != nil {
		bs.Logger.WithField("dir", remoteDir).WithError(err).
			Warn("failed removing remote job directory")
	}
	return nil
}

// Peek returns a reader over size bytes of a remote job file
// starting at offset. what is "stdout", "stderr", or a path relative
// to the job's remote directory. size <= 0 means "to the end".
func (bs *BatchSystem) Peek(ctx context.Context, app *gridrun.Application, what string, offset, size int64) (io.ReadCloser, error) {
	run := app.Execution()
	remoteDir := run.GetExtra(ExtraRemoteFolder)
	if remoteDir == "" {
		return nil, gridrun.ErrOutputNotAvailable
	}
	switch what {
	case "stdout":
		what = run.GetExtra(ExtraStdoutFilename)
	case "stderr":
		what = run.GetExtra(ExtraStderrFilename)
	default:
		what = GenericFilenameMapping(run.GetExtra(ExtraJobname), run.LRMSJobID, what)
	}
	if err := bs.Transport.Connect(ctx); err != nil {
		return nil, err
	}
	f, err := bs.Transport.Open(ctx, path.Join(remoteDir, what))
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := io.CopyN(io.Discard, f, offset); err != nil {
			f.Close()
			return nil, err
		}
	}
	if size <= 0 {
		return f, nil
	}
	return &limitedReadCloser{Reader: io.LimitReader(f, size), closer: f}, nil
}

type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Close() error { return l.closer.Close() }

// GetResourceStatus refreshes the resource's usage counters from the
// remote scheduler.
func (bs *BatchSystem) GetResourceStatus(ctx context.Context) error {
	if err := bs.Transport.Connect(ctx); err != nil {
		return err
	}
	username, err := bs.Transport.CurrentUsername(ctx)
	if err != nil {
		return err
	}
	if err := bs.Scheduler.UpdateResourceStatus(ctx, bs.Transport, bs.Resource, username); err != nil {
		return err
	}
	bs.CountersUpdate = bs.now()
	bs.Logger.WithFields(logrus.Fields{
		"free_slots":  bs.Counters.FreeSlots,
		"queued":      bs.Counters.Queued,
		"user_queued": bs.Counters.UserQueued,
		"user_run":    bs.Counters.UserRun,
	}).Debug("updated resource status")
	return nil
}

// Close shuts the transport down.
func (bs *BatchSystem) Close() error {
	return bs.Transport.Close()
}
