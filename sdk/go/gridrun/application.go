// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gridrun

import (
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// AnyOutput, used as a key in an application's Outputs map, means
// "fetch every file the job left in its remote directory".
const AnyOutput = "*"

// Supported values for Application.RequestedArchitecture.
const (
	ArchX8664 = "x86_64"
	ArchX8632 = "i686"
)

// An Application describes one external command execution: what to
// run, which files to stage in and out, and what resources the job
// needs. It embeds Task, so once validated and attached to a
// controller it can be submitted, polled and collected directly.
type Application struct {
	Task

	// Arguments is the argv to execute; the first element is the
	// program.
	Arguments []string

	// Inputs maps a local source (file path or http/https URL) to
	// the relative path it is staged to in the job's remote
	// directory.
	Inputs map[string]string

	// Outputs maps a relative remote path (or AnyOutput) to the
	// local destination it is fetched to, relative to OutputDir.
	Outputs map[string]string

	// OutputDir is the local directory output files are resolved
	// against.
	OutputDir string

	RequestedCores        int
	RequestedMemory       ByteSize
	RequestedWalltime     Duration
	RequestedArchitecture string

	// Environment is exported into the job's environment.
	Environment map[string]string

	Stdin  string
	Stdout string
	Stderr string
	// Join merges stderr into the stdout stream.
	Join bool

	// Tags lists capability strings the execution resource must
	// advertise.
	Tags []string

	// TerminatedFunc, if set, runs when the application reaches
	// TERMINATED -- the place to parse output files and replace
	// the scheduler's exit code with a meaningful one.
	TerminatedFunc func(*Application)

	validated bool
}

// NewApplication returns an Application in state NEW. The caller
// fills in the remaining fields before handing it to a controller.
func NewApplication(jobname string, arguments ...string) *Application {
	app := &Application{Arguments: arguments}
	if jobname == "" && len(arguments) > 0 {
		jobname = sanitizeJobname(filepath.Base(arguments[0]))
	}
	app.Task.init(app, app, jobname)
	return app
}

// OnTerminated implements the TERMINATED state hook, delegating to
// TerminatedFunc.
func (app *Application) OnTerminated() {
	if app.TerminatedFunc != nil {
		app.TerminatedFunc(app)
	}
}

var jobnameOK = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]*$`)

func sanitizeJobname(name string) string {
	if name == "" || jobnameOK.MatchString(name) {
		return name
	}
	clean := make([]byte, 0, len(name)+1)
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '_', c == '.', c == '-':
			clean = append(clean, c)
		default:
			clean = append(clean, '_')
		}
	}
	// scheduler job names must not start with a digit
	if len(clean) == 0 || (clean[0] >= '0' && clean[0] <= '9') {
		clean = append([]byte{'j'}, clean...)
	}
	return string(clean)
}

// Validate checks the application description and normalizes it:
// stdin is added to the inputs, stdout/stderr to the outputs, and
// Join folds stderr into stdout. It enforces the staging-map
// invariants: remote paths must be relative, and no two entries may
// collide on the same remote (inputs) or local (outputs) path.
// Validate is idempotent.
func (app *Application) Validate() error {
	if len(app.Arguments) == 0 {
		return NewInvalidArgumentError("application has no arguments")
	}
	if app.RequestedCores == 0 {
		app.RequestedCores = 1
	}
	if app.RequestedCores < 1 {
		return NewInvalidArgumentError("requested_cores must be >= 1, got %d", app.RequestedCores)
	}
	switch app.RequestedArchitecture {
	case "", ArchX8664, ArchX8632:
	default:
		return NewInvalidArgumentError("unknown architecture %q", app.RequestedArchitecture)
	}
	if app.Jobname == "" {
		app.Jobname = sanitizeJobname(filepath.Base(app.Arguments[0]))
	}
	if app.Join {
		if app.Stderr != "" && app.Stdout != "" && app.Stderr != app.Stdout {
			return NewInvalidArgumentError(
				"join requested but stderr %q differs from stdout %q", app.Stderr, app.Stdout)
		}
		if app.Stdout == "" {
			app.Stdout = app.Stderr
		}
		app.Stderr = app.Stdout
	}
	if app.Inputs == nil {
		app.Inputs = map[string]string{}
	}
	if app.Outputs == nil {
		app.Outputs = map[string]string{}
	}
	if app.Stdin != "" {
		if _, ok := app.Inputs[app.Stdin]; !ok {
			app.Inputs[app.Stdin] = path.Base(app.Stdin)
		}
	}
	if app.Stdout != "" {
		if _, ok := app.Outputs[app.Stdout]; !ok {
			app.Outputs[app.Stdout] = app.Stdout
		}
	}
	if app.Stderr != "" && !app.Join {
		if _, ok := app.Outputs[app.Stderr]; !ok {
			app.Outputs[app.Stderr] = app.Stderr
		}
	}
	if err := checkStagingMap(app.Inputs, "input", "remote", func(local, remote string) (string, string) {
		return remote, local
	}); err != nil {
		return err
	}
	if err := checkStagingMap(app.Outputs, "output", "local", func(remote, local string) (string, string) {
		return local, remote
	}); err != nil {
		return err
	}
	for _, remote := range app.Inputs {
		if isRemoteAbs(remote) {
			return NewInvalidArgumentError(
				"input remote path %q is absolute; staging paths must be relative", remote)
		}
	}
	for remote := range app.Outputs {
		if remote != AnyOutput && isRemoteAbs(remote) {
			return NewInvalidArgumentError(
				"output remote path %q is absolute; staging paths must be relative", remote)
		}
	}
	app.validated = true
	return nil
}

// checkStagingMap flags two map entries colliding on the same
// "checked" side (remote for inputs, local for outputs). Keys are
// sorted so the reported pair is deterministic.
func checkStagingMap(m map[string]string, kind, side string, split func(k, v string) (checked, other string)) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	seen := map[string]string{}
	for _, k := range keys {
		checked, other := split(k, m[k])
		if checked == AnyOutput {
			continue
		}
		if prev, dup := seen[checked]; dup {
			return NewDuplicateEntryError(
				"%s entries %q and %q both use %s path %q", kind, prev, other, side, checked)
		}
		seen[checked] = other
	}
	return nil
}

func isRemoteAbs(p string) bool {
	return strings.HasPrefix(p, "/")
}

// Cmdline returns the argv to execute on the remote host. When the
// application carries environment settings the command is wrapped in
// /usr/bin/env so they apply regardless of the remote shell.
func (app *Application) Cmdline() []string {
	if len(app.Environment) == 0 {
		return append([]string(nil), app.Arguments...)
	}
	argv := []string{"/usr/bin/env"}
	for _, k := range sortedKeys(app.Environment) {
		argv = append(argv, k+"="+app.Environment[k])
	}
	return append(argv, app.Arguments...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
