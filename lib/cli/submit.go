// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/gridrun/gridrun/lib/cmd"
	"github.com/gridrun/gridrun/lib/engine"
	"github.com/gridrun/gridrun/lib/store"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
)

// jobFile is the YAML description of one application, an alternative
// to spelling everything out in flags.
type jobFile struct {
	Name        string            `json:"name,omitempty"`
	Arguments   []string          `json:"arguments"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	OutputDir   string            `json:"output_dir,omitempty"`
	Cores       int               `json:"cores,omitempty"`
	Memory      gridrun.ByteSize  `json:"memory,omitempty"`
	Walltime    gridrun.Duration  `json:"walltime,omitempty"`
	Arch        string            `json:"architecture,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Stdin       string            `json:"stdin,omitempty"`
	Stdout      string            `json:"stdout,omitempty"`
	Stderr      string            `json:"stderr,omitempty"`
	Join        bool              `json:"join,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
}

func (jf *jobFile) application() *gridrun.Application {
	app := gridrun.NewApplication(jf.Name, jf.Arguments...)
	app.Inputs = jf.Inputs
	app.Outputs = jf.Outputs
	app.OutputDir = jf.OutputDir
	app.RequestedCores = jf.Cores
	app.RequestedMemory = jf.Memory
	app.RequestedWalltime = jf.Walltime
	app.RequestedArchitecture = jf.Arch
	app.Environment = jf.Environment
	app.Stdin = jf.Stdin
	app.Stdout = jf.Stdout
	app.Stderr = jf.Stderr
	app.Join = jf.Join
	app.Tags = jf.Tags
	return app
}

func parseJobFile(buf []byte) (*gridrun.Application, error) {
	var jf jobFile
	if err := yaml.Unmarshal(buf, &jf); err != nil {
		return nil, gridrun.NewInvalidArgumentError("malformed job file: %s", err)
	}
	app := jf.application()
	if err := app.Validate(); err != nil {
		return nil, err
	}
	return app, nil
}

// mapFlag collects repeated KEY=VALUE flag instances into a map.
type mapFlag map[string]string

func (mf mapFlag) String() string { return "" }

func (mf mapFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected KEY=VALUE, got %q", s)
	}
	mf[k] = v
	return nil
}

// Submit brokers a new job onto the configured resources and records
// it in the session store.
func Submit(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configPath := flags.String("config", "", "configuration `file`")
	logLevel := flags.String("log-level", "warning", "logging `level`")
	jobPath := flags.String("job", "", "YAML job description `file` (overrides most other flags)")
	name := flags.String("name", "", "job `name`")
	cores := flags.Int("cores", 1, "requested `cores`")
	memory := flags.String("memory", "", "requested memory per core (e.g. `4GiB`)")
	walltime := flags.Duration("walltime", 0, "requested wall-clock `duration`")
	arch := flags.String("architecture", "", "requested `architecture` (x86_64, i686)")
	outputDir := flags.String("output-dir", "", "local `directory` results are collected into")
	stdoutFile := flags.String("stdout", "", "remote `file` capturing the job's standard output")
	join := flags.Bool("join", false, "merge the job's stderr into its stdout")
	hold := flags.Bool("hold", false, "record the job but let the daemon submit it")
	inputs := mapFlag{}
	flags.Var(inputs, "input", "stage a local file in, as LOCAL=REMOTE (repeatable)")
	outputs := mapFlag{}
	flags.Var(outputs, "output", "fetch a remote file back, as REMOTE=LOCAL (repeatable)")
	env := mapFlag{}
	flags.Var(env, "env", "set an environment variable, as NAME=VALUE (repeatable)")
	targets := flags.String("resource", "", "restrict brokering to this comma-separated resource `list`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "command [args...]", stderr); !ok {
		return code
	}

	ctx, cancel := commandContext()
	defer cancel()

	var app *gridrun.Application
	if *jobPath != "" {
		buf, err := os.ReadFile(*jobPath)
		if err != nil {
			return fail(stderr, err)
		}
		app, err = parseJobFile(buf)
		if err != nil {
			return fail(stderr, err)
		}
	} else {
		if flags.NArg() == 0 {
			fmt.Fprintln(stderr, "nothing to run: give a command or -job file (try -help)")
			return 2
		}
		app = gridrun.NewApplication(*name, flags.Args()...)
		app.Inputs = inputs
		app.Outputs = outputs
		app.OutputDir = *outputDir
		app.RequestedCores = *cores
		if *memory != "" {
			size, err := gridrun.ParseByteSize(*memory)
			if err != nil {
				return fail(stderr, gridrun.NewInvalidArgumentError("bad -memory value %q: %s", *memory, err))
			}
			app.RequestedMemory = size
		}
		app.RequestedWalltime = gridrun.Duration(*walltime)
		app.RequestedArchitecture = *arch
		app.Environment = env
		app.Stdout = *stdoutFile
		app.Join = *join
		if err := app.Validate(); err != nil {
			return fail(stderr, err)
		}
	}

	sess, err := newSession(ctx, *configPath, *logLevel, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer sess.Close()

	if !*hold {
		core, err := sess.Core()
		if err != nil {
			return fail(stderr, err)
		}
		var only []string
		if *targets != "" {
			only = strings.Split(*targets, ",")
		}
		if err := core.SubmitApp(ctx, app, false, only); err != nil {
			return fail(stderr, err)
		}
	}

	id, err := sess.str.Save(ctx, store.Snapshot("", app))
	if err != nil {
		return fail(stderr, err)
	}
	run := app.Execution()
	fmt.Fprintf(stdout, "%s %s %s", id, app.Jobname, run.State())
	if run.LRMSJobID != "" {
		fmt.Fprintf(stdout, " job %s on %s", run.LRMSJobID, run.GetExtra(engine.ExtraResourceName))
	}
	fmt.Fprintln(stdout)
	return 0
}
