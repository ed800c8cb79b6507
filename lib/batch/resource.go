// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"time"

	"github.com/google/shlex"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
)

// DefaultSpoolDir is where per-job scratch directories are created
// on the remote host when the resource config does not say
// otherwise.
const DefaultSpoolDir = "$HOME/.gridrun_jobs"

// DefaultAccountingDelay is how long a backend tolerates the status
// and accounting commands failing before declaring a job lost.
const DefaultAccountingDelay = 15 * time.Second

// Counters are the live usage numbers of a resource, refreshed
// wholesale by GetResourceStatus. They are advisory: the remote
// scheduler is the final arbiter, and a brokering decision based on
// a stale snapshot is an accepted race.
type Counters struct {
	// FreeSlots is the number of job slots available right now;
	// -1 when the scheduler does not expose it.
	FreeSlots int `json:"free_slots"`
	// Queued counts jobs queued cluster-wide.
	Queued int `json:"queued"`
	// UserRun and UserQueued count this user's running and
	// queued jobs.
	UserRun    int `json:"user_run"`
	UserQueued int `json:"user_queued"`
}

// A Resource describes one long-lived execution endpoint: a batch
// cluster frontend plus its capacity limits and live usage counters.
type Resource struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	// Frontend is the host the scheduler commands run on.
	Frontend string `json:"frontend"`

	// Architectures advertises the machine architectures jobs can
	// request ("x86_64", "i686"). Empty means "anything goes".
	Architectures []string `json:"architectures,omitempty"`

	MaxCores         int              `json:"max_cores"`
	MaxCoresPerJob   int              `json:"max_cores_per_job"`
	MaxMemoryPerCore gridrun.ByteSize `json:"max_memory_per_core"`
	MaxWalltime      gridrun.Duration `json:"max_walltime"`

	// SpoolDir is the remote directory job scratch directories
	// are created under.
	SpoolDir string `json:"spool_dir,omitempty"`

	// Prologue and Epilogue are shell snippets wrapped around the
	// job command in the uploaded submission script.
	Prologue string `json:"prologue,omitempty"`
	Epilogue string `json:"epilogue,omitempty"`

	// Commands overrides scheduler command lines by name, e.g.
	// {"qsub": "qsub -q fast"}. Values are split shell-style.
	Commands map[string]string `json:"commands,omitempty"`

	// AccountingDelay overrides DefaultAccountingDelay.
	AccountingDelay gridrun.Duration `json:"accounting_delay,omitempty"`

	// DefaultPE is the SGE parallel environment used for
	// multi-core jobs with no per-application override.
	DefaultPE string `json:"default_pe,omitempty"`

	// LSFContinuationLinePrefixLength fixes the continuation-line
	// prefix width of `bjobs -l` output; 0 means "guess".
	LSFContinuationLinePrefixLength int `json:"lsf_continuation_line_prefix_length,omitempty"`

	Counters       Counters  `json:"counters"`
	CountersUpdate time.Time `json:"counters_update,omitempty"`
}

// CommandArgv returns the argv to use for the named scheduler
// command: the configured override split shell-style, or the given
// default.
func (r *Resource) CommandArgv(name string, deflt ...string) ([]string, error) {
	override, ok := r.Commands[name]
	if !ok {
		return deflt, nil
	}
	argv, err := shlex.Split(override)
	if err != nil || len(argv) == 0 {
		return nil, gridrun.NewConfigurationError(
			"malformed %q command override %q on resource %s", name, override, r.Name)
	}
	return argv, nil
}

// Spool returns the effective spool directory.
func (r *Resource) Spool() string {
	if r.SpoolDir == "" {
		return DefaultSpoolDir
	}
	return r.SpoolDir
}

// AcctDelay returns the effective accounting grace period.
func (r *Resource) AcctDelay() time.Duration {
	if r.AccountingDelay == 0 {
		return DefaultAccountingDelay
	}
	return r.AccountingDelay.Duration()
}

// SupportsArchitecture reports whether the resource can run jobs
// requesting the given architecture.
func (r *Resource) SupportsArchitecture(arch string) bool {
	if arch == "" || len(r.Architectures) == 0 {
		return true
	}
	for _, a := range r.Architectures {
		if a == arch {
			return true
		}
	}
	return false
}
