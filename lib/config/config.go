// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration file naming the
// execution resources, the engine tuning knobs, and the task store.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/gridrun/gridrun/lib/batch"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
)

// DefaultConfigFile is where LoadFile looks when no path is given.
var DefaultConfigFile = "$HOME/.gridrun/config.yml"

// Supported resource types.
const (
	TypePBS   = "pbs"
	TypeSGE   = "sge"
	TypeLSF   = "lsf"
	TypeSLURM = "slurm"
)

// Supported transports.
const (
	TransportLocal = "local"
	TransportSSH   = "ssh"
)

// Supported store types.
const (
	StoreFilesystem = "filesystem"
	StorePostgreSQL = "postgresql"
)

// Config is the root of the configuration file.
type Config struct {
	// Resources maps a resource name to its settings.
	Resources map[string]Resource `json:"resources"`
	Engine    Engine              `json:"engine"`
	Store     Store               `json:"store"`
	Daemon    Daemon              `json:"daemon"`
}

// Resource configures one execution endpoint.
type Resource struct {
	// Type selects the scheduler dialect: pbs, sge, lsf or slurm.
	Type string `json:"type"`
	// Transport is how scheduler commands reach the frontend:
	// local or ssh.
	Transport string `json:"transport"`
	// Frontend is the host scheduler commands run on; required
	// for the ssh transport.
	Frontend string `json:"frontend,omitempty"`
	// Username is the remote account for the ssh transport; the
	// local user when empty.
	Username string `json:"username,omitempty"`
	// KeyFile is the private key authenticating the ssh
	// transport.
	KeyFile string `json:"keyfile,omitempty"`

	// Enabled defaults to true; a disabled resource is loaded but
	// never brokered to.
	Enabled *bool `json:"enabled,omitempty"`

	Architectures    []string         `json:"architectures,omitempty"`
	MaxCores         int              `json:"max_cores,omitempty"`
	MaxCoresPerJob   int              `json:"max_cores_per_job,omitempty"`
	MaxMemoryPerCore gridrun.ByteSize `json:"max_memory_per_core,omitempty"`
	MaxWalltime      gridrun.Duration `json:"max_walltime,omitempty"`

	SpoolDir string `json:"spool_dir,omitempty"`
	Prologue string `json:"prologue,omitempty"`
	Epilogue string `json:"epilogue,omitempty"`

	// Commands overrides scheduler command lines by name.
	Commands map[string]string `json:"commands,omitempty"`

	AccountingDelay gridrun.Duration `json:"accounting_delay,omitempty"`

	// Queue is passed to the scheduler's submit command (PBS).
	Queue string `json:"queue,omitempty"`
	// DefaultPE and PE configure SGE parallel environments.
	DefaultPE string            `json:"default_pe,omitempty"`
	PE        map[string]string `json:"pe,omitempty"`
	// LSFContinuationLinePrefixLength fixes the bjobs -l wrapped
	// line prefix width; 0 means "guess".
	LSFContinuationLinePrefixLength int `json:"lsf_continuation_line_prefix_length,omitempty"`
}

// Engine configures the polling loop.
type Engine struct {
	// PollInterval is how often the daemon runs a progress cycle.
	PollInterval gridrun.Duration `json:"poll_interval,omitempty"`
	// MaxInFlight caps the jobs submitted or running at once;
	// 0 means no cap.
	MaxInFlight int `json:"max_in_flight,omitempty"`
	// MaxSubmitted caps the jobs waiting in remote queues; 0
	// means no cap.
	MaxSubmitted int `json:"max_submitted,omitempty"`
	// FetchOverwrites replaces existing local files when
	// collecting output.
	FetchOverwrites bool `json:"fetch_overwrites,omitempty"`
}

// Store configures task persistence.
type Store struct {
	// Type is filesystem or postgresql.
	Type string `json:"type,omitempty"`
	// Directory is the session directory of a filesystem store.
	Directory string `json:"directory,omitempty"`
	// DSN is the connection string of a postgresql store.
	DSN string `json:"dsn,omitempty"`
}

// Daemon configures the gridrund HTTP listener.
type Daemon struct {
	// Listen is the address the status and metrics endpoints bind
	// to.
	Listen string `json:"listen,omitempty"`
}

// Load reads, defaults and validates a YAML configuration.
func Load(rdr io.Reader) (*Config, error) {
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, gridrun.NewConfigurationError("malformed configuration: %s", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads the configuration from a file; an empty path means
// DefaultConfigFile.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		path = os.ExpandEnv(DefaultConfigFile)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, gridrun.NewConfigurationError("cannot read configuration: %s", err)
	}
	defer f.Close()
	cfg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Engine: Engine{
			PollInterval: gridrun.Duration(30 * time.Second),
		},
		Store: Store{
			Type:      StoreFilesystem,
			Directory: "$HOME/.gridrun/session",
		},
		Daemon: Daemon{
			Listen: ":9951",
		},
	}
}

func (cfg *Config) validate() error {
	if len(cfg.Resources) == 0 {
		return gridrun.NewConfigurationError("configuration defines no resources")
	}
	for name, rc := range cfg.Resources {
		switch rc.Type {
		case TypePBS, TypeSGE, TypeLSF, TypeSLURM:
		case "":
			return gridrun.NewConfigurationError("resource %s: missing type", name)
		default:
			return gridrun.NewConfigurationError("resource %s: unknown type %q", name, rc.Type)
		}
		switch rc.Transport {
		case TransportLocal, "":
		case TransportSSH:
			if rc.Frontend == "" {
				return gridrun.NewConfigurationError("resource %s: ssh transport needs a frontend", name)
			}
		default:
			return gridrun.NewConfigurationError("resource %s: unknown transport %q", name, rc.Transport)
		}
	}
	switch cfg.Store.Type {
	case StoreFilesystem:
		if cfg.Store.Directory == "" {
			return gridrun.NewConfigurationError("filesystem store needs a directory")
		}
	case StorePostgreSQL:
		if cfg.Store.DSN == "" {
			return gridrun.NewConfigurationError("postgresql store needs a dsn")
		}
	default:
		return gridrun.NewConfigurationError("unknown store type %q", cfg.Store.Type)
	}
	return nil
}

// batchResource translates the config entry into the runtime
// resource description used by the backends.
func (rc Resource) batchResource(name string) *batch.Resource {
	enabled := true
	if rc.Enabled != nil {
		enabled = *rc.Enabled
	}
	return &batch.Resource{
		Name:             name,
		Enabled:          enabled,
		Frontend:         rc.Frontend,
		Architectures:    append([]string(nil), rc.Architectures...),
		MaxCores:         rc.MaxCores,
		MaxCoresPerJob:   rc.MaxCoresPerJob,
		MaxMemoryPerCore: rc.MaxMemoryPerCore,
		MaxWalltime:      rc.MaxWalltime,
		SpoolDir:         rc.SpoolDir,
		Prologue:         rc.Prologue,
		Epilogue:         rc.Epilogue,
		Commands:         rc.Commands,
		AccountingDelay:  rc.AccountingDelay,
		DefaultPE:        rc.DefaultPE,

		LSFContinuationLinePrefixLength: rc.LSFContinuationLinePrefixLength,
	}
}
