// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"os/user"

	"github.com/gridrun/gridrun/lib/batch"
	"github.com/gridrun/gridrun/lib/engine"
	"github.com/gridrun/gridrun/lib/lsf"
	"github.com/gridrun/gridrun/lib/pbs"
	"github.com/gridrun/gridrun/lib/sge"
	"github.com/gridrun/gridrun/lib/slurm"
	"github.com/gridrun/gridrun/lib/store"
	"github.com/gridrun/gridrun/lib/transport"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// NewCore builds the brokering controller with one backend per
// configured resource.
func (cfg *Config) NewCore(logger logrus.FieldLogger) (*engine.Core, error) {
	core := engine.New(logger)
	for name, rc := range cfg.Resources {
		bs, err := rc.newBatchSystem(name, logger)
		if err != nil {
			return nil, err
		}
		if err := core.AddResource(bs.Resource, bs); err != nil {
			return nil, err
		}
	}
	return core, nil
}

func (rc Resource) newBatchSystem(name string, logger logrus.FieldLogger) (*batch.BatchSystem, error) {
	tr, err := rc.newTransport(name)
	if err != nil {
		return nil, err
	}
	sched, err := rc.newScheduler(name)
	if err != nil {
		return nil, err
	}
	return batch.New(rc.batchResource(name), tr, sched, logger), nil
}

func (rc Resource) newTransport(name string) (transport.Transport, error) {
	switch rc.Transport {
	case TransportLocal, "":
		return transport.NewLocal(), nil
	case TransportSSH:
		username := rc.Username
		if username == "" {
			u, err := user.Current()
			if err != nil {
				return nil, err
			}
			username = u.Username
		}
		var signers []ssh.Signer
		if rc.KeyFile != "" {
			buf, err := os.ReadFile(os.ExpandEnv(rc.KeyFile))
			if err != nil {
				return nil, gridrun.NewConfigurationError(
					"resource %s: cannot read key file: %s", name, err)
			}
			signer, err := ssh.ParsePrivateKey(buf)
			if err != nil {
				return nil, gridrun.NewConfigurationError(
					"resource %s: cannot parse key file %s: %s", name, rc.KeyFile, err)
			}
			signers = append(signers, signer)
		}
		return transport.NewSSH(rc.Frontend, username, signers...), nil
	default:
		return nil, gridrun.NewConfigurationError("resource %s: unknown transport %q", name, rc.Transport)
	}
}

func (rc Resource) newScheduler(name string) (batch.Scheduler, error) {
	switch rc.Type {
	case TypePBS:
		return &pbs.Scheduler{Queue: rc.Queue}, nil
	case TypeSGE:
		return &sge.Scheduler{PE: rc.PE}, nil
	case TypeLSF:
		return &lsf.Scheduler{ContinuationLinePrefixLength: rc.LSFContinuationLinePrefixLength}, nil
	case TypeSLURM:
		return &slurm.Scheduler{}, nil
	default:
		return nil, gridrun.NewConfigurationError("resource %s: unknown type %q", name, rc.Type)
	}
}

// NewStore opens the configured task store.
func (cfg *Config) NewStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Type {
	case StoreFilesystem:
		return store.NewFilesystemStore(os.ExpandEnv(cfg.Store.Directory))
	case StorePostgreSQL:
		return store.NewSQLStore(ctx, cfg.Store.DSN)
	default:
		return nil, gridrun.NewConfigurationError("unknown store type %q", cfg.Store.Type)
	}
}
