// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package transport abstracts "a place where commands run and files
// live": the local host, or a remote host reached over SSH. The
// batch backends are written against the Transport interface and do
// not care which one they got.
package transport

import (
	"context"
	"io"
	"os"

	"github.com/gridrun/gridrun/sdk/go/gridrun"
)

// GetOptions modify Transport.Get.
type GetOptions struct {
	// IgnoreNonexisting makes Get succeed silently when the
	// remote file does not exist. Output files are optional:
	// a job that did not produce one is not an error.
	IgnoreNonexisting bool
	// Overwrite allows replacing an existing local file.
	Overwrite bool
	// ChangedOnly skips the copy when the local file already has
	// the same size and an mtime not older than the remote one.
	ChangedOnly bool
}

// A Transport executes commands and moves files on one host. A
// Transport is not safe for concurrent use; the runtime drives each
// resource from a single goroutine.
type Transport interface {
	// Connect establishes the connection. Calling Connect on a
	// connected transport is a no-op.
	Connect(ctx context.Context) error

	// ExecuteCommand runs cmd through the remote shell and
	// returns its exit code and captured output. A non-zero exit
	// code is not an error; err is only set when the command
	// could not be run at all.
	ExecuteCommand(ctx context.Context, cmd string) (exitcode int, stdout, stderr string, err error)

	// Put copies a local file to the remote path.
	Put(ctx context.Context, local, remote string) error
	// PutBytes writes data to the remote path with the given mode.
	PutBytes(ctx context.Context, remote string, data []byte, mode os.FileMode) error
	// Get copies a remote file to the local path.
	Get(ctx context.Context, remote, local string, opts GetOptions) error
	// Open returns a reader over a remote file.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	Exists(ctx context.Context, path string) (bool, error)
	IsDir(ctx context.Context, path string) (bool, error)
	ListDir(ctx context.Context, path string) ([]string, error)
	Makedirs(ctx context.Context, path string) error
	Chmod(ctx context.Context, path string, mode os.FileMode) error
	Remove(ctx context.Context, path string) error
	RemoveTree(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (os.FileInfo, error)

	// CurrentUsername returns the name the transport operates as
	// on the remote end.
	CurrentUsername(ctx context.Context) (string, error)

	// Close tears the connection down. The transport may be
	// reconnected afterwards.
	Close() error
}

func wrapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &gridrun.TransportError{Op: op, Path: path, Err: err}
}

// copyNeeded implements the ChangedOnly policy given the two stat
// results; a missing local file always needs the copy.
func copyNeeded(remote, local os.FileInfo) bool {
	if local == nil {
		return true
	}
	if remote.Size() != local.Size() {
		return true
	}
	return remote.ModTime().After(local.ModTime())
}
