// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
)

// Local runs commands through /bin/sh on the local host and moves
// files with plain filesystem operations.
type Local struct{}

// NewLocal returns a Transport for the local host.
func NewLocal() *Local { return &Local{} }

func (t *Local) Connect(ctx context.Context) error { return nil }

func (t *Local) Close() error { return nil }

func (t *Local) ExecuteCommand(ctx context.Context, cmd string) (int, string, string, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	command.Stdout = &stdout
	command.Stderr = &stderr
	err := command.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), stdout.String(), stderr.String(), nil
		}
		return -1, stdout.String(), stderr.String(), wrapErr("exec", cmd, err)
	}
	return 0, stdout.String(), stderr.String(), nil
}

func (t *Local) Put(ctx context.Context, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return wrapErr("put", local, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return wrapErr("put", local, err)
	}
	return t.writeFrom(src, remote, info.Mode().Perm())
}

func (t *Local) PutBytes(ctx context.Context, remote string, data []byte, mode os.FileMode) error {
	return t.writeFrom(bytes.NewReader(data), remote, mode)
}

func (t *Local) writeFrom(src io.Reader, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
		return wrapErr("put", dst, err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return wrapErr("put", dst, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return wrapErr("put", dst, err)
	}
	if err := out.Close(); err != nil {
		return wrapErr("put", dst, err)
	}
	// O_CREATE honors umask; make the requested mode stick
	return wrapErr("put", dst, os.Chmod(dst, mode))
}

func (t *Local) Get(ctx context.Context, remote, local string, opts GetOptions) error {
	info, err := os.Stat(remote)
	if os.IsNotExist(err) {
		if opts.IgnoreNonexisting {
			return nil
		}
		return wrapErr("get", remote, err)
	} else if err != nil {
		return wrapErr("get", remote, err)
	}
	localInfo, err := os.Stat(local)
	if err == nil {
		if !opts.Overwrite && !opts.ChangedOnly {
			return wrapErr("get", local, fmt.Errorf("destination exists"))
		}
		if opts.ChangedOnly && !copyNeeded(info, localInfo) {
			return nil
		}
	}
	src, err := os.Open(remote)
	if err != nil {
		return wrapErr("get", remote, err)
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(local), 0777); err != nil {
		return wrapErr("get", local, err)
	}
	dst, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return wrapErr("get", local, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return wrapErr("get", local, err)
	}
	return wrapErr("get", local, dst.Close())
}

func (t *Local) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	return f, wrapErr("open", path, err)
}

func (t *Local) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, wrapErr("stat", path, err)
}

func (t *Local) IsDir(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("stat", path, err)
	}
	return info.IsDir(), nil
}

func (t *Local) ListDir(ctx context.Context, path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, wrapErr("listdir", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (t *Local) Makedirs(ctx context.Context, path string) error {
	return wrapErr("makedirs", path, os.MkdirAll(path, 0777))
}

func (t *Local) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	return wrapErr("chmod", path, os.Chmod(path, mode))
}

func (t *Local) Remove(ctx context.Context, path string) error {
	return wrapErr("remove", path, os.Remove(path))
}

func (t *Local) RemoveTree(ctx context.Context, path string) error {
	return wrapErr("removetree", path, os.RemoveAll(path))
}

func (t *Local) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	return info, wrapErr("stat", path, err)
}

func (t *Local) CurrentUsername(ctx context.Context) (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", wrapErr("whoami", "", err)
	}
	return u.Username, nil
}
