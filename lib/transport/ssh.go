// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gridrun/gridrun/sdk/go/gridrun"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSH executes commands and stages files on a remote frontend host
// over a long-lived multiplexed SSH connection. It reconnects
// automatically after errors.
//
// A zero SSH must not be used before setting Host.
type SSH struct {
	// Host is the frontend to connect to, with an optional
	// ":port" (default 22).
	Host string
	// User defaults to the local username.
	User string
	// Signers are the private keys offered during authentication.
	Signers []ssh.Signer
	// HostKeyCallback defaults to accepting any host key.
	HostKeyCallback ssh.HostKeyCallback
	// DialTimeout defaults to one minute.
	DialTimeout time.Duration

	mtx         sync.Mutex
	client      *ssh.Client
	sftpClient  *sftp.Client
	clientErr   error
	clientOnce  sync.Once
	clientSetup chan bool // len>0 while connection setup is in progress
}

// NewSSH returns an SSH transport for user@host authenticating with
// the given keys.
func NewSSH(host, user string, signers ...ssh.Signer) *SSH {
	return &SSH{Host: host, User: user, Signers: signers}
}

func (t *SSH) Connect(ctx context.Context) error {
	_, _, err := t.clients(true)
	return wrapAuth(err)
}

// wrapAuth turns an SSH authentication failure into an AuthError so
// the brokering layer skips to the next resource instead of giving
// up on the submission.
func wrapAuth(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return &gridrun.AuthError{Err: err}
	}
	return &gridrun.TransportError{Op: "connect", Err: err}
}

func (t *SSH) Close() error {
	// make sure t is initialized
	t.clients(false)

	t.clientSetup <- true
	if t.sftpClient != nil {
		t.sftpClient.Close()
	}
	if t.client != nil {
		defer t.client.Close()
	}
	t.client, t.sftpClient, t.clientErr = nil, nil, errors.New("closed")
	<-t.clientSetup
	return nil
}

// clients returns the current SSH and SFTP clients, establishing the
// connection first if create is set. If another goroutine is already
// connecting, wait for it and use its result.
func (t *SSH) clients(create bool) (*ssh.Client, *sftp.Client, error) {
	t.clientOnce.Do(func() {
		t.clientSetup = make(chan bool, 1)
		t.clientErr = errors.New("not connected")
	})
	defer func() { <-t.clientSetup }()
	select {
	case t.clientSetup <- true:
		if create && t.client == nil {
			client, sftpClient, err := t.dial()
			if err == nil {
				t.client, t.sftpClient, t.clientErr = client, sftpClient, nil
			} else {
				t.clientErr = err
			}
		}
	default:
		// Another goroutine is connecting; wait for it.
		t.clientSetup <- true
	}
	return t.client, t.sftpClient, t.clientErr
}

func (t *SSH) dial() (*ssh.Client, *sftp.Client, error) {
	host := t.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "22")
	}
	hostKeyCallback := t.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	timeout := t.DialTimeout
	if timeout == 0 {
		timeout = time.Minute
	}
	client, err := ssh.Dial("tcp", host, &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(t.Signers...)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("starting sftp subsystem: %w", err)
	}
	return client, sftpClient, nil
}

// session returns a new SSH session, reconnecting once if the cached
// connection turns out dead.
func (t *SSH) session() (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, _, err := t.clients(create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

func (t *SSH) sftpc() (*sftp.Client, error) {
	_, c, err := t.clients(false)
	if err != nil {
		_, c, err = t.clients(true)
	}
	return c, err
}

func (t *SSH) ExecuteCommand(ctx context.Context, cmd string) (int, string, string, error) {
	session, err := t.session()
	if err != nil {
		return -1, "", "", wrapAuth(err)
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(cmd)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), stdout.String(), stderr.String(), nil
		}
		return -1, stdout.String(), stderr.String(), wrapErr("exec", cmd, err)
	}
	return 0, stdout.String(), stderr.String(), nil
}

func (t *SSH) Put(ctx context.Context, local, remote string) error {
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

func (t *SSH) PutBytes(ctx context.Context, remote string, data []byte, mode os.FileMode) error {
	return t.writeFrom(bytes.NewReader(data), remote, mode)
}

func (t *SSH) writeFrom(src io.Reader, remote string, mode os.FileMode) error {
	c, err := t.sftpc()
	if err != nil {
		return wrapErr("put", remote, err)
	}
	if dir := path.Dir(remote); dir != "." && dir != "/" {
		if err := c.MkdirAll(dir); err != nil {
			return wrapErr("put", remote, err)
		}
	}
	dst, err := c.Create(remote)
	if err != nil {
		return wrapErr("put", remote, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return wrapErr("put", remote, err)
	}
	if err := dst.Close(); err != nil {
		return wrapErr("put", remote, err)
	}
	return wrapErr("put", remote, c.Chmod(remote, mode))
}

func (t *SSH) Get(ctx context.Context, remote, local string, opts GetOptions) error {
	c, err := t.sftpc()
	if err != nil {
		return wrapErr("get", remote, err)
	}
	info, err := c.Stat(remote)
	if err != nil {
		if os.IsNotExist(err) && opts.IgnoreNonexisting {
			return nil
		}
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
	src, err := c.Open(remote)
	if err != nil {
		return wrapErr("get", remote, err)
	}
	defer src.Close()
	if err := os.MkdirAll(path.Dir(local), 0777); err != nil {
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

func (t *SSH) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	c, err := t.sftpc()
	if err != nil {
		return nil, wrapErr("open", p, err)
	}
	f, err := c.Open(p)
	if err != nil {
		return nil, wrapErr("open", p, err)
	}
	return f, nil
}

func (t *SSH) Exists(ctx context.Context, p string) (bool, error) {
	c, err := t.sftpc()
	if err != nil {
		return false, wrapErr("stat", p, err)
	}
	_, err = c.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, wrapErr("stat", p, err)
}

func (t *SSH) IsDir(ctx context.Context, p string) (bool, error) {
	c, err := t.sftpc()
	if err != nil {
		return false, wrapErr("stat", p, err)
	}
	info, err := c.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("stat", p, err)
	}
	return info.IsDir(), nil
}

func (t *SSH) ListDir(ctx context.Context, p string) ([]string, error) {
	c, err := t.sftpc()
	if err != nil {
		return nil, wrapErr("listdir", p, err)
	}
	entries, err := c.ReadDir(p)
	if err != nil {
		return nil, wrapErr("listdir", p, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (t *SSH) Makedirs(ctx context.Context, p string) error {
	c, err := t.sftpc()
	if err != nil {
		return wrapErr("makedirs", p, err)
	}
	return wrapErr("makedirs", p, c.MkdirAll(p))
}

func (t *SSH) Chmod(ctx context.Context, p string, mode os.FileMode) error {
	c, err := t.sftpc()
	if err != nil {
		return wrapErr("chmod", p, err)
	}
	return wrapErr("chmod", p, c.Chmod(p, mode))
}

func (t *SSH) Remove(ctx context.Context, p string) error {
	c, err := t.sftpc()
	if err != nil {
		return wrapErr("remove", p, err)
	}
	return wrapErr("remove", p, c.Remove(p))
}

func (t *SSH) RemoveTree(ctx context.Context, p string) error {
	c, err := t.sftpc()
	if err != nil {
		return wrapErr("removetree", p, err)
	}
	return wrapErr("removetree", p, c.RemoveAll(p))
}

func (t *SSH) Stat(ctx context.Context, p string) (os.FileInfo, error) {
	c, err := t.sftpc()
	if err != nil {
		return nil, wrapErr("stat", p, err)
	}
	info, err := c.Stat(p)
	return info, wrapErr("stat", p, err)
}

func (t *SSH) CurrentUsername(ctx context.Context) (string, error) {
	if t.User != "" {
		return t.User, nil
	}
	code, stdout, stderr, err := t.ExecuteCommand(ctx, "whoami")
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", wrapErr("whoami", "", fmt.Errorf("exit %d, stderr %q", code, stderr))
	}
	return strings.TrimSpace(stdout), nil
}
