// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"strings"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

var testCmd = Multi(map[string]RunFunc{
	"echo": func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
		fmt.Fprintln(stdout, strings.Join(args, " "))
		return 0
	},
	"version": VersionCommand,
})

func (s *CmdSuite) TestHello(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd("prog", []string{"echo", "hello", "world"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hello world\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestUnknownCommand(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd("prog", []string{"slurp"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?s)unrecognized command "slurp".*Available commands:.*echo.*`)
}

func (s *CmdSuite) TestVersion(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd("prog", []string{"version"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "prog "+Version+"\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestParseFlags(c *check.C) {
	stderr := bytes.NewBuffer(nil)
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	n := flags.Int("n", 0, "number")
	ok, code := ParseFlags(flags, "prog", []string{"-n", "7"}, "", stderr)
	c.Check(ok, check.Equals, true)
	c.Check(code, check.Equals, 0)
	c.Check(*n, check.Equals, 7)

	stderr.Reset()
	flags = flag.NewFlagSet("", flag.ContinueOnError)
	ok, code = ParseFlags(flags, "prog", []string{"surplus"}, "", stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `unrecognized command line arguments: .*`)

	stderr.Reset()
	flags = flag.NewFlagSet("", flag.ContinueOnError)
	ok, code = ParseFlags(flags, "prog", []string{"-help"}, "", stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 0)
}
