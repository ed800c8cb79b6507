// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gridrun

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ApplicationSuite{})

type ApplicationSuite struct{}

func (s *ApplicationSuite) TestValidateDefaults(c *check.C) {
	app := NewApplication("", "/bin/echo", "hi")
	c.Assert(app.Validate(), check.IsNil)
	c.Check(app.Jobname, check.Equals, "echo")
	c.Check(app.RequestedCores, check.Equals, 1)
	c.Check(app.Execution().State(), check.Equals, StateNew)
}

func (s *ApplicationSuite) TestDuplicateRemoteInputPaths(c *check.C) {
	app := NewApplication("dup", "./run.sh")
	app.Inputs = map[string]string{
		"/data/a.txt": "input.txt",
		"/data/b.txt": "input.txt",
	}
	err := app.Validate()
	c.Assert(err, check.NotNil)
	c.Check(err, check.FitsTypeOf, &DuplicateEntryError{})
}

func (s *ApplicationSuite) TestDuplicateLocalOutputPaths(c *check.C) {
	app := NewApplication("dup", "./run.sh")
	app.Outputs = map[string]string{
		"result1.dat": "result.dat",
		"result2.dat": "result.dat",
	}
	err := app.Validate()
	c.Assert(err, check.NotNil)
	c.Check(err, check.FitsTypeOf, &DuplicateEntryError{})
}

func (s *ApplicationSuite) TestAbsoluteRemotePathsRejected(c *check.C) {
	app := NewApplication("abs", "./run.sh")
	app.Inputs = map[string]string{"/data/a.txt": "/scratch/a.txt"}
	err := app.Validate()
	c.Assert(err, check.NotNil)
	c.Check(err, check.FitsTypeOf, &InvalidArgumentError{})

	app = NewApplication("abs", "./run.sh")
	app.Outputs = map[string]string{"/var/log/out": "out"}
	err = app.Validate()
	c.Assert(err, check.NotNil)
	c.Check(err, check.FitsTypeOf, &InvalidArgumentError{})

	// AnyOutput is exempt
	app = NewApplication("any", "./run.sh")
	app.Outputs = map[string]string{AnyOutput: ""}
	c.Check(app.Validate(), check.IsNil)
}

func (s *ApplicationSuite) TestStdStreamsAddedToStagingMaps(c *check.C) {
	app := NewApplication("streams", "./run.sh")
	app.Stdin = "/data/input.txt"
	app.Stdout = "out.txt"
	app.Stderr = "err.txt"
	c.Assert(app.Validate(), check.IsNil)
	c.Check(app.Inputs["/data/input.txt"], check.Equals, "input.txt")
	c.Check(app.Outputs["out.txt"], check.Equals, "out.txt")
	c.Check(app.Outputs["err.txt"], check.Equals, "err.txt")
}

func (s *ApplicationSuite) TestJoinMergesStderr(c *check.C) {
	app := NewApplication("join", "./run.sh")
	app.Stdout = "all.txt"
	app.Join = true
	c.Assert(app.Validate(), check.IsNil)
	c.Check(app.Stderr, check.Equals, "all.txt")
	_, hasStderrEntry := app.Outputs["err.txt"]
	c.Check(hasStderrEntry, check.Equals, false)

	app = NewApplication("join", "./run.sh")
	app.Stdout = "out.txt"
	app.Stderr = "err.txt"
	app.Join = true
	c.Check(app.Validate(), check.NotNil)
}

func (s *ApplicationSuite) TestValidateIdempotent(c *check.C) {
	app := NewApplication("twice", "./run.sh")
	app.Stdout = "out.txt"
	c.Assert(app.Validate(), check.IsNil)
	c.Assert(app.Validate(), check.IsNil)
	c.Check(len(app.Outputs), check.Equals, 1)
}

func (s *ApplicationSuite) TestCmdline(c *check.C) {
	app := NewApplication("plain", "/bin/echo", "hi")
	c.Check(app.Cmdline(), check.DeepEquals, []string{"/bin/echo", "hi"})

	app.Environment = map[string]string{"LC_ALL": "C", "A": "1"}
	c.Check(app.Cmdline(), check.DeepEquals,
		[]string{"/usr/bin/env", "A=1", "LC_ALL=C", "/bin/echo", "hi"})
}

func (s *ApplicationSuite) TestJobnameSanitization(c *check.C) {
	c.Check(sanitizeJobname("run.sh"), check.Equals, "run.sh")
	c.Check(sanitizeJobname("9to5"), check.Equals, "j9to5")
	c.Check(sanitizeJobname("my job!"), check.Equals, "my_job_")
}

func (s *ApplicationSuite) TestBadArchitecture(c *check.C) {
	app := NewApplication("arch", "./run.sh")
	app.RequestedArchitecture = "sparc"
	c.Check(app.Validate(), check.NotNil)
	app.RequestedArchitecture = ArchX8664
	c.Check(app.Validate(), check.IsNil)
}
