// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"testing"
	"time"

	"github.com/gridrun/gridrun/sdk/go/gridrun"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CLISuite{})

type CLISuite struct{}

func (s *CLISuite) TestParseJobFile(c *check.C) {
	app, err := parseJobFile([]byte(`
name: render
arguments: [povray, scene.pov]
inputs:
  /data/scene.pov: scene.pov
outputs:
  scene.png: scene.png
cores: 4
memory: 2GiB
walltime: 8h
architecture: x86_64
environment:
  POV_QUALITY: "9"
stdout: render.log
join: true
`))
	c.Assert(err, check.IsNil)
	c.Check(app.Jobname, check.Equals, "render")
	c.Check(app.Arguments, check.DeepEquals, []string{"povray", "scene.pov"})
	c.Check(app.RequestedCores, check.Equals, 4)
	c.Check(app.RequestedMemory, check.Equals, gridrun.ByteSize(2<<30))
	c.Check(app.RequestedWalltime.Duration(), check.Equals, 8*time.Hour)
	c.Check(app.RequestedArchitecture, check.Equals, gridrun.ArchX8664)
	c.Check(app.Stdout, check.Equals, "render.log")
	// Join folds stderr into stdout during validation
	c.Check(app.Stderr, check.Equals, "render.log")
}

func (s *CLISuite) TestParseJobFileRejectsEmptyCommand(c *check.C) {
	_, err := parseJobFile([]byte(`name: broken`))
	c.Check(err, check.ErrorMatches, `invalid argument: application has no arguments`)
}

func (s *CLISuite) TestParseJobFileRejectsBadYAML(c *check.C) {
	_, err := parseJobFile([]byte(`arguments: {`))
	c.Check(err, check.ErrorMatches, `invalid argument: malformed job file: .*`)
}

func (s *CLISuite) TestMapFlag(c *check.C) {
	mf := mapFlag{}
	c.Assert(mf.Set("A=1"), check.IsNil)
	c.Assert(mf.Set("B=x=y"), check.IsNil)
	c.Check(mf.Set("junk"), check.ErrorMatches, `expected KEY=VALUE, got "junk"`)
	c.Check(mf, check.DeepEquals, mapFlag{"A": "1", "B": "x=y"})
}

func (s *CLISuite) TestLiveState(c *check.C) {
	c.Check(liveState(gridrun.StateSubmitted), check.Equals, true)
	c.Check(liveState(gridrun.StateRunning), check.Equals, true)
	c.Check(liveState(gridrun.StateUnknown), check.Equals, true)
	c.Check(liveState(gridrun.StateNew), check.Equals, false)
	c.Check(liveState(gridrun.StateTerminated), check.Equals, false)
}
