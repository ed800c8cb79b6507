// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package sge

import (
	"context"
	"testing"
	"time"

	"github.com/gridrun/gridrun/lib/batch"
	"github.com/gridrun/gridrun/lib/transport"
	"github.com/gridrun/gridrun/sdk/go/gridrun"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&SGESuite{})

type SGESuite struct {
	sched *Scheduler
	res   *batch.Resource
}

func (s *SGESuite) SetUpTest(c *check.C) {
	s.sched = &Scheduler{}
	s.res = &batch.Resource{Name: "cluster", Frontend: "sge.example.org", DefaultPE: "smp"}
}

func (s *SGESuite) TestSubmitCommand(c *check.C) {
	app := gridrun.NewApplication("myjob", "./run.sh")
	app.RequestedCores = 4
	app.RequestedMemory = 4 << 30 // 4 GiB
	app.RequestedWalltime = gridrun.Duration(30 * time.Minute)
	app.Stdout = "out.txt"
	app.Join = true
	c.Assert(app.Validate(), check.IsNil)

	argv, script, err := s.sched.SubmitCommand(s.res, app)
	c.Assert(err, check.IsNil)
	c.Check(argv, check.DeepEquals, []string{
		"qsub", "-cwd", "-S", "/bin/sh",
		"-l", "s_rt=1800",
		"-l", "mem_free=1024M", // per-core share of 4 GiB over 4 cores
		"-j", "yes",
		"-o", "out.txt",
		"-pe", "smp", "4",
		"-N", "myjob",
	})
	c.Check(script, check.Equals, "./run.sh")
}

func (s *SGESuite) TestSubmitCommandPerJobPE(c *check.C) {
	s.sched.PE = map[string]string{"myjob": "orte"}
	app := gridrun.NewApplication("myjob", "mpirun", "prog")
	app.RequestedCores = 8
	c.Assert(app.Validate(), check.IsNil)

	argv, _, err := s.sched.SubmitCommand(s.res, app)
	c.Assert(err, check.IsNil)
	c.Check(argv, check.DeepEquals, []string{
		"qsub", "-cwd", "-S", "/bin/sh", "-pe", "orte", "8", "-N", "myjob"})
}

func (s *SGESuite) TestSubmitCommandNoPEConfigured(c *check.C) {
	s.res.DefaultPE = ""
	app := gridrun.NewApplication("myjob", "mpirun", "prog")
	app.RequestedCores = 8
	c.Assert(app.Validate(), check.IsNil)

	_, _, err := s.sched.SubmitCommand(s.res, app)
	c.Check(err, check.ErrorMatches, ".*no parallel environment is configured.*")
}

func (s *SGESuite) TestParseSubmitOutput(c *check.C) {
	jobid, err := s.sched.ParseSubmitOutput(
		`Your job 123456 ("myjob") has been submitted` + "\n")
	c.Assert(err, check.IsNil)
	c.Check(jobid, check.Equals, "123456")

	_, err = s.sched.ParseSubmitOutput("Unable to run job.\n")
	c.Check(err, check.NotNil)
}

func (s *SGESuite) TestStatCommand(c *check.C) {
	cmd, err := s.sched.StatCommand(s.res, "123456")
	c.Assert(err, check.IsNil)
	c.Check(cmd, check.Equals, "qstat | egrep '^ *123456'")
}

func (s *SGESuite) TestParseStatOutput(c *check.C) {
	for status, expected := range map[string]gridrun.State{
		"qw":  gridrun.StateSubmitted,
		"r":   gridrun.StateRunning,
		"t":   gridrun.StateRunning,
		"dr":  gridrun.StateRunning,
		"s":   gridrun.StateStopped,
		"S":   gridrun.StateStopped,
		"T":   gridrun.StateStopped,
		"hqw": gridrun.StateStopped,
		"E":   gridrun.StateTerminating,
		"z":   gridrun.StateUnknown,
	} {
		stdout := " 123456 0.55500 myjob  alice  " + status + "  04/27/2026 12:04:00 all.q@host  1\n"
		res, err := s.sched.ParseStatOutput(stdout, "")
		c.Assert(err, check.IsNil, check.Commentf("status %q", status))
		c.Check(res.State, check.Equals, expected, check.Commentf("status %q", status))
	}
}

const qacctOutput = `==============================================================
qname        all.q
hostname     compute-0-1.local
jobname      myjob
jobnumber    123456
granted_pe   smp
slots        4
failed       0
exit_status  1
ru_wallclock 120
cpu          118.234
maxvmem      1.2G
qsub_time    Mon Apr 27 12:03:58 2026
start_time   Mon Apr 27 12:04:00 2026
end_time     Mon Apr 27 12:06:00 2026
`

func (s *SGESuite) TestParseAcctOutput(c *check.C) {
	acct, err := s.sched.ParseAcctOutput(qacctOutput)
	c.Assert(err, check.IsNil)
	c.Assert(acct.TermStatus, check.NotNil)
	c.Check(acct.TermStatus.Signal, check.Equals, 0)
	c.Check(acct.TermStatus.ExitCode, check.Equals, 1)
	c.Check(acct.Extra["sge_queue"], check.Equals, "all.q")
	c.Check(acct.Extra["sge_hostname"], check.Equals, "compute-0-1.local")
	c.Check(acct.Extra["sge_jobname"], check.Equals, "myjob")
	c.Check(acct.Extra["sge_granted_pe"], check.Equals, "smp")
	c.Check(acct.Extra["sge_failed"], check.Equals, "0")
	c.Check(acct.Extra["cores"], check.Equals, "4")
	c.Check(acct.Extra["duration"], check.Equals, "120")
	c.Check(acct.Extra["used_cpu_time"], check.Equals, "118.234")
	c.Check(acct.Extra["max_used_memory"], check.Equals, "1.2G")
	// unmapped keys are kept with a backend prefix
	c.Check(acct.Extra["sge_jobnumber"], check.Equals, "123456")
}

func (s *SGESuite) TestParseAcctOutputKilledJob(c *check.C) {
	out := `==============================================================
failed       100 : assumedly after job
exit_status  137
`
	acct, err := s.sched.ParseAcctOutput(out)
	c.Assert(err, check.IsNil)
	c.Assert(acct.TermStatus, check.NotNil)
	c.Check(acct.TermStatus.Signal, check.Equals, 9)
	c.Check(acct.TermStatus.ExitCode, check.Equals, -1)
	c.Check(acct.Extra["sge_failed"], check.Equals, "100")
}

func (s *SGESuite) TestParseAcctOutputWithoutExitStatus(c *check.C) {
	_, err := s.sched.ParseAcctOutput("qname all.q\n")
	c.Check(err, check.ErrorMatches, ".*could not extract exit code.*")
}

func (s *SGESuite) TestNoSecondaryAccounting(c *check.C) {
	cmd, err := s.sched.SecondaryAcctCommand(s.res, "123456")
	c.Assert(err, check.IsNil)
	c.Check(cmd, check.Equals, "")
}

func (s *SGESuite) TestCancelCommand(c *check.C) {
	cmd, err := s.sched.CancelCommand(s.res, "123456")
	c.Assert(err, check.IsNil)
	c.Check(cmd, check.Equals, "qdel 123456")
}

func (s *SGESuite) TestFreeSlots(c *check.C) {
	out := `queuename                      qtype resv/used/tot. load_avg arch          states
---------------------------------------------------------------------------------
all.q@compute-0-1.local        BIP   0/2/16         0.18     lx26-amd64
	hl:mem_free=12.0G
---------------------------------------------------------------------------------
all.q@compute-0-2.local        BIP   0/16/16        15.98    lx26-amd64
---------------------------------------------------------------------------------
short.q@compute-0-1.local      BIP   0/1/16         0.18     lx26-amd64
---------------------------------------------------------------------------------
interactive.q@compute-0-1.local I    0/0/4          0.18     lx26-amd64
`
	// compute-0-1: 16 total, 2 used (max over batch queues); the
	// interactive queue is ignored
	c.Check(freeSlots(out), check.Equals, 14)
}

func (s *SGESuite) TestCountJobs(c *check.C) {
	out := `job-ID  prior   name  user   state submit/start at     queue        slots
-----------------------------------------------------------------------------
 123450 0.55500 job1  alice  r     04/27/2026 12:04:00 all.q@c1     1
 123451 0.55500 job2  bob    r     04/27/2026 12:04:00 all.q@c2     1
 123452 0.00000 job3  alice  qw    04/27/2026 12:05:00              1
 123453 0.00000 job4  bob    qw    04/27/2026 12:05:00              1
 123454 0.00000 job5  alice  hqw   04/27/2026 12:05:00              1
`
	queued, userRun, userQueued := countJobs(out, "alice")
	c.Check(queued, check.Equals, 2)
	c.Check(userRun, check.Equals, 1)
	c.Check(userQueued, check.Equals, 1)
}

type scriptedTransport struct {
	*transport.Local
	outputs map[string]string
	cmds    []string
}

func (t *scriptedTransport) ExecuteCommand(ctx context.Context, cmd string) (int, string, string, error) {
	t.cmds = append(t.cmds, cmd)
	return 0, t.outputs[cmd], "", nil
}

func (s *SGESuite) TestUpdateResourceStatus(c *check.C) {
	tr := &scriptedTransport{Local: transport.NewLocal(), outputs: map[string]string{
		"qstat -U alice": `job-ID  prior   name  user   state submit/start at     queue  slots
--------------------------------------------------------------------
 123450 0.55500 job1  alice  r     04/27/2026 12:04:00 all.q  1
 123452 0.00000 job3  alice  qw    04/27/2026 12:05:00        1
`,
		"qstat -F -U alice": `queuename                      qtype resv/used/tot. load_avg arch          states
---------------------------------------------------------------------------------
all.q@compute-0-1.local        BIP   0/2/16         0.18     lx26-amd64
`,
	}}
	err := s.sched.UpdateResourceStatus(context.Background(), tr, s.res, "alice")
	c.Assert(err, check.IsNil)
	c.Check(tr.cmds, check.DeepEquals, []string{"qstat -U alice", "qstat -F -U alice"})
	c.Check(s.res.Counters, check.DeepEquals, batch.Counters{
		FreeSlots:  14,
		Queued:     1,
		UserRun:    1,
		UserQueued: 1,
	})
}
