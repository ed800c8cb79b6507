// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package slurm

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

var _ = check.Suite(&SLURMSuite{})

type SLURMSuite struct {
	sched *Scheduler
	res   *batch.Resource
}

func (s *SLURMSuite) SetUpTest(c *check.C) {
	s.sched = &Scheduler{}
	s.res = &batch.Resource{Name: "cluster", Frontend: "slurm.example.org"}
}

func (s *SLURMSuite) TestSubmitCommand(c *check.C) {
	app := gridrun.NewApplication("myjob", "./run.sh", "in.dat")
	app.RequestedCores = 4
	app.RequestedMemory = 2 << 30 // 2 GiB
	app.RequestedWalltime = gridrun.Duration(90 * time.Minute)
	app.Stdout = "out.txt"
	c.Assert(app.Validate(), check.IsNil)

	argv, script, err := s.sched.SubmitCommand(s.res, app)
	c.Assert(err, check.IsNil)
	c.Check(argv, check.DeepEquals, []string{
		"sbatch", "--no-requeue",
		"--time", "90",
		"--output", "out.txt",
		"--ntasks", "1", "--cpus-per-task", "4",
		"--mem", "2048",
		"--job-name", "myjob",
		"--export", "ALL",
	})
	// multi-core jobs run through srun, otherwise SLURM starts the
	// command as a single-CPU task
	c.Check(script, check.Equals, "srun --cpus-per-task 4 ./run.sh in.dat")
}

func (s *SLURMSuite) TestSubmitCommandEnvPrefix(c *check.C) {
	app := gridrun.NewApplication("myjob", "true")
	app.Environment = map[string]string{"MODE": "fast"}
	c.Assert(app.Validate(), check.IsNil)

	argv, script, err := s.sched.SubmitCommand(s.res, app)
	c.Assert(err, check.IsNil)
	c.Check(argv, check.DeepEquals, []string{
		"/usr/bin/env", "MODE=fast",
		"sbatch", "--no-requeue", "--job-name", "myjob", "--export", "ALL",
	})
	c.Check(script, check.Equals, "/usr/bin/env MODE=fast true")
}

func (s *SLURMSuite) TestParseSubmitOutput(c *check.C) {
	for _, output := range []string{
		"Submitted batch job 65541\n",
		"sbatch: Submitted batch job 65541\n",
		"salloc: Granted job allocation 65541\n",
	} {
		jobid, err := s.sched.ParseSubmitOutput(output)
		c.Assert(err, check.IsNil, check.Commentf("output %q", output))
		c.Check(jobid, check.Equals, "65541")
	}

	_, err := s.sched.ParseSubmitOutput(
		"sbatch: error: Batch job submission failed\n")
	c.Check(err, check.NotNil)
}

func (s *SLURMSuite) TestStatCommand(c *check.C) {
	cmd, err := s.sched.StatCommand(s.res, "65541")
	c.Assert(err, check.IsNil)
	c.Check(cmd, check.Equals, "squeue --noheader -o %i^%T^%r -j 65541")
}

func (s *SLURMSuite) TestParseStatOutput(c *check.C) {
	for status, expected := range map[string]gridrun.State{
		"PENDING":     gridrun.StateSubmitted,
		"CONFIGURING": gridrun.StateSubmitted,
		"RUNNING":     gridrun.StateRunning,
		"COMPLETING":  gridrun.StateRunning,
		"SUSPENDED":   gridrun.StateStopped,
		"COMPLETED":   gridrun.StateTerminating,
		"CANCELLED":   gridrun.StateTerminating,
		"FAILED":      gridrun.StateTerminating,
		"NODE_FAIL":   gridrun.StateTerminating,
		"PREEMPTED":   gridrun.StateTerminating,
		"TIMEOUT":     gridrun.StateTerminating,
		"REVOKED":     gridrun.StateUnknown,
	} {
		res, err := s.sched.ParseStatOutput("65541^"+status+"^None\n", "")
		c.Assert(err, check.IsNil, check.Commentf("status %q", status))
		c.Check(res.State, check.Equals, expected, check.Commentf("status %q", status))
		c.Check(res.TermStatus, check.IsNil)
	}
}

func (s *SLURMSuite) TestParseStatOutputEmptyMeansRecentlyCompleted(c *check.C) {
	res, err := s.sched.ParseStatOutput("", "")
	c.Assert(err, check.IsNil)
	c.Check(res.State, check.Equals, gridrun.StateTerminating)
	c.Check(res.TermStatus, check.IsNil)
}

func (s *SLURMSuite) TestAcctCommand(c *check.C) {
	cmd, err := s.sched.AcctCommand(s.res, "65541")
	c.Assert(err, check.IsNil)
	c.Check(cmd, check.Equals,
		"env SLURM_TIME_FORMAT=standard sacct --noheader --parsable"+
			" --format jobid,exitcode,state,ncpus,elapsed,totalcpu,submit,start,end,maxrss,maxvmsize -j 65541")
}

const sacctOutput = `449018|1:0|FAILED|64|00:00:23|00:01.452|2012-09-04T11:18:06|2012-09-04T11:18:24|2012-09-04T11:18:47|||
449018.batch|1:0|FAILED|1|00:00:23|00:01.452|2012-09-04T11:18:24|2012-09-04T11:18:24|2012-09-04T11:18:47|7884K|49184K|
`

func (s *SLURMSuite) TestParseAcctOutput(c *check.C) {
	acct, err := s.sched.ParseAcctOutput(sacctOutput)
	c.Assert(err, check.IsNil)
	c.Assert(acct.TermStatus, check.NotNil)
	c.Check(*acct.TermStatus, check.Equals, batch.TermStatus{Signal: 0, ExitCode: 1})
	c.Check(acct.Extra["cores"], check.Equals, "64")
	c.Check(acct.Extra["duration"], check.Equals, "23s")
	c.Check(acct.Extra["used_cpu_time"], check.Equals, "1.452s")
	c.Check(acct.Extra["max_used_memory"], check.Equals, "49184K")
	c.Check(acct.Extra["slurm_max_used_ram"], check.Equals, "7884K")
	c.Check(acct.Extra["slurm_submission_time"], check.Equals, "2012-09-04T11:18:06")
	c.Check(acct.Extra["slurm_start_time"], check.Equals, "2012-09-04T11:18:24")
	c.Check(acct.Extra["slurm_completion_time"], check.Equals, "2012-09-04T11:18:47")
}

func (s *SLURMSuite) TestParseAcctOutputCancelled(c *check.C) {
	out := "65542|0:0|CANCELLED by 1000|1|00:01:00|00:00:00|2026-04-27T10:00:00|2026-04-27T10:00:10|2026-04-27T10:01:10|||\n"
	acct, err := s.sched.ParseAcctOutput(out)
	c.Assert(err, check.IsNil)
	c.Assert(acct.TermStatus, check.NotNil)
	// killed by the system: the reported 0:0 exit code is replaced
	c.Check(*acct.TermStatus, check.Equals,
		batch.TermStatus{Signal: gridrun.SignalRemoteKill, ExitCode: 75})
}

func (s *SLURMSuite) TestParseAcctOutputNodeFail(c *check.C) {
	out := "65543|0:0|NODE_FAIL|1|00:01:00|00:00:00|2026-04-27T10:00:00|2026-04-27T10:00:10|2026-04-27T10:01:10|||\n"
	acct, err := s.sched.ParseAcctOutput(out)
	c.Assert(err, check.IsNil)
	c.Assert(acct.TermStatus, check.NotNil)
	c.Check(*acct.TermStatus, check.Equals,
		batch.TermStatus{Signal: gridrun.SignalRemoteError, ExitCode: 75})
}

func (s *SLURMSuite) TestParseAcctOutputUnfinishedJobIsError(c *check.C) {
	out := "65544|0:0|RUNNING|1|00:01:00|00:00:00|2026-04-27T10:00:00|2026-04-27T10:00:10|Unknown|||\n"
	_, err := s.sched.ParseAcctOutput(out)
	c.Check(err, check.ErrorMatches, `.*unexpected SLURM job state "RUNNING".*`)
}

func (s *SLURMSuite) TestParseDuration(c *check.C) {
	for spec, expected := range map[string]time.Duration{
		"23":             23 * time.Second,
		"00:01.452":      1452 * time.Millisecond,
		"01:02:03":       time.Hour + 2*time.Minute + 3*time.Second,
		"2-01:02:03":     49*time.Hour + 2*time.Minute + 3*time.Second,
		"49710-06:28:06": 49710*24*time.Hour + 6*time.Hour + 28*time.Minute + 6*time.Second,
	} {
		d, err := parseDuration(spec)
		c.Assert(err, check.IsNil, check.Commentf("spec %q", spec))
		c.Check(d, check.Equals, expected, check.Commentf("spec %q", spec))
	}
	_, err := parseDuration("bogus")
	c.Check(err, check.NotNil)
}

func (s *SLURMSuite) TestCancelCommand(c *check.C) {
	cmd, err := s.sched.CancelCommand(s.res, "65541")
	c.Assert(err, check.IsNil)
	c.Check(cmd, check.Equals, "scancel 65541")
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

func (s *SLURMSuite) TestUpdateResourceStatus(c *check.C) {
	cmd := "squeue --noheader -o '%i^%T^%u^%U^%r^%R'"
	tr := &scriptedTransport{Local: transport.NewLocal(), outputs: map[string]string{
		cmd: `1001^RUNNING^alice^1000^None^node[01-02]
1002^RUNNING^bob^1001^None^node03
1003^PENDING^alice^1000^Resources^(Resources)
1004^CONFIGURING^bob^1001^None^node04
1005^SUSPENDED^alice^1000^None^node05
`,
	}}
	err := s.sched.UpdateResourceStatus(context.Background(), tr, s.res, "alice")
	c.Assert(err, check.IsNil)
	c.Check(tr.cmds, check.DeepEquals, []string{cmd})
	c.Check(s.res.Counters, check.DeepEquals, batch.Counters{
		FreeSlots:  -1,
		Queued:     2,
		UserRun:    1,
		UserQueued: 1,
	})
}
