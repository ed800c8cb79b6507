// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gridrun

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&QuantitySuite{})

type QuantitySuite struct{}

func (s *QuantitySuite) TestParseByteSize(c *check.C) {
	for _, trial := range []struct {
		in  string
		out int64
	}{
		{"0", 0},
		{"1024", 1024},
		{"4KiB", 4096},
		{"4K", 4000},
		{"4KB", 4000},
		{"2M", 2000000},
		{"2MiB", 2 << 20},
		{"4 GiB", 4 << 30},
		{"1.5Gi", 3 << 29},
		{"2T", 2000000000000},
		{"4Ei", 4 << 60},
	} {
		n, err := ParseByteSize(trial.in)
		c.Check(err, check.IsNil, check.Commentf("%q", trial.in))
		c.Check(int64(n), check.Equals, trial.out, check.Commentf("%q", trial.in))
	}
}

func (s *QuantitySuite) TestParseByteSizeErrors(c *check.C) {
	for _, in := range []string{"", "lots", "4Q", "1e400", "9Ei"} {
		_, err := ParseByteSize(in)
		c.Check(err, check.NotNil, check.Commentf("%q", in))
	}
}

func (s *QuantitySuite) TestByteSizeJSON(c *check.C) {
	var v struct {
		Mem ByteSize `json:"mem"`
	}
	c.Assert(json.Unmarshal([]byte(`{"mem":"2GiB"}`), &v), check.IsNil)
	c.Check(int64(v.Mem), check.Equals, int64(2<<30))
	c.Assert(json.Unmarshal([]byte(`{"mem":12345}`), &v), check.IsNil)
	c.Check(int64(v.Mem), check.Equals, int64(12345))
}

func (s *QuantitySuite) TestByteSizeMiB(c *check.C) {
	c.Check(ByteSize(0).MiB(), check.Equals, int64(0))
	c.Check(ByteSize(1).MiB(), check.Equals, int64(1))
	c.Check(ByteSize(1<<20).MiB(), check.Equals, int64(1))
	c.Check(ByteSize(1<<20+1).MiB(), check.Equals, int64(2))
	c.Check(ByteSize(2<<30).MiB(), check.Equals, int64(2048))
}

func (s *QuantitySuite) TestDurationJSON(c *check.C) {
	var v struct {
		Walltime Duration `json:"walltime"`
	}
	c.Assert(json.Unmarshal([]byte(`{"walltime":"1h30m"}`), &v), check.IsNil)
	c.Check(v.Walltime.Duration(), check.Equals, 90*time.Minute)
	c.Check(json.Unmarshal([]byte(`{"walltime":90}`), &v), check.NotNil)

	buf, err := json.Marshal(v)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"walltime":"1h30m0s"}`)
}

func (s *QuantitySuite) TestDurationRounding(c *check.C) {
	c.Check(Duration(8*time.Hour).Seconds(), check.Equals, int64(28800))
	c.Check(Duration(time.Second+time.Millisecond).Seconds(), check.Equals, int64(2))
	c.Check(Duration(61*time.Second).Minutes(), check.Equals, int64(2))
	c.Check(Duration(time.Hour).Minutes(), check.Equals, int64(60))
}
