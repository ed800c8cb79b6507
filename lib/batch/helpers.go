// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"fmt"
	"strings"
)

// QuoteShell quotes one word for /bin/sh.
func QuoteShell(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"'`$\\!&|;<>()*?[]#~%{}") {
		return s
	}
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// JoinCommand renders an argv as a shell command line.
func JoinCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = QuoteShell(arg)
	}
	return strings.Join(quoted, " ")
}

// GenericFilenameMapping maps the conventional stdout/stderr names
// recorded in an application's outputs to the default names the
// scheduler actually writes (`<jobname>.o<jobid>` and friends).
func GenericFilenameMapping(jobname, jobid, filename string) string {
	switch filename {
	case jobname + ".out":
		return fmt.Sprintf("%s.o%s", jobname, jobid)
	case jobname + ".err":
		return fmt.Sprintf("%s.e%s", jobname, jobid)
	}
	return filename
}

// excerpt returns stderr trimmed for inclusion in an error message.
func excerpt(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > 400 {
		stderr = stderr[:400] + "..."
	}
	return stderr
}
