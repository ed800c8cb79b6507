// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/gridrun/gridrun/lib/cli"
	"github.com/gridrun/gridrun/lib/cmd"
	"github.com/gridrun/gridrun/services/gridrund"
)

var handler = cmd.Multi(map[string]cmd.RunFunc{
	"version":   cmd.VersionCommand,
	"-version":  cmd.VersionCommand,
	"--version": cmd.VersionCommand,

	"submit": cli.Submit,
	"status": cli.Status,
	"fetch":  cli.Fetch,
	"kill":   cli.Kill,
	"serve":  gridrund.Command,
})

func main() {
	os.Exit(handler(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
