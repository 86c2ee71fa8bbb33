// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"os"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"
)

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "its-agent",
		Level: hclog.Info,
	})

	c := cli.NewCLI("its-agent", "0.1.0")
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &AgentCommand{Logger: logger}, nil
		},
	}

	exitCode, err := c.Run()
	if err != nil {
		logger.Error("failed to run command", "error", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
