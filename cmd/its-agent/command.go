// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package main is the its-agent command: the thin CLI/launcher wiring
// that parses a handful of flags, builds a logger, and assembles the
// kill service from its collaborators. Nothing here is part of the
// kill-service core; it exists only because a caller has to exist
// somewhere.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/hashicorp/nomad-its/driver"
	"github.com/hashicorp/nomad-its/killservice"
	"github.com/hashicorp/nomad-its/state"
	"github.com/hashicorp/nomad-its/stream"
)

// fileConfig mirrors the subset of killservice.Config a config file may
// set. Flags always take precedence over a file value when both are
// given a non-default value.
type fileConfig struct {
	KillChunkSize    *int    `hcl:"kill_chunk_size,optional"`
	KillRetryTimeout *string `hcl:"kill_retry_timeout,optional"`
	KillRetryMax     *int    `hcl:"kill_retry_max,optional"`
}

// AgentCommand runs the kill service until interrupted: a single
// long-running Run that owns signal handling, not a multi-subcommand
// CLI — this subsystem has exactly one job.
type AgentCommand struct {
	Logger hclog.Logger
}

func (c *AgentCommand) Synopsis() string {
	return "Run the instance termination service agent"
}

func (c *AgentCommand) Help() string {
	return `Usage: its-agent agent [options]

  Runs the instance termination service core, wired to an in-memory
  event bus and state store for local exercising. This binary has no
  real scheduler driver to talk to; it exists to demonstrate wiring,
  not to manage a production fleet.

Options:

  -kill-chunk-size=<n>      Maximum concurrent in-flight kills (default 16)
  -kill-retry-timeout=<dur> Minimum age before a retry (default 30s)
  -kill-retry-max=<n>       Attempt budget before force-expunge (default unbounded)
  -config=<path>            Optional HCL config file; flags override its values
`
}

func (c *AgentCommand) Run(args []string) int {
	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	chunkSize := flags.Int("kill-chunk-size", 16, "maximum concurrent in-flight kills")
	retryTimeout := flags.Duration("kill-retry-timeout", 30*time.Second, "minimum age before a retry")
	retryMax := flags.Int("kill-retry-max", -1, "attempt budget before force-expunge; negative means unbounded")
	configPath := flags.String("config", "", "path to an HCL config file")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg := killservice.Config{
		KillChunkSize:    *chunkSize,
		KillRetryTimeout: *retryTimeout,
	}
	if *retryMax >= 0 {
		cfg.KillRetryMax = killservice.IntPtr(*retryMax)
	}

	if *configPath != "" {
		var fc fileConfig
		if err := hclsimple.DecodeFile(*configPath, nil, &fc); err != nil {
			c.Logger.Error(fmt.Sprintf("failed to parse config file: %v", err))
			return 1
		}
		if fc.KillChunkSize != nil && *chunkSize == 16 {
			cfg.KillChunkSize = *fc.KillChunkSize
		}
		if fc.KillRetryTimeout != nil && *retryTimeout == 30*time.Second {
			d, err := time.ParseDuration(*fc.KillRetryTimeout)
			if err != nil {
				c.Logger.Error(fmt.Sprintf("invalid kill_retry_timeout in config file: %v", err))
				return 1
			}
			cfg.KillRetryTimeout = d
		}
		if fc.KillRetryMax != nil && *retryMax < 0 {
			cfg.KillRetryMax = killservice.IntPtr(*fc.KillRetryMax)
		}
	}

	if err := cfg.Validate(); err != nil {
		c.Logger.Error(fmt.Sprintf("invalid configuration: %v", err))
		return 1
	}

	bus := stream.NewBus(c.Logger)
	store, err := state.NewStore(c.Logger, bus)
	if err != nil {
		c.Logger.Error(fmt.Sprintf("failed to build state store: %v", err))
		return 1
	}

	// No concrete scheduler driver is wired here: this binary's only
	// job is to prove out the kill-service plumbing, so every KillTask
	// call is discarded. An instance reaches a terminal event only via
	// force-expunge: on first dispatch if it is lost or has no live
	// tasks, otherwise once kill-retry-max is set and exhausted; with
	// retries unbounded it stays in-flight.
	handle := driver.NewNoopHandle()

	core, err := killservice.NewCore(c.Logger, killservice.NewClock(), cfg, bus, handle, store, nil)
	if err != nil {
		c.Logger.Error(fmt.Sprintf("failed to build kill service: %v", err))
		return 1
	}

	go core.Run()
	c.Logger.Info("its-agent started", "kill_chunk_size", cfg.KillChunkSize, "kill_retry_timeout", cfg.KillRetryTimeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	c.Logger.Info("its-agent shutting down")
	core.Shutdown()
	return 0
}
