// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"os"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/vibe/command/agent"
	"github.com/hashicorp/vibe/version"
	colorable "github.com/mattn/go-colorable"
)

const (
	// EnvVibeCLINoColor is an env var that toggles colored UI output.
	EnvVibeCLINoColor = `VIBE_CLI_NO_COLOR`

	// EnvVibeCLIForceColor is an env var that forces colored UI output.
	EnvVibeCLIForceColor = `VIBE_CLI_FORCE_COLOR`
)

// Exit codes shared by every command: flag and argument mistakes are
// usage errors, anything failing against the agent afterwards is a
// runtime error. The agent command maps config file problems to
// agent.ExitConfig on top of these.
const (
	exitOK      = 0
	exitUsage   = 2
	exitRuntime = 4
)

// Commands returns the mapping of CLI commands for Vibe. The meta
// parameter lets you set meta options for all commands.
func Commands(metaPtr *Meta, agentUi cli.Ui) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}

	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      colorable.NewColorableStdout(),
			ErrorWriter: colorable.NewColorableStderr(),
		}
	}

	all := map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &agent.Command{
				Version:    version.GetVersion(),
				Ui:         agentUi,
				ShutdownCh: make(chan struct{}),
			}, nil
		},
		"agent-info": func() (cli.Command, error) {
			return &AgentInfoCommand{
				Meta: meta,
			}, nil
		},
		"pause": func() (cli.Command, error) {
			return &PauseCommand{
				Meta: meta,
			}, nil
		},
		"resume": func() (cli.Command, error) {
			return &ResumeCommand{
				Meta: meta,
			}, nil
		},
		"start": func() (cli.Command, error) {
			return &StartCommand{
				Meta: meta,
			}, nil
		},
		"status": func() (cli.Command, error) {
			return &StatusCommand{
				Meta: meta,
			}, nil
		},
		"stop": func() (cli.Command, error) {
			return &StopCommand{
				Meta: meta,
			}, nil
		},
		"subscribe": func() (cli.Command, error) {
			return &SubscribeCommand{
				Meta: meta,
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Version: version.GetVersion(),
				Ui:      meta.Ui,
			}, nil
		},
		"workers": func() (cli.Command, error) {
			return &WorkersCommand{
				Meta: meta,
			}, nil
		},
	}

	return all
}
