// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/posener/complete"
)

var _ cli.Command = &PauseCommand{}

// PauseCommand pauses dispatch for a job.
type PauseCommand struct {
	Meta
}

func (c *PauseCommand) Help() string {
	helpText := `
Usage: vibe pause [options] <job>

  Pause a running job. Tasks that are already running continue, but no
  newly ready tasks are dispatched until the job is resumed.

General Options:

  ` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *PauseCommand) Synopsis() string {
	return "Pause dispatch for a running job"
}

func (c *PauseCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *PauseCommand) AutocompleteArgs() complete.Predictor {
	return jobPredictor(c.Meta.Client)
}

func (c *PauseCommand) Name() string { return "pause" }

func (c *PauseCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }

	if err := flags.Parse(args); err != nil {
		return exitUsage
	}

	args = flags.Args()
	if len(args) != 1 {
		c.Ui.Error("This command takes one argument: <job>")
		c.Ui.Error(commandErrorText(c))
		return exitUsage
	}
	jobID := args[0]

	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return exitRuntime
	}

	if _, err := client.Jobs().Pause(jobID, nil); err != nil {
		if isNotFoundErr(err) {
			c.Ui.Error(fmt.Sprintf("No job with ID %q found", jobID))
			return exitRuntime
		}
		c.Ui.Error(fmt.Sprintf("Error pausing job: %s", err))
		return exitRuntime
	}

	c.Ui.Output(fmt.Sprintf("Job %q paused", jobID))
	return exitOK
}
