// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/posener/complete"
)

var _ cli.Command = &StopCommand{}

// StopCommand cancels a job.
type StopCommand struct {
	Meta
}

func (c *StopCommand) Help() string {
	helpText := `
Usage: vibe stop [options] <job>

  Stop an existing job. All of the job's non-terminal tasks transition to
  cancelled and workers running them receive a best-effort abort signal.
  Stopping a job that already reached a terminal status has no effect.

General Options:

  ` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *StopCommand) Synopsis() string {
	return "Stop a running job"
}

func (c *StopCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *StopCommand) AutocompleteArgs() complete.Predictor {
	return jobPredictor(c.Meta.Client)
}

func (c *StopCommand) Name() string { return "stop" }

func (c *StopCommand) Run(args []string) int {
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

	if _, err := client.Jobs().Cancel(jobID, nil); err != nil {
		if isNotFoundErr(err) {
			c.Ui.Error(fmt.Sprintf("No job with ID %q found", jobID))
			return exitRuntime
		}
		c.Ui.Error(fmt.Sprintf("Error stopping job: %s", err))
		return exitRuntime
	}

	c.Ui.Output(fmt.Sprintf("Job %q cancelled", jobID))
	return exitOK
}
