// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/posener/complete"
)

var _ cli.Command = &ResumeCommand{}

// ResumeCommand resumes dispatch for a paused job.
type ResumeCommand struct {
	Meta
}

func (c *ResumeCommand) Help() string {
	helpText := `
Usage: vibe resume [options] <job>

  Resume a paused job. Ready tasks become eligible for dispatch again.
  Resuming a job that is not paused has no effect.

General Options:

  ` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *ResumeCommand) Synopsis() string {
	return "Resume dispatch for a paused job"
}

func (c *ResumeCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *ResumeCommand) AutocompleteArgs() complete.Predictor {
	return jobPredictor(c.Meta.Client)
}

func (c *ResumeCommand) Name() string { return "resume" }

func (c *ResumeCommand) Run(args []string) int {
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

	if _, err := client.Jobs().Resume(jobID, nil); err != nil {
		if isNotFoundErr(err) {
			c.Ui.Error(fmt.Sprintf("No job with ID %q found", jobID))
			return exitRuntime
		}
		c.Ui.Error(fmt.Sprintf("Error resuming job: %s", err))
		return exitRuntime
	}

	c.Ui.Output(fmt.Sprintf("Job %q resumed", jobID))
	return exitOK
}
