// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/hashicorp/cli"
	"github.com/posener/complete"
)

var _ cli.Command = &WorkersCommand{}

// WorkersCommand lists the agent's worker pool.
type WorkersCommand struct {
	Meta
}

func (c *WorkersCommand) Help() string {
	helpText := `
Usage: vibe workers [options]

  List the workers registered with the agent, including their
  capabilities, their current task and when they last heartbeat.

General Options:

  ` + generalOptionsUsage() + `

Workers Options:

  -json
    Output the workers in JSON format.

  -t
    Format and display the workers using a Go template.
`
	return strings.TrimSpace(helpText)
}

func (c *WorkersCommand) Synopsis() string {
	return "List the registered workers"
}

func (c *WorkersCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-json": complete.PredictNothing,
			"-t":    complete.PredictAnything,
		})
}

func (c *WorkersCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *WorkersCommand) Name() string { return "workers" }

func (c *WorkersCommand) Run(args []string) int {
	var json bool
	var tmpl string

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&json, "json", false, "")
	flags.StringVar(&tmpl, "t", "", "")

	if err := flags.Parse(args); err != nil {
		return exitUsage
	}

	if args = flags.Args(); len(args) > 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return exitUsage
	}

	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return exitRuntime
	}

	workers, _, err := client.Workers().List(nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying workers: %s", err))
		return exitRuntime
	}

	if len(workers) == 0 {
		c.Ui.Output("No workers registered")
		return exitOK
	}

	if json || len(tmpl) > 0 {
		out, err := Format(json, tmpl, workers)
		if err != nil {
			c.Ui.Error(err.Error())
			return exitRuntime
		}
		c.Ui.Output(out)
		return exitOK
	}

	out := make([]string, len(workers)+1)
	out[0] = "ID|Status|Capabilities|Current Task|Last Heartbeat"
	for i, w := range workers {
		out[i+1] = fmt.Sprintf("%s|%s|%s|%s|%s",
			w.ID,
			w.Status,
			strings.Join(w.Capabilities, ","),
			w.CurrentTaskID,
			humanize.Time(w.LastHeartbeat))
	}
	c.Ui.Output(formatList(out))
	return exitOK
}
