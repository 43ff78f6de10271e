// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/posener/complete"
)

var _ cli.Command = &AgentInfoCommand{}

// AgentInfoCommand displays the agent's runtime counters.
type AgentInfoCommand struct {
	Meta
}

func (c *AgentInfoCommand) Help() string {
	helpText := `
Usage: vibe agent-info [options]

  Display status information about the local agent: transports, broker
  and dispatcher counters, worker pool state and runtime statistics.

General Options:

  ` + generalOptionsUsage() + `

Agent Info Options:

  -json
    Output the agent info in JSON format.

  -t
    Format and display the agent info using a Go template.
`
	return strings.TrimSpace(helpText)
}

func (c *AgentInfoCommand) Synopsis() string {
	return "Display status information about the local agent"
}

func (c *AgentInfoCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-json": complete.PredictNothing,
			"-t":    complete.PredictAnything,
		})
}

func (c *AgentInfoCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *AgentInfoCommand) Name() string { return "agent-info" }

func (c *AgentInfoCommand) Run(args []string) int {
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

	self, err := client.Agent().Self()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying agent info: %s", err))
		return exitRuntime
	}

	if json || len(tmpl) > 0 {
		out, err := Format(json, tmpl, self)
		if err != nil {
			c.Ui.Error(err.Error())
			return exitRuntime
		}
		c.Ui.Output(out)
		return exitOK
	}

	stats, _ := self["stats"].(map[string]interface{})

	statsKeys := make([]string, 0, len(stats))
	for key := range stats {
		statsKeys = append(statsKeys, key)
	}
	sort.Strings(statsKeys)

	for _, key := range statsKeys {
		c.Ui.Output(key)

		section, _ := stats[key].(map[string]interface{})
		sectionKeys := make([]string, 0, len(section))
		for k := range section {
			sectionKeys = append(sectionKeys, k)
		}
		sort.Strings(sectionKeys)

		for _, k := range sectionKeys {
			c.Ui.Output(fmt.Sprintf("  %s = %v", k, section[k]))
		}
	}

	return exitOK
}
