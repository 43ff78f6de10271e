// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/vibe/api"
	"github.com/posener/complete"
)

var _ cli.Command = &SubscribeCommand{}

// SubscribeCommand streams agent events to the terminal.
type SubscribeCommand struct {
	Meta
}

func (c *SubscribeCommand) Help() string {
	helpText := `
Usage: vibe subscribe [options] [<job>]

  Stream events from the agent as they are published. With a job ID
  argument only events for that job are shown. The command runs until
  the stream is closed by the agent or the process is interrupted.

General Options:

  ` + generalOptionsUsage() + `

Subscribe Options:

  -topic=<topic[:key]>
    Filter the stream to a topic (Job, Task, Agent or *), optionally
    narrowed to one key. May be given multiple times. Defaults to all
    topics.

  -project=<id>
    Only show events for jobs belonging to the given project.

  -json
    Output each event as raw JSON, one object per line.
`
	return strings.TrimSpace(helpText)
}

func (c *SubscribeCommand) Synopsis() string {
	return "Stream events from the agent"
}

func (c *SubscribeCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-topic":   complete.PredictSet("Job", "Task", "Agent", "*"),
			"-project": complete.PredictAnything,
			"-json":    complete.PredictNothing,
		})
}

func (c *SubscribeCommand) AutocompleteArgs() complete.Predictor {
	return jobPredictor(c.Meta.Client)
}

func (c *SubscribeCommand) Name() string { return "subscribe" }

func (c *SubscribeCommand) Run(args []string) int {
	var project string
	var outJSON bool
	topics := make(map[api.Topic][]string)

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&project, "project", "", "")
	flags.BoolVar(&outJSON, "json", false, "")
	flags.Var((funcVar)(func(s string) error {
		topic, key, found := strings.Cut(s, ":")
		if !found {
			key = "*"
		}
		if topic == "" {
			return errors.New("topic must not be empty")
		}
		topics[api.Topic(topic)] = append(topics[api.Topic(topic)], key)
		return nil
	}), "topic", "")

	if err := flags.Parse(args); err != nil {
		return exitUsage
	}

	args = flags.Args()
	if len(args) > 1 {
		c.Ui.Error("This command takes either no arguments or one: <job>")
		c.Ui.Error(commandErrorText(c))
		return exitUsage
	}

	var filter *api.StreamFilter
	if len(args) == 1 {
		filter = &api.StreamFilter{JobID: args[0], ProjectID: project}
	} else if project != "" {
		filter = &api.StreamFilter{ProjectID: project}
	}

	if len(topics) == 0 {
		topics[api.TopicAll] = []string{"*"}
	}

	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return exitRuntime
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventCh, err := client.EventStream().Stream(ctx, topics, filter, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error subscribing to events: %s", err))
		return exitRuntime
	}

	for event := range eventCh {
		if event.Err != nil {
			if errors.Is(event.Err, io.EOF) {
				c.Ui.Output("Event stream closed")
				return exitOK
			}
			c.Ui.Error(fmt.Sprintf("Error reading event stream: %s", event.Err))
			return exitRuntime
		}

		if outJSON {
			raw, err := json.Marshal(event)
			if err != nil {
				c.Ui.Error(fmt.Sprintf("Error formatting event: %s", err))
				return exitRuntime
			}
			c.Ui.Output(string(raw))
			continue
		}

		c.Ui.Output(c.formatEvent(event))
	}

	return exitOK
}

// formatEvent renders a single event as a log-style line, decoding the
// payload where the topic is known.
func (c *SubscribeCommand) formatEvent(event *api.Event) string {
	switch event.Topic {
	case api.TopicJob:
		if p, err := event.Progress(); err == nil {
			line := fmt.Sprintf("%s  %s  %s  %s %s",
				formatTime(event.Ts), event.Type, p.JobID, p.Status, formatProgress(p.Progress))
			if p.Message != "" {
				line += "  " + p.Message
			}
			if p.Warning != "" {
				line += "  warning=" + p.Warning
			}
			if p.Error != "" {
				line += "  error=" + p.Error
			}
			return line
		}
	case api.TopicTask:
		if t, err := event.Task(); err == nil {
			line := fmt.Sprintf("%s  %s  %s/%s  %s",
				formatTime(event.Ts), event.Type, t.JobID, t.TaskID, t.Status)
			if t.WorkerID != "" {
				line += "  worker=" + t.WorkerID
			}
			if t.Error != "" {
				line += "  error=" + t.Error
			}
			return line
		}
	}

	return fmt.Sprintf("%s  %s  %s", formatTime(event.Ts), event.Type, event.Key)
}
