// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/vibe/api"
	"github.com/posener/complete"
)

var _ cli.Command = &StartCommand{}

// StartCommand submits a task and by default follows its progress.
type StartCommand struct {
	Meta

	// testStdin is used in tests to supply the stdin data source.
	testStdin io.Reader
}

func (c *StartCommand) Help() string {
	helpText := `
Usage: vibe start [options] <task>

  Submit a task for decomposition and execution. The task argument is a
  JSON task spec; it may be given inline, as @<file> to read a file, or
  as - to read from stdin.

  By default the command subscribes to the job's progress events and
  follows them until the job reaches a terminal status. The exit status
  reflects the outcome: 0 when the job completes, 4 when it fails or is
  cancelled.

General Options:

  ` + generalOptionsUsage() + `

Start Options:

  -detach
    Return immediately instead of monitoring. The new job ID is printed
    to the screen, which can be used to look up the job later using the
    status command.
`
	return strings.TrimSpace(helpText)
}

func (c *StartCommand) Synopsis() string {
	return "Submit a task and follow its progress"
}

func (c *StartCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-detach": complete.PredictNothing,
		})
}

func (c *StartCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictOr(complete.PredictFiles("*.json"), complete.PredictAnything)
}

func (c *StartCommand) Name() string { return "start" }

func (c *StartCommand) Run(args []string) int {
	var detach bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&detach, "detach", false, "")

	if err := flags.Parse(args); err != nil {
		return exitUsage
	}

	args = flags.Args()
	if len(args) != 1 {
		c.Ui.Error("This command takes one argument: <task>")
		c.Ui.Error(commandErrorText(c))
		return exitUsage
	}

	src, err := loadDataSource(args[0], c.testStdin)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading task: %s", err))
		return exitUsage
	}

	var task api.Task
	if err := json.Unmarshal([]byte(src), &task); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing task: %s", err))
		return exitUsage
	}
	if task.Title == "" {
		c.Ui.Error("Task must have a title")
		return exitUsage
	}

	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return exitRuntime
	}

	jobID, _, err := client.Jobs().Create(&task, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error submitting task: %s", err))
		return exitRuntime
	}

	if detach {
		c.Ui.Output(jobID)
		return exitOK
	}

	c.Ui.Output(fmt.Sprintf("==> Monitoring job %q", jobID))
	return c.monitor(client, jobID)
}

// monitor subscribes to the job's progress events and renders them until
// the job goes terminal. The subscription is established before the
// first status read so no transition can slip between the two.
func (c *StartCommand) monitor(client *api.Client, jobID string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topics := map[api.Topic][]string{api.TopicJob: {jobID}}
	eventCh, err := client.EventStream().Stream(ctx, topics, nil, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error subscribing to events: %s", err))
		return exitRuntime
	}

	job, _, err := client.Jobs().Info(jobID, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying job: %s", err))
		return exitRuntime
	}
	c.Ui.Output(fmt.Sprintf("    %s %s", formatProgress(job.Progress), job.Status))
	if done, code := c.terminal(jobID, job.Status, job.Error); done {
		return code
	}

	for event := range eventCh {
		if event.Err != nil {
			c.Ui.Error(fmt.Sprintf("Error monitoring job: %s", event.Err))
			return exitRuntime
		}

		progress, err := event.Progress()
		if err != nil {
			continue
		}

		line := fmt.Sprintf("    %s %s", formatProgress(progress.Progress), progress.Status)
		if progress.Message != "" {
			line += ": " + progress.Message
		}
		c.Ui.Output(line)
		if progress.Warning != "" {
			c.Ui.Warn(fmt.Sprintf("    warning: %s", progress.Warning))
		}

		if done, code := c.terminal(jobID, progress.Status, progress.Error); done {
			return code
		}
	}

	c.Ui.Error("Error monitoring job: event stream closed")
	return exitRuntime
}

// terminal renders the final line once a job reaches a terminal status
// and picks the exit code.
func (c *StartCommand) terminal(jobID, status, errMsg string) (bool, int) {
	switch status {
	case api.JobStatusCompleted:
		c.Ui.Output(fmt.Sprintf("==> Job %q finished with status %q", jobID, status))
		return true, exitOK
	case api.JobStatusFailed:
		if errMsg != "" {
			c.Ui.Error(fmt.Sprintf("==> Job %q failed: %s", jobID, errMsg))
		} else {
			c.Ui.Error(fmt.Sprintf("==> Job %q failed", jobID))
		}
		return true, exitRuntime
	case api.JobStatusCancelled:
		c.Ui.Error(fmt.Sprintf("==> Job %q was cancelled", jobID))
		return true, exitRuntime
	}
	return false, exitOK
}
