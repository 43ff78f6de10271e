// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/hashicorp/cli"
	"github.com/hashicorp/vibe/api"
	"github.com/posener/complete"
)

var _ cli.Command = &StatusCommand{}

// StatusCommand lists jobs or shows detail for one of them.
type StatusCommand struct {
	Meta
}

func (c *StatusCommand) Help() string {
	helpText := `
Usage: vibe status [options] [job]

  Display the status of jobs tracked by the agent. If a job ID is given,
  detailed status for that job is shown, including its transition history
  and, with -verbose, the decomposed task list.

General Options:

  ` + generalOptionsUsage() + `

Status Options:

  -status=<status>
    Filter the job list by status (pending, running, paused, completed,
    failed or cancelled). Ignored when a job ID is given.

  -verbose
    Display full information, including the atomic tasks produced by
    decomposition.

  -json
    Output the status in JSON format.

  -t
    Format and display the status using a Go template.
`
	return strings.TrimSpace(helpText)
}

func (c *StatusCommand) Synopsis() string {
	return "Display the status of jobs"
}

func (c *StatusCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-status": complete.PredictSet(
				api.JobStatusPending, api.JobStatusRunning, api.JobStatusPaused,
				api.JobStatusCompleted, api.JobStatusFailed, api.JobStatusCancelled),
			"-verbose": complete.PredictNothing,
			"-json":    complete.PredictNothing,
			"-t":       complete.PredictAnything,
		})
}

func (c *StatusCommand) AutocompleteArgs() complete.Predictor {
	return jobPredictor(c.Meta.Client)
}

func (c *StatusCommand) Name() string { return "status" }

func (c *StatusCommand) Run(args []string) int {
	var statusFilter, tmpl string
	var verbose, json bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&statusFilter, "status", "", "")
	flags.BoolVar(&verbose, "verbose", false, "")
	flags.BoolVar(&json, "json", false, "")
	flags.StringVar(&tmpl, "t", "", "")

	if err := flags.Parse(args); err != nil {
		return exitUsage
	}

	args = flags.Args()
	if len(args) > 1 {
		c.Ui.Error("This command takes either no arguments or one: <job>")
		c.Ui.Error(commandErrorText(c))
		return exitUsage
	}

	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return exitRuntime
	}

	if len(args) == 0 {
		return c.listJobs(client, statusFilter, json, tmpl)
	}

	return c.jobStatus(client, args[0], verbose, json, tmpl)
}

func (c *StatusCommand) listJobs(client *api.Client, status string, json bool, tmpl string) int {
	jobs, _, err := client.Jobs().List(status, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying jobs: %s", err))
		return exitRuntime
	}

	if len(jobs) == 0 {
		if status != "" {
			c.Ui.Output(fmt.Sprintf("No jobs with status %q found", status))
		} else {
			c.Ui.Output("No jobs found")
		}
		return exitOK
	}

	if json || len(tmpl) > 0 {
		out, err := Format(json, tmpl, jobs)
		if err != nil {
			c.Ui.Error(err.Error())
			return exitRuntime
		}
		c.Ui.Output(out)
		return exitOK
	}

	out := make([]string, len(jobs)+1)
	out[0] = "ID|Status|Progress|Created|Modified"
	for i, job := range jobs {
		out[i+1] = fmt.Sprintf("%s|%s|%s|%s|%s",
			job.ID,
			job.Status,
			formatProgress(job.Progress),
			humanize.Time(job.CreateTime),
			humanize.Time(job.ModifyTime))
	}
	c.Ui.Output(formatList(out))
	return exitOK
}

func (c *StatusCommand) jobStatus(client *api.Client, jobID string, verbose, json bool, tmpl string) int {
	job, _, err := client.Jobs().Info(jobID, nil)
	if err != nil {
		if isNotFoundErr(err) {
			c.Ui.Error(fmt.Sprintf("No job with ID %q found", jobID))
			return exitRuntime
		}
		c.Ui.Error(fmt.Sprintf("Error querying job: %s", err))
		return exitRuntime
	}

	if json || len(tmpl) > 0 {
		out, err := Format(json, tmpl, job)
		if err != nil {
			c.Ui.Error(err.Error())
			return exitRuntime
		}
		c.Ui.Output(out)
		return exitOK
	}

	basic := []string{
		fmt.Sprintf("ID|%s", job.ID),
		fmt.Sprintf("Status|%s", job.Status),
		fmt.Sprintf("Progress|%s", formatProgress(job.Progress)),
	}
	if job.Message != "" {
		basic = append(basic, fmt.Sprintf("Message|%s", job.Message))
	}
	if job.Warning != "" {
		basic = append(basic, fmt.Sprintf("Warning|%s", job.Warning))
	}
	if job.Error != "" {
		basic = append(basic, fmt.Sprintf("Error|%s", job.Error))
	}
	if job.SessionID != "" {
		basic = append(basic, fmt.Sprintf("Session|%s", job.SessionID))
	}
	if job.ProjectID != "" {
		basic = append(basic, fmt.Sprintf("Project|%s", job.ProjectID))
	}
	basic = append(basic,
		fmt.Sprintf("Created|%s", formatTime(job.CreateTime)),
		fmt.Sprintf("Modified|%s", formatTime(job.ModifyTime)))
	c.Ui.Output(formatKV(basic))

	if job.Result != nil {
		c.Ui.Output(c.Colorize().Color("\n[bold]Result[reset]"))
		c.Ui.Output(formatKV([]string{
			fmt.Sprintf("Total Tasks|%d", job.Result.TotalTasks),
			fmt.Sprintf("Completed Tasks|%d", job.Result.CompletedTasks),
			fmt.Sprintf("Elapsed|%s", job.Result.Elapsed),
		}))
	}

	if verbose && job.SessionID != "" {
		session, _, err := client.Jobs().Session(job.ID, nil)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error querying session: %s", err))
			return exitRuntime
		}
		c.Ui.Output(c.Colorize().Color("\n[bold]Atomic Tasks[reset]"))
		c.Ui.Output(formatAtomicTasks(session.Atomics))
	}

	if len(job.TransitionLog) > 0 {
		c.Ui.Output(c.Colorize().Color("\n[bold]Transitions[reset]"))
		trans := make([]string, len(job.TransitionLog)+1)
		trans[0] = "Time|From|To|Progress|Message"
		for i, tr := range job.TransitionLog {
			trans[i+1] = fmt.Sprintf("%s|%s|%s|%s|%s",
				formatTime(tr.Ts),
				tr.From,
				tr.To,
				formatProgress(tr.Progress),
				limit(tr.Message, 40))
		}
		c.Ui.Output(formatList(trans))
	}

	return exitOK
}

func formatAtomicTasks(atomics []*api.AtomicTask) string {
	if len(atomics) == 0 {
		return "<none>"
	}

	out := make([]string, len(atomics)+1)
	out[0] = "ID|Title|Minutes|Confidence|Depends On"
	for i, at := range atomics {
		out[i+1] = fmt.Sprintf("%s|%s|%.0f|%.2f|%s",
			at.ID,
			limit(at.Title, 40),
			at.EstimatedMinutes,
			at.AtomicityConfidence,
			strings.Join(at.DependsOn, ","))
	}
	return formatList(out)
}
