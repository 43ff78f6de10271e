// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/hashicorp/vibe/helper"
)

// ParseConfigFile returns an agent.Config parsed from a file.
func ParseConfigFile(path string) (*Config, error) {
	// slurp
	var buf bytes.Buffer
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}

	// parse
	c := &Config{
		Ports:      &Ports{},
		Transports: &Transports{},
		Limits: &Limits{
			General:   &RateLimit{},
			API:       &RateLimit{},
			Upload:    &RateLimit{},
			TaskStart: &RateLimit{},
		},
		Runtime:   &RuntimeConfig{Timeouts: &TimeoutsConfig{}},
		Scheduler: &SchedulerConfig{},
		Oracle:    &OracleConfig{},
		Telemetry: &Telemetry{},
	}

	err = hcl.Decode(c, buf.String())
	if err != nil {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, err)
	}

	// convert strings to time.Durations
	tds := []durationConversionMap{
		{"limits.general.window", &c.Limits.General.Window, &c.Limits.General.WindowHCL, nil},
		{"limits.api.window", &c.Limits.API.Window, &c.Limits.API.WindowHCL, nil},
		{"limits.upload.window", &c.Limits.Upload.Window, &c.Limits.Upload.WindowHCL, nil},
		{"limits.task_start.window", &c.Limits.TaskStart.Window, &c.Limits.TaskStart.WindowHCL, nil},
		{"runtime.initial_delay", &c.Runtime.InitialDelay, &c.Runtime.InitialDelayHCL, nil},
		{"runtime.max_delay", &c.Runtime.MaxDelay, &c.Runtime.MaxDelayHCL, nil},
		{"runtime.timeouts.task_execution", &c.Runtime.Timeouts.TaskExecution, &c.Runtime.Timeouts.TaskExecutionHCL, nil},
		{"runtime.timeouts.task_decomposition", &c.Runtime.Timeouts.TaskDecomposition, &c.Runtime.Timeouts.TaskDecompositionHCL, nil},
		{"runtime.timeouts.task_refinement", &c.Runtime.Timeouts.TaskRefinement, &c.Runtime.Timeouts.TaskRefinementHCL, nil},
		{"runtime.timeouts.agent_communication", &c.Runtime.Timeouts.AgentCommunication, &c.Runtime.Timeouts.AgentCommunicationHCL, nil},
		{"runtime.timeouts.llm_request", &c.Runtime.Timeouts.LLMRequest, &c.Runtime.Timeouts.LLMRequestHCL, nil},
		{"runtime.timeouts.file_operations", &c.Runtime.Timeouts.FileOperations, &c.Runtime.Timeouts.FileOperationsHCL, nil},
		{"runtime.timeouts.database_operations", &c.Runtime.Timeouts.DatabaseOperations, &c.Runtime.Timeouts.DatabaseOperationsHCL, nil},
		{"runtime.timeouts.network_operations", &c.Runtime.Timeouts.NetworkOperations, &c.Runtime.Timeouts.NetworkOperationsHCL, nil},
		{"scheduler.heartbeat_ttl", &c.Scheduler.HeartbeatTTL, &c.Scheduler.HeartbeatTTLHCL, nil},
		{"scheduler.dispatch_slack", &c.Scheduler.DispatchSlack, &c.Scheduler.DispatchSlackHCL, nil},
		{"scheduler.gc_interval", &c.Scheduler.GCInterval, &c.Scheduler.GCIntervalHCL, nil},
		{"scheduler.gc_threshold", &c.Scheduler.GCThreshold, &c.Scheduler.GCThresholdHCL, nil},
		{"telemetry.collection_interval", &c.Telemetry.collectionInterval, &c.Telemetry.CollectionInterval, nil},
		{"telemetry.retention_period", &c.Telemetry.retentionPeriod, &c.Telemetry.RetentionPeriod, nil},
	}

	// convert strings to time.Durations
	err = convertDurations(tds)
	if err != nil {
		return nil, err
	}

	// report unexpected keys
	err = extraKeys(c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// durationConversionMap holds args for one duration conversion
type durationConversionMap struct {
	targetFieldPath string
	targetField     *time.Duration
	sourceField     *string
	setFunc         func(*time.Duration)
}

// convertDurations parses the duration strings specified in the config
// files into time.Durations
func convertDurations(xs []durationConversionMap) error {
	for _, x := range xs {
		// if targetField is not a pointer itself, use the field map.
		if x.targetField != nil && x.sourceField != nil && "" != *x.sourceField {
			d, err := time.ParseDuration(*x.sourceField)
			if err != nil {
				return fmt.Errorf("%s can't parse time duration %s", x.targetFieldPath, *x.sourceField)
			}

			*x.targetField = d
		} else if x.setFunc != nil && x.sourceField != nil && "" != *x.sourceField {
			// if targetField is a pointer itself, use the setFunc closure.
			d, err := time.ParseDuration(*x.sourceField)
			if err != nil {
				return fmt.Errorf("%s can't parse time duration %s", x.targetFieldPath, *x.sourceField)
			}
			x.setFunc(&d)
		}
	}

	return nil
}

func extraKeys(c *Config) error {
	// hcl leaves behind extra keys when parsing JSON. These keys are kept
	// on the top level, taken from the keys of structs contained in
	// blocks. Clean up before looking for extra keys.
	for _, k := range []string{"general", "api", "upload", "task_start"} {
		helper.RemoveEqualFold(&c.ExtraKeysHCL, k)
		helper.RemoveEqualFold(&c.ExtraKeysHCL, "limits")
	}

	for range c.Oracle.Models {
		helper.RemoveEqualFold(&c.Oracle.ExtraKeysHCL, "models")
	}
	for _, k := range []string{"models"} {
		helper.RemoveEqualFold(&c.ExtraKeysHCL, k)
		helper.RemoveEqualFold(&c.ExtraKeysHCL, "oracle")
	}

	for _, k := range []string{"timeouts"} {
		helper.RemoveEqualFold(&c.ExtraKeysHCL, k)
		helper.RemoveEqualFold(&c.ExtraKeysHCL, "runtime")
	}

	for _, k := range []string{"hybrid_weights"} {
		helper.RemoveEqualFold(&c.ExtraKeysHCL, k)
		helper.RemoveEqualFold(&c.ExtraKeysHCL, "scheduler")
	}

	return helper.UnusedKeys(c)
}
