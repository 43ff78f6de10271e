// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package vibe

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/vibe/vibe/structs"
)

// TaskDriver executes one atomic task on behalf of a worker. Run blocks
// until the task finishes or ctx fires and returns the task's output.
// Drivers must be safe for concurrent use.
type TaskDriver interface {
	Run(ctx context.Context, task *structs.AtomicTask, worker *structs.Worker) (string, error)
}

// SimDriver is the built-in driver. It sleeps Scale of wall clock per
// estimated minute and reports success, which turns a five minute
// estimate into a few milliseconds in dev agents.
type SimDriver struct {
	Scale time.Duration
}

func (d *SimDriver) Run(ctx context.Context, task *structs.AtomicTask, _ *structs.Worker) (string, error) {
	scale := d.Scale
	if scale <= 0 {
		scale = time.Millisecond
	}
	est := task.EstimatedMinutes
	if est <= 0 {
		est = 1
	}
	wait := time.Duration(est * float64(scale))

	select {
	case <-time.After(wait):
		return fmt.Sprintf("completed %q after %s", task.Title, wait), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
