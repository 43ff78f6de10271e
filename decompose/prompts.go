// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package decompose

import (
	"fmt"
	"strings"

	"github.com/hashicorp/vibe/vibe/structs"
)

// atomicityPrompt asks the oracle whether the task fits a single worker.
// The answer contract mirrors the Verdict JSON shape.
func atomicityPrompt(t *structs.Task) string {
	var b strings.Builder
	b.WriteString("Judge whether the following task is atomic: completable by one worker ")
	fmt.Fprintf(&b, "in at most %d minutes, touching at most %d files, with a single testable outcome.\n\n",
		structs.AtomicMaxMinutes, structs.AtomicMaxFilePaths)
	writeTask(&b, t)
	b.WriteString("\nAnswer with a single JSON object: ")
	b.WriteString(`{"isAtomic": bool, "confidence": 0.0-1.0, "reasoning": string, ` +
		`"estimatedMinutes": number, "complexityFactors": [string], "recommendations": [string]}`)
	return b.String()
}

// splitPrompt asks the oracle to break a non-atomic task into subtasks.
// Depth and the running task count let the model right-size the split
// against the remaining budget.
func splitPrompt(t *structs.Task, depth, produced int) string {
	var b strings.Builder
	b.WriteString("Split the following task into 2-5 smaller subtasks, each independently completable.\n\n")
	writeTask(&b, t)
	fmt.Fprintf(&b, "\nDecomposition depth: %d\nTasks produced so far: %d\n", depth, produced)
	b.WriteString("\nAnswer with a single JSON object: ")
	b.WriteString(`{"subtasks": [{"title": string, "description": string, "type": string, ` +
		`"priority": "critical|high|medium|low", "estimatedMinutes": number, ` +
		`"filePaths": [string], "acceptanceCriteria": [string], ` +
		`"dependsOn": [index of earlier subtask]}], "reasoning": string}`)
	return b.String()
}

func writeTask(b *strings.Builder, t *structs.Task) {
	fmt.Fprintf(b, "Title: %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(b, "Description: %s\n", t.Description)
	}
	if t.Type != "" {
		fmt.Fprintf(b, "Type: %s\n", t.Type)
	}
	fmt.Fprintf(b, "Priority: %s\n", t.Priority)
	if t.EstimatedMinutes > 0 {
		fmt.Fprintf(b, "Estimated minutes: %.0f\n", t.EstimatedMinutes)
	}
	if len(t.FilePaths) > 0 {
		fmt.Fprintf(b, "Files: %s\n", strings.Join(t.FilePaths, ", "))
	}
	if len(t.AcceptanceCriteria) > 0 {
		fmt.Fprintf(b, "Acceptance criteria: %s\n", strings.Join(t.AcceptanceCriteria, "; "))
	}
	if t.Context != nil {
		if len(t.Context.Languages) > 0 {
			fmt.Fprintf(b, "Languages: %s\n", strings.Join(t.Context.Languages, ", "))
		}
		if len(t.Context.Frameworks) > 0 {
			fmt.Fprintf(b, "Frameworks: %s\n", strings.Join(t.Context.Frameworks, ", "))
		}
		if t.Context.CodebaseSize != "" {
			fmt.Fprintf(b, "Codebase size: %s\n", t.Context.CodebaseSize)
		}
	}
}
