// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package oracle defines the opaque language-model collaborator consulted
// for atomicity verdicts and task splits. The core never imports a
// concrete provider; it holds an Oracle and does all prompt construction
// itself.
package oracle

import (
	"context"
)

// Consultation kinds. Providers may map each kind to a different model.
const (
	KindAtomicity = "atomicity"
	KindSplit     = "split"
)

// Oracle produces text for a prompt. Implementations must honor ctx
// cancellation and return errors rather than blocking forever; retry and
// timeout policy belong to the caller.
type Oracle interface {
	Ask(ctx context.Context, prompt, kind string) (string, error)
}

// Func adapts a plain function to the Oracle interface.
type Func func(ctx context.Context, prompt, kind string) (string, error)

func (f Func) Ask(ctx context.Context, prompt, kind string) (string, error) {
	return f(ctx, prompt, kind)
}
