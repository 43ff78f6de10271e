// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package oracle

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/vibe/vibe/structs"
)

// Reply is one scripted oracle answer.
type Reply struct {
	Text string
	Err  error
}

// Scripted is an Oracle that plays back canned replies in order. Tests
// and -dev mode use it in place of a real provider. Safe for concurrent
// use.
type Scripted struct {
	mu      sync.Mutex
	replies []Reply
	prompts []string
	kinds   []string
}

func NewScripted(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// Push appends more replies to the script.
func (s *Scripted) Push(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

// Ask pops the next scripted reply. An exhausted script fails with an
// OracleError so tests that under-provision replies fail loudly.
func (s *Scripted) Ask(ctx context.Context, prompt, kind string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.prompts = append(s.prompts, prompt)
	s.kinds = append(s.kinds, kind)

	if len(s.replies) == 0 {
		return "", structs.NewOracleError(kind, errors.New("script exhausted"))
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	return next.Text, next.Err
}

// Prompts returns a copy of every prompt asked so far.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}

// Kinds returns a copy of the consultation kinds asked so far.
func (s *Scripted) Kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.kinds))
	copy(out, s.kinds)
	return out
}
