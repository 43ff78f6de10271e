// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package flags

import (
	"flag"
	"testing"

	"github.com/hashicorp/vibe/ci"
	"github.com/stretchr/testify/require"
)

func TestStringFlag_implements(t *testing.T) {
	ci.Parallel(t)

	var raw interface{}
	raw = new(StringFlag)
	if _, ok := raw.(flag.Value); !ok {
		t.Fatalf("StringFlag should be a Value")
	}
}

func TestStringFlagSet(t *testing.T) {
	ci.Parallel(t)

	sv := new(StringFlag)
	err := sv.Set("foo")
	require.NoError(t, err)

	err = sv.Set("bar")
	require.NoError(t, err)

	require.Equal(t, []string{"foo", "bar"}, []string(*sv))
}
