// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package vibe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/vibe/ci"
	"github.com/hashicorp/vibe/helper/testlog"
	"github.com/hashicorp/vibe/vibe/structs"
)

func testRateLimiter(t *testing.T, limits map[string]LimitConfig) *RateLimiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rl, err := NewRateLimiter(ctx, testlog.HCLogger(t), limits)
	must.NoError(t, err)
	return rl
}

func TestRateLimiter_AllowsWithinBudget(t *testing.T) {
	ci.Parallel(t)

	rl := testRateLimiter(t, map[string]LimitConfig{
		LimitFamilyTaskStart: {MaxRequests: 3, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := rl.Allow(ctx, LimitFamilyTaskStart, "client-a")
		must.NoError(t, err)
		must.True(t, d.Allowed, must.Sprintf("request %d should be allowed", i+1))
		must.Eq(t, uint64(3), d.Limit)
		must.Eq(t, uint64(2-i), d.Remaining)
	}

	d, err := rl.Allow(ctx, LimitFamilyTaskStart, "client-a")
	must.NoError(t, err)
	must.False(t, d.Allowed)
	must.Eq(t, uint64(0), d.Remaining)
	must.True(t, d.ResetAt.After(time.Now()))
	must.Greater(t, time.Duration(0), d.RetryAfter)
	must.LessEq(t, time.Minute, d.RetryAfter)
	// rounded up to whole seconds for the Retry-After header
	must.Eq(t, time.Duration(0), d.RetryAfter%time.Second)
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	ci.Parallel(t)

	rl := testRateLimiter(t, map[string]LimitConfig{
		LimitFamilyAPI: {MaxRequests: 1, Window: time.Minute},
	})
	ctx := context.Background()

	d, err := rl.Allow(ctx, LimitFamilyAPI, "client-a")
	must.NoError(t, err)
	must.True(t, d.Allowed)

	d, err = rl.Allow(ctx, LimitFamilyAPI, "client-a")
	must.NoError(t, err)
	must.False(t, d.Allowed)

	d, err = rl.Allow(ctx, LimitFamilyAPI, "client-b")
	must.NoError(t, err)
	must.True(t, d.Allowed)
}

func TestRateLimiter_FamiliesAreIndependent(t *testing.T) {
	ci.Parallel(t)

	rl := testRateLimiter(t, map[string]LimitConfig{
		LimitFamilyUpload: {MaxRequests: 1, Window: time.Minute},
	})
	ctx := context.Background()

	d, err := rl.Allow(ctx, LimitFamilyUpload, "client-a")
	must.NoError(t, err)
	must.True(t, d.Allowed)

	d, err = rl.Allow(ctx, LimitFamilyUpload, "client-a")
	must.NoError(t, err)
	must.False(t, d.Allowed)

	// same key, different family
	d, err = rl.Allow(ctx, LimitFamilyAPI, "client-a")
	must.NoError(t, err)
	must.True(t, d.Allowed)
}

func TestRateLimiter_UnknownFamilyChargesGeneral(t *testing.T) {
	ci.Parallel(t)

	rl := testRateLimiter(t, map[string]LimitConfig{
		LimitFamilyGeneral: {MaxRequests: 2, Window: time.Minute},
	})
	ctx := context.Background()

	d, err := rl.Allow(ctx, "mystery", "client-a")
	must.NoError(t, err)
	must.True(t, d.Allowed)
	must.Eq(t, uint64(2), d.Limit)

	_, err = rl.Allow(ctx, "mystery", "client-a")
	must.NoError(t, err)

	// the general bucket is now exhausted for this key
	d, err = rl.Allow(ctx, LimitFamilyGeneral, "client-a")
	must.NoError(t, err)
	must.False(t, d.Allowed)
}

func TestRateLimiter_CheckReturnsRateLimitError(t *testing.T) {
	ci.Parallel(t)

	rl := testRateLimiter(t, map[string]LimitConfig{
		LimitFamilyAPI: {MaxRequests: 1, Window: time.Minute},
	})
	ctx := context.Background()

	must.NoError(t, rl.Check(ctx, LimitFamilyAPI, "client-a"))

	err := rl.Check(ctx, LimitFamilyAPI, "client-a")
	must.Error(t, err)

	var rle *structs.RateLimitError
	must.True(t, errors.As(err, &rle))
	must.Eq(t, LimitFamilyAPI, rle.Family)
	must.Eq(t, "client-a", rle.Key)
	must.Greater(t, time.Duration(0), rle.RetryAfter())
}

func TestRateLimiter_RejectsBadOverrides(t *testing.T) {
	ci.Parallel(t)

	ctx := context.Background()

	_, err := NewRateLimiter(ctx, testlog.HCLogger(t), map[string]LimitConfig{
		"bogus": {MaxRequests: 1, Window: time.Minute},
	})
	must.Error(t, err)
	var cfgErr *structs.ConfigError
	must.True(t, errors.As(err, &cfgErr))

	_, err = NewRateLimiter(ctx, testlog.HCLogger(t), map[string]LimitConfig{
		LimitFamilyAPI: {MaxRequests: 0, Window: time.Minute},
	})
	must.Error(t, err)
}

func TestRateLimiter_CloseStopsStores(t *testing.T) {
	ci.Parallel(t)

	rl := testRateLimiter(t, nil)
	ctx := context.Background()

	_, err := rl.Allow(ctx, LimitFamilyGeneral, "client-a")
	must.NoError(t, err)

	rl.close(ctx)

	_, err = rl.Allow(ctx, LimitFamilyGeneral, "client-a")
	must.Error(t, err)
}
