// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package vibe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"

	"github.com/hashicorp/vibe/vibe/structs"
)

// Rate limit families. Every ingress path charges exactly one family;
// buckets within a family are keyed by caller so one noisy client cannot
// starve the rest.
const (
	LimitFamilyGeneral   = "general"
	LimitFamilyAPI       = "api"
	LimitFamilyUpload    = "upload"
	LimitFamilyTaskStart = "taskStart"
)

// LimitConfig sizes one family: MaxRequests per Window per key.
type LimitConfig struct {
	MaxRequests uint64        `json:"maxRequests"`
	Window      time.Duration `json:"window"`
}

// DefaultRateLimits returns the built-in family sizes.
func DefaultRateLimits() map[string]LimitConfig {
	return map[string]LimitConfig{
		LimitFamilyGeneral:   {MaxRequests: 100, Window: time.Minute},
		LimitFamilyAPI:       {MaxRequests: 60, Window: time.Minute},
		LimitFamilyUpload:    {MaxRequests: 10, Window: time.Minute},
		LimitFamilyTaskStart: {MaxRequests: 30, Window: time.Minute},
	}
}

// Decision is the outcome of charging one request against a family.
type Decision struct {
	Allowed   bool
	Limit     uint64
	Remaining uint64

	// ResetAt is when the key's window replenishes; RetryAfter is the
	// same instant as a duration rounded up to whole seconds, ready for
	// a Retry-After header. Zero when the request was allowed.
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter owns the token bucket stores for every family. Stores sweep
// idle keys themselves; the limiter closes them once shutdownCtx fires.
type RateLimiter struct {
	logger hclog.Logger

	lock     sync.RWMutex
	families map[string]*familyLimiter
}

type familyLimiter struct {
	name  string
	limit LimitConfig
	store limiter.Store
}

// NewRateLimiter builds the standard families with overrides applied on
// top of the defaults. Overriding an unknown family is a config error.
func NewRateLimiter(shutdownCtx context.Context, logger hclog.Logger, limits map[string]LimitConfig) (*RateLimiter, error) {
	merged := DefaultRateLimits()
	for name, lc := range limits {
		if _, ok := merged[name]; !ok {
			return nil, structs.NewConfigError("limits."+name, name,
				fmt.Sprintf("one of %s, %s, %s, %s",
					LimitFamilyGeneral, LimitFamilyAPI, LimitFamilyUpload, LimitFamilyTaskStart))
		}
		if lc.MaxRequests == 0 || lc.Window <= 0 {
			return nil, structs.NewConfigError("limits."+name,
				fmt.Sprintf("%d per %s", lc.MaxRequests, lc.Window),
				"a positive request count and window")
		}
		merged[name] = lc
	}

	rl := &RateLimiter{
		logger:   logger.Named("rate_limiter"),
		families: make(map[string]*familyLimiter, len(merged)),
	}
	for name, lc := range merged {
		store, err := newFamilyStore(lc)
		if err != nil {
			return nil, fmt.Errorf("rate limit store for %q failed: %w", name, err)
		}
		rl.families[name] = &familyLimiter{name: name, limit: lc, store: store}
	}

	go func() {
		<-shutdownCtx.Done()
		rl.close(context.Background())
	}()

	return rl, nil
}

func newFamilyStore(lc LimitConfig) (limiter.Store, error) {
	return memorystore.New(&memorystore.Config{
		Tokens:        lc.MaxRequests,
		Interval:      lc.Window,
		SweepInterval: time.Hour,
		SweepMinTTL:   time.Hour,
	})
}

// Allow charges one request for key against the family bucket. Requests
// naming an unknown family charge the general bucket so they stay limited
// rather than slipping through.
func (rl *RateLimiter) Allow(ctx context.Context, family, key string) (Decision, error) {
	rl.lock.RLock()
	f, ok := rl.families[family]
	if !ok {
		f = rl.families[LimitFamilyGeneral]
	}
	rl.lock.RUnlock()

	limit, remaining, reset, allowed, err := f.store.Take(ctx, key)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Unix(0, int64(reset)).UTC(),
	}
	if !allowed {
		d.RetryAfter = structs.NewRateLimitError(f.name, key, d.ResetAt).RetryAfter()
		metrics.IncrCounterWithLabels([]string{"vibe", "rate_limit", "denied"}, 1,
			[]metrics.Label{{Name: "family", Value: f.name}})
		rl.logger.Debug("request rate limited",
			"family", f.name, "key", key, "reset_at", d.ResetAt)
		return d, nil
	}

	metrics.IncrCounterWithLabels([]string{"vibe", "rate_limit", "allowed"}, 1,
		[]metrics.Label{{Name: "family", Value: f.name}})
	return d, nil
}

// Check charges the bucket and converts a denial into a RateLimitError
// carrying the window reset.
func (rl *RateLimiter) Check(ctx context.Context, family, key string) error {
	d, err := rl.Allow(ctx, family, key)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return structs.NewRateLimitError(family, key, d.ResetAt)
	}
	return nil
}

func (rl *RateLimiter) close(ctx context.Context) {
	rl.lock.Lock()
	defer rl.lock.Unlock()
	for _, f := range rl.families {
		if err := f.store.Close(ctx); err != nil {
			rl.logger.Error("failed to close rate limit store",
				"family", f.name, "error", err)
		}
	}
}
