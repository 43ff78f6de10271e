// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package openai provides the OpenAI-backed oracle. Requests are paced
// client-side with a token bucket and guarded by a circuit breaker so a
// failing provider degrades to fast OracleErrors instead of piling up
// blocked consultations.
package openai

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/hashicorp/vibe/vibe/config"
	"github.com/hashicorp/vibe/vibe/structs"
)

// systemPrompt keeps answers machine-readable. Task-specific prompt
// engineering lives with the callers.
const systemPrompt = "You are a planning assistant. Answer with a single JSON object and nothing else."

// breakerTripAfter is the consecutive failure count that opens the
// breaker.
const breakerTripAfter = 5

// Oracle consults the OpenAI chat completion API.
type Oracle struct {
	client  *openai.Client
	cfg     config.OracleConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[string]
	logger  hclog.Logger
}

// New builds an Oracle from the resolved oracle config. The API key
// falls back to OPENAI_API_KEY; a missing key is a ConfigError.
func New(cfg config.OracleConfig, logger hclog.Logger) (*Oracle, error) {
	if logger == nil {
		logger = hclog.L()
	}

	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" {
		return nil, structs.NewConfigError("oracle.api_key", "",
			"an API key or the OPENAI_API_KEY environment variable")
	}

	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	o := &Oracle{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
		logger:  logger.Named("oracle.openai"),
	}
	o.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "oracle-openai",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Warn("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return o, nil
}

// Ask implements oracle.Oracle. Failures come back as retryable
// OracleErrors; caller cancellation comes back unwrapped.
func (o *Oracle) Ask(ctx context.Context, prompt, kind string) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", err
	}

	text, err := o.breaker.Execute(func() (string, error) {
		resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: o.cfg.ModelFor(kind),
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			Temperature: 0.1,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("completion returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			o.logger.Debug("oracle consultation rejected by open breaker", "kind", kind)
		}
		return "", structs.NewOracleError(kind, err)
	}
	return text, nil
}
