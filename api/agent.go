// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"fmt"
	"io"
	"net/http"
)

// Agent encapsulates an API client that talks to the agent-level
// endpoints of a Vibe agent.
type Agent struct {
	client *Client
}

// Agent returns a new agent which can be used to query the
// agent-specific endpoints.
func (c *Client) Agent() *Agent {
	return &Agent{client: c}
}

// Self is used to query the /v1/agent/self endpoint and returns
// information specific to the running agent.
func (a *Agent) Self() (map[string]interface{}, error) {
	var out map[string]interface{}

	// Query the self endpoint on the agent
	_, err := a.client.query("/v1/agent/self", &out, nil)
	if err != nil {
		return nil, fmt.Errorf("failed querying self endpoint: %s", err)
	}

	return out, nil
}

// AgentHealthResponse is the response from the Health endpoint.
type AgentHealthResponse struct {
	Agent AgentHealth `json:"agent"`
}

// AgentHealth describes the health of the agent.
type AgentHealth struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Health queries the agent's health. An unhealthy agent responds with a
// non-200 code, which surfaces as an error here.
func (a *Agent) Health() (*AgentHealthResponse, error) {
	var health AgentHealthResponse
	_, err := a.client.query("/v1/agent/health", &health, nil)
	if err != nil {
		return nil, err
	}
	return &health, nil
}

// Stop asks the agent to shut down gracefully.
func (a *Agent) Stop(w *WriteOptions) error {
	var out map[string]bool
	_, err := a.client.post("/v1/agent/stop", nil, &out, w)
	return err
}

// Metrics returns the raw metrics summary the agent's in-memory sink
// renders.
func (a *Agent) Metrics(q *QueryOptions) ([]byte, error) {
	r, err := a.client.newRequest(http.MethodGet, "/v1/metrics")
	if err != nil {
		return nil, err
	}
	r.setQueryOptions(q)
	_, resp, err := requireOK(a.client.doRequest(r))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
