// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
)

type agentSelf struct {
	Config *Config                      `json:"config"`
	Stats  map[string]map[string]string `json:"stats"`
}

func (s *HTTPServer) AgentSelfRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	self := agentSelf{
		Config: s.agent.GetConfig(),
		Stats:  s.agent.Stats(),
	}
	return self, nil
}

// AgentStopRequest asks the agent to shut down gracefully. The response
// is written before the supervisor begins tearing transports down.
func (s *HTTPServer) AgentStopRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost && req.Method != http.MethodPut {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	s.agent.RequestStop()
	return map[string]bool{"stopping": true}, nil
}

type healthResponse struct {
	Agent healthResponseAgent `json:"agent"`
}

type healthResponseAgent struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// HealthRequest always returns a 200 as long as the orchestration server
// is running and able to answer.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	health := healthResponse{
		Agent: healthResponseAgent{Ok: true, Message: "ok"},
	}

	select {
	case <-s.agent.server.ShutdownCh():
		health.Agent.Ok = false
		health.Agent.Message = "shutting down"
		return nil, CodedError(http.StatusInternalServerError, health.Agent.Message)
	default:
	}

	return &health, nil
}
