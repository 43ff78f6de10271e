// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/hashicorp/vibe/vibe/structs"
)

func (s *HTTPServer) WorkersRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return s.agent.server.Workers()
	case http.MethodPost, http.MethodPut:
		return s.workerRegisterRequest(resp, req)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

func (s *HTTPServer) workerRegisterRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var worker structs.Worker
	if err := decodeBody(req, &worker); err != nil {
		return nil, CodedError(http.StatusBadRequest, err.Error())
	}
	if err := s.agent.server.RegisterWorker(&worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *HTTPServer) WorkerSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/worker/")

	if strings.HasSuffix(path, "/heartbeat") {
		if req.Method != http.MethodPut && req.Method != http.MethodPost {
			return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
		}
		id := strings.TrimSuffix(path, "/heartbeat")
		if err := s.agent.server.WorkerHeartbeat(id); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	}

	switch req.Method {
	case http.MethodDelete:
		if err := s.agent.server.DeregisterWorker(path); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}
