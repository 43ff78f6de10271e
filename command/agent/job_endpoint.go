// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/hashicorp/vibe/vibe/structs"
)

func (s *HTTPServer) JobsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return s.jobListRequest(resp, req)
	case http.MethodPost, http.MethodPut:
		return s.jobSubmitRequest(resp, req)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

func (s *HTTPServer) jobListRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	status := structs.JobStatus(req.URL.Query().Get("status"))
	jobs, err := s.agent.server.Jobs(status)
	if err != nil {
		return nil, err
	}
	if index, err := s.agent.server.State().LatestIndex(); err == nil {
		setIndex(resp, index)
	}
	return jobs, nil
}

func (s *HTTPServer) jobSubmitRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var args structs.CreateJobRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(http.StatusBadRequest, err.Error())
	}
	if args.Task == nil {
		return nil, CodedError(http.StatusBadRequest, "missing task spec")
	}

	job, err := s.agent.server.SubmitJob(&args)
	if err != nil {
		return nil, err
	}
	return &structs.CreateJobResponse{JobID: job.ID}, nil
}

func (s *HTTPServer) JobSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/job/")
	switch {
	case strings.HasSuffix(path, "/cancel"):
		jobID := strings.TrimSuffix(path, "/cancel")
		return s.jobLifecycleRequest(resp, req, jobID, s.agent.server.CancelJob)
	case strings.HasSuffix(path, "/pause"):
		jobID := strings.TrimSuffix(path, "/pause")
		return s.jobLifecycleRequest(resp, req, jobID, s.agent.server.PauseJob)
	case strings.HasSuffix(path, "/resume"):
		jobID := strings.TrimSuffix(path, "/resume")
		return s.jobLifecycleRequest(resp, req, jobID, s.agent.server.ResumeJob)
	case strings.HasSuffix(path, "/session"):
		jobID := strings.TrimSuffix(path, "/session")
		return s.jobSessionRequest(resp, req, jobID)
	default:
		return s.jobQuery(resp, req, path)
	}
}

func (s *HTTPServer) jobQuery(resp http.ResponseWriter, req *http.Request, jobID string) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if jobID == "" || strings.Contains(jobID, "/") {
		return nil, CodedError(http.StatusBadRequest, ErrJobPath)
	}

	job, err := s.agent.server.Job(jobID)
	if err != nil {
		return nil, err
	}
	if index, err := s.agent.server.State().LatestIndex(); err == nil {
		setIndex(resp, index)
	}
	return job, nil
}

func (s *HTTPServer) jobSessionRequest(resp http.ResponseWriter, req *http.Request, jobID string) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if jobID == "" {
		return nil, CodedError(http.StatusBadRequest, ErrJobPath)
	}
	return s.agent.server.Session(jobID)
}

func (s *HTTPServer) jobLifecycleRequest(resp http.ResponseWriter, req *http.Request,
	jobID string, op func(string) error) (interface{}, error) {

	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if jobID == "" {
		return nil, CodedError(http.StatusBadRequest, ErrJobPath)
	}

	if err := op(jobID); err != nil {
		return nil, err
	}
	return s.agent.server.Job(jobID)
}
