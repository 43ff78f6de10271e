// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
)

func (s *HTTPServer) MetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method == http.MethodGet {
		return s.agent.InmemSink.DisplayMetrics(resp, req)
	}
	return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
}
