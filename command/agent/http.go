// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/rs/cors"

	"github.com/hashicorp/vibe/vibe"
	"github.com/hashicorp/vibe/vibe/structs"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported
	ErrInvalidMethod = "Invalid method"

	// ErrJobPath is used if the job is not referenced properly
	ErrJobPath = "Invalid path: expected /v1/job/<id>[/<action>]"
)

// allowCORS sets permissive CORS headers for a handler
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer is used to wrap an Agent and expose it over an HTTP interface
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     hclog.Logger
	Addr       string

	wsUpgrader *websocket.Upgrader
}

// NewHTTPServer starts a new HTTP server over the agent. When the
// preferred port is taken it scans forward through the configured port
// range before giving up.
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := scanListener(config)
	if err != nil {
		return nil, err
	}

	// Create the mux
	mux := http.NewServeMux()

	// Create the server
	srv := &HTTPServer{
		agent:      agent,
		mux:        mux,
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.httpLogger,
		Addr:       ln.Addr().String(),
		wsUpgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	srv.registerHandlers(config.EnableDebug)

	// Handle requests with gzip compression
	gzip, err := gziphandler.GzipHandlerWithOpts(gziphandler.MinSize(0))
	if err != nil {
		srv.listener.Close()
		return nil, err
	}

	go func() {
		defer close(srv.listenerCh)
		http.Serve(ln, gzip(mux))
	}()

	return srv, nil
}

// scanListener binds the first free port in [HTTP, HTTP+PortRange).
func scanListener(config *Config) (net.Listener, error) {
	var lastErr error
	for i := 0; i < config.Ports.PortRange; i++ {
		port := config.Ports.HTTP + i
		ln, err := config.Listener("tcp", "", port)
		if err == nil {
			ln = tcpKeepAliveListener{ln.(*net.TCPListener)}
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to bind any port in %d-%d: %w",
		config.Ports.HTTP, config.Ports.HTTP+config.Ports.PortRange-1, lastErr)
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted
// connections so dead TCP connections eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(30 * time.Second)
	return tc, nil
}

// Shutdown is used to shutdown the HTTP server
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		s.listener.Close()
		<-s.listenerCh // block until http.Serve has returned.
	}
}

// registerHandlers is used to attach our handlers to the mux
func (s *HTTPServer) registerHandlers(enableDebug bool) {
	s.mux.HandleFunc("/v1/jobs", s.wrap(s.JobsRequest))
	s.mux.HandleFunc("/v1/job/", s.wrap(s.JobSpecificRequest))

	s.mux.HandleFunc("/v1/workers", s.wrap(s.WorkersRequest))
	s.mux.HandleFunc("/v1/worker/", s.wrap(s.WorkerSpecificRequest))

	s.mux.Handle("/v1/event/stream", wrapCORS(s.wrap(s.EventStream)))
	s.mux.HandleFunc("/v1/event/ws", s.wrapRaw(s.EventWebsocket))

	s.mux.HandleFunc("/v1/agent/self", s.wrap(s.AgentSelfRequest))
	s.mux.HandleFunc("/v1/agent/health", s.wrap(s.HealthRequest))
	s.mux.HandleFunc("/v1/agent/stop", s.wrap(s.AgentStopRequest))

	s.mux.HandleFunc("/v1/metrics", s.wrap(s.MetricsRequest))

	if enableDebug {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

// HTTPCodedError is used to provide the HTTP error code
type HTTPCodedError interface {
	error
	Code() int
}

func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string {
	return e.s
}

func (e *codedError) Code() int {
	return e.code
}

// limitFamily classifies a request into a rate limit family. Job
// submission charges the upload budget, lifecycle flips charge the task
// start budget, and the rest of the API shares the api budget.
func limitFamily(req *http.Request) string {
	path := req.URL.Path
	switch {
	case path == "/v1/jobs" && req.Method == http.MethodPost:
		return vibe.LimitFamilyUpload
	case strings.HasPrefix(path, "/v1/job/") &&
		(strings.HasSuffix(path, "/cancel") ||
			strings.HasSuffix(path, "/pause") ||
			strings.HasSuffix(path, "/resume")):
		return vibe.LimitFamilyTaskStart
	case strings.HasPrefix(path, "/v1/"):
		return vibe.LimitFamilyAPI
	default:
		return vibe.LimitFamilyGeneral
	}
}

// limitKey identifies the caller for rate limiting: the token header
// when present, the remote address otherwise.
func limitKey(req *http.Request) string {
	if token := req.Header.Get("X-Vibe-Token"); token != "" {
		return token
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// checkRateLimit charges the request against its family and translates
// a denial into a coded error after stamping Retry-After.
func (s *HTTPServer) checkRateLimit(resp http.ResponseWriter, req *http.Request) error {
	err := s.agent.server.Limiter().Check(req.Context(), limitFamily(req), limitKey(req))
	if err == nil {
		return nil
	}
	var rlErr *structs.RateLimitError
	if errors.As(err, &rlErr) {
		resp.Header().Set("Retry-After", strconv.Itoa(int(rlErr.RetryAfter()/time.Second)))
		return CodedError(http.StatusTooManyRequests, rlErr.Error())
	}
	return err
}

// wrap is used to wrap functions to make them more convenient
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	f := func(resp http.ResponseWriter, req *http.Request) {
		// Invoke the handler
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
		}()

		obj, err := s.auditedHandler(handler)(resp, req)

		// Check for an error
		if err != nil {
			code, errMsg := errCodeFromHandler(err)
			s.logger.Error("request failed", "method", req.Method, "path", reqURL, "error", err, "code", code)
			resp.WriteHeader(code)
			resp.Write([]byte(errMsg))
			return
		}

		prettyPrint := false
		if v, ok := req.URL.Query()["pretty"]; ok {
			if len(v) > 0 && (len(v[0]) == 0 || v[0] != "0") {
				prettyPrint = true
			}
		}

		// Write out the JSON object
		if obj != nil {
			var buf []byte
			if prettyPrint {
				buf, err = json.MarshalIndent(obj, "", "    ")
				if err == nil {
					buf = append(buf, "\n"...)
				}
			} else {
				buf, err = json.Marshal(obj)
			}
			if err != nil {
				code, errMsg := errCodeFromHandler(err)
				s.logger.Error("request failed", "method", req.Method, "path", reqURL, "error", err, "code", code)
				resp.WriteHeader(code)
				resp.Write([]byte(errMsg))
				return
			}
			resp.Header().Set("Content-Type", "application/json")
			resp.Write(buf)
		}
	}
	return f
}

// auditedHandler charges the rate limiter before invoking the handler.
func (s *HTTPServer) auditedHandler(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	return func(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
		if err := s.checkRateLimit(resp, req); err != nil {
			return nil, err
		}
		return handler(resp, req)
	}
}

// wrapRaw is used for handlers that manage the connection themselves,
// such as the websocket upgrade.
func (s *HTTPServer) wrapRaw(handler func(resp http.ResponseWriter, req *http.Request) error) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		if err := s.checkRateLimit(resp, req); err != nil {
			code, errMsg := errCodeFromHandler(err)
			resp.WriteHeader(code)
			resp.Write([]byte(errMsg))
			return
		}
		if err := handler(resp, req); err != nil {
			code, errMsg := errCodeFromHandler(err)
			s.logger.Error("request failed", "method", req.Method, "path", req.URL.String(), "error", err, "code", code)
			// The handler may have hijacked the connection already; a
			// failed write here is expected and ignored.
			resp.WriteHeader(code)
			resp.Write([]byte(errMsg))
		}
	}
}

// errCodeFromHandler maps handler errors onto HTTP status codes.
func errCodeFromHandler(err error) (int, string) {
	if err == nil {
		return 0, ""
	}

	var coded HTTPCodedError
	if errors.As(err, &coded) {
		return coded.Code(), coded.Error()
	}

	if errors.Is(err, structs.ErrJobNotFound) ||
		errors.Is(err, structs.ErrSessionNotFound) ||
		errors.Is(err, structs.ErrWorkerNotFound) {
		return http.StatusNotFound, err.Error()
	}

	switch structs.KindOf(err) {
	case structs.ErrKindValidation:
		return http.StatusBadRequest, err.Error()
	case structs.ErrKindRateLimit:
		return http.StatusTooManyRequests, err.Error()
	case structs.ErrKindState:
		return http.StatusConflict, err.Error()
	case structs.ErrKindTimeout:
		return http.StatusGatewayTimeout, err.Error()
	case structs.ErrKindOracle:
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// decodeBody is used to decode a JSON request body
func decodeBody(req *http.Request, out interface{}) error {
	dec := json.NewDecoder(req.Body)
	return dec.Decode(&out)
}

// setIndex is used to set the index response header
func setIndex(resp http.ResponseWriter, index uint64) {
	resp.Header().Set("X-Vibe-Index", strconv.FormatUint(index, 10))
}

// wrapCORS wraps a HandlerFunc in allowCORS and returns a http.Handler
func wrapCORS(f func(http.ResponseWriter, *http.Request)) http.Handler {
	return allowCORS.Handler(http.HandlerFunc(f))
}
