// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package api provides the HTTP client for the Vibe agent API.
package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
)

const (
	// EnvVibeAddr names the environment variable that overrides the
	// default agent address.
	EnvVibeAddr = "VIBE_ADDR"

	// EnvVibeToken names the environment variable carrying the client
	// token sent with every request for rate limit accounting.
	EnvVibeToken = "VIBE_TOKEN"
)

// Config is used to configure the creation of a client.
type Config struct {
	// Address is the address of the Vibe agent.
	Address string

	// Token is sent as the X-Vibe-Token header on every request. The
	// agent accounts rate limits per token instead of per source address
	// when it is set.
	Token string

	// HttpClient is the client to use. Default will be used if not
	// provided.
	HttpClient *http.Client
}

// ClientConfig copies the configuration with a new address.
func (c *Config) ClientConfig(address string) *Config {
	config := &Config{
		Address:    address,
		Token:      c.Token,
		HttpClient: c.HttpClient,
	}
	return config
}

// DefaultConfig returns a default configuration for the client.
func DefaultConfig() *Config {
	config := &Config{
		Address: "http://127.0.0.1:4656",
	}
	if addr := os.Getenv(EnvVibeAddr); addr != "" {
		config.Address = addr
	}
	if token := os.Getenv(EnvVibeToken); token != "" {
		config.Token = token
	}
	return config
}

// defaultHttpClient builds the pooled client requests run on. Clients
// must not be shared between Client instances pointed at different
// agents.
func defaultHttpClient() *http.Client {
	httpClient := cleanhttp.DefaultPooledClient()
	transport := httpClient.Transport.(*http.Transport)
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	return httpClient
}

// Client provides a client to the Vibe API.
type Client struct {
	httpClient *http.Client
	config     Config
}

// NewClient returns a new client.
func NewClient(config *Config) (*Client, error) {
	// bootstrap the config
	defConfig := DefaultConfig()

	if config.Address == "" {
		config.Address = defConfig.Address
	}
	if _, err := url.Parse(config.Address); err != nil {
		return nil, fmt.Errorf("invalid address '%s': %v", config.Address, err)
	}

	httpClient := config.HttpClient
	if httpClient == nil {
		httpClient = defaultHttpClient()
	}

	client := &Client{
		config:     *config,
		httpClient: httpClient,
	}
	return client, nil
}

// Address returns the address of the Vibe agent.
func (c *Client) Address() string {
	return c.config.Address
}

// SetToken changes the token used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.config.Token = token
}

// QueryOptions are used to parametrize a read request.
type QueryOptions struct {
	// Params are HTTP parameters to append to the query URL.
	Params map[string]string

	// AuthToken overrides the client token for this request.
	AuthToken string

	// ctx is an optional context pass through to the underlying HTTP
	// request layer. Use Context() and WithContext() to manage this.
	ctx context.Context
}

// WriteOptions are used to parametrize a write request.
type WriteOptions struct {
	// AuthToken overrides the client token for this request.
	AuthToken string

	// ctx is an optional context pass through to the underlying HTTP
	// request layer. Use Context() and WithContext() to manage this.
	ctx context.Context
}

// QueryMeta is used to return meta data about a query.
type QueryMeta struct {
	// LastIndex can be used as the index of the state the response
	// reflects.
	LastIndex uint64

	// RequestTime is how long the request took.
	RequestTime time.Duration
}

// WriteMeta is used to return meta data about a write.
type WriteMeta struct {
	// LastIndex is the index the write landed at.
	LastIndex uint64

	// RequestTime is how long the request took.
	RequestTime time.Duration
}

// Context returns the context used for canceling HTTP requests related
// to this query.
func (o *QueryOptions) Context() context.Context {
	if o != nil && o.ctx != nil {
		return o.ctx
	}
	return context.Background()
}

// WithContext creates a copy of the query options using the provided
// context to cancel related HTTP requests.
func (o *QueryOptions) WithContext(ctx context.Context) *QueryOptions {
	o2 := new(QueryOptions)
	if o != nil {
		*o2 = *o
	}
	o2.ctx = ctx
	return o2
}

// Context returns the context used for canceling HTTP requests related
// to this write.
func (o *WriteOptions) Context() context.Context {
	if o != nil && o.ctx != nil {
		return o.ctx
	}
	return context.Background()
}

// WithContext creates a copy of the write options using the provided
// context to cancel related HTTP requests.
func (o *WriteOptions) WithContext(ctx context.Context) *WriteOptions {
	o2 := new(WriteOptions)
	if o != nil {
		*o2 = *o
	}
	o2.ctx = ctx
	return o2
}

// request is used to help build up a request.
type request struct {
	config *Config
	method string
	url    *url.URL
	params url.Values
	token  string
	body   io.Reader
	obj    interface{}
	ctx    context.Context
}

// setQueryOptions is used to annotate the request with additional query
// options.
func (r *request) setQueryOptions(q *QueryOptions) {
	if q == nil {
		return
	}
	for k, v := range q.Params {
		r.params.Set(k, v)
	}
	if q.AuthToken != "" {
		r.token = q.AuthToken
	}
	r.ctx = q.Context()
}

// setWriteOptions is used to annotate the request with additional write
// options.
func (r *request) setWriteOptions(q *WriteOptions) {
	if q == nil {
		return
	}
	if q.AuthToken != "" {
		r.token = q.AuthToken
	}
	r.ctx = q.Context()
}

// toHTTP converts the request to an HTTP request.
func (r *request) toHTTP() (*http.Request, error) {
	// Encode the query parameters
	r.url.RawQuery = r.params.Encode()

	// Check if we should encode the body
	if r.body == nil && r.obj != nil {
		if b, err := encodeBody(r.obj); err != nil {
			return nil, err
		} else {
			r.body = b
		}
	}

	ctx := func() context.Context {
		if r.ctx != nil {
			return r.ctx
		}
		return context.Background()
	}()

	// Create the HTTP request
	req, err := http.NewRequestWithContext(ctx, r.method, r.url.RequestURI(), r.body)
	if err != nil {
		return nil, err
	}

	req.Header.Add("Accept-Encoding", "gzip")
	if r.token != "" {
		req.Header.Set("X-Vibe-Token", r.token)
	}

	req.URL.Host = r.url.Host
	req.URL.Scheme = r.url.Scheme
	req.Host = r.url.Host
	return req, nil
}

// newRequest is used to create a new request.
func (c *Client) newRequest(method, path string) (*request, error) {
	base, _ := url.Parse(c.config.Address)
	u, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	r := &request{
		config: &c.config,
		method: method,
		url: &url.URL{
			Scheme:  base.Scheme,
			User:    base.User,
			Host:    base.Host,
			Path:    u.Path,
			RawPath: u.RawPath,
		},
		params: make(map[string][]string),
	}

	if c.config.Token != "" {
		r.token = c.config.Token
	}

	// Add in the query parameters, if any
	for key, values := range u.Query() {
		for _, value := range values {
			r.params.Add(key, value)
		}
	}

	return r, nil
}

// multiCloser is to wrap a ReadCloser such that when close is called,
// multiple Closes occur.
type multiCloser struct {
	reader       io.Reader
	inorderClose []io.Closer
}

func (m *multiCloser) Close() error {
	for _, c := range m.inorderClose {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiCloser) Read(p []byte) (int, error) {
	return m.reader.Read(p)
}

// doRequest runs a request with our client.
func (c *Client) doRequest(r *request) (time.Duration, *http.Response, error) {
	req, err := r.toHTTP()
	if err != nil {
		return 0, nil, err
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	diff := time.Since(start)

	// If the response is compressed, we swap the body's reader.
	if zipErr := c.autoUnzip(resp); zipErr != nil {
		return 0, nil, zipErr
	}

	return diff, resp, err
}

// autoUnzip modifies resp in-place, wrapping the response body with a
// gzip reader if the Content-Encoding of the response is "gzip".
func (c *Client) autoUnzip(resp *http.Response) error {
	if resp == nil || resp.Header == nil {
		return nil
	}

	if resp.Header.Get("Content-Encoding") == "gzip" {
		zReader, err := gzip.NewReader(resp.Body)
		if err == io.EOF {
			// zero length response, do not wrap
			return nil
		} else if err != nil {
			// some other error (e.g. corrupt)
			return err
		}

		// The gzip reader does not close an underlying reader, so use a
		// multiCloser to make sure response body does get closed.
		resp.Body = &multiCloser{
			reader:       zReader,
			inorderClose: []io.Closer{zReader, resp.Body},
		}
	}

	return nil
}

// query is used to do a GET request against an endpoint and deserialize
// the response into an interface.
func (c *Client) query(endpoint string, out interface{}, q *QueryOptions) (*QueryMeta, error) {
	r, err := c.newRequest(http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}
	r.setQueryOptions(q)
	rtt, resp, err := requireOK(c.doRequest(r))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	qm := &QueryMeta{}
	_ = parseQueryMeta(resp, qm)
	qm.RequestTime = rtt

	if err := decodeBody(resp, out); err != nil {
		return nil, err
	}
	return qm, nil
}

// put is used to do a PUT request against an endpoint and
// serialize/deserialize using the client conventions.
func (c *Client) put(endpoint string, in, out interface{}, q *WriteOptions) (*WriteMeta, error) {
	return c.write(http.MethodPut, endpoint, in, out, q)
}

// post is used to do a POST request against an endpoint and
// serialize/deserialize using the client conventions.
func (c *Client) post(endpoint string, in, out interface{}, q *WriteOptions) (*WriteMeta, error) {
	return c.write(http.MethodPost, endpoint, in, out, q)
}

// write is used to do a write request against an endpoint.
func (c *Client) write(verb, endpoint string, in, out interface{}, q *WriteOptions) (*WriteMeta, error) {
	r, err := c.newRequest(verb, endpoint)
	if err != nil {
		return nil, err
	}
	r.setWriteOptions(q)
	r.obj = in
	rtt, resp, err := requireOK(c.doRequest(r))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	wm := &WriteMeta{RequestTime: rtt}
	_ = parseWriteMeta(resp, wm)

	if out != nil {
		if err := decodeBody(resp, out); err != nil {
			return nil, err
		}
	}
	return wm, nil
}

// delete is used to do a DELETE request against an endpoint.
func (c *Client) delete(endpoint string, out interface{}, q *WriteOptions) (*WriteMeta, error) {
	r, err := c.newRequest(http.MethodDelete, endpoint)
	if err != nil {
		return nil, err
	}
	r.setWriteOptions(q)
	rtt, resp, err := requireOK(c.doRequest(r))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	wm := &WriteMeta{RequestTime: rtt}
	_ = parseWriteMeta(resp, wm)

	if out != nil {
		if err := decodeBody(resp, out); err != nil {
			return nil, err
		}
	}
	return wm, nil
}

// parseQueryMeta is used to help parse query meta-data.
func parseQueryMeta(resp *http.Response, q *QueryMeta) error {
	header := resp.Header

	if indexStr := header.Get("X-Vibe-Index"); indexStr != "" {
		index, err := strconv.ParseUint(indexStr, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse X-Vibe-Index: %v", err)
		}
		q.LastIndex = index
	}
	return nil
}

// parseWriteMeta is used to help parse write meta-data.
func parseWriteMeta(resp *http.Response, q *WriteMeta) error {
	header := resp.Header

	if indexStr := header.Get("X-Vibe-Index"); indexStr != "" {
		index, err := strconv.ParseUint(indexStr, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse X-Vibe-Index: %v", err)
		}
		q.LastIndex = index
	}
	return nil
}

// decodeBody is used to JSON decode a body.
func decodeBody(resp *http.Response, out interface{}) error {
	switch resp.ContentLength {
	case 0:
		if out == nil {
			return nil
		}
		return fmt.Errorf("got 0 byte response with non-nil decode object")
	default:
		dec := json.NewDecoder(resp.Body)
		return dec.Decode(out)
	}
}

// encodeBody is used to encode a request body.
func encodeBody(obj interface{}) (io.Reader, error) {
	if reader, ok := obj.(io.Reader); ok {
		return reader, nil
	}

	buf := bytes.NewBuffer(nil)
	enc := json.NewEncoder(buf)
	if err := enc.Encode(obj); err != nil {
		return nil, err
	}
	return buf, nil
}
