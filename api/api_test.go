// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

// makeTestClient wires a client to an httptest server running handler.
func makeTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(&Config{Address: srv.URL})
	must.NoError(t, err)
	return c
}

func TestDefaultConfig_env(t *testing.T) {
	addr := "http://1.2.3.4:5678"
	token := "foobar"

	t.Setenv(EnvVibeAddr, addr)
	t.Setenv(EnvVibeToken, token)

	config := DefaultConfig()
	must.Eq(t, addr, config.Address)
	must.Eq(t, token, config.Token)
}

func TestRequestTime(t *testing.T) {
	t.Parallel()

	c := makeTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		d, err := json.Marshal(struct{ Done bool }{true})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(d)
	}))

	var out interface{}

	qm, err := c.query("/", &out, nil)
	must.NoError(t, err)
	must.Positive(t, qm.RequestTime)

	wm, err := c.write(http.MethodPut, "/", struct{ S string }{"input"}, &out, nil)
	must.NoError(t, err)
	must.Positive(t, wm.RequestTime)

	wm, err = c.delete("/", &out, nil)
	must.NoError(t, err)
	must.Positive(t, wm.RequestTime)
}

func TestSetQueryOptions(t *testing.T) {
	t.Parallel()

	c, err := NewClient(DefaultConfig())
	must.NoError(t, err)

	r, _ := c.newRequest("GET", "/v1/jobs")
	q := &QueryOptions{
		Params:    map[string]string{"status": "running"},
		AuthToken: "foobar",
	}
	r.setQueryOptions(q)

	must.Eq(t, "running", r.params.Get("status"))
	must.Eq(t, "foobar", r.token)
}

func TestSetWriteOptions(t *testing.T) {
	t.Parallel()

	c, err := NewClient(DefaultConfig())
	must.NoError(t, err)

	r, _ := c.newRequest("PUT", "/v1/job/foo/cancel")
	w := &WriteOptions{AuthToken: "foobar"}
	r.setWriteOptions(w)

	must.Eq(t, "foobar", r.token)
}

func TestRequestToHTTP(t *testing.T) {
	t.Parallel()

	c, err := NewClient(DefaultConfig())
	must.NoError(t, err)

	r, _ := c.newRequest("DELETE", "/v1/worker/foo")
	q := &QueryOptions{AuthToken: "foobar"}
	r.setQueryOptions(q)

	req, err := r.toHTTP()
	must.NoError(t, err)
	must.Eq(t, "DELETE", req.Method)
	must.Eq(t, "/v1/worker/foo", req.URL.RequestURI())
	must.Eq(t, "foobar", req.Header.Get("X-Vibe-Token"))
	must.Eq(t, "gzip", req.Header.Get("Accept-Encoding"))
}

func TestQueryString(t *testing.T) {
	t.Parallel()

	c, err := NewClient(DefaultConfig())
	must.NoError(t, err)

	r, _ := c.newRequest("PUT", "/v1/abc?foo=bar&baz=zip")
	req, err := r.toHTTP()
	must.NoError(t, err)
	must.Eq(t, "/v1/abc?baz=zip&foo=bar", req.URL.RequestURI())
}

func TestTokenHeaderFromConfig(t *testing.T) {
	t.Parallel()

	c, err := NewClient(&Config{Token: "squad-7"})
	must.NoError(t, err)

	r, _ := c.newRequest("GET", "/v1/jobs")
	req, err := r.toHTTP()
	must.NoError(t, err)
	must.Eq(t, "squad-7", req.Header.Get("X-Vibe-Token"))

	// per-request token wins
	r, _ = c.newRequest("GET", "/v1/jobs")
	r.setQueryOptions(&QueryOptions{AuthToken: "squad-8"})
	req, err = r.toHTTP()
	must.NoError(t, err)
	must.Eq(t, "squad-8", req.Header.Get("X-Vibe-Token"))
}

func TestWriteOptionsContext(t *testing.T) {
	// No blocking write to test a live cancel against, so just verify a
	// pre-canceled context fails the request quickly.
	t.Parallel()

	c, err := NewClient(DefaultConfig())
	must.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	w := (&WriteOptions{}).WithContext(ctx)
	must.True(t, w.ctx == ctx)

	cancel()

	_, err = c.Jobs().Cancel("job-1", w)
	must.ErrorIs(t, err, context.Canceled)
}

func TestParseQueryMeta(t *testing.T) {
	t.Parallel()

	resp := &http.Response{
		Header: make(map[string][]string),
	}
	resp.Header.Set("X-Vibe-Index", "12345")

	qm := &QueryMeta{}
	must.NoError(t, parseQueryMeta(resp, qm))
	must.Eq(t, 12345, qm.LastIndex)
}

func TestParseWriteMeta(t *testing.T) {
	t.Parallel()

	resp := &http.Response{
		Header: make(map[string][]string),
	}
	resp.Header.Set("X-Vibe-Index", "12345")

	wm := &WriteMeta{}
	must.NoError(t, parseWriteMeta(resp, wm))
	must.Eq(t, 12345, wm.LastIndex)
}

func TestClient_gzipResponse(t *testing.T) {
	t.Parallel()

	var acceptEncoding string
	c := makeTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acceptEncoding = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		json.NewEncoder(zw).Encode(map[string]bool{"ok": true})
		zw.Close()
	}))

	var out map[string]bool
	_, err := c.query("/v1/agent/health", &out, nil)
	must.NoError(t, err)
	must.True(t, out["ok"])
	must.Eq(t, "gzip", acceptEncoding)
}

func TestClient_autoUnzip(t *testing.T) {
	t.Parallel()

	var client *Client = nil

	try := func(resp *http.Response, expErr string) {
		err := client.autoUnzip(resp)
		if expErr == "" {
			must.NoError(t, err)
		} else {
			must.EqError(t, err, expErr)
		}
	}

	// response object is nil
	try(nil, "")

	// response.Body is nil
	try(new(http.Response), "")

	// content-encoding is not gzip
	try(&http.Response{
		Header: http.Header{"Content-Encoding": []string{"text"}},
	}, "")

	// content-encoding is gzip but body is empty
	try(&http.Response{
		Header: http.Header{"Content-Encoding": []string{"gzip"}},
		Body:   io.NopCloser(bytes.NewBuffer([]byte{})),
	}, "")

	// content-encoding is gzip but body is invalid gzip
	try(&http.Response{
		Header: http.Header{"Content-Encoding": []string{"gzip"}},
		Body:   io.NopCloser(bytes.NewBuffer([]byte("not a zip"))),
	}, "unexpected EOF")

	// sample gzip payload
	var b bytes.Buffer
	w := gzip.NewWriter(&b)
	_, err := w.Write([]byte("hello world"))
	must.NoError(t, err)
	must.NoError(t, w.Close())

	// content-encoding is gzip and body is gzip data
	try(&http.Response{
		Header: http.Header{"Content-Encoding": []string{"gzip"}},
		Body:   io.NopCloser(&b),
	}, "")
}
