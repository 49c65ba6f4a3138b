// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package comm provides the default implementation of the abstract transport
// the request layer depends on: send a request, get a response. Everything
// above this package sees only status codes and decoded bodies. Retry policy
// is deliberately absent; it belongs to the http.Client the application
// supplies.
package comm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/entraauth/tokencore/errors"
	customJSON "github.com/entraauth/tokencore/internal/json"
	"github.com/google/uuid"
)

// HTTPClient represents an HTTP client.
// It's usually an *http.Client from the standard library.
type HTTPClient interface {
	// Do sends the HTTP request, returning the HTTP response or error.
	Do(req *http.Request) (*http.Response, error)
	// CloseIdleConnections closes any idle connections in a "keep-alive" state.
	CloseIdleConnections()
}

// Client provides JSON and URL-form encoded calls against HTTP endpoints.
type Client struct {
	client HTTPClient
}

// New returns a new Client object.
func New(httpClient HTTPClient) *Client {
	if httpClient == nil {
		panic("http.Client cannot == nil")
	}
	return &Client{client: httpClient}
}

// JSONCall connects to a REST endpoint passing the query values and headers,
// decoding the JSON response body into resp (a pointer to struct). If body is
// non-nil it is JSON encoded as the request body.
func (c *Client) JSONCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values, body, resp interface{}) error {
	if qv == nil {
		qv = url.Values{}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("could not parse endpoint(%s): %w", endpoint, err)
	}
	u.RawQuery = qv.Encode()

	addStdHeaders(headers)
	headers.Set("Accept", "application/json")

	method := http.MethodGet
	var data []byte
	if body != nil {
		method = http.MethodPost
		headers.Set("Content-Type", "application/json; charset=utf-8")
		data, err = customJSON.Marshal(body)
		if err != nil {
			return fmt.Errorf("bug: conn.JSONCall(): could not marshal the body object: %w", err)
		}
	}

	req := &http.Request{Method: method, URL: u, Header: headers}
	if data != nil {
		req.Body = io.NopCloser(bytes.NewReader(data))
		req.ContentLength = int64(len(data))
	}

	data, err = c.do(ctx, req)
	if err != nil {
		return err
	}

	if resp != nil {
		if err := customJSON.Unmarshal(data, resp); err != nil {
			return fmt.Errorf("json decode error: %w\nraw message was: %s", err, string(data))
		}
	}
	return nil
}

// URLFormCall sends a POST with query values encoded as an
// application/x-www-form-urlencoded body, decoding the JSON response into
// resp (a pointer to struct).
func (c *Client) URLFormCall(ctx context.Context, endpoint string, qv url.Values, resp interface{}) error {
	if len(qv) == 0 {
		return fmt.Errorf("URLFormCall() requires qv to have non-zero length")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("could not parse endpoint(%s): %w", endpoint, err)
	}

	headers := http.Header{}
	addStdHeaders(headers)
	headers.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

	enc := qv.Encode()
	req := &http.Request{
		Method:        http.MethodPost,
		URL:           u,
		Header:        headers,
		ContentLength: int64(len(enc)),
		Body:          io.NopCloser(strings.NewReader(enc)),
		GetBody: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(enc)), nil
		},
	}

	data, err := c.do(ctx, req)
	if err != nil {
		return err
	}

	if resp != nil {
		if err := customJSON.Unmarshal(data, resp); err != nil {
			return fmt.Errorf("json decode error: %w\nraw message was: %s", err, string(data))
		}
	}
	return nil
}

// do sends an HTTP request and returns the body bytes. Non-2xx statuses are
// returned as errors.CallErr with the body preserved for diagnostics.
func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	req = req.WithContext(ctx)

	reply, err := c.client.Do(req)
	if err != nil {
		return nil, errors.CallErr{Req: req, Err: fmt.Errorf("server response error:\n %w", err)}
	}
	defer reply.Body.Close()

	data, err := io.ReadAll(reply.Body)
	if err != nil {
		return nil, errors.CallErr{Req: req, Resp: reply, Err: fmt.Errorf("could not read the body of an HTTP Response: %w", err)}
	}
	reply.Body = io.NopCloser(bytes.NewReader(data))

	// NOTE: This doesn't happen immediately after the call so that we can get
	// the body out for error messages.
	if reply.StatusCode/100 != 2 {
		return data, errors.CallErr{
			Req:  req,
			Resp: reply,
			Err:  fmt.Errorf("http call(%s)(%s) error: reply status code was %d:\n%s", req.URL.String(), req.Method, reply.StatusCode, string(data)),
		}
	}
	return data, nil
}

const defaultTimeout = 30 * time.Second

func addStdHeaders(headers http.Header) {
	headers.Set("x-client-sku", "tokencore.go")
	headers.Set("x-client-os", runtime.GOOS)
	if headers.Get("client-request-id") == "" {
		headers.Set("client-request-id", uuid.New().String())
	}
}
