package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/dmakasi/mahudhurio/core"
)

// StatusError is returned for any non-2xx backend response.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %d %s: %s", e.Code, e.Status, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// Client is the request layer shared by all backend services. It attaches
// the session's bearer credential to every request and reports 401 responses
// to the registered handler so the session can tear itself down.
type Client struct {
	baseURL string
	http    *http.Client
	logger  core.Logger

	tokenFn        func() string
	onUnauthorized func(path string)
}

func NewClient(conf *core.Config, logger core.Logger) *Client {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Client{
		baseURL: conf.Backend.BaseURL,
		http:    &http.Client{Timeout: conf.Backend.RequestTimeout},
		logger:  logger,
	}
}

// SetTokenSource registers the credential source; typically session.Service.Token.
func (c *Client) SetTokenSource(fn func() string) { c.tokenFn = fn }

// OnUnauthorized registers the handler invoked with the request path whenever
// the backend answers 401 on a session-credentialed request; typically
// session.Service.HandleUnauthorized. Requests with an explicit credential
// (the login probe) never fire it: a rejected login attempt is not a session
// teardown and must not disturb the remembered redirect.
func (c *Client) OnUnauthorized(fn func(path string)) { c.onUnauthorized = fn }

func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, "", nil, out)
}

func (c *Client) Post(ctx context.Context, path string, in, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, "", in, out)
}

// GetWithAuth issues a GET with an explicit Authorization value, bypassing
// the token source; used by the login probe before a session exists.
func (c *Client) GetWithAuth(ctx context.Context, path, auth string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, auth, nil, out)
}

func (c *Client) do(ctx context.Context, method, path, auth string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	explicitAuth := auth != ""
	if !explicitAuth && c.tokenFn != nil {
		auth = c.tokenFn()
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
		// keeps browsers/gateways from answering with an auth dialog challenge
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response body")
	}

	if resp.StatusCode == http.StatusUnauthorized && !explicitAuth && c.onUnauthorized != nil {
		c.logger.Warn("backend: unauthorized request", map[string]interface{}{"path": path})
		c.onUnauthorized(path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: string(data)}
	}

	if out != nil && len(data) > 0 {
		if err = json.Unmarshal(data, out); err != nil {
			return errors.Wrapf(err, "decoding %s response", path)
		}
	}
	return nil
}
