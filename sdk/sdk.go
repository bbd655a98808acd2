// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sdk is the Go client for the maestrod HTTP API. The maestro
// CLI is built on it; other programs can use it the same way.
package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/tombee/maestro/pkg/errors"
)

// Environment variables the client reads in FromEnvironment.
const (
	// HostEnv overrides the daemon base URL, e.g. "http://10.0.0.5:9876".
	HostEnv = "MAESTRO_HOST"

	// TokenEnv carries the bearer token when the daemon requires auth.
	TokenEnv = "MAESTRO_TOKEN"
)

// DefaultBaseURL matches the daemon's default listen address.
const DefaultBaseURL = "http://127.0.0.1:9876"

// Client talks to a maestrod instance.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// Option configures a Client.
type Option func(*Client) error

// WithBaseURL sets the daemon base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) error {
		if baseURL == "" {
			return fmt.Errorf("base URL must not be empty")
		}
		c.baseURL = strings.TrimRight(baseURL, "/")
		return nil
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithHTTPClient replaces the underlying HTTP client. The default has
// no overall timeout so event streams can run as long as their
// context allows.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// New creates a client for the daemon API.
func New(opts ...Option) (*Client, error) {
	c := &Client{baseURL: DefaultBaseURL}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c, nil
}

// FromEnvironment creates a client configured from MAESTRO_HOST and
// MAESTRO_TOKEN, falling back to the local daemon defaults.
func FromEnvironment() (*Client, error) {
	var opts []Option
	if host := os.Getenv(HostEnv); host != "" {
		opts = append(opts, WithBaseURL(host))
	}
	if token := os.Getenv(TokenEnv); token != "" {
		opts = append(opts, WithToken(token))
	}
	return New(opts...)
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	// Status is the HTTP status code.
	Status int

	// Message is the daemon's error text.
	Message string

	// Code is the taxonomy code, when the daemon attached one.
	Code string

	// Suggestion is actionable guidance, when available.
	Suggestion string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("maestrod returned %d: %s (%s)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("maestrod returned %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsConnectionRefused reports whether err looks like the daemon is not
// running at all, as opposed to answering with an error.
func IsConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host")
}

// do issues a request and turns non-2xx answers into *APIError. The
// caller owns the response body on success.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var payload struct {
		Error      string `json:"error"`
		Code       string `json:"code"`
		Suggestion string `json:"suggestion"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.Code = payload.Code
		apiErr.Suggestion = payload.Suggestion
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = strings.NewReader(string(data))
	}
	resp, err := c.do(ctx, http.MethodPost, path, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return decodeJSON(resp, out)
}

func (c *Client) deleteJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = strings.NewReader(string(data))
		contentType = "application/json"
	}
	resp, err := c.do(ctx, http.MethodDelete, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return decodeJSON(resp, out)
}

func decodeJSON(resp *http.Response, out any) error {
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
