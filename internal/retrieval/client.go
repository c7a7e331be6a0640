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

// Package retrieval implements the HTTP client for the document-retrieval
// backend. Tool calls against servers of kind document-retrieval are
// served here instead of by a child process.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/tombee/sapassist/pkg/errors"
	"github.com/tombee/sapassist/pkg/httpclient"
)

// Config holds the document backend connection settings.
type Config struct {
	// BaseURL is the backend root, e.g. "http://localhost:8000".
	BaseURL string

	// Token is a static bearer token. When empty, the client logs in
	// with the service account on the first request that needs auth.
	Token string

	// Username and Password are the service-account credentials for the
	// login fallback.
	Username string
	Password string

	// HTTP configures the underlying client factory.
	HTTP httpclient.Config
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return &errors.ValidationError{
			Field:   "base_url",
			Message: "base URL is required",
			Hint:    "set retrieval.base_url, e.g. http://localhost:8000",
		}
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return &errors.ValidationError{
			Field:   "base_url",
			Message: fmt.Sprintf("invalid URL: %v", err),
		}
	}
	if c.Token == "" && c.Username == "" {
		return &errors.ValidationError{
			Field:   "token",
			Message: "either a token or service-account credentials are required",
		}
	}
	return nil
}

// Client talks to the document-retrieval backend.
type Client struct {
	baseURL  string
	http     *http.Client
	username string
	password string

	mu    sync.Mutex
	token string
}

// NewClient builds a client from the configuration.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	httpCfg := cfg.HTTP
	if httpCfg.Timeout == 0 {
		httpCfg = httpclient.DefaultConfig()
	}
	httpClient, err := httpclient.New(httpCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build http client")
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		http:     httpClient,
		username: cfg.Username,
		password: cfg.Password,
		token:    cfg.Token,
	}, nil
}

// SearchResult is one document hit.
type SearchResult struct {
	Title   string  `json:"title"`
	Source  string  `json:"source"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// SearchResponse is the /documents/search payload.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
}

// ContextResponse is the /documents/context payload.
type ContextResponse struct {
	Query  string   `json:"query"`
	Chunks []string `json:"chunks"`
}

// StatsResponse is the /documents/stats payload.
type StatsResponse struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
}

// EmbeddingStatus is the /documents/embedding/test payload.
type EmbeddingStatus struct {
	OK        bool   `json:"ok"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// SearchDocuments runs a semantic search.
func (c *Client) SearchDocuments(ctx context.Context, query string, limit int) (interface{}, error) {
	if limit <= 0 {
		limit = 5
	}
	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", strconv.Itoa(limit))

	var out SearchResponse
	if err := c.get(ctx, "/documents/search", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetContext fetches context chunks for a query.
func (c *Client) GetContext(ctx context.Context, query string) (interface{}, error) {
	params := url.Values{}
	params.Set("query", query)

	var out ContextResponse
	if err := c.get(ctx, "/documents/context", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStats fetches document store statistics.
func (c *Client) GetStats(ctx context.Context) (interface{}, error) {
	var out StatsResponse
	if err := c.get(ctx, "/documents/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TestEmbedding checks embedding service health.
func (c *Client) TestEmbedding(ctx context.Context) (interface{}, error) {
	var out EmbeddingStatus
	if err := c.get(ctx, "/documents/embedding/test", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// get performs an authenticated GET and decodes the JSON response.
// A 401 triggers one login-and-retry when credentials are configured.
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	status, body, err := c.do(ctx, path, params)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized && c.username != "" {
		if err := c.login(ctx); err != nil {
			return err
		}
		status, body, err = c.do(ctx, path, params)
		if err != nil {
			return err
		}
	}

	if status != http.StatusOK {
		return &errors.ProviderError{
			Provider:   "document-retrieval",
			StatusCode: status,
			Message:    truncate(string(body), 200),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "invalid response from %s", path)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string, params url.Values) (int, []byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to build request")
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &errors.ProviderError{
			Provider: "document-retrieval",
			Message:  "request failed",
			Cause:    err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to read response body")
	}
	return resp.StatusCode, body, nil
}

// login exchanges the service-account credentials for a bearer token.
func (c *Client) login(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal login payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/auth/login", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build login request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &errors.ProviderError{
			Provider: "document-retrieval",
			Message:  "login request failed",
			Cause:    err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &errors.ProviderError{
			Provider:   "document-retrieval",
			StatusCode: resp.StatusCode,
			Message:    "login rejected",
		}
	}

	var loginRes struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&loginRes); err != nil {
		return errors.Wrap(err, "invalid login response")
	}
	if loginRes.AccessToken == "" {
		return &errors.ProviderError{
			Provider: "document-retrieval",
			Message:  "login response carried no token",
		}
	}

	c.mu.Lock()
	c.token = loginRes.AccessToken
	c.mu.Unlock()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
