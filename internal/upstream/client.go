// Package upstream is the client for the data platform that evaluates
// collection permissions and returns rows. The engine never evaluates
// permissions itself; it only drives queries through this client under
// different accountabilities and interprets the denials that come back.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/whatif/internal/model"
)

// DefaultTimeout bounds a single upstream call.
const DefaultTimeout = 15 * time.Second

// Config holds upstream connection settings.
type Config struct {
	// BaseURL is the root of the data platform API.
	BaseURL string
	// Token is the service token used for execute-as and directory
	// calls. It must belong to a principal allowed to impersonate.
	Token string
	// Timeout bounds each call; DefaultTimeout when zero.
	Timeout time.Duration
}

// Client talks to the data platform over JSON/HTTP.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	httpc   *http.Client
}

// New creates a client for the given upstream.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: timeout,
		httpc:   &http.Client{},
	}
}

// APIError is a failed upstream call. Fields carries the denied field
// names when the upstream reports a field-level denial in structured
// form; older upstreams only provide the message.
type APIError struct {
	Status  int
	Code    string
	Message string
	Fields  []string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream: %s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("upstream: %s", e.Message)
}

// Forbidden reports whether the error is an authorization denial.
func (e *APIError) Forbidden() bool {
	return e.Status == http.StatusForbidden
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// executeRequest is the wire form of an execute-as call.
type executeRequest struct {
	Collection     string               `json:"collection"`
	Query          model.Query          `json:"query"`
	Accountability model.Accountability `json:"accountability"`
}

// Execute runs the query against the collection as the given
// accountability and returns the rows the upstream produced.
func (c *Client) Execute(ctx context.Context, collection string, q model.Query, acc model.Accountability) ([]model.Row, error) {
	body, err := json.Marshal(executeRequest{
		Collection:     collection,
		Query:          q,
		Accountability: acc,
	})
	if err != nil {
		return nil, fmt.Errorf("encode execute request: %w", err)
	}

	var out struct {
		Data []model.Row `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/query/execute", c.token, bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// CurrentUser resolves the accountability belonging to a bearer token.
func (c *Client) CurrentUser(ctx context.Context, token string) (model.Accountability, error) {
	var out struct {
		Data model.Accountability `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/me", token, nil, &out); err != nil {
		return model.Accountability{}, err
	}
	return out.Data, nil
}

// LookupUser fetches the role and account status for a user id from
// the directory.
func (c *Client) LookupUser(ctx context.Context, userID string) (model.UserInfo, error) {
	path := "/users/" + url.PathEscape(userID)
	var out struct {
		Data model.UserInfo `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, c.token, nil, &out); err != nil {
		return model.UserInfo{}, err
	}
	return out.Data, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("upstream %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read upstream response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode upstream response: %w", err)
		}
	}
	return nil
}

// errorEnvelope is the upstream's error body. Extensions.fields is the
// structured denied-field list newer upstreams attach to field-level
// authorization failures.
type errorEnvelope struct {
	Errors []struct {
		Message    string `json:"message"`
		Extensions struct {
			Code   string   `json:"code"`
			Fields []string `json:"fields"`
		} `json:"extensions"`
	} `json:"errors"`
}

func parseError(status int, raw []byte) *APIError {
	apiErr := &APIError{
		Status:  status,
		Message: http.StatusText(status),
	}
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Errors) > 0 {
		first := env.Errors[0]
		if first.Message != "" {
			apiErr.Message = first.Message
		}
		apiErr.Code = first.Extensions.Code
		apiErr.Fields = first.Extensions.Fields
	}
	return apiErr
}
