package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

// TokenFunc supplies the current auth token. Returning "" sends the request
// unauthenticated.
type TokenFunc func() string

// Client is a thin REST client for the platform API. Successful responses
// wrapped in the {result, message, success} envelope are unwrapped to their
// result; bare payloads pass through unchanged.
type Client struct {
	base   string
	http   *http.Client
	token  TokenFunc
	logger *zap.Logger
}

// NewClient creates a client rooted at baseURL, e.g. "http://127.0.0.1:8000".
func NewClient(baseURL string, token TokenFunc, logger *zap.Logger) *Client {
	return &Client{
		base:   baseURL,
		http:   &http.Client{Timeout: defaultTimeout},
		token:  token,
		logger: logger,
	}
}

// Get issues a GET request and decodes the (unwrapped) response into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

// Patch issues a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPatch, path, nil, body, out)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil, out)
}

// envelope is the platform's standard response wrapper.
type envelope struct {
	Result    json.RawMessage `json:"result"`
	Message   string          `json:"message"`
	Success   *bool           `json:"success"`
	Timestamp string          `json:"timestamp"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Token "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode, Method: method, Path: path}
		var env envelope
		if json.Unmarshal(data, &env) == nil && env.Message != "" {
			apiErr.Message = env.Message
		}
		c.logger.Warn("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return apiErr
	}

	if out == nil || len(data) == 0 || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	// Unwrap the envelope when present, otherwise take the body as-is.
	var env envelope
	if json.Unmarshal(data, &env) == nil && env.Success != nil {
		if len(env.Result) == 0 || string(env.Result) == "null" {
			return nil
		}
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
