// Package http provides an HTTP client for the variantz daemon.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	variantz "github.com/matt-riley/variantz/clients/go"
)

// maxErrorBody bounds how much of an error response is read into APIError.
const maxErrorBody = 64 << 10

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the daemon, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements variantz.Evaluator over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the variantz daemon.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireEvaluateReq struct {
	Context  variantz.Context `json:"context,omitempty"`
	FlagKeys []string         `json:"flag_keys,omitempty"`
}

type wireEvaluateResp struct {
	Variants map[string]variantz.Variant `json:"variants"`
}

type wireFlagsResp struct {
	Flags []variantz.Flag `json:"flags"`
}

type wireError struct {
	Error string `json:"error"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("variantz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("variantz: create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("variantz: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(msg)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("variantz: decode response: %w", err)
	}
	return nil
}

// errorMessage extracts the "error" field of a JSON error body, falling back
// to the trimmed body text.
func errorMessage(body []byte) string {
	var we wireError
	if err := json.Unmarshal(body, &we); err == nil && we.Error != "" {
		return we.Error
	}
	return strings.TrimSpace(string(body))
}

// APIError is returned when the daemon responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("variantz: HTTP %d: %s", e.StatusCode, e.Message)
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, evalCtx variantz.Context, flagKeys ...string) (map[string]variantz.Variant, error) {
	var out wireEvaluateResp
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{Context: evalCtx, FlagKeys: flagKeys}, &out); err != nil {
		return nil, err
	}
	if out.Variants == nil {
		out.Variants = map[string]variantz.Variant{}
	}
	return out.Variants, nil
}

func (c *Client) Variant(ctx context.Context, req variantz.VariantRequest) (variantz.Resolution, error) {
	var out variantz.Resolution
	if err := c.do(ctx, http.MethodPost, "/v1/variant", req, &out); err != nil {
		return variantz.Resolution{}, err
	}
	return out, nil
}

func (c *Client) Flags(ctx context.Context) ([]variantz.Flag, error) {
	var out wireFlagsResp
	if err := c.do(ctx, http.MethodGet, "/v1/flags", nil, &out); err != nil {
		return nil, err
	}
	return out.Flags, nil
}

// Healthy reports whether the daemon answers /healthz.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}
