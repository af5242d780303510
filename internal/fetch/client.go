// Package fetch retrieves flag definitions and remotely evaluated variants
// from a variantz-compatible server.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/matt-riley/variantz/internal/core"
)

const (
	FlagsPath    = "/sdk/v2/flags"
	VariantsPath = "/sdk/v2/vardata"

	maxResponseBytes = 8 << 20
)

var ErrMissingDeploymentKey = errors.New("fetch: deployment key is required")

// Observer receives the duration and outcome of every fetch.
type Observer interface {
	ObserveFetch(kind string, duration time.Duration, err error)
}

// Config holds configuration for the fetch client.
type Config struct {
	// ServerURL is the base URL of the server, e.g. "http://localhost:8080".
	ServerURL     string
	DeploymentKey string
	// HTTPClient is optional; defaults to a client with an otelhttp transport.
	HTTPClient *http.Client
	// Timeout bounds a single attempt. Defaults to 10s.
	Timeout time.Duration
	// Retries is the number of retries after the first attempt. Zero uses
	// the default retry policy; a negative value disables retries.
	Retries  int
	Logger   *slog.Logger
	Observer Observer
}

// Client implements flag and variant fetching over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
	retry      RetryConfig
	tracer     trace.Tracer
	group      singleflight.Group
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.DeploymentKey) == "" {
		return nil, ErrMissingDeploymentKey
	}
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if cfg.ServerURL == "" {
		return nil, errors.New("fetch: server url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	retry := DefaultRetryConfig()
	switch {
	case cfg.Retries < 0:
		retry.MaxRetries = 0
	case cfg.Retries > 0:
		retry.MaxRetries = cfg.Retries
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		retry:      retry,
		tracer:     otel.Tracer("github.com/matt-riley/variantz/internal/fetch"),
	}, nil
}

// StatusError is returned when the server responds with an HTTP error status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: HTTP %d: %s", e.StatusCode, e.Message)
}

// FetchFlags returns every flag definition for the deployment. Concurrent
// calls share one request.
func (c *Client) FetchFlags(ctx context.Context) ([]core.Flag, error) {
	result, err := c.shared(ctx, "flags", func(ctx context.Context) (any, error) {
		var flags []core.Flag
		err := c.fetch(ctx, "flags", http.MethodGet, FlagsPath, nil, &flags)
		return flags, err
	})
	if err != nil {
		return nil, err
	}
	return result.([]core.Flag), nil
}

// FetchVariants asks the server to evaluate every flag for evalContext.
// Concurrent calls for the same context share one request.
func (c *Client) FetchVariants(ctx context.Context, evalContext map[string]any) (map[string]core.Variant, error) {
	if evalContext == nil {
		evalContext = map[string]any{}
	}
	body, err := json.Marshal(evalContext)
	if err != nil {
		return nil, fmt.Errorf("fetch: marshal context: %w", err)
	}

	result, err := c.shared(ctx, "variants:"+string(body), func(ctx context.Context) (any, error) {
		variants := map[string]core.Variant{}
		err := c.fetch(ctx, "variants", http.MethodPost, VariantsPath, body, &variants)
		return variants, err
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]core.Variant), nil
}

// shared runs fn once for all concurrent callers with the same key. The
// shared call does not inherit any one caller's cancellation, only a bound
// covering every attempt and backoff; each caller stops waiting when its own
// ctx is done.
func (c *Client) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := c.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sharedTimeout())
		defer cancel()
		return fn(callCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-results:
		return result.Val, result.Err
	}
}

func (c *Client) sharedTimeout() time.Duration {
	attempts := time.Duration(c.retry.MaxRetries + 1)
	return attempts*c.cfg.Timeout + (attempts-1)*c.retry.MaxBackoff
}

func (c *Client) fetch(ctx context.Context, kind, method, path string, body []byte, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "fetch."+kind, trace.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
	))
	started := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if c.cfg.Observer != nil {
			c.cfg.Observer.ObserveFetch(kind, time.Since(started), err)
		}
	}()

	payload, err := c.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path+"?v=0", reader)
		if err != nil {
			return nil, fmt.Errorf("fetch: create request: %w", err)
		}
		req.Header.Set("Authorization", "Api-Key "+c.cfg.DeploymentKey)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("fetch: decode %s: %w", kind, err)
	}
	return nil
}
