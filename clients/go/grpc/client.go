// Package grpc provides a gRPC client for the variantz daemon.
//
// The evaluation service exchanges google.protobuf.Struct messages shaped
// like the HTTP JSON bodies, so no generated stubs are needed.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	variantz "github.com/matt-riley/variantz/clients/go"
)

// Full method names of the daemon's evaluation service.
const (
	EvaluateMethod = "/variantz.v1.Evaluation/Evaluate"
	VariantMethod  = "/variantz.v1.Evaluation/Variant"
	FlagsMethod    = "/variantz.v1.Evaluation/Flags"
)

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the daemon's gRPC listener, e.g. "localhost:9090".
	Address string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements variantz.Evaluator over gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

// NewGRPCClient dials the daemon and returns a new client.
// Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("variantz: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	if c.cfg.APIKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

func (c *Client) invoke(ctx context.Context, method string, request, response any) error {
	in, err := toStruct(request)
	if err != nil {
		return err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(c.authCtx(ctx), method, in, out); err != nil {
		return fmt.Errorf("variantz: %s: %w", method, err)
	}
	return fromStruct(out, response)
}

// -- wire helpers ------------------------------------------------------------

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("variantz: marshal request: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("variantz: encode request: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, dst any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("variantz: encode response: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("variantz: decode response: %w", err)
	}
	return nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, evalCtx variantz.Context, flagKeys ...string) (map[string]variantz.Variant, error) {
	request := struct {
		Context  variantz.Context `json:"context,omitempty"`
		FlagKeys []string         `json:"flag_keys,omitempty"`
	}{Context: evalCtx, FlagKeys: flagKeys}

	var out struct {
		Variants map[string]variantz.Variant `json:"variants"`
	}
	if err := c.invoke(ctx, EvaluateMethod, request, &out); err != nil {
		return nil, err
	}
	if out.Variants == nil {
		out.Variants = map[string]variantz.Variant{}
	}
	return out.Variants, nil
}

func (c *Client) Variant(ctx context.Context, req variantz.VariantRequest) (variantz.Resolution, error) {
	var out variantz.Resolution
	if err := c.invoke(ctx, VariantMethod, req, &out); err != nil {
		return variantz.Resolution{}, err
	}
	return out, nil
}

func (c *Client) Flags(ctx context.Context) ([]variantz.Flag, error) {
	var out struct {
		Flags []variantz.Flag `json:"flags"`
	}
	if err := c.invoke(ctx, FlagsMethod, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Flags, nil
}
