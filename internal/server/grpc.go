package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names of the evaluation service. Requests and responses are
// google.protobuf.Struct values shaped like the HTTP JSON bodies.
const (
	EvaluationServiceName = "variantz.v1.Evaluation"
	EvaluateMethod        = "/" + EvaluationServiceName + "/Evaluate"
	VariantMethod         = "/" + EvaluationServiceName + "/Variant"
	FlagsMethod           = "/" + EvaluationServiceName + "/Flags"
)

// EvaluationServer is the server API for the evaluation service.
type EvaluationServer interface {
	Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Variant(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Flags(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// EvaluationServiceDesc describes the evaluation service for grpc.Server.
var EvaluationServiceDesc = grpc.ServiceDesc{
	ServiceName: EvaluationServiceName,
	HandlerType: (*EvaluationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: unaryHandler(EvaluateMethod, EvaluationServer.Evaluate)},
		{MethodName: "Variant", Handler: unaryHandler(VariantMethod, EvaluationServer.Variant)},
		{MethodName: "Flags", Handler: unaryHandler(FlagsMethod, EvaluationServer.Flags)},
	},
	Metadata: "variantz/v1/evaluation.proto",
}

func RegisterEvaluationServer(registrar grpc.ServiceRegistrar, srv EvaluationServer) {
	registrar.RegisterService(&EvaluationServiceDesc, srv)
}

type structMethod func(EvaluationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, method structMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(EvaluationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(EvaluationServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCServer implements EvaluationServer on top of an Evaluator.
type GRPCServer struct {
	evaluator Evaluator
}

func NewGRPCServer(evaluator Evaluator) *GRPCServer {
	if evaluator == nil {
		panic("evaluator is nil")
	}
	return &GRPCServer{evaluator: evaluator}
}

var _ EvaluationServer = (*GRPCServer)(nil)

func (s *GRPCServer) Evaluate(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request evaluateRequest
	if err := fromStruct(req, &request); err != nil {
		return nil, err
	}
	for _, key := range request.FlagKeys {
		if strings.TrimSpace(key) == "" {
			return nil, status.Error(codes.InvalidArgument, "flag_keys must not contain empty keys")
		}
	}
	return toStruct(evaluate(s.evaluator, request))
}

func (s *GRPCServer) Variant(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request variantRequest
	if err := fromStruct(req, &request); err != nil {
		return nil, err
	}
	if strings.TrimSpace(request.Key) == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	return toStruct(resolveVariant(s.evaluator, request))
}

func (s *GRPCServer) Flags(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(flagsResponse{Flags: listFlags(s.evaluator)})
}

// fromStruct decodes req into dst through its JSON form so both transports
// share one request shape.
func fromStruct(req *structpb.Struct, dst any) error {
	if req == nil {
		req = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid request: %v", err))
	}
	return nil
}

func toStruct(payload any) (*structpb.Struct, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}
