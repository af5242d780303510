package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func newTextLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestHTTPRequestLogging(t *testing.T) {
	t.Run("logs request with generated request_id", func(t *testing.T) {
		var buf bytes.Buffer

		var capturedReqID string
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := RequestIDFromContext(r.Context())
			if !ok {
				t.Fatal("expected request_id in context")
			}
			capturedReqID = id
			w.WriteHeader(http.StatusOK)
		})

		rec := httptest.NewRecorder()
		HTTPRequestLogging(newTextLogger(&buf))(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/evaluate", nil))

		if len(capturedReqID) != 16 {
			t.Fatalf("expected 16-char request_id, got %q", capturedReqID)
		}
		if got := rec.Header().Get(RequestIDHeader); got != capturedReqID {
			t.Fatalf("expected response header %q, got %q", capturedReqID, got)
		}

		output := buf.String()
		for _, want := range []string{
			"request started",
			"request completed",
			capturedReqID,
			"method=POST",
			"path=/v1/evaluate",
			"status_code=200",
			"duration_ms=",
		} {
			if !strings.Contains(output, want) {
				t.Fatalf("expected %q in log output, got: %s", want, output)
			}
		}
	})

	t.Run("keeps caller request id", func(t *testing.T) {
		var buf bytes.Buffer
		var got string
		inner := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			got, _ = RequestIDFromContext(r.Context())
		})

		req := httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
		req.Header.Set(RequestIDHeader, "edge-42")
		HTTPRequestLogging(newTextLogger(&buf))(inner).ServeHTTP(httptest.NewRecorder(), req)

		if got != "edge-42" {
			t.Fatalf("expected edge-42, got %q", got)
		}
	})

	t.Run("replaces unprintable request id", func(t *testing.T) {
		var got string
		inner := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			got, _ = RequestIDFromContext(r.Context())
		})

		req := httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
		req.Header.Set(RequestIDHeader, "has space")
		HTTPRequestLogging(nil)(inner).ServeHTTP(httptest.NewRecorder(), req)

		if got == "has space" || len(got) != 16 {
			t.Fatalf("expected generated request id, got %q", got)
		}
	})

	t.Run("captures non-200 status code", func(t *testing.T) {
		var buf bytes.Buffer
		inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		rec := httptest.NewRecorder()
		HTTPRequestLogging(newTextLogger(&buf))(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/variant", nil))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		if !strings.Contains(buf.String(), "status_code=404") {
			t.Fatalf("expected status_code=404 in log output, got: %s", buf.String())
		}
	})

	t.Run("adds trace id when a span is active", func(t *testing.T) {
		var buf bytes.Buffer
		traceID := trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
		sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: trace.SpanID{0x01}})

		req := httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
		req = req.WithContext(trace.ContextWithSpanContext(req.Context(), sc))
		HTTPRequestLogging(newTextLogger(&buf))(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), req)

		if !strings.Contains(buf.String(), "trace_id="+traceID.String()) {
			t.Fatalf("expected trace_id in log output, got: %s", buf.String())
		}
	})
}

func TestUnaryRequestLoggingInterceptor(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/variantz.v1.Evaluation/Evaluate"}

	t.Run("logs request with request_id", func(t *testing.T) {
		var buf bytes.Buffer
		var capturedReqID string

		resp, err := UnaryRequestLoggingInterceptor(newTextLogger(&buf))(context.Background(), "req", info,
			func(ctx context.Context, _ any) (any, error) {
				capturedReqID, _ = RequestIDFromContext(ctx)
				return "ok", nil
			})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp != "ok" {
			t.Fatalf("expected ok, got %v", resp)
		}
		if len(capturedReqID) != 16 {
			t.Fatalf("expected 16-char request_id, got %q", capturedReqID)
		}

		output := buf.String()
		for _, want := range []string{"request started", "request completed", info.FullMethod, "status_code=OK", "duration_ms="} {
			if !strings.Contains(output, want) {
				t.Fatalf("expected %q in log output, got: %s", want, output)
			}
		}
	})

	t.Run("reads request id from metadata", func(t *testing.T) {
		var got string
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-request-id", "edge-7"))
		_, _ = UnaryRequestLoggingInterceptor(nil)(ctx, nil, info, func(ctx context.Context, _ any) (any, error) {
			got, _ = RequestIDFromContext(ctx)
			return nil, nil
		})
		if got != "edge-7" {
			t.Fatalf("expected edge-7, got %q", got)
		}
	})

	t.Run("logs error status code", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := UnaryRequestLoggingInterceptor(newTextLogger(&buf))(context.Background(), "req", info,
			func(context.Context, any) (any, error) {
				return nil, status.Error(codes.InvalidArgument, "bad context")
			})
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(buf.String(), "status_code=InvalidArgument") {
			t.Fatalf("expected status_code=InvalidArgument in log output, got: %s", buf.String())
		}
	})
}

func TestContextAccessors(t *testing.T) {
	if _, ok := RequestIDFromContext(context.Background()); ok {
		t.Fatal("expected no request id in empty context")
	}
	if LoggerFromContext(context.Background()) == nil {
		t.Fatal("expected default logger")
	}

	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := context.WithValue(context.Background(), loggerKey, custom)
	if LoggerFromContext(ctx) != custom {
		t.Fatal("expected custom logger")
	}
}

func TestResponseWriterCapture(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusInternalServerError)

	if rw.statusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rw.statusCode)
	}
	if rw.Unwrap() != rec {
		t.Fatal("Unwrap should return underlying ResponseWriter")
	}
}
