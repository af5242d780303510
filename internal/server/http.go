package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/matt-riley/variantz/experiment"
	"github.com/matt-riley/variantz/internal/metrics"
)

const defaultMaxJSONBodyBytes int64 = 1 << 20

var (
	errJSONBodyTooLarge = errors.New("json request body too large")
	errEmptyJSONBody    = errors.New("request body is empty")
)

// HTTPOptions configures NewHTTPHandler.
type HTTPOptions struct {
	// MaxJSONBodyBytes caps request bodies. Defaults to 1MiB.
	MaxJSONBodyBytes int64
	// Metrics, when set, instruments every route and serves /metrics.
	Metrics *metrics.Metrics
	// Auth wraps the /v1/ and /sdk/ routes.
	Auth func(http.Handler) http.Handler
}

type HTTPServer struct {
	evaluator    Evaluator
	maxBodyBytes int64
}

// NewHTTPHandler serves the evaluation API, the SDK-compatible flag and
// variant endpoints, /healthz and /metrics.
func NewHTTPHandler(evaluator Evaluator, opts HTTPOptions) http.Handler {
	if evaluator == nil {
		panic("evaluator is nil")
	}
	if opts.MaxJSONBodyBytes <= 0 {
		opts.MaxJSONBodyBytes = defaultMaxJSONBodyBytes
	}
	auth := opts.Auth
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	server := &HTTPServer{evaluator: evaluator, maxBodyBytes: opts.MaxJSONBodyBytes}

	mux := http.NewServeMux()
	handle := func(pattern string, protected bool, h http.HandlerFunc) {
		var handler http.Handler = h
		if protected {
			handler = auth(handler)
		}
		if opts.Metrics != nil {
			_, route, _ := strings.Cut(pattern, " ")
			handler = opts.Metrics.InstrumentHTTP(route, handler)
		}
		mux.Handle(pattern, handler)
	}

	handle("POST /v1/evaluate", true, server.handleEvaluate)
	handle("GET /v1/flags", true, server.handleListFlags)
	handle("POST /v1/variant", true, server.handleVariant)
	handle("GET /sdk/v2/flags", true, server.handleSDKFlags)
	handle("POST /sdk/v2/vardata", true, server.handleSDKVariants)
	handle("GET /healthz", false, server.handleHealthz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	return mux
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateRequest
	if err := s.decodeJSONBody(w, r, &request, false); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	for _, key := range request.FlagKeys {
		if strings.TrimSpace(key) == "" {
			writeJSONError(w, http.StatusBadRequest, "flag_keys must not contain empty keys")
			return
		}
	}

	writeJSON(w, http.StatusOK, evaluate(s.evaluator, request))
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, flagsResponse{Flags: listFlags(s.evaluator)})
}

func (s *HTTPServer) handleVariant(w http.ResponseWriter, r *http.Request) {
	var request variantRequest
	if err := s.decodeJSONBody(w, r, &request, false); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	writeJSON(w, http.StatusOK, resolveVariant(s.evaluator, request))
}

func (s *HTTPServer) handleSDKFlags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listFlags(s.evaluator))
}

// handleSDKVariants takes a bare evaluation context, as sent by SDK
// fetchers, and answers with every locally evaluated variant.
func (s *HTTPServer) handleSDKVariants(w http.ResponseWriter, r *http.Request) {
	var evalContext experiment.Context
	if err := s.decodeJSONBody(w, r, &evalContext, true); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.evaluator.EvaluateFor(evalContext))
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errJSONBodyTooLarge):
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, errEmptyJSONBody):
		writeJSONError(w, http.StatusBadRequest, "request body is required")
	default:
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSONBody decodes exactly one JSON value from the request body.
// allowUnknown is set for free-form payloads such as a bare context.
func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, allowUnknown bool) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyJSONBody
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if !allowUnknown {
		decoder.DisallowUnknownFields()
	}

	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyJSONBody
		}
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON value")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
