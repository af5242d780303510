package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
)

func FuzzDecodeJSONBody(f *testing.F) {
	f.Add(`{"context":{"user":{"user_id":"u-1"}},"flag_keys":["a"]}`)
	f.Add(`{}`)
	f.Add(`{} {}`)
	f.Add(`[`)
	f.Add(``)
	f.Add(`{"flag_keys":"not-a-list"}`)

	s := &HTTPServer{maxBodyBytes: 256}
	f.Fuzz(func(t *testing.T, body string) {
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(body))
		var dst evaluateRequest
		err := s.decodeJSONBody(httptest.NewRecorder(), req, &dst, false)
		if err == nil && len(body) > 256 {
			t.Fatalf("decoded a %d-byte body past the 256-byte limit", len(body))
		}
	})
}

func FuzzFromStructRoundTrip(f *testing.F) {
	f.Add("new-checkout", "u-1")
	f.Add("", "")

	f.Fuzz(func(t *testing.T, key, userID string) {
		if !utf8.ValidString(key) || !utf8.ValidString(userID) {
			t.Skip("JSON replaces invalid UTF-8")
		}
		req, err := toStruct(variantRequest{Key: key, Context: map[string]any{"user": map[string]any{"user_id": userID}}})
		if err != nil {
			return
		}
		var got variantRequest
		if err := fromStruct(req, &got); err != nil {
			t.Fatalf("fromStruct() error = %v", err)
		}
		if got.Key != key {
			t.Fatalf("key = %q, want %q", got.Key, key)
		}
	})
}
