package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONBase(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrBadGateway.WriteJSON(rec)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("code = %d, want 502", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var body ProxyError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body.Kind != KindUpstreamUnreachable {
		t.Errorf("kind = %q, want UpstreamUnreachable", body.Kind)
	}
}

func TestWriteJSONWithDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrBadRequest.WithDetails("missing target parameter").WriteJSON(rec)

	if !strings.Contains(rec.Body.String(), "missing target parameter") {
		t.Errorf("details not serialized: %s", rec.Body.String())
	}
}

func TestWriteNegotiatesHTML(t *testing.T) {
	tests := []struct {
		accept   string
		wantHTML bool
	}{
		{"text/html,application/xhtml+xml", true},
		{"application/json", false},
		{"", false},
		{"application/json, text/html", false},
	}

	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set("Accept", tt.accept)
			ErrUnauthorized.Write(rec, req)

			ct := rec.Header().Get("Content-Type")
			if tt.wantHTML && !strings.HasPrefix(ct, "text/html") {
				t.Errorf("content type = %q, want html", ct)
			}
			if !tt.wantHTML && ct != "application/json" {
				t.Errorf("content type = %q, want json", ct)
			}
		})
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	e := Wrap(cause, http.StatusBadGateway, KindUpstreamUnreachable, "upstream fetch failed")

	if e.Unwrap() != cause {
		t.Error("Unwrap did not return the cause")
	}
	if !strings.Contains(e.Error(), "connection refused") {
		t.Errorf("Error() = %q", e.Error())
	}
}

func TestIsProxyError(t *testing.T) {
	if _, ok := IsProxyError(fmt.Errorf("plain")); ok {
		t.Error("plain error reported as ProxyError")
	}
	if pe, ok := IsProxyError(ErrNotFound); !ok || pe.Code != 404 {
		t.Error("ErrNotFound not recognized")
	}
}
