package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()

	if a == b {
		t.Error("two generated IDs are identical")
	}
	if len(a) != 22 {
		t.Errorf("len = %d, want 22", len(a))
	}
	if !isValidRequestID(a) {
		t.Errorf("generated ID %q fails validation", a)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if got := GetRequestID(ctx); got != "" {
		t.Errorf("GetRequestID on empty context = %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID = %q, want %q", got, "req-123")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"no incoming ID", "", false},
		{"valid upstream ID", "alb-req-abc_123", true},
		{"CRLF injection", "bad\r\nX-Evil: 1", false},
		{"too long", strings.Repeat("a", 129), false},
		{"invalid chars", "id with spaces", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			echoed := rec.Header().Get(RequestIDHeader)
			if echoed == "" {
				t.Fatal("no request ID in response")
			}
			if echoed != seen {
				t.Errorf("response ID %q != context ID %q", echoed, seen)
			}

			if tt.keep && echoed != tt.incoming {
				t.Errorf("valid upstream ID replaced: %q", echoed)
			}
			if !tt.keep && echoed == tt.incoming {
				t.Errorf("invalid upstream ID preserved: %q", echoed)
			}
			if !isValidRequestID(echoed) {
				t.Errorf("outgoing ID %q fails validation", echoed)
			}
		})
	}
}
