package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name       string
		validKeys  []string
		path       string
		key        string
		wantStatus int
	}{
		{"no keys configured disables auth", nil, "/api/v1/jobs", "", http.StatusOK},
		{"missing key", []string{"k1"}, "/api/v1/jobs", "", http.StatusUnauthorized},
		{"wrong key", []string{"k1"}, "/api/v1/jobs", "nope", http.StatusUnauthorized},
		{"valid key", []string{"k1"}, "/api/v1/jobs", "k1", http.StatusOK},
		{"second valid key", []string{"k1", "k2"}, "/api/v1/jobs", "k2", http.StatusOK},
		{"health exempt", []string{"k1"}, "/api/v1/health", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Auth(tt.validKeys)(okHandler())
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(requestIDKey).(string)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	id := rec.Header().Get("X-Request-ID")
	if id == "" {
		t.Fatal("no X-Request-ID header set")
	}
	if seen != id {
		t.Errorf("context request ID %q != header %q", seen, id)
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec2.Header().Get("X-Request-ID") == id {
		t.Error("request IDs not unique across requests")
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name      string
		origins   []string
		origin    string
		method    string
		wantAllow string
		wantCode  int
	}{
		{"disabled", nil, "https://a.example", http.MethodGet, "", http.StatusOK},
		{"allow all", []string{"*"}, "https://a.example", http.MethodGet, "https://a.example", http.StatusOK},
		{"allowed origin", []string{"https://a.example"}, "https://a.example", http.MethodGet, "https://a.example", http.StatusOK},
		{"other origin", []string{"https://a.example"}, "https://b.example", http.MethodGet, "", http.StatusOK},
		{"no origin header", []string{"*"}, "", http.MethodGet, "", http.StatusOK},
		{"preflight", []string{"*"}, "https://a.example", http.MethodOptions, "https://a.example", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := CORS(tt.origins)(okHandler())
			req := httptest.NewRequest(tt.method, "/api/v1/jobs", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(okHandler(), mw("outer"), mw("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("middleware order = %v, want [outer inner]", order)
	}
}
