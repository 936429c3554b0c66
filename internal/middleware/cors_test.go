package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		origins    []string
		origin     string
		method     string
		wantOrigin string
		wantCreds  string
		wantStatus int
	}{
		{"explicit origin", []string{"https://app.pulseid.com"}, "https://app.pulseid.com", http.MethodGet, "https://app.pulseid.com", "true", http.StatusTeapot},
		{"wildcard has no credentials", []string{"*"}, "https://evil.example", http.MethodGet, "https://evil.example", "", http.StatusTeapot},
		{"unknown origin", []string{"https://app.pulseid.com"}, "https://evil.example", http.MethodGet, "", "", http.StatusTeapot},
		{"preflight", []string{"https://app.pulseid.com"}, "https://app.pulseid.com", http.MethodOptions, "https://app.pulseid.com", "true", http.StatusNoContent},
		{"same origin", []string{"*"}, "", http.MethodGet, "", "", http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/session", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()

			CORS(tt.origins)(next).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("allow-origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Errorf("allow-credentials = %q, want %q", got, tt.wantCreds)
			}
		})
	}
}

func TestCORSAllowsTabHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/session/query", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()

	CORS([]string{"http://localhost:5173"})(http.NotFoundHandler()).ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, X-Pulseid-Tab-ID" {
		t.Fatalf("allow-headers = %q", got)
	}
}
