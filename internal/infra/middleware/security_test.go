package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders(okHandler), "1.2.3.4:1", nil)

	expected := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	}
	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("Header %s = %q, want %q", header, got, want)
		}
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS should not be set without TLS, got %q", hsts)
	}
}

func TestSecurityHeadersHSTSWithTLS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, req)

	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Errorf("HSTS = %q", got)
	}
}

func TestRateLimitBlocksExcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{PerSecond: 0.001, Burst: 2})(okHandler)

	for i := 0; i < 2; i++ {
		if w := serve(h, "10.1.1.1:5000", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	w := serve(h, "10.1.1.1:5000", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if got := w.Body.String(); got != `{"ok":false,"error":"rate limit exceeded"}` {
		t.Errorf("body = %q", got)
	}
}

func TestRateLimitSeparatesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{PerSecond: 0.001, Burst: 1})(okHandler)

	if w := serve(h, "10.0.0.1:1", nil); w.Code != http.StatusOK {
		t.Fatalf("client 1 first: %d", w.Code)
	}
	if w := serve(h, "10.0.0.2:1", nil); w.Code != http.StatusOK {
		t.Fatalf("client 2 first: %d", w.Code)
	}
	if w := serve(h, "10.0.0.1:1", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("client 1 second: %d", w.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	h := RateLimit(context.Background(), RateLimitConfig{})(okHandler)
	for i := 0; i < 50; i++ {
		if w := serve(h, "10.0.0.1:1", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
}

func TestRateLimitRefill(t *testing.T) {
	if testing.Short() {
		t.Skip("time-dependent")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{PerSecond: 20, Burst: 1})(okHandler)

	serve(h, "10.0.0.9:1", nil)
	if w := serve(h, "10.0.0.9:1", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("immediate retry: %d", w.Code)
	}
	time.Sleep(100 * time.Millisecond)
	if w := serve(h, "10.0.0.9:1", nil); w.Code != http.StatusOK {
		t.Fatalf("after refill: %d", w.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		trusted []string
		want    string
	}{
		{"no proxies ignores xff", "1.2.3.4:1", map[string]string{"X-Forwarded-For": "8.8.8.8"}, nil, "1.2.3.4"},
		{"untrusted peer ignores xff", "1.2.3.4:1", map[string]string{"X-Forwarded-For": "8.8.8.8"}, []string{"192.168.1.1"}, "1.2.3.4"},
		{"trusted peer uses first xff", "192.168.1.1:1", map[string]string{"X-Forwarded-For": "8.8.8.8, 10.0.0.1"}, []string{"192.168.1.1"}, "8.8.8.8"},
		{"trusted cidr", "10.20.30.40:1", map[string]string{"X-Forwarded-For": "9.9.9.9"}, []string{"10.0.0.0/8"}, "9.9.9.9"},
		{"x-real-ip fallback", "10.0.0.1:1", map[string]string{"X-Real-IP": "7.7.7.7"}, []string{"10.0.0.1"}, "7.7.7.7"},
		{"trusted without headers", "10.0.0.1:1", nil, []string{"10.0.0.1"}, "10.0.0.1"},
		{"ipv6 peer", "[::1]:8080", nil, nil, "::1"},
		{"malformed remote", "garbage", map[string]string{"X-Forwarded-For": "8.8.8.8"}, []string{"10.0.0.0/8"}, "garbage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req, parsePrefixes(tt.trusted)); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
