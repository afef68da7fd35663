package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSecurityHeaders(t *testing.T) {
	t.Run("sets security headers", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		handler := SecurityHeaders()
		handler(c)

		headers := w.Header()
		if headers.Get("X-Content-Type-Options") != "nosniff" {
			t.Error("expected X-Content-Type-Options header")
		}
		if headers.Get("X-Frame-Options") != "DENY" {
			t.Error("expected X-Frame-Options header")
		}
		if headers.Get("Referrer-Policy") != "no-referrer" {
			t.Error("expected Referrer-Policy header")
		}
		if headers.Get("Permissions-Policy") == "" {
			t.Error("expected Permissions-Policy header")
		}
		if headers.Get("Content-Security-Policy") == "" {
			t.Error("expected Content-Security-Policy header")
		}
	})

	t.Run("sets HSTS header for HTTPS", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		c.Request.Header.Set("X-Forwarded-Proto", "https")

		handler := SecurityHeaders()
		handler(c)

		if w.Header().Get("Strict-Transport-Security") == "" {
			t.Error("expected HSTS header for HTTPS requests")
		}
	})

	t.Run("does not set HSTS for HTTP", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		handler := SecurityHeaders()
		handler(c)

		if w.Header().Get("Strict-Transport-Security") != "" {
			t.Error("should not set HSTS header for HTTP requests")
		}
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows requests within limit", func(t *testing.T) {
		limiter := RateLimiter(10, 10) // 10 req/s, burst 10

		for i := 0; i < 5; i++ {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			limiter(c)

			if c.IsAborted() {
				t.Errorf("request %d should not be aborted", i)
			}
		}
	})

	t.Run("blocks requests exceeding limit", func(t *testing.T) {
		limiter := RateLimiter(1, 1) // 1 req/s, burst 1

		// First request should pass
		w1 := httptest.NewRecorder()
		c1, _ := gin.CreateTestContext(w1)
		c1.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		limiter(c1)

		if c1.IsAborted() {
			t.Error("first request should not be aborted")
		}

		// Second request should be rate limited
		w2 := httptest.NewRecorder()
		c2, _ := gin.CreateTestContext(w2)
		c2.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		limiter(c2)

		if !c2.IsAborted() {
			t.Error("second request should be rate limited")
		}
		if w2.Code != http.StatusTooManyRequests {
			t.Errorf("expected status 429, got %d", w2.Code)
		}
	})
}

func TestRequireJSONContentType(t *testing.T) {
	t.Run("allows GET requests without content-type", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		handler := RequireJSONContentType()
		handler(c)

		if c.IsAborted() {
			t.Error("GET request should not be aborted")
		}
	})

	t.Run("allows POST with JSON content-type", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
		c.Request.Header.Set("Content-Type", "application/json")

		handler := RequireJSONContentType()
		handler(c)

		if c.IsAborted() {
			t.Error("POST with JSON content-type should not be aborted")
		}
	})

	t.Run("allows POST with JSON charset content-type", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
		c.Request.Header.Set("Content-Type", "application/json; charset=utf-8")

		handler := RequireJSONContentType()
		handler(c)

		if c.IsAborted() {
			t.Error("POST with JSON charset content-type should not be aborted")
		}
	})

	t.Run("allows POST with empty content-type", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/", nil)

		handler := RequireJSONContentType()
		handler(c)

		if c.IsAborted() {
			t.Error("POST with empty content-type should not be aborted")
		}
	})

	t.Run("rejects POST with non-JSON content-type", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
		c.Request.Header.Set("Content-Type", "text/plain")

		handler := RequireJSONContentType()
		handler(c)

		if !c.IsAborted() {
			t.Error("POST with non-JSON content-type should be aborted")
		}
		if w.Code != http.StatusUnsupportedMediaType {
			t.Errorf("expected status 415, got %d", w.Code)
		}
	})

	t.Run("validates PUT requests", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPut, "/", nil)
		c.Request.Header.Set("Content-Type", "application/xml")

		handler := RequireJSONContentType()
		handler(c)

		if !c.IsAborted() {
			t.Error("PUT with non-JSON content-type should be aborted")
		}
	})

	t.Run("validates PATCH requests", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPatch, "/", nil)
		c.Request.Header.Set("Content-Type", "text/html")

		handler := RequireJSONContentType()
		handler(c)

		if !c.IsAborted() {
			t.Error("PATCH with non-JSON content-type should be aborted")
		}
	})
}

func TestPerClientRateLimiter(t *testing.T) {
	limiter := PerClientRateLimiter(1, 1)

	request := func(ip string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/oauth/google/start", nil)
		c.Request.RemoteAddr = ip + ":12345"
		limiter(c)
		return w
	}

	if w := request("203.0.113.1"); w.Code == http.StatusTooManyRequests {
		t.Error("first request from a client should pass")
	}
	if w := request("203.0.113.1"); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429 for second request, got %d", w.Code)
	}
	if w := request("203.0.113.2"); w.Code == http.StatusTooManyRequests {
		t.Error("another client should have its own budget")
	}
}

func TestClientLimitersEvictIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cl := &clientLimiters{
		rps:      1,
		burst:    1,
		limiters: make(map[string]*clientLimiter),
		now:      func() time.Time { return now },
	}

	cl.get("203.0.113.1")
	now = now.Add(limiterIdleTTL + time.Second)
	cl.get("203.0.113.2")

	if _, ok := cl.limiters["203.0.113.1"]; ok {
		t.Error("expected idle limiter to be evicted")
	}
	if len(cl.limiters) != 1 {
		t.Errorf("expected 1 limiter, got %d", len(cl.limiters))
	}
}
