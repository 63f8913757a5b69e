package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestSecurityHeadersBaseline(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders(SecurityOptions{EnablePolicy: true, NoStore: true}))
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := do(r, http.MethodGet, "/", nil)
	h := w.Header()
	for k, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	} {
		if got := h.Get(k); got != want {
			t.Fatalf("%s = %q, want %q", k, got, want)
		}
	}
	if h.Get("Permissions-Policy") == "" {
		t.Fatal("Permissions-Policy missing")
	}
	if h.Get("Strict-Transport-Security") != "" {
		t.Fatal("HSTS emitted without opt-in")
	}
}

func TestSecurityHeadersHSTSOnlyOverHTTPS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders(SecurityOptions{EnableHSTS: true, HSTSMaxAge: 24 * time.Hour}))
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	// Plain HTTP: no HSTS.
	if w := do(r, http.MethodGet, "/", nil); w.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("HSTS emitted for plain HTTP")
	}

	// Proxied HTTPS.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=86400; includeSubDomains; preload" {
		t.Fatalf("HSTS = %q", got)
	}
}
