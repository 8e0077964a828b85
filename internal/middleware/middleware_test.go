package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	if !rl.Allow("s1", now) || !rl.Allow("s1", now) {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("s1", now) {
		t.Fatal("third event in the same instant should be limited")
	}
	if !rl.Allow("s2", now) {
		t.Fatal("limits are per key")
	}
	if !rl.Allow("s1", now.Add(time.Second)) {
		t.Fatal("one token should refill after a second")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	rl.Allow("old", now)
	rl.Allow("fresh", now.Add(staleAfter))
	rl.cleanup(now.Add(staleAfter + time.Second))

	if _, ok := rl.visitors["old"]; ok {
		t.Fatal("stale visitor not evicted")
	}
	if _, ok := rl.visitors["fresh"]; !ok {
		t.Fatal("fresh visitor evicted")
	}
}

func brotliEngine(body string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Brotli())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, body) })
	return r
}

func TestBrotli(t *testing.T) {
	large := strings.Repeat("question paper ", 200)

	tests := []struct {
		name     string
		body     string
		headers  map[string]string
		wantBr   bool
		wantBody string
	}{
		{name: "large body compressed", body: large, headers: map[string]string{"Accept-Encoding": "gzip, br;q=0.9"}, wantBr: true},
		{name: "small body plain", body: "ok", headers: map[string]string{"Accept-Encoding": "br"}, wantBody: "ok"},
		{name: "no accept", body: large, wantBody: large},
		{name: "websocket upgrade", body: large, headers: map[string]string{"Accept-Encoding": "br", "Upgrade": "websocket"}, wantBody: large},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			brotliEngine(tt.body).ServeHTTP(w, req)

			gotBr := w.Header().Get("Content-Encoding") == "br"
			if gotBr != tt.wantBr {
				t.Fatalf("Content-Encoding br = %v, want %v", gotBr, tt.wantBr)
			}
			if !tt.wantBr {
				if w.Body.String() != tt.wantBody {
					t.Fatalf("body length %d, want %d", w.Body.Len(), len(tt.wantBody))
				}
				return
			}
			plain, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if string(plain) != tt.body {
				t.Fatal("decoded body differs")
			}
		})
	}
}
