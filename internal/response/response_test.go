package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() { gin.SetMode(gin.TestMode) }

func serve(t *testing.T, reqID string, h gin.HandlerFunc) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", h)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body Response
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return w, body
}

func TestRequestIDPropagation(t *testing.T) {
	tests := []struct {
		name     string
		inbound  string
		wantEcho bool
	}{
		{name: "valid id echoed", inbound: "abc-123_x.y", wantEcho: true},
		{name: "missing id generated", inbound: ""},
		{name: "bad characters replaced", inbound: "abc\ninjected"},
		{name: "too long replaced", inbound: strings.Repeat("a", 65)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := serve(t, tt.inbound, func(c *gin.Context) { Success(c, http.StatusOK, "ok") })

			got := w.Header().Get("X-Request-ID")
			if got == "" || body.Metadata.RequestID != got {
				t.Fatalf("header %q, metadata %q", got, body.Metadata.RequestID)
			}
			if (got == tt.inbound) != tt.wantEcho {
				t.Fatalf("request id = %q, inbound %q, want echo %t", got, tt.inbound, tt.wantEcho)
			}
		})
	}
}

func TestFailWithDetail(t *testing.T) {
	w, body := serve(t, "", func(c *gin.Context) {
		FailWithDetail(c, http.StatusBadRequest, ErrInvalidPayload, errors.New("question 2 has no options"))
	})
	if w.Code != http.StatusBadRequest || body.Error == nil {
		t.Fatalf("status %d, body %+v", w.Code, body)
	}
	if body.Error.Code != ErrInvalidPayload || body.Error.Fields["detail"] != "question 2 has no options" {
		t.Fatalf("error = %+v", body.Error)
	}
	if body.Error.Message != GetMessage(ErrInvalidPayload) {
		t.Fatalf("message = %q", body.Error.Message)
	}
}

func TestAbortRetryLater(t *testing.T) {
	tests := []struct {
		after time.Duration
		want  string
	}{
		{after: 200 * time.Millisecond, want: "1"},
		{after: 2 * time.Second, want: "2"},
		{after: 90 * time.Second, want: "90"},
	}
	for _, tt := range tests {
		t.Run(tt.after.String(), func(t *testing.T) {
			w, body := serve(t, "", func(c *gin.Context) { AbortRetryLater(c, tt.after) })
			if w.Code != http.StatusTooManyRequests || body.Error.Code != ErrRateLimitExceeded {
				t.Fatalf("status %d, body %+v", w.Code, body)
			}
			if got := w.Header().Get("Retry-After"); got != tt.want {
				t.Fatalf("Retry-After = %q, want %q", got, tt.want)
			}
		})
	}
}
