package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newRouter(buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	l := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := gin.New()
	r.Use(Middleware(l))
	return r
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var rec map[string]any
	if err := json.Unmarshal(lines[len(lines)-1], &rec); err != nil {
		t.Fatalf("expected json log line, got %q", buf.String())
	}
	return rec
}

func TestMiddleware_ReusesRequestID(t *testing.T) {
	var buf bytes.Buffer
	r := newRouter(&buf)
	r.GET("/v1/calls", func(c *gin.Context) {
		FromGin(c).Info("inside")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/calls", nil)
	req.Header.Set(headerRequestID, "rid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get(headerRequestID); got != "rid-1" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
	rec := lastRecord(t, &buf)
	if rec["request_id"] != "rid-1" || rec["level"] != "INFO" || rec["route"] != "/v1/calls" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestMiddleware_LevelFollowsStatus(t *testing.T) {
	cases := []struct {
		path   string
		status int
		level  string
	}{
		{"/v1/a", http.StatusBadGateway, "ERROR"},
		{"/v1/b", http.StatusNotFound, "WARN"},
		{"/healthz", http.StatusOK, "DEBUG"},
		{"/streams/audio", http.StatusNoContent, "DEBUG"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		r := newRouter(&buf)
		status := tc.status
		r.Any(tc.path, func(c *gin.Context) { c.Status(status) })

		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec := lastRecord(t, &buf); rec["level"] != tc.level {
			t.Fatalf("%s: expected level %s, got %v", tc.path, tc.level, rec["level"])
		}
	}
}

func TestMiddleware_GeneratesRequestID(t *testing.T) {
	var buf bytes.Buffer
	r := newRouter(&buf)
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Header().Get(headerRequestID) == "" {
		t.Fatalf("expected generated request id")
	}
}
