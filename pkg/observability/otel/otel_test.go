package otelobs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behavtrust/pkg/structlog"
)

func TestInitTracer_DisabledWithoutEndpoint(t *testing.T) {
	shutdown := InitTracer(context.Background(), "test", "", structlog.Discard())
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	shutdown = InitMeter(context.Background(), "test", "", structlog.Discard())
	assert.NoError(t, shutdown(context.Background()))
}

func TestHTTPTraceLogMiddleware(t *testing.T) {
	var buf bytes.Buffer
	log := structlog.NewLogger("test", structlog.LevelInfo, &buf)

	long := `{"email":"a@example.com","password":"hunter2","pad":"` + strings.Repeat("x", 1000) + `"}`
	var seen string
	h := HTTPTraceLogMiddleware(log, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(long))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, long, seen, "handler must still see the full body")
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "access", entry["message"])
	assert.Equal(t, true, entry["body_truncated"])
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestHTTPTraceLogMiddleware_MasksCredentials(t *testing.T) {
	var buf bytes.Buffer
	log := structlog.NewLogger("test", structlog.LevelInfo, &buf)
	h := HTTPTraceLogMiddleware(log, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/api/verify_otp", strings.NewReader(`{"email":"a@example.com","otp":"123456"}`))
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	body, ok := entry["body"].(map[string]any)
	require.True(t, ok, "small JSON bodies are logged as objects")
	assert.Equal(t, "a@example.com", body["email"])
	assert.Equal(t, "MASKED", body["otp"])
}

func TestWrapHTTPHandler(t *testing.T) {
	h := WrapHTTPHandler("op", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotNil(t, WrapHTTPTransport(nil))
}
