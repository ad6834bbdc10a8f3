package structlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_MasksSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("behavauth", LevelDebug, &buf)

	l.Info("login", Fields{"email": "alice@example.com", "password": "hunter2", "otp_code": "123456"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "alice@example.com", lines[0]["email"])
	assert.Equal(t, "MASKED", lines[0]["password"])
	assert.Equal(t, "MASKED", lines[0]["otp_code"])
	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "behavauth", lines[0]["service"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("svc", LevelWarn, &buf)

	l.Debug("hidden", nil)
	l.Info("hidden", nil)
	l.Warn("shown", nil)
	l.Error("shown", Fields{"error": errors.New("boom")})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "boom", lines[1]["error"])
	assert.Contains(t, lines[1], "caller")
}

func TestLogger_CorrelationAndComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("svc", LevelInfo, &buf)

	ctx, id := GetOrCreateCorrelationID(context.Background())
	ctx2, id2 := GetOrCreateCorrelationID(ctx)
	assert.Equal(t, id, id2)
	assert.Equal(t, ctx, ctx2)

	l.WithComponent("trainer").WithContext(ctx).AuditLog("model_trained", Fields{"owner": "bob"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "trainer", lines[0]["component"])
	assert.Equal(t, id, lines[0]["correlation_id"])
	assert.Equal(t, "audit", lines[0]["event_type"])
}

func TestLogger_NilIsSafe(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.Info("nothing", nil)
		l.WithFields(Fields{"a": 1}).Warn("nothing", nil)
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}
