package otelobs

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"behavtrust/pkg/structlog"
	"behavtrust/pkg/validation"
)

// maxLoggedBody bounds how much of a request body ends up in the access log.
const maxLoggedBody = 512

// HTTPTraceLogMiddleware writes one access line per request carrying
// trace_id/span_id and the correlation id, and echoes the trace ids as
// response headers. Small JSON bodies are logged with credential keys
// masked; anything else is logged by size only.
func HTTPTraceLogMiddleware(log *structlog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, corrID := structlog.GetOrCreateCorrelationID(r.Context())
		r = r.WithContext(ctx)
		w.Header().Set("X-Correlation-ID", corrID)

		traceID, spanID := "-", "-"
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			traceID = sc.TraceID().String()
			spanID = sc.SpanID().String()
			w.Header().Set("Trace-Id", traceID)
			w.Header().Set("Span-Id", spanID)
		}

		body, size, truncated := peekBody(r)
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)

		fields := structlog.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   sr.status,
			"ua":       validation.SanitizeForLog(r.UserAgent()),
			"dur_ms":   time.Since(start).Milliseconds(),
			"trace_id": traceID,
			"span_id":  spanID,
		}
		if body != nil {
			fields["body"] = body
		} else if size > 0 {
			fields["body_bytes"] = size
			fields["body_truncated"] = truncated
		}
		log.WithContext(ctx).Info("access", fields)
	})
}

// peekBody reads up to maxLoggedBody bytes and restores the full body. The
// returned fields are non-nil only for a complete JSON object.
func peekBody(r *http.Request) (structlog.Fields, int, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, 0, false
	}
	head := make([]byte, maxLoggedBody+1)
	n, _ := io.ReadFull(r.Body, head)
	head = head[:n]
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	if n > maxLoggedBody {
		return nil, maxLoggedBody, true
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(head, &obj); err != nil {
		return nil, n, false
	}
	return structlog.NewSanitizer().Sanitize(obj), n, false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
