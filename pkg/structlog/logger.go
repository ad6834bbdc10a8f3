package structlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level represents log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a textual level ("debug", "INFO", ...) to a Level.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

type ctxKeyCorrID struct{}

// Fields represents structured log fields
type Fields map[string]interface{}

// Logger provides structured JSON logging with correlation ID support.
// A nil *Logger is valid and discards everything.
type Logger struct {
	service   string
	level     Level
	output    io.Writer
	mu        *sync.Mutex
	fields    Fields
	sanitizer *Sanitizer
	now       func() time.Time
}

// Sanitizer masks sensitive data in logs
type Sanitizer struct {
	maskPatterns []string
}

// NewSanitizer creates a log sanitizer. Field names containing any of the
// patterns (case-insensitive) are replaced with "MASKED".
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		maskPatterns: []string{
			"password",
			"secret",
			"token",
			"otp",
			"apikey",
			"authorization",
		},
	}
}

// Sanitize masks sensitive fields
func (s *Sanitizer) Sanitize(fields Fields) Fields {
	cleaned := make(Fields, len(fields))
	for k, v := range fields {
		cleaned[k] = v
		lk := strings.ToLower(k)
		for _, pattern := range s.maskPatterns {
			if strings.Contains(lk, pattern) {
				cleaned[k] = "MASKED"
				break
			}
		}
	}
	return cleaned
}

// NewLogger creates a structured logger for a service
func NewLogger(serviceName string, level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		service:   serviceName,
		level:     level,
		output:    output,
		mu:        &sync.Mutex{},
		fields:    Fields{},
		sanitizer: NewSanitizer(),
		now:       time.Now,
	}
}

// Discard returns a logger that writes nowhere. Handy in tests.
func Discard() *Logger {
	return NewLogger("discard", LevelFatal+1, io.Discard)
}

// WithFields returns a logger with additional base fields
func (l *Logger) WithFields(fields Fields) *Logger {
	if l == nil {
		return nil
	}
	nl := *l
	nl.fields = make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		nl.fields[k] = v
	}
	for k, v := range fields {
		nl.fields[k] = v
	}
	return &nl
}

// WithComponent tags every record with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithFields(Fields{"component": name})
}

// WithContext extracts correlation ID from context and adds to logger
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return l.WithFields(Fields{"correlation_id": corrID})
	}
	return l
}

func (l *Logger) Debug(message string, fields Fields) { l.log(LevelDebug, message, fields) }
func (l *Logger) Info(message string, fields Fields)  { l.log(LevelInfo, message, fields) }
func (l *Logger) Warn(message string, fields Fields)  { l.log(LevelWarn, message, fields) }
func (l *Logger) Error(message string, fields Fields) { l.log(LevelError, message, fields) }

// Fatal logs fatal message and exits
func (l *Logger) Fatal(message string, fields Fields) {
	l.log(LevelFatal, message, fields)
	os.Exit(1)
}

// SecurityEvent logs security event with special marker
func (l *Logger) SecurityEvent(event string, fields Fields) {
	f := Fields{"event_type": "security", "security_event": event}
	for k, v := range fields {
		f[k] = v
	}
	l.log(LevelWarn, fmt.Sprintf("SECURITY: %s", event), f)
}

// AuditLog logs audit trail with immutable marker
func (l *Logger) AuditLog(action string, fields Fields) {
	f := Fields{"event_type": "audit", "audit_action": action}
	for k, v := range fields {
		f[k] = v
	}
	l.log(LevelInfo, fmt.Sprintf("AUDIT: %s", action), f)
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if l == nil || level < l.level {
		return
	}

	allFields := make(Fields, len(l.fields)+len(fields)+6)
	for k, v := range l.fields {
		allFields[k] = v
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		allFields[k] = v
	}

	allFields = l.sanitizer.Sanitize(allFields)

	allFields["timestamp"] = l.now().UTC().Format(time.RFC3339Nano)
	allFields["level"] = level.String()
	allFields["service"] = l.service
	allFields["message"] = message

	if level >= LevelError {
		if pc, file, line, ok := runtime.Caller(2); ok {
			allFields["caller"] = fmt.Sprintf("%s:%d", file, line)
			if fn := runtime.FuncForPC(pc); fn != nil {
				allFields["function"] = fn.Name()
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := json.NewEncoder(l.output).Encode(allFields); err != nil {
		fmt.Fprintf(os.Stderr, "LOG_ERROR: failed to encode log: %v\n", err)
	}
}

// SetLevel changes log level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns current log level
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.NewString()
}

// ContextWithCorrelationID returns context with correlation ID
func ContextWithCorrelationID(ctx context.Context, corrID string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrID{}, corrID)
}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if corrID, ok := ctx.Value(ctxKeyCorrID{}).(string); ok {
		return corrID
	}
	return ""
}

// GetOrCreateCorrelationID gets existing or creates new correlation ID
func GetOrCreateCorrelationID(ctx context.Context) (context.Context, string) {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return ctx, corrID
	}
	corrID := NewCorrelationID()
	return ContextWithCorrelationID(ctx, corrID), corrID
}
