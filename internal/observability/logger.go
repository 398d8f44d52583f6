package observability

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
)

// LogLevel represents logging levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a LOG_LEVEL value to a level, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp    string                 `json:"timestamp"`
	Level        string                 `json:"level"`
	Message      string                 `json:"message"`
	Service      string                 `json:"service,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	RouteKey     string                 `json:"route_key,omitempty"`
	UserID       string                 `json:"user_id,omitempty"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Stack        string                 `json:"stack,omitempty"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
}

// Logger provides structured logging with context
type Logger struct {
	service  string
	minLevel LogLevel
	mu       sync.Mutex
	output   *json.Encoder
}

type contextKey string

const (
	loggerKey    contextKey = "logger"
	requestIDKey contextKey = "request_id"
	routeKeyKey  contextKey = "route_key"
	userIDKey    contextKey = "user_id"
	connIDKey    contextKey = "connection_id"
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// NewLogger creates a structured logger writing JSON lines to w
func NewLogger(service string, minLevel LogLevel, w io.Writer) *Logger {
	return &Logger{
		service:  service,
		minLevel: minLevel,
		output:   json.NewEncoder(w),
	}
}

// GetLogger returns the default logger, creating it from LOG_LEVEL and SERVICE_NAME if necessary
func GetLogger() *Logger {
	once.Do(func() {
		service := os.Getenv("SERVICE_NAME")
		if service == "" {
			service = "roomchat"
		}
		defaultLogger = NewLogger(service, ParseLevel(os.Getenv("LOG_LEVEL")), os.Stdout)
	})
	return defaultLogger
}

// WithContext adds logger to context
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext retrieves logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return GetLogger()
}

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithRouteKey adds the WebSocket route to context
func WithRouteKey(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeKeyKey, route)
}

// WithUserID adds user ID to context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// WithConnectionID adds connection ID to context
func WithConnectionID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey, connID)
}

func (l *Logger) log(ctx context.Context, level LogLevel, msg string, fields map[string]interface{}, err error) {
	if level < l.minLevel {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Service:   l.service,
		Fields:    fields,
	}

	if v, ok := ctx.Value(requestIDKey).(string); ok {
		entry.RequestID = v
	}
	if v, ok := ctx.Value(routeKeyKey).(string); ok {
		entry.RouteKey = v
	}
	if v, ok := ctx.Value(userIDKey).(string); ok {
		entry.UserID = v
	}
	if v, ok := ctx.Value(connIDKey).(string); ok {
		entry.ConnectionID = v
	}

	if err != nil {
		entry.Error = err.Error()
		if level == LevelError {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			entry.Stack = string(buf[:n])
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Encode(entry)
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelDebug, msg, first(fields), nil)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelInfo, msg, first(fields), nil)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelWarn, msg, first(fields), nil)
}

// WarnErr logs a warning that carries an error but no stack
func (l *Logger) WarnErr(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	l.log(ctx, LevelWarn, msg, first(fields), err)
}

// Error logs an error message with a stack trace
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	l.log(ctx, LevelError, msg, first(fields), err)
}

// Timer returns a function that logs the duration of operation when called
func (l *Logger) Timer(ctx context.Context, operation string) func(error) {
	start := time.Now()
	return func(err error) {
		fields := map[string]interface{}{
			"operation":   operation,
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			l.Error(ctx, fmt.Sprintf("%s failed", operation), err, fields)
			return
		}
		l.Debug(ctx, fmt.Sprintf("%s completed", operation), fields)
	}
}
