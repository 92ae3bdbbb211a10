package logger

import (
	"context"
	"time"
)

// Field keys used across the codebase so log output stays greppable.
const (
	KeyOp         = "op"
	KeyPath       = "path"
	KeyClientIP   = "client_ip"
	KeyRequestID  = "request_id"
	KeySession    = "session"
	KeyDurationMs = "duration_ms"
)

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds request-scoped fields attached to every log record
// emitted with the *Ctx functions.
type LogContext struct {
	Op        string // wire operation name (getattr, bulk_fetch, ...)
	Path      string // primary path of the operation
	ClientIP  string // peer address without port
	RequestID uint64
	StartTime time.Time
}

// WithContext returns a context carrying the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext starts a request-scoped context for the given operation.
func NewLogContext(op, path string) *LogContext {
	return &LogContext{Op: op, Path: path, StartTime: time.Now()}
}

func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}

	ctxArgs := make([]any, 0, 8+len(args))
	if lc.Op != "" {
		ctxArgs = append(ctxArgs, KeyOp, lc.Op)
	}
	if lc.Path != "" {
		ctxArgs = append(ctxArgs, KeyPath, lc.Path)
	}
	if lc.ClientIP != "" {
		ctxArgs = append(ctxArgs, KeyClientIP, lc.ClientIP)
	}
	if lc.RequestID != 0 {
		ctxArgs = append(ctxArgs, KeyRequestID, lc.RequestID)
	}
	return append(ctxArgs, args...)
}
