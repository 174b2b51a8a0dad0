package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for a single dispatch
// frame: one connection, optionally one in-flight message.
type LogContext struct {
	TraceID      string // OpenTelemetry trace ID
	SpanID       string // OpenTelemetry span ID
	ConnectionID string // unique id assigned at accept() time
	Serial       uint32 // message serial being processed, 0 if none
	Interface    string // D-Bus interface of the message in flight
	Member       string // D-Bus member of the message in flight
	UID          uint32 // peer credential uid
	Gid          uint32 // peer credential gid
	StartTime    time.Time
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a freshly accepted connection.
func NewLogContext(connectionID string) *LogContext {
	return &LogContext{
		ConnectionID: connectionID,
		StartTime:    time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithMessage returns a copy with the in-flight message fields set.
func (lc *LogContext) WithMessage(serial uint32, iface, member string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Serial = serial
		clone.Interface = iface
		clone.Member = member
	}
	return clone
}

// WithPeer returns a copy with peer credential info set
func (lc *LogContext) WithPeer(uid, gid uint32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.UID = uid
		clone.Gid = gid
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
