package audit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Outcomes recorded on access decisions.
const (
	OutcomeAllowed         = "allowed"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeForbidden       = "forbidden"
	OutcomeUnavailable     = "unavailable"
	OutcomeSuccess         = "success"
	OutcomeFailure         = "failure"
)

// Event is one audit record. UserID is zero when no principal was resolved.
type Event struct {
	Time      time.Time
	Event     string
	Outcome   string
	Role      string
	UserID    int64
	Method    string
	Path      string
	ClientIP  string
	Action    string
	Resource  string
	RequestID string
	Reason    string
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Logger writes events as structured lines tagged type=audit.
type Logger struct {
	log *slog.Logger
	now func() time.Time
}

func NewLogger(log *slog.Logger) *Logger {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Logger{log: log, now: time.Now}
}

func (l *Logger) Record(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = l.now().UTC()
	}
	if ev.RequestID == "" {
		ev.RequestID = RequestIDFromContext(ctx)
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", ev.Event),
		slog.String("outcome", ev.Outcome),
		slog.String("ts", ev.Time.Format(time.RFC3339Nano)),
		slog.String("role", ev.Role),
		slog.Int64("user_id", ev.UserID),
		slog.String("method", ev.Method),
		slog.String("path", ev.Path),
		slog.String("client_ip", ev.ClientIP),
	}
	if ev.Action != "" {
		attrs = append(attrs, slog.String("action", ev.Action), slog.String("resource", ev.Resource))
	}
	if ev.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", ev.RequestID))
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	level := slog.LevelInfo
	if ev.Outcome != OutcomeAllowed && ev.Outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}
	l.log.LogAttrs(context.WithoutCancel(ctx), level, "audit", attrs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// Memory keeps events in process. Used by tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Record(_ context.Context, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Fanout forwards events to every sink.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, ev Event) {
	for _, s := range f {
		if s != nil {
			s.Record(ctx, ev)
		}
	}
}
