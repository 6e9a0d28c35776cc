package taskgate

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrEthical07/taskgate/internal/logging"
)

// Audit event types.
const (
	EventLoginSuccess       = "login_success"
	EventLoginFailure       = "login_failure"
	EventRegister           = "register"
	EventRefreshSuccess     = "refresh_success"
	EventRefreshInvalid     = "refresh_invalid"
	EventRefreshReuse       = "refresh_reuse_detected"
	EventLogout             = "logout"
	EventRateLimitTriggered = "rate_limit_triggered"
	EventStoreUnavailable   = "store_unavailable"
)

// AuditEvent is one security-relevant fact. It never carries raw tokens,
// passwords or unhashed identities.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	FamilyID  string            `json:"family_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink hands events to a consumer goroutine.
type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan AuditEvent, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.writer.Write(append(data, '\n'))
}

// SlogSink writes events to the service log under msg "audit". Failed events
// log at warn, reuse at error, everything else at info.
type SlogSink struct {
	log logging.Logger
}

func NewSlogSink(l *slog.Logger) *SlogSink {
	return &SlogSink{log: logging.NewSlogLogger(l)}
}

func (s *SlogSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.log == nil {
		return
	}
	args := []any{
		"event", event.EventType,
		"success", event.Success,
		"at", event.Timestamp,
	}
	if event.UserID != "" {
		args = append(args, "user_id", event.UserID)
	}
	if event.FamilyID != "" {
		args = append(args, "family_id", event.FamilyID)
	}
	if event.IP != "" {
		args = append(args, "ip", event.IP)
	}
	if event.Error != "" {
		args = append(args, "error", event.Error)
	}
	for k, v := range event.Metadata {
		args = append(args, "meta_"+k, v)
	}

	switch {
	case event.EventType == EventRefreshReuse || event.EventType == EventStoreUnavailable:
		s.log.Error(ctx, "audit", args...)
	case !event.Success:
		s.log.Warn(ctx, "audit", args...)
	default:
		s.log.Info(ctx, "audit", args...)
	}
}
