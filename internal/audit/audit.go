// Package audit records a structured, queryable trail of every
// security-relevant operation Memory Crystal performs: sealing and opening
// payloads, and the relay dead-drop lifecycle (drop, pickup, confirm) plus
// mirror push/pull. It never gates the operation it records — a failing
// sink must not fail the call it is auditing.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType represents the kind of audit event.
type EventType string

const (
	EventTypeSeal       EventType = "seal"
	EventTypeOpen       EventType = "open"
	EventTypeDrop       EventType = "drop"
	EventTypePickup     EventType = "pickup"
	EventTypeConfirm    EventType = "confirm"
	EventTypeMirrorPush EventType = "mirror_push"
	EventTypeMirrorPull EventType = "mirror_pull"
	EventTypeAccess     EventType = "access"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	Channel   string                 `json:"channel,omitempty"`
	BlobID    string                 `json:"blob_id,omitempty"`
	ClientIP  string                 `json:"client_ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Algorithm string                 `json:"algorithm,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an arbitrary audit event.
	Log(event *AuditEvent) error

	// LogSeal logs a payload seal operation.
	LogSeal(channel, blobID, algorithm string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogOpen logs a payload open operation.
	LogOpen(channel, blobID, algorithm string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogRelay logs a drop/pickup/confirm/mirror_push/mirror_pull operation.
	LogRelay(eventType EventType, channel, blobID, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration)

	// GetEvents returns all buffered audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction keys.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}

	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// SinkConfig describes where audit events are written.
type SinkConfig struct {
	Type          string
	Endpoint      string
	Headers       map[string]string
	FilePath      string
	BatchSize     int
	FlushInterval time.Duration
	RetryCount    int
	RetryBackoff  time.Duration
}

// Config configures an audit logger built by NewLoggerFromConfig.
type Config struct {
	Enabled             bool
	MaxEvents           int
	RedactMetadataKeys  []string
	Sink                SinkConfig
}

// NewLoggerFromConfig builds a Logger from a declarative sink configuration.
// The caller decides what to do when cfg.Enabled is false (typically: skip
// wiring audit middleware entirely rather than construct a no-op logger).
func NewLoggerFromConfig(cfg Config) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("audit: unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		// A sink failure must never fail the operation being audited.
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata removes sensitive keys from metadata.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// LogSeal logs a payload seal operation.
func (l *auditLogger) LogSeal(channel, blobID, algorithm string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeSeal,
		Operation: "seal",
		Channel:   channel,
		BlobID:    blobID,
		Algorithm: algorithm,
		Success:   success,
		Duration:  duration,
		Metadata:  l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogOpen logs a payload open operation.
func (l *auditLogger) LogOpen(channel, blobID, algorithm string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeOpen,
		Operation: "open",
		Channel:   channel,
		BlobID:    blobID,
		Algorithm: algorithm,
		Success:   success,
		Duration:  duration,
		Metadata:  l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogRelay logs a drop/pickup/confirm/mirror operation.
func (l *auditLogger) LogRelay(eventType EventType, channel, blobID, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: string(eventType),
		Channel:   channel,
		BlobID:    blobID,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		RequestID: requestID,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter is a default implementation that writes to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	fmt.Printf("%s\n", string(data))
	return nil
}
