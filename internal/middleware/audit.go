package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// AuditEventType classifies operator actions against the provider pool
type AuditEventType string

const (
	ProviderUpdated  AuditEventType = "provider_updated"
	ProviderRemoved  AuditEventType = "provider_removed"
	ProviderRejected AuditEventType = "provider_change_rejected"
)

// AuditEvent is one recorded admin action
type AuditEvent struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	Provider   string                 `json:"provider,omitempty"`
	Action     string                 `json:"action"`
	Method     string                 `json:"method"`
	StatusCode int                    `json:"status_code"`
	IPAddress  string                 `json:"ip_address"`
	RequestID  string                 `json:"request_id"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Severity   string                 `json:"severity"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BufferSize      int           `yaml:"buffer_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
}

type requestIDKey struct{}

// RequestID returns the id the audit middleware attached to ctx
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// AuditLogger records provider mutations made through the admin API. Events
// are buffered and written by a single goroutine as structured log entries.
type AuditLogger struct {
	config   AuditConfig
	logger   *logrus.Logger
	buffer   chan *AuditEvent
	stopChan chan struct{}
	wg       sync.WaitGroup

	eventCount atomic.Int64

	mu      sync.RWMutex
	stopped bool
}

// NewAuditLogger creates an audit logger. A nil or disabled config yields a
// logger whose middleware passes requests through untouched.
func NewAuditLogger(config *AuditConfig, logger *logrus.Logger) *AuditLogger {
	cfg := AuditConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	a := &AuditLogger{
		config:   cfg,
		logger:   logger,
		buffer:   make(chan *AuditEvent, cfg.BufferSize),
		stopChan: make(chan struct{}),
	}
	if cfg.Enabled {
		a.wg.Add(1)
		go a.eventProcessor()
	}
	return a
}

// LogEvent queues an event. Events are dropped when the buffer is full or
// the logger has stopped.
func (a *AuditLogger) LogEvent(ctx context.Context, event *AuditEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.config.Enabled || a.stopped {
		return
	}

	event.ID = "audit_" + uuid.NewString()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = RequestID(ctx)
	}
	event.Details = a.sanitizeDetails(event.Details)
	event.Severity = severity(event.EventType)

	select {
	case a.buffer <- event:
		a.eventCount.Add(1)
	default:
		a.logger.Warn("Audit buffer full, dropping event")
	}
}

// Middleware records every state changing request it wraps. Reads are not
// audited.
func (a *AuditLogger) Middleware(next http.Handler) http.Handler {
	if !a.config.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)

		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		provider := mux.Vars(r)["id"]
		action := actionFor(r)

		eventType := ProviderUpdated
		switch {
		case wrapped.statusCode >= 400:
			eventType = ProviderRejected
		case r.Method == http.MethodDelete:
			eventType = ProviderRemoved
		}

		a.LogEvent(ctx, &AuditEvent{
			EventType:  eventType,
			Provider:   provider,
			Action:     action,
			Method:     r.Method,
			StatusCode: wrapped.statusCode,
			IPAddress:  clientIP(r),
			Message:    fmt.Sprintf("%s %s on %s - %d", r.Method, action, provider, wrapped.statusCode),
			Details: map[string]interface{}{
				"path":        r.URL.Path,
				"duration_ms": time.Since(start).Milliseconds(),
				"user_agent":  r.UserAgent(),
			},
		})
	})
}

// EventCount returns the number of events accepted so far
func (a *AuditLogger) EventCount() int64 {
	return a.eventCount.Load()
}

// Stop flushes queued events and stops the writer goroutine
func (a *AuditLogger) Stop() {
	a.mu.Lock()
	if !a.config.Enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.stopChan)
	a.wg.Wait()
}

func (a *AuditLogger) eventProcessor() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	events := make([]*AuditEvent, 0, 100)
	flush := func() {
		for _, e := range events {
			a.writeEvent(e)
		}
		events = events[:0]
	}

	for {
		select {
		case e := <-a.buffer:
			events = append(events, e)
			if len(events) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.stopChan:
			for {
				select {
				case e := <-a.buffer:
					events = append(events, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (a *AuditLogger) writeEvent(e *AuditEvent) {
	fields := logrus.Fields{
		"audit_event": true,
		"event_type":  e.EventType,
		"event_id":    e.ID,
		"provider":    e.Provider,
		"action":      e.Action,
		"method":      e.Method,
		"status_code": e.StatusCode,
		"ip_address":  e.IPAddress,
		"request_id":  e.RequestID,
		"severity":    e.Severity,
		"timestamp":   e.Timestamp,
	}
	for k, v := range e.Details {
		fields["detail_"+k] = v
	}

	entry := a.logger.WithFields(fields)
	switch e.Severity {
	case "high":
		entry.Warn(e.Message)
	default:
		entry.Info(e.Message)
	}
}

func (a *AuditLogger) sanitizeDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if a.isSensitiveField(k) {
			out[k] = "***REDACTED***"
			continue
		}
		out[k] = v
	}
	return out
}

func (a *AuditLogger) isSensitiveField(field string) bool {
	lower := strings.ToLower(field)
	for _, s := range []string{"password", "token", "secret", "key", "credential", "authorization", "cookie"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, s := range a.config.SensitiveFields {
		if strings.EqualFold(field, s) {
			return true
		}
	}
	return false
}

func severity(t AuditEventType) string {
	switch t {
	case ProviderRemoved, ProviderRejected:
		return "high"
	default:
		return "medium"
	}
}

// actionFor names the admin operation: the last path segment for
// /providers/{id}/<action>, else the method
func actionFor(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) >= 4 && parts[len(parts)-3] == "providers" {
		return parts[len(parts)-1]
	}
	if r.Method == http.MethodDelete {
		return "unregister"
	}
	return strings.ToLower(r.Method)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if i := strings.LastIndex(r.RemoteAddr, ":"); i > 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}

// SecurityHeaders sets conservative response headers on every response
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if id := r.Header.Get("X-Request-ID"); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
