// Package secerr converts internal errors into sanitized, correlation-tagged
// responses. Full detail goes to the internal log only; nothing but a generic
// message and a correlation ID ever crosses the service boundary.
package secerr

import (
	"context"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Severity gates how much detail the internal log retains.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	// SeverityCritical is the only level that retains a stack trace in the
	// internal log, to limit the blast radius of internal-log exposure.
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// maxValueLen bounds logged string values. Long strings may embed secrets
// accidentally interpolated into error messages, so they are truncated
// before they are ever logged.
const maxValueLen = 256

// sensitiveKey matches field names whose values must never be logged.
var sensitiveKey = regexp.MustCompile(`(?i)(credential|token|secret|passw|api[_-]?key|private[_-]?key|connection[_-]?string|authorization|receipt[_-]?handle)`)

// connectionStringValue matches values that look like embedded credentials
// regardless of their key name.
var connectionStringValue = regexp.MustCompile(`(?i)(AccountKey=|SharedAccessSignature=|://[^/\s:]+:[^@\s]+@)`)

const redacted = "[REDACTED]"

// Context describes where an error happened and what was in flight.
type Context struct {
	Operation string
	Severity  Severity
	Fields    map[string]any
}

// SanitizedResponse is the only error shape exposed externally.
type SanitizedResponse struct {
	ErrorID   string `json:"error_id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
}

// Reporter builds sanitized responses and writes the full detail internally.
type Reporter struct {
	service string
	now     func() time.Time
	newID   func() string
}

// NewReporter creates a Reporter identifying this worker/service.
func NewReporter(service string) *Reporter {
	return &Reporter{
		service: service,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// Report logs the full error with sanitized context internally and returns
// the external-safe response carrying only the correlation ID.
func (r *Reporter) Report(ctx context.Context, err error, errCtx Context) SanitizedResponse {
	errorID := r.newID()

	event := log.Error().
		Str("errorId", errorID).
		Str("service", r.service).
		Str("operation", errCtx.Operation).
		Str("severity", errCtx.Severity.String()).
		Err(err)

	if len(errCtx.Fields) > 0 {
		event = event.Interface("context", SanitizeFields(errCtx.Fields))
	}
	if errCtx.Severity >= SeverityCritical {
		event = event.Bytes("stack", debug.Stack())
	}
	event.Msg("Internal error reported")

	return SanitizedResponse{
		ErrorID:   errorID,
		Message:   "An internal error occurred. Reference the error_id when contacting support.",
		Timestamp: r.now().UTC().Format(time.RFC3339),
		Service:   r.service,
	}
}

// SanitizeFields recursively redacts sensitive keys and connection-string
// values, and truncates long strings, returning a copy safe for logging.
func SanitizeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if sensitiveKey.MatchString(k) {
			out[k] = redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return sanitizeString(val)
	case []byte:
		return sanitizeString(string(val))
	case map[string]any:
		return SanitizeFields(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeString(item)
		}
		return out
	default:
		return v
	}
}

func sanitizeString(s string) string {
	if connectionStringValue.MatchString(s) {
		return redacted
	}
	if len(s) > maxValueLen {
		return s[:maxValueLen] + "...[truncated]"
	}
	return s
}
