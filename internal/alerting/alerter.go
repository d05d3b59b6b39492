// Package alerting provides notification capabilities for the execution
// engine.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// LogLevel maps the severity onto the slog level the console channel
// logs at, so log-based monitoring can trigger on level alone.
func (s Severity) LogLevel() slog.Level {
	switch s {
	case SeverityCritical, SeverityHigh:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// Field represents a key-value pair for structured alert data.
type Field struct {
	Key   string
	Value any
}

// FormatFields converts variadic fields to a formatted string.
func FormatFields(fields ...any) string {
	if len(fields) == 0 {
		return ""
	}

	result := ""
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		value := fields[i+1]
		if result != "" {
			result += "\n"
		}
		result += fmt.Sprintf("• %s: %v", key, value)
	}
	return result
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	// EventReconnectExhausted is sent when the broker reconnect budget
	// runs out and the session will not recover on its own.
	EventReconnectExhausted AlertEvent = "reconnect_exhausted"
	// EventOrphanFill is sent when a broker event matches no local order.
	EventOrphanFill AlertEvent = "orphan_fill"
	// EventConnectionLost is sent when the broker connection drops.
	EventConnectionLost AlertEvent = "connection_lost"
	// EventConnectionRestored is sent after a successful reconnect.
	EventConnectionRestored AlertEvent = "connection_restored"
	// EventOrderRejected is sent when the broker rejects an order.
	EventOrderRejected AlertEvent = "order_rejected"
	// EventSubmissionFailed is sent when an order exhausts its retry budget.
	EventSubmissionFailed AlertEvent = "submission_failed"
	// EventRiskLimitClamped is sent when sizing clamps an intent to zero.
	EventRiskLimitClamped AlertEvent = "risk_limit_clamped"
	// EventOrderFilled is sent when an order completes.
	EventOrderFilled AlertEvent = "order_filled"
	// EventExecutionSummary is sent for the periodic quality summary.
	EventExecutionSummary AlertEvent = "execution_summary"
	// EventEngineStarted is sent when the engine starts.
	EventEngineStarted AlertEvent = "engine_started"
	// EventEngineStopped is sent when the engine stops.
	EventEngineStopped AlertEvent = "engine_stopped"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventReconnectExhausted:
		return SeverityCritical
	case EventOrphanFill:
		return SeverityHigh
	case EventConnectionLost, EventOrderRejected, EventSubmissionFailed, EventRiskLimitClamped:
		return SeverityWarning
	case EventOrderFilled, EventExecutionSummary, EventEngineStarted, EventEngineStopped, EventConnectionRestored:
		return SeverityInfo
	default:
		return SeverityInfo
	}
}
