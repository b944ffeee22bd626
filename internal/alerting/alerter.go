// Package alerting provides notification capabilities for the derivation
// pipeline.
package alerting

import (
	"context"
	"fmt"
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
	// EventRunStarted is sent when a pipeline run starts.
	EventRunStarted AlertEvent = "run_started"
	// EventRunCompleted is sent when a pipeline run completes.
	EventRunCompleted AlertEvent = "run_completed"
	// EventRunFailed is sent when a pipeline run fails outright.
	EventRunFailed AlertEvent = "run_failed"
	// EventKeyFailed is sent when a single (asset, timeframe) unit fails.
	EventKeyFailed AlertEvent = "key_failed"
	// EventStaleUpstream is sent when a key is skipped for stale source data.
	EventStaleUpstream AlertEvent = "stale_upstream"
	// EventConsistencyViolation is sent when the validation gate finds
	// violating rows.
	EventConsistencyViolation AlertEvent = "consistency_violation"
	// EventRunSummary is sent with the per-run report.
	EventRunSummary AlertEvent = "run_summary"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventConsistencyViolation:
		return SeverityCritical
	case EventRunFailed:
		return SeverityHigh
	case EventKeyFailed, EventStaleUpstream:
		return SeverityWarning
	case EventRunStarted, EventRunCompleted, EventRunSummary:
		return SeverityInfo
	default:
		return SeverityInfo
	}
}
