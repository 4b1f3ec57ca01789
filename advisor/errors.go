package advisor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoSuggestions is returned when no query produced a suggestion body.
var ErrNoSuggestions = errors.New("no AI suggestions received")

// ConfigError reports a missing or invalid setting.
type ConfigError struct {
	Missing []string
	Err     error
}

func (e *ConfigError) Error() string {
	switch {
	case len(e.Missing) > 0 && e.Err != nil:
		return fmt.Sprintf("configuration: missing %s: %v", strings.Join(e.Missing, ", "), e.Err)
	case len(e.Missing) > 0:
		return fmt.Sprintf("configuration: missing %s", strings.Join(e.Missing, ", "))
	case e.Err != nil:
		return fmt.Sprintf("configuration: %v", e.Err)
	default:
		return "configuration error"
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NoLogsFoundError means no rotated slow log matched the target date stamp.
type NoLogsFoundError struct {
	Dir   string
	Stamp string
}

func (e *NoLogsFoundError) Error() string {
	return fmt.Sprintf("no slow log files found for %s in %s", e.Stamp, e.Dir)
}

// DigestToolError wraps a missing digest executable or a non-zero exit.
// Stderr carries the tool's diagnostic output.
type DigestToolError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *DigestToolError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Tool, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += "\n" + s
	}
	return msg
}

func (e *DigestToolError) Unwrap() error { return e.Err }

// PlanFetchError is a per-query failure; it never aborts the run.
type PlanFetchError struct {
	Database string
	Query    string
	Err      error
}

func (e *PlanFetchError) Error() string {
	return fmt.Sprintf("explain %s in %q: %v", e.Query, e.Database, e.Err)
}

func (e *PlanFetchError) Unwrap() error { return e.Err }

// SuggestionError is a language model failure. Per query it is only logged;
// a model missing from the server stops the run.
type SuggestionError struct {
	Err error
}

func (e *SuggestionError) Error() string { return fmt.Sprintf("suggestion: %v", e.Err) }

func (e *SuggestionError) Unwrap() error { return e.Err }

// DeliveryError is a failed mail send. It is logged, never escalated.
type DeliveryError struct {
	Recipients []string
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver report to %s: %v", strings.Join(e.Recipients, ", "), e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
