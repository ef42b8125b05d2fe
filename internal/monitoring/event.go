// Package monitoring builds structured error events attached to log records.
package monitoring

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Error sources attached to events.
const (
	SourceHTTP    = "http"
	SourceBrowser = "browser"
	SourceImage   = "image"
	SourceSheet   = "sheet"
	SourceState   = "state"
	SourceProxy   = "proxy"
)

// ErrorEvent is the structured description of a failure, rich enough for an
// operator (or a downstream agent) to decide the next action.
type ErrorEvent struct {
	ErrorType      string
	ErrorSource    string
	URL            string
	Proxy          string
	RetryIndex     int
	ActionRequired []string
	Details        map[string]any
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (e ErrorEvent) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("error_type", e.ErrorType)
	enc.AddString("error_source", e.ErrorSource)
	enc.AddString("timestamp", time.Now().UTC().Format(time.RFC3339))
	if e.URL != "" {
		enc.AddString("url", e.URL)
	}
	if e.Proxy != "" {
		enc.AddString("proxy", e.Proxy)
	}
	if e.RetryIndex > 0 {
		enc.AddInt64("retry_index", int64(e.RetryIndex))
	}
	if len(e.ActionRequired) > 0 {
		if err := enc.AddArray("action_required", zapcore.ArrayMarshalerFunc(func(arr zapcore.ArrayEncoder) error {
			for _, action := range e.ActionRequired {
				arr.AppendString(action)
			}
			return nil
		})); err != nil {
			return err
		}
	}
	if len(e.Details) > 0 {
		if err := enc.AddReflected("details", e.Details); err != nil {
			return err
		}
	}
	return nil
}

// Field wraps the event as a zap field under the conventional key.
func Field(e ErrorEvent) zap.Field {
	return zap.Object("error_event", e)
}
