// Package events is the fire-and-forget telemetry sink used by long-running
// pool operations. Emitting never fails and never blocks control flow.
package events

import (
	"time"

	"github.com/rs/zerolog"

	"nithronos/nosmigrate/internal/fsatomic"
)

type Sink interface {
	Emit(code, message string, fields map[string]any)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(string, string, map[string]any) {}

// LogSink writes events to a zerolog logger with the code in the "event" field.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Emit(code, message string, fields map[string]any) {
	ev := s.Logger.Info()
	lvl, hasLevel := fields["level"]
	if str, ok := lvl.(string); ok {
		if l, err := zerolog.ParseLevel(str); err == nil {
			ev = s.Logger.WithLevel(l)
		}
	}
	if hasLevel {
		// the map is shared with other sinks
		rest := make(map[string]any, len(fields)-1)
		for k, v := range fields {
			if k != "level" {
				rest[k] = v
			}
		}
		fields = rest
	}
	ev.Str("event", code).Fields(fields).Msg(message)
}

// FileSink appends one JSON record per event to Path.
type FileSink struct {
	Path string
	now  func() time.Time
}

func NewFileSink(path string) *FileSink { return &FileSink{Path: path, now: time.Now} }

type Record struct {
	TS      string         `json:"ts"`
	Code    string         `json:"code"`
	Message string         `json:"msg"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (s *FileSink) Emit(code, message string, fields map[string]any) {
	rec := Record{TS: s.now().UTC().Format(time.RFC3339), Code: code, Message: message, Fields: fields}
	_ = fsatomic.AppendJSONLine(s.Path, rec)
}

// Multi fans out to every sink in order.
type Multi []Sink

func (m Multi) Emit(code, message string, fields map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Emit(code, message, fields)
		}
	}
}
