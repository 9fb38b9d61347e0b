// Package traceevent records turn and tool-call spans as Chrome trace-event
// JSON, which ui.perfetto.dev and chrome://tracing load directly.
package traceevent

import (
	"context"
	"time"
)

// TraceCategory groups events into tracks.
type TraceCategory uint8

const (
	CategoryTurn TraceCategory = iota + 1 // prompt turns
	CategoryTool                          // tool calls
	CategoryEvent                         // instant events
)

// String returns the string representation of a TraceCategory.
func (c TraceCategory) String() string {
	switch c {
	case CategoryTurn:
		return "turn"
	case CategoryTool:
		return "tool"
	case CategoryEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Phase represents trace event phase
type Phase string

const (
	PhaseComplete Phase = "X"
	PhaseInstant  Phase = "i"
)

// Field is a key-value pair for event data
type Field struct {
	Key   string
	Value any
}

// TraceEvent represents a single trace event
type TraceEvent struct {
	Timestamp time.Time
	Duration  time.Duration // complete events only
	Name      string
	Phase     Phase
	Category  TraceCategory
	// Track selects the timeline row, usually a session id.
	Track  string
	Fields []Field
}

type recorderKey struct{}

// WithRecorder returns a context whose spans are written to r.
func WithRecorder(ctx context.Context, r *Recorder) context.Context {
	if r == nil {
		return ctx
	}
	return context.WithValue(ctx, recorderKey{}, r)
}

// FromContext returns the recorder of ctx, or nil.
func FromContext(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey{}).(*Recorder)
	return r
}

// Span is an operation recorded as one complete event when it ends. A span
// started without a recorder in its context records nothing.
type Span struct {
	recorder *Recorder
	name     string
	category TraceCategory
	track    string
	fields   []Field
	start    time.Time
	ended    bool
}

// StartSpan begins a span on track.
func StartSpan(ctx context.Context, name string, category TraceCategory, track string, fields ...Field) *Span {
	return &Span{
		recorder: FromContext(ctx),
		name:     name,
		category: category,
		track:    track,
		fields:   fields,
		start:    time.Now(),
	}
}

// AddField adds a field to the span (can be called before End).
func (s *Span) AddField(key string, value any) {
	s.fields = append(s.fields, Field{Key: key, Value: value})
}

// End records the span. Safe to call multiple times (only records once).
func (s *Span) End() {
	if s.ended {
		return
	}
	s.ended = true
	if s.recorder == nil {
		return
	}
	s.recorder.Record(TraceEvent{
		Timestamp: s.start,
		Duration:  time.Since(s.start),
		Name:      s.name,
		Phase:     PhaseComplete,
		Category:  s.category,
		Track:     s.track,
		Fields:    s.fields,
	})
}

// Instant records a point event on track.
func Instant(ctx context.Context, name, track string, fields ...Field) {
	r := FromContext(ctx)
	if r == nil {
		return
	}
	r.Record(TraceEvent{
		Timestamp: time.Now(),
		Name:      name,
		Phase:     PhaseInstant,
		Category:  CategoryEvent,
		Track:     track,
		Fields:    fields,
	})
}
