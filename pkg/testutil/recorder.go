package testutil

import (
	"context"
	"log/slog"
	"sync"

	"usagetrail/pkg/attrs"
)

// Observation is one call recorded by Recorder.
type Observation struct {
	Level slog.Level
	Event string
	Attrs []any
}

// Attr returns the string attribute key, or "" when absent.
func (o Observation) Attr(key string) string {
	return attrs.ExtractString(o.Attrs, key)
}

// Recorder is an in-memory observer for asserting on emitted observations.
type Recorder struct {
	mu  sync.Mutex
	obs []Observation
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Observe(_ context.Context, level slog.Level, event string, kv ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, Observation{Level: level, Event: event, Attrs: append([]any(nil), kv...)})
}

// All returns every observation in emission order.
func (r *Recorder) All() []Observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Observation(nil), r.obs...)
}

// Events returns the recorded event names in emission order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.obs))
	for i, o := range r.obs {
		out[i] = o.Event
	}
	return out
}

// Find returns the observations named event.
func (r *Recorder) Find(event string) []Observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Observation
	for _, o := range r.obs {
		if o.Event == event {
			out = append(out, o)
		}
	}
	return out
}

// Count returns how many observations are named event.
func (r *Recorder) Count(event string) int {
	return len(r.Find(event))
}
