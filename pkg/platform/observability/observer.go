// Package observability is the structured observation boundary. Components
// report what happened through an Observer instead of logging inline, so
// tests can assert on emitted events without a logging backend.
package observability

import (
	"context"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"usagetrail/pkg/deliverycontext"
)

// Observer receives one structured observation. attrs are slog-style
// key/value pairs.
type Observer interface {
	Observe(ctx context.Context, level slog.Level, event string, attrs ...any)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, level slog.Level, event string, attrs ...any)

func (f ObserverFunc) Observe(ctx context.Context, level slog.Level, event string, attrs ...any) {
	f(ctx, level, event, attrs...)
}

// LevelCritical marks must-not-lose paths. It renders above ERROR and the log
// message gets a "CRITICAL:" prefix so alerting can grep for it.
const LevelCritical = slog.LevelError + 4

// Logger writes observations to slog and counts them.
type Logger struct {
	logger  *slog.Logger
	counter *prometheus.CounterVec
}

// Option configures a Logger.
type Option func(*Logger)

// WithRegisterer counts observations in reg under
// usagetrail_observations_total{event,level}.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(l *Logger) {
		l.counter = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "usagetrail_observations_total",
			Help: "Structured observations emitted by the ingestion pipeline",
		}, []string{"event", "level"})
	}
}

// New creates a slog-backed Observer. A nil logger falls back to slog.Default.
func New(logger *slog.Logger, opts ...Option) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Observe logs event enriched with the current delivery's attributes.
func (l *Logger) Observe(ctx context.Context, level slog.Level, event string, attrs ...any) {
	args := make([]any, 0, len(attrs)+10)
	args = append(args, attrs...)
	args = append(args, deliverycontext.Attrs(ctx)...)
	args = append(args, "event", event)

	msg := event
	if level >= LevelCritical {
		msg = "CRITICAL: " + event
	}
	l.logger.Log(ctx, level, msg, args...)

	if l.counter != nil {
		l.counter.WithLabelValues(event, levelLabel(level)).Inc()
	}
}

func levelLabel(level slog.Level) string {
	if level >= LevelCritical {
		return "critical"
	}
	return strings.ToLower(level.String())
}

type nop struct{}

func (nop) Observe(context.Context, slog.Level, string, ...any) {}

// Nop discards every observation.
func Nop() Observer { return nop{} }

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop()
	}
	return o
}
