package wiser

// Logger is the logging interface used by the engine.
// *logging.Logger and *slog.Logger both satisfy it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Metrics receives engine counters and gauges.
// Implemented by the statsd client in infrastructure/metrics.
type Metrics interface {
	Incr(name string, tags ...string)
	Gauge(name string, value float64, tags ...string)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopMetrics struct{}

func (noopMetrics) Incr(string, ...string)           {}
func (noopMetrics) Gauge(string, float64, ...string) {}
