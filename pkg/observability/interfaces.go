// Package observability provides unified logging and metrics for the
// aetherbus workspace. Every component takes a Logger and, where it makes
// sense, a MetricsClient, so services can plug in their own sinks.
package observability

import "time"

// LogLevel defines log message severity
type LogLevel string

// Log levels
const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// LoggingConfig holds the configuration for logging
type LoggingConfig struct {
	// Level is the minimum log level to emit
	Level string `json:"level,omitempty" mapstructure:"level"`
	// Prefix is prepended to every line, usually the service name
	Prefix string `json:"prefix,omitempty" mapstructure:"prefix"`
}

// Logger defines the interface for logging
type Logger interface {
	// Core logging methods with fields
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	// Formatted logging methods
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	// Context methods
	WithPrefix(prefix string) Logger
	With(fields map[string]interface{}) Logger
}

// MetricsClient defines the interface for metrics collection. The bus
// records publish/consume volume, ack outcomes and operation latency
// through this interface.
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordTimer(name string, duration time.Duration, labels map[string]string)

	// StartTimer returns a function that records the elapsed time when called
	StartTimer(name string, labels map[string]string) func()

	// Lifecycle management
	Close() error
}
