package observability

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// captureOutput redirects the standard logger to a buffer around f
func captureOutput(f func()) string {
	var buf bytes.Buffer
	oldWriter := log.Default().Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(oldWriter)

	f()
	return buf.String()
}

func TestLogger_LogLevels(t *testing.T) {
	output := captureOutput(func() {
		logger := NewStandardLogger("test-service").(*StandardLogger).WithLevel(LogLevelDebug)

		logger.Debug("Debug message", map[string]interface{}{"key": "value"})
		logger.Info("Info message", map[string]interface{}{"key": "value"})
		logger.Warn("Warn message", map[string]interface{}{"key": "value"})
		logger.Error("Error message", nil)
	})

	assert.Contains(t, output, "Debug message")
	assert.Contains(t, output, "Info message")
	assert.Contains(t, output, "Warn message")
	assert.Contains(t, output, "Error message")
}

func TestLogger_MinimumLevel(t *testing.T) {
	output := captureOutput(func() {
		logger := NewStandardLogger("test-service")

		logger.Debug("Debug message", nil)
		logger.Info("Info message", nil)
	})

	assert.NotContains(t, output, "Debug message", "DEBUG should be filtered at the default INFO level")
	assert.Contains(t, output, "Info message")
}

func TestLogger_WithPrefix(t *testing.T) {
	output := captureOutput(func() {
		logger := NewStandardLogger("parent-service")
		logger.WithPrefix("child").Info("Prefixed message", nil)
	})

	assert.Contains(t, output, "Prefixed message")
	assert.Contains(t, output, "[child]")
}

func TestLogger_WithFields(t *testing.T) {
	output := captureOutput(func() {
		logger := NewStandardLogger("test-service").With(map[string]interface{}{"agent": "echo"})
		logger.Info("subscribed", map[string]interface{}{"stream": "AG1:agent:echo:inbox"})
	})

	assert.Contains(t, output, "agent=echo")
	assert.Contains(t, output, "stream=AG1:agent:echo:inbox")
}

func TestLogger_FieldsSorted(t *testing.T) {
	output := captureOutput(func() {
		logger := NewStandardLogger("test-service")
		logger.Info("msg", map[string]interface{}{"b": 2, "a": 1, "c": 3})
	})

	// Stable field order keeps log lines diffable
	idx := strings.Index(output, "a=1")
	assert.GreaterOrEqual(t, idx, 0)
	assert.Less(t, idx, strings.Index(output, "b=2"))
	assert.Less(t, strings.Index(output, "b=2"), strings.Index(output, "c=3"))
}

func TestNewLoggerFromConfig(t *testing.T) {
	t.Run("valid level", func(t *testing.T) {
		output := captureOutput(func() {
			logger := NewLoggerFromConfig(LoggingConfig{Level: "DEBUG", Prefix: "svc"})
			logger.Debug("visible", nil)
		})
		assert.Contains(t, output, "visible")
	})

	t.Run("unknown level falls back to INFO", func(t *testing.T) {
		output := captureOutput(func() {
			logger := NewLoggerFromConfig(LoggingConfig{Level: "VERBOSE", Prefix: "svc"})
			logger.Debug("hidden", nil)
			logger.Info("visible", nil)
		})
		assert.NotContains(t, output, "hidden")
		assert.Contains(t, output, "visible")
	})
}

func TestNoopLogger(t *testing.T) {
	output := captureOutput(func() {
		logger := NewNoopLogger()
		logger.Info("should not appear", nil)
		logger.Errorf("nor this: %d", 42)
		logger.WithPrefix("x").With(map[string]interface{}{"k": "v"}).Warn("silent", nil)
	})

	assert.Empty(t, output)
}

func TestInMemoryMetricsClient(t *testing.T) {
	m := NewInMemoryMetricsClient()

	m.IncrementCounter("bus.published", 1)
	m.IncrementCounter("bus.published", 2)
	m.IncrementCounterWithLabels("bus.acked", 1, map[string]string{"group": "g1"})
	m.RecordGauge("bus.pending", 7, nil)
	m.RecordTimer("bus.publish", 5*time.Millisecond, nil)

	assert.Equal(t, float64(3), m.CounterValue("bus.published", nil))
	assert.Equal(t, float64(1), m.CounterValue("bus.acked", map[string]string{"group": "g1"}))
	assert.Equal(t, float64(0), m.CounterValue("bus.acked", map[string]string{"group": "g2"}))
	assert.Equal(t, float64(7), m.GaugeValue("bus.pending", nil))
	assert.Equal(t, 1, m.TimerCount("bus.publish", nil))

	done := m.StartTimer("bus.consume", nil)
	done()
	assert.Equal(t, 1, m.TimerCount("bus.consume", nil))

	assert.NoError(t, m.Close())
}
