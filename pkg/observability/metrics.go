package observability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryMetricsClient accumulates metrics in process memory. It backs the
// test suites and the diagnostic CLIs; services that export metrics wrap
// their own MetricsClient around it or replace it outright.
type InMemoryMetricsClient struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
	timers   map[string][]time.Duration
}

// NewInMemoryMetricsClient creates an empty in-memory metrics client
func NewInMemoryMetricsClient() *InMemoryMetricsClient {
	return &InMemoryMetricsClient{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		timers:   make(map[string][]time.Duration),
	}
}

// IncrementCounter adds value to the named counter
func (m *InMemoryMetricsClient) IncrementCounter(name string, value float64) {
	m.IncrementCounterWithLabels(name, value, nil)
}

// IncrementCounterWithLabels adds value to the counter keyed by name and labels
func (m *InMemoryMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[metricKey(name, labels)] += value
}

// RecordGauge sets the gauge keyed by name and labels
func (m *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[metricKey(name, labels)] = value
}

// RecordTimer appends a duration sample to the timer keyed by name and labels
func (m *InMemoryMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := metricKey(name, labels)
	m.timers[key] = append(m.timers[key], duration)
}

// StartTimer returns a function that records the elapsed time when called
func (m *InMemoryMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordTimer(name, time.Since(start), labels)
	}
}

// Close implements MetricsClient.Close
func (m *InMemoryMetricsClient) Close() error { return nil }

// CounterValue returns the current value of the counter keyed by name and labels
func (m *InMemoryMetricsClient) CounterValue(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[metricKey(name, labels)]
}

// GaugeValue returns the current value of the gauge keyed by name and labels
func (m *InMemoryMetricsClient) GaugeValue(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[metricKey(name, labels)]
}

// TimerCount returns how many samples the timer keyed by name and labels holds
func (m *InMemoryMetricsClient) TimerCount(name string, labels map[string]string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers[metricKey(name, labels)])
}

// metricKey flattens a metric name and its labels into a stable map key
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, ",%s=%s", k, labels[k])
	}
	return b.String()
}

// noOpMetricsClient is a no-op implementation of MetricsClient
type noOpMetricsClient struct{}

// NewNoOpMetricsClient creates a new no-op metrics client that does nothing
func NewNoOpMetricsClient() MetricsClient {
	return &noOpMetricsClient{}
}

// IncrementCounter is a no-op implementation
func (n *noOpMetricsClient) IncrementCounter(name string, value float64) {}

// IncrementCounterWithLabels is a no-op implementation
func (n *noOpMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}

// RecordGauge is a no-op implementation
func (n *noOpMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordTimer is a no-op implementation
func (n *noOpMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}

// StartTimer is a no-op implementation
func (n *noOpMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}

// Close is a no-op implementation
func (n *noOpMetricsClient) Close() error { return nil }
