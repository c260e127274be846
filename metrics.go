package shield

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type histogramState struct {
	count uint64
	sum   float64
	min   float64
	max   float64
}

// InMemoryMetrics keeps counters, gauges and histogram summaries in keyed
// maps and renders them in the Prometheus text exposition format on demand.
type InMemoryMetrics struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogramState
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogramState),
	}
}

// metricKey builds a stable series key: label keys are sorted so the same
// label set always maps to the same series.
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%q", k, labels[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

func (m *InMemoryMetrics) IncrementCounter(name string, labels map[string]string) {
	key := metricKey(name, labels)
	m.mu.Lock()
	m.counters[key]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)
	m.mu.Lock()
	h, ok := m.histograms[key]
	if !ok {
		h = &histogramState{min: value, max: value}
		m.histograms[key] = h
	}
	h.count++
	h.sum += value
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
	m.mu.Unlock()
}

func (m *InMemoryMetrics) SetGauge(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)
	m.mu.Lock()
	m.gauges[key] = value
	m.mu.Unlock()
}

func (m *InMemoryMetrics) HealthCheck() error { return nil }

// CounterValue returns the current value of one counter series.
func (m *InMemoryMetrics) CounterValue(name string, labels map[string]string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[metricKey(name, labels)]
}

// ExportPrometheus renders every series in the text exposition format,
// ordered for deterministic scrapes.
func (m *InMemoryMetrics) ExportPrometheus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sb strings.Builder
	writeSorted := func(series map[string]float64, suffix string) {
		keys := make([]string, 0, len(series))
		for k := range series {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s%s %g\n", k, suffix, series[k])
		}
	}
	writeSorted(m.counters, "")
	writeSorted(m.gauges, "")

	keys := make([]string, 0, len(m.histograms))
	for k := range m.histograms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h := m.histograms[k]
		name, labels := splitSeries(k)
		fmt.Fprintf(&sb, "%s_count%s %d\n", name, labels, h.count)
		fmt.Fprintf(&sb, "%s_sum%s %g\n", name, labels, h.sum)
		fmt.Fprintf(&sb, "%s_min%s %g\n", name, labels, h.min)
		fmt.Fprintf(&sb, "%s_max%s %g\n", name, labels, h.max)
	}
	return sb.String()
}

func splitSeries(key string) (name, labels string) {
	if i := strings.IndexByte(key, '{'); i >= 0 {
		return key[:i], key[i:]
	}
	return key, ""
}
