package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"docquery/machine"
)

// MetricType 指标类型
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// historyLimit bounds the samples kept per metric.
const historyLimit = 1000

// Metric 指标
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Help      string            `json:"help,omitempty"`
}

// MetricsCollector 指标收集器
type MetricsCollector struct {
	metrics     map[string][]*Metric
	counters    map[string]float64
	metricsLock sync.RWMutex

	startTime time.Time
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics:   make(map[string][]*Metric),
		counters:  make(map[string]float64),
		startTime: time.Now(),
	}
}

// Start 定期收集系统指标, 直到 ctx 结束
func (mc *MetricsCollector) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mc.collectSystemMetrics()
			}
		}
	}()
}

// RecordMetric 记录指标
func (mc *MetricsCollector) RecordMetric(metric *Metric) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()
	mc.recordLocked(metric)
}

func (mc *MetricsCollector) recordLocked(metric *Metric) {
	metric.Timestamp = time.Now()
	history := append(mc.metrics[metric.Name], metric)
	// 限制历史大小
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	mc.metrics[metric.Name] = history
}

// GetMetric 获取指标
func (mc *MetricsCollector) GetMetric(name string) ([]*Metric, error) {
	mc.metricsLock.RLock()
	defer mc.metricsLock.RUnlock()

	metrics, ok := mc.metrics[name]
	if !ok {
		return nil, fmt.Errorf("metric %s not found", name)
	}
	return copyMetrics(metrics), nil
}

func copyMetrics(metrics []*Metric) []*Metric {
	result := make([]*Metric, len(metrics))
	for i, m := range metrics {
		metricCopy := *m
		result[i] = &metricCopy
	}
	return result
}

// GetAllMetrics 获取所有指标
func (mc *MetricsCollector) GetAllMetrics() map[string][]*Metric {
	mc.metricsLock.RLock()
	defer mc.metricsLock.RUnlock()

	result := make(map[string][]*Metric, len(mc.metrics))
	for name, metrics := range mc.metrics {
		result[name] = copyMetrics(metrics)
	}
	return result
}

// MetricSummary 指标摘要
type MetricSummary struct {
	Name    string    `json:"name"`
	Count   int       `json:"count"`
	Latest  float64   `json:"latest"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Average float64   `json:"average"`
	Updated time.Time `json:"updated"`
}

// GetMetricSummary 获取指标摘要
func (mc *MetricsCollector) GetMetricSummary(name string) (MetricSummary, error) {
	metrics, err := mc.GetMetric(name)
	if err != nil {
		return MetricSummary{}, err
	}
	summary := MetricSummary{Name: name, Count: len(metrics)}
	if len(metrics) == 0 {
		return summary, nil
	}
	last := metrics[len(metrics)-1]
	summary.Latest = last.Value
	summary.Updated = last.Timestamp
	summary.Min, summary.Max = metrics[0].Value, metrics[0].Value

	sum := 0.0
	for _, m := range metrics {
		sum += m.Value
		summary.Min = min(summary.Min, m.Value)
		summary.Max = max(summary.Max, m.Value)
	}
	summary.Average = sum / float64(len(metrics))
	return summary, nil
}

// collectSystemMetrics 收集系统指标
func (mc *MetricsCollector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mc.SetGauge("memory_heap_alloc", float64(m.HeapAlloc), nil)
	mc.SetGauge("memory_heap_sys", float64(m.HeapSys), nil)
	mc.SetGauge("memory_gc_count", float64(m.NumGC), nil)
	mc.SetGauge("system_goroutines", float64(runtime.NumGoroutine()), nil)
}

// seriesKey identifies a counter by name and sorted labels.
func seriesKey(name string, labels map[string]string) string {
	return name + formatLabels(labels)
}

// IncrCounter 增加计数器; 记录的是累计值
func (mc *MetricsCollector) IncrCounter(name string, value float64, labels map[string]string) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()

	key := seriesKey(name, labels)
	mc.counters[key] += value
	mc.recordLocked(&Metric{
		Name:   name,
		Type:   MetricTypeCounter,
		Value:  mc.counters[key],
		Labels: labels,
	})
}

// SetGauge 设置仪表
func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.RecordMetric(&Metric{
		Name:   name,
		Type:   MetricTypeGauge,
		Value:  value,
		Labels: labels,
	})
}

// RecordHistogram 记录直方图样本
func (mc *MetricsCollector) RecordHistogram(name string, value float64, labels map[string]string) {
	mc.RecordMetric(&Metric{
		Name:   name,
		Type:   MetricTypeHistogram,
		Value:  value,
		Labels: labels,
	})
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf(`%s=%q`, k, labels[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// ExportPrometheus 导出Prometheus格式
//
// Each label set reports its latest value. Histograms report their sample
// count and sum.
func (mc *MetricsCollector) ExportPrometheus() string {
	metrics := mc.GetAllMetrics()
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		list := metrics[name]
		if len(list) == 0 {
			continue
		}
		last := list[len(list)-1]
		help := last.Help
		if help == "" {
			help = fmt.Sprintf("Metric %s", name)
		}
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)

		if last.Type == MetricTypeHistogram {
			fmt.Fprintf(&b, "# TYPE %s summary\n", name)
			counts := map[string]int{}
			sums := map[string]float64{}
			var order []string
			for _, m := range list {
				l := formatLabels(m.Labels)
				if _, ok := counts[l]; !ok {
					order = append(order, l)
				}
				counts[l]++
				sums[l] += m.Value
			}
			for _, l := range order {
				fmt.Fprintf(&b, "%s_count%s %d\n", name, l, counts[l])
				fmt.Fprintf(&b, "%s_sum%s %g\n", name, l, sums[l])
			}
			continue
		}

		fmt.Fprintf(&b, "# TYPE %s %s\n", name, last.Type)
		latest := map[string]*Metric{}
		var order []string
		for _, m := range list {
			l := formatLabels(m.Labels)
			if _, ok := latest[l]; !ok {
				order = append(order, l)
			}
			latest[l] = m
		}
		for _, l := range order {
			fmt.Fprintf(&b, "%s%s %g\n", name, l, latest[l].Value)
		}
	}
	return b.String()
}

// ExportJSON 导出JSON格式
func (mc *MetricsCollector) ExportJSON() (string, error) {
	data, err := json.MarshalIndent(mc.GetAllMetrics(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetUptime 获取运行时间
func (mc *MetricsCollector) GetUptime() time.Duration {
	return time.Since(mc.startTime)
}

// GetSystemStats 获取系统统计
func (mc *MetricsCollector) GetSystemStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"uptime":     mc.GetUptime().String(),
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc":       m.Alloc,
			"sys":         m.Sys,
			"heap_alloc":  m.HeapAlloc,
			"heap_inuse":  m.HeapInuse,
			"gc_count":    m.NumGC,
			"gc_pause_ns": m.PauseTotalNs,
		},
		"num_cpu": runtime.NumCPU(),
	}
}

// TrainingMetrics 训练指标, 作为 machine.Observer 接收训练事件
type TrainingMetrics struct {
	collector *MetricsCollector
}

func NewTrainingMetrics(collector *MetricsCollector) *TrainingMetrics {
	return &TrainingMetrics{collector: collector}
}

// TrainingStep 记录一次训练
func (tm *TrainingMetrics) TrainingStep(e machine.Event) {
	labels := map[string]string{"model": e.Model, "kind": string(e.Kind)}
	tm.collector.IncrCounter("training_steps_total", 1, labels)
	tm.collector.IncrCounter("training_vectors_total", float64(e.Stats.Vectors), labels)
	tm.collector.SetGauge("training_last_iterations", float64(e.Stats.Iterations), labels)
	tm.collector.RecordHistogram("training_duration_seconds", e.Stats.Duration.Seconds(), labels)
}

// RecordPrediction 记录一次预测请求
func (tm *TrainingMetrics) RecordPrediction(model string, vectors int, d time.Duration) {
	labels := map[string]string{"model": model}
	tm.collector.IncrCounter("prediction_requests_total", 1, labels)
	tm.collector.IncrCounter("prediction_vectors_total", float64(vectors), labels)
	tm.collector.RecordHistogram("prediction_duration_seconds", d.Seconds(), labels)
}

var _ machine.Observer = (*TrainingMetrics)(nil)
