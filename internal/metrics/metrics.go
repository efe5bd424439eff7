// Package metrics 汇总朗读任务、模型缓存与内存治理的 Prometheus 指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "narrator"

// Metrics 持有全部指标，注册在独立的 Registry 上，便于测试中多次创建。
type Metrics struct {
	registry *prometheus.Registry

	sentences     *prometheus.CounterVec
	synthDuration *prometheus.HistogramVec
	audioSeconds  prometheus.Counter

	cacheResident   prometheus.Gauge
	cacheAdmissions *prometheus.CounterVec

	memoryUsage     *prometheus.GaugeVec
	cleanups        *prometheus.CounterVec
	pressureSignals *prometheus.CounterVec

	jobsRunning prometheus.Gauge
}

// New 创建并注册所有指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		sentences: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sentences_total",
				Help:      "已处理的句子数，按引擎与结果分类",
			},
			[]string{"engine", "outcome"},
		),
		synthDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "synthesis_seconds",
				Help:      "单句合成耗时",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"engine"},
		),
		audioSeconds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audio_seconds_total",
				Help:      "已写出的音频总时长",
			},
		),
		cacheResident: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "model_cache_resident_bytes",
				Help:      "模型缓存中句柄的总大小",
			},
		),
		cacheAdmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_cache_admissions_total",
				Help:      "模型缓存准入次数",
			},
			[]string{"result"},
		),
		memoryUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_ratio",
				Help:      "最近一次采样的内存占用比例",
			},
			[]string{"source"},
		),
		cleanups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memory_cleanups_total",
				Help:      "内存清理次数，按策略分类",
			},
			[]string{"strategy"},
		),
		pressureSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memory_pressure_signals_total",
				Help:      "内存压力信号次数，按级别分类",
			},
			[]string{"level"},
		),
		jobsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_running",
				Help:      "正在运行的任务数",
			},
		),
	}

	m.registry.MustRegister(
		m.sentences,
		m.synthDuration,
		m.audioSeconds,
		m.cacheResident,
		m.cacheAdmissions,
		m.memoryUsage,
		m.cleanups,
		m.pressureSignals,
		m.jobsRunning,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回底层 Registry。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler 返回 /metrics 的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSentence 记录一句话的处理结果。
func (m *Metrics) ObserveSentence(engine, outcome string, elapsed time.Duration) {
	m.sentences.WithLabelValues(engine, outcome).Inc()
	if outcome == "converted" {
		m.synthDuration.WithLabelValues(engine).Observe(elapsed.Seconds())
	}
}

// ObserveAudio 累加写出的音频时长。
func (m *Metrics) ObserveAudio(seconds float64) {
	if seconds > 0 {
		m.audioSeconds.Add(seconds)
	}
}

// ObserveAdmission 实现 modelcache.Observer。
func (m *Metrics) ObserveAdmission(admitted bool, resident uint64) {
	result := "rejected"
	if admitted {
		result = "admitted"
	}
	m.cacheAdmissions.WithLabelValues(result).Inc()
	m.cacheResident.Set(float64(resident))
}

// ObserveUsage 记录某个来源（system、process、gpu0…）的内存占用比例。
func (m *Metrics) ObserveUsage(source string, ratio float64) {
	m.memoryUsage.WithLabelValues(source).Set(ratio)
}

// ObserveCleanup 记录一次内存清理。
func (m *Metrics) ObserveCleanup(strategy string) {
	m.cleanups.WithLabelValues(strategy).Inc()
}

// ObservePressure 记录一次内存压力信号。
func (m *Metrics) ObservePressure(level string) {
	m.pressureSignals.WithLabelValues(level).Inc()
}

// JobStarted 运行任务数加一。
func (m *Metrics) JobStarted() { m.jobsRunning.Inc() }

// JobFinished 运行任务数减一。
func (m *Metrics) JobFinished() { m.jobsRunning.Dec() }
