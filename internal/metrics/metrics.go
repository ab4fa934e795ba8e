// Package metrics exposes prometheus counters for the asset cache. A nil
// *Collector is valid and records nothing, so components can be built without
// metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Response sources.
const (
	SourceCache   = "cache"
	SourceNetwork = "network"
	SourceError   = "error"
)

// Revalidation results.
const (
	RevalidateStored  = "stored"
	RevalidateSkipped = "skipped"
	RevalidateFailed  = "failed"
)

// Collector 聚合所有指标，使用私有 Registry，避免污染全局默认注册表。
type Collector struct {
	registry *prometheus.Registry

	responses     *prometheus.CounterVec
	revalidations *prometheus.CounterVec
	storageErrors *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	activeVersion *prometheus.GaugeVec
}

// New 创建 Collector 并注册 Go runtime/process 指标。
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Collector{
		registry: reg,
		responses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "swcache_responses_total",
				Help: "Intercepted responses by the source that answered them",
			},
			[]string{"source"}, // cache, network, error
		),
		revalidations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "swcache_revalidations_total",
				Help: "Background network completions by cache outcome",
			},
			[]string{"result"}, // stored, skipped, failed
		),
		storageErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "swcache_storage_errors_total",
				Help: "Cache storage failures by operation",
			},
			[]string{"op"},
		),
		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "swcache_lifecycle_transitions_total",
				Help: "Lifecycle transitions (install, activate) by result",
			},
			[]string{"transition", "result"},
		),
		activeVersion: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swcache_active_version",
				Help: "Set to 1 for the cache version currently serving requests",
			},
			[]string{"version"},
		),
	}
}

// ObserveResponse 记录一次拦截请求的应答来源。
func (c *Collector) ObserveResponse(source string) {
	if c == nil {
		return
	}
	c.responses.WithLabelValues(source).Inc()
}

// ObserveRevalidation 记录后台网络结果是否写入了缓存。
func (c *Collector) ObserveRevalidation(result string) {
	if c == nil {
		return
	}
	c.revalidations.WithLabelValues(result).Inc()
}

// ObserveStorageError 记录存储层失败。
func (c *Collector) ObserveStorageError(op string) {
	if c == nil {
		return
	}
	c.storageErrors.WithLabelValues(op).Inc()
}

// ObserveTransition 记录生命周期迁移结果。
func (c *Collector) ObserveTransition(transition string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	c.transitions.WithLabelValues(transition, result).Inc()
}

// SetActiveVersion 将 version 标记为当前生效版本，其它版本清零。
func (c *Collector) SetActiveVersion(version string) {
	if c == nil {
		return
	}
	c.activeVersion.Reset()
	c.activeVersion.WithLabelValues(version).Set(1)
}

// RegisterClientGauge 注册一个在抓取时求值的连接数指标。
func (c *Collector) RegisterClientGauge(count func() int) {
	if c == nil || count == nil {
		return
	}
	promauto.With(c.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "swcache_connected_clients",
			Help: "Pages currently connected to the update event stream",
		},
		func() float64 { return float64(count()) },
	)
}

// Registry 返回底层 Registry，测试中可以直接 Gather。
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 prometheus 文本格式的 HTTP handler。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
