package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"quantguard/gate"
)

// 订单动作标签
const (
	ActionBuy        = "buy"
	ActionSell       = "sell"
	ActionTakeProfit = "take_profit"
	ActionStopLoss   = "stop_loss"
	ActionDryRun     = "dry_run"
	ActionFailed     = "failed"
)

// PrometheusMetrics 机器人的 Prometheus 指标
type PrometheusMetrics struct {
	orderTotal         *prometheus.CounterVec
	rateLimitTotal     prometheus.Counter
	banTotal           prometheus.Counter
	dailyPnl           prometheus.Gauge
	openPositions      prometheus.Gauge
	orderLatency       prometheus.Histogram
	riskHalted         prometheus.Gauge
	rejectionTotal     *prometheus.CounterVec
	cycleDuration      prometheus.Histogram
	processCPUPercent  prometheus.Gauge
	processMemoryBytes prometheus.Gauge
	retryTotal         *prometheus.CounterVec

	stats *Stats
}

// NewPrometheusMetrics 在给定注册器上创建指标
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)
	return &PrometheusMetrics{
		orderTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_order_total",
			Help: "Orders submitted by action",
		}, []string{"action"}),
		rateLimitTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "bot_rate_limit_total",
			Help: "Rate limit responses from the exchange",
		}),
		banTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "bot_ban_total",
			Help: "IP ban responses from the exchange",
		}),
		dailyPnl: f.NewGauge(prometheus.GaugeOpts{
			Name: "bot_daily_pnl",
			Help: "Realized PnL of the current UTC day in quote currency",
		}),
		openPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Number of open positions in the ledger",
		}),
		orderLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bot_order_latency_seconds",
			Help:    "Order submission latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		}),
		riskHalted: f.NewGauge(prometheus.GaugeOpts{
			Name: "bot_risk_halted",
			Help: "1 when the daily loss limit halts trading",
		}),
		rejectionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_normalization_rejections_total",
			Help: "Orders rejected by local exchange filter checks",
		}, []string{"reason"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bot_cycle_duration_seconds",
			Help:    "Duration of one scheduler cycle",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		processCPUPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "bot_process_cpu_percent",
			Help: "Process CPU usage percent",
		}),
		processMemoryBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "bot_process_memory_bytes",
			Help: "Process resident memory",
		}),
		retryTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_call_retry_total",
			Help: "Retried remote calls by operation",
		}, []string{"op"}),
		stats: NewStats(),
	}
}

var (
	once                    sync.Once
	globalPrometheusMetrics *PrometheusMetrics
)

// GetPrometheusMetrics 全局实例，注册在默认注册器上
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics(prometheus.DefaultRegisterer)
	})
	return globalPrometheusMetrics
}

// Stats 进程内统计，供状态接口使用
func (pm *PrometheusMetrics) Stats() *Stats {
	return pm.stats
}

func (pm *PrometheusMetrics) RecordOrder(action string) {
	pm.orderTotal.WithLabelValues(action).Inc()
	pm.stats.recordOrder(action)
}

// OrderCounter 指定动作的订单计数器
func (pm *PrometheusMetrics) OrderCounter(action string) prometheus.Counter {
	return pm.orderTotal.WithLabelValues(action)
}

func (pm *PrometheusMetrics) RecordOrderLatency(d time.Duration) {
	pm.orderLatency.Observe(d.Seconds())
}

func (pm *PrometheusMetrics) RecordRateLimit() {
	pm.rateLimitTotal.Inc()
}

func (pm *PrometheusMetrics) RecordBan() {
	pm.banTotal.Inc()
}

func (pm *PrometheusMetrics) RecordRejection(reason string) {
	pm.rejectionTotal.WithLabelValues(reason).Inc()
}

func (pm *PrometheusMetrics) SetDailyPnl(v float64) {
	pm.dailyPnl.Set(v)
}

func (pm *PrometheusMetrics) SetOpenPositions(n int) {
	pm.openPositions.Set(float64(n))
}

func (pm *PrometheusMetrics) SetRiskHalted(halted bool) {
	if halted {
		pm.riskHalted.Set(1)
	} else {
		pm.riskHalted.Set(0)
	}
	pm.stats.setHalted(halted)
}

func (pm *PrometheusMetrics) RecordCycle(d time.Duration, actions int) {
	pm.cycleDuration.Observe(d.Seconds())
	pm.stats.recordCycle(d, actions)
}

func (pm *PrometheusMetrics) SetProcessStats(cpuPercent float64, rssBytes uint64) {
	pm.processCPUPercent.Set(cpuPercent)
	pm.processMemoryBytes.Set(float64(rssBytes))
}

// GateHooks 把调用闸门的限流、封禁和重试事件接到指标上
func (pm *PrometheusMetrics) GateHooks() gate.Hooks {
	return gate.Hooks{
		OnRateLimit: func(op string) { pm.RecordRateLimit() },
		OnBan:       func(op string, until time.Time) { pm.RecordBan() },
		OnRetry: func(op string, attempt int, delay time.Duration, err error) {
			pm.retryTotal.WithLabelValues(op).Inc()
		},
	}
}
