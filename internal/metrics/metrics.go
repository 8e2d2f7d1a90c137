package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wfunc/cash-terminal/internal/coordinator"
)

// Metrics 终端运行指标集
// nil接收者安全：未启用监控时所有记录方法都是空操作
type Metrics struct {
	received   *prometheus.CounterVec
	dispensed  *prometheus.CounterVec
	linkErrors *prometheus.CounterVec
	payments   *prometheus.CounterVec
	mode       prometheus.Gauge
	deviceUp   *prometheus.GaugeVec
	tickTime   prometheus.Histogram
	httpTotal  *prometheus.CounterVec
	httpTime   *prometheus.HistogramVec
}

// New 创建并注册指标集
func New() *Metrics {
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cash_received_cents_total",
			Help: "收款总额（分），按设备累计",
		}, []string{"device"}),
		dispensed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cash_dispensed_cents_total",
			Help: "出款总额（分），按设备累计",
		}, []string{"device"}),
		linkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_link_errors_total",
			Help: "设备链路失效次数",
		}, []string{"device"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_total",
			Help: "支付流程结束次数，按结果分类",
		}, []string{"outcome"}),
		mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_mode",
			Help: "协调器当前模式（枚举序号）",
		}),
		deviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "device_up",
			Help: "设备存活状态（1存活 0判死）",
		}, []string{"device"}),
		tickTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tick_duration_seconds",
			Help:    "协调器单次tick耗时",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP请求次数，按路由与状态码",
		}, []string{"route", "status"}),
		httpTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP请求耗时，按路由",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	prometheus.MustRegister(
		m.received,
		m.dispensed,
		m.linkErrors,
		m.payments,
		m.mode,
		m.deviceUp,
		m.tickTime,
		m.httpTotal,
		m.httpTime,
	)
	return m
}

// Handler 暴露/metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTick 记录一次tick耗时
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickTime.Observe(d.Seconds())
}

// SetDeviceUp 更新设备存活状态
func (m *Metrics) SetDeviceUp(device string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	m.deviceUp.WithLabelValues(device).Set(v)
}

// GinMiddleware 请求计数与耗时
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpTime.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// SetMode 更新协调器模式观测值
func (m *Metrics) SetMode(mode coordinator.Mode) {
	if m == nil {
		return
	}
	m.mode.Set(float64(mode))
}

// Publish 实现coordinator.Sink，把业务事件折算成指标
func (m *Metrics) Publish(ev coordinator.Event) {
	if m == nil {
		return
	}
	switch ev.Kind {
	case coordinator.EvDeviceReceived:
		m.received.WithLabelValues(ev.Device).Add(float64(ev.Amount))
	case coordinator.EvPayoutDevice:
		m.dispensed.WithLabelValues(ev.Device).Add(float64(ev.Amount))
	case coordinator.EvDeviceDead:
		m.linkErrors.WithLabelValues(ev.Device).Inc()
		m.deviceUp.WithLabelValues(ev.Device).Set(0)
	case coordinator.EvFinished:
		m.payments.WithLabelValues("finished").Inc()
	case coordinator.EvCanceled:
		m.payments.WithLabelValues("canceled").Inc()
	}
}
