package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇总业务指标，每个 App 持有独立的 Registry。
type Metrics struct {
	registry *prometheus.Registry

	OrdersCreated   *prometheus.CounterVec
	OrdersPaid      *prometheus.CounterVec
	PaymentNotify   *prometheus.CounterVec
	AIDispatch      *prometheus.CounterVec
	AIPoll          *prometheus.CounterVec
	AIFailover      prometheus.Counter
	PipelineQueue   prometheus.Gauge
	PipelineJobs    *prometheus.CounterVec
	PrintDispatch   *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		OrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "petstudio",
			Name:      "orders_created_total",
			Help:      "创建的订单数",
		}, []string{"source"}),
		OrdersPaid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "petstudio",
			Name:      "orders_paid_total",
			Help:      "完成支付落账的订单数",
		}, []string{"channel"}),
		PaymentNotify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "petstudio",
			Name:      "payment_notify_total",
			Help:      "支付回调处理结果",
		}, []string{"channel", "result"}),
		AIDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "petstudio",
			Name:      "ai_dispatch_total",
			Help:      "AI 服务商下发结果",
		}, []string{"api_type", "result"}),
		AIPoll: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "petstudio",
			Name:      "ai_poll_total",
			Help:      "AI 任务轮询结果",
		}, []string{"api_type", "result"}),
		AIFailover: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "petstudio",
			Name:      "ai_failover_total",
			Help:      "跨服务商重试次数",
		}),
		PipelineQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "petstudio",
			Name:      "pipeline_queue_depth",
			Help:      "等待执行的图片处理任务数",
		}),
		PipelineJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "petstudio",
			Name:      "pipeline_jobs_total",
			Help:      "图片处理任务结果",
		}, []string{"kind", "result"}),
		PrintDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "petstudio",
			Name:      "print_dispatch_total",
			Help:      "打印系统推送结果",
		}, []string{"result"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "petstudio",
			Name:      "upstream_request_seconds",
			Help:      "外部服务调用耗时",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"target"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.OrdersCreated,
		m.OrdersPaid,
		m.PaymentNotify,
		m.AIDispatch,
		m.AIPoll,
		m.AIFailover,
		m.PipelineQueue,
		m.PipelineJobs,
		m.PrintDispatch,
		m.UpstreamLatency,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
