package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 地址指标
	AddressesCreated prometheus.Counter
	AddressesClaimed prometheus.Counter
	AddressesPurged  prometheus.Counter

	// 邮件指标
	MessagesReceived prometheus.Counter
	MessagesRejected *prometheus.CounterVec
	MessagesDeleted  prometheus.Counter
	MessagesExpired  prometheus.Counter

	// 会话指标
	SessionsCreated prometheus.Counter
	SessionsExpired prometheus.Counter

	// SMTP 指标
	SMTPConnections  prometheus.Counter
	SMTPProcessingMs prometheus.Histogram
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ephemail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ephemail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		AddressesCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ephemail_addresses_created_total",
				Help: "Total number of addresses created",
			},
		),
		AddressesClaimed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ephemail_addresses_claimed_total",
				Help: "Total number of existing addresses claimed by a new identity",
			},
		),
		AddressesPurged: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ephemail_addresses_purged_total",
				Help: "Total number of addresses purged with all their messages",
			},
		),
		MessagesReceived: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ephemail_messages_received_total",
				Help: "Total number of messages accepted over SMTP",
			},
		),
		MessagesRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ephemail_messages_rejected_total",
				Help: "Total number of messages rejected over SMTP",
			},
			[]string{"reason"},
		),
		MessagesDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ephemail_messages_deleted_total",
				Help: "Total number of messages deleted via the API",
			},
		),
		MessagesExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ephemail_messages_expired_total",
				Help: "Total number of messages removed by retention cleanup",
			},
		),
		SessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ephemail_sessions_created_total",
				Help: "Total number of anonymous sessions created",
			},
		),
		SessionsExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ephemail_sessions_expired_total",
				Help: "Total number of sessions removed by cleanup",
			},
		),
		SMTPConnections: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ephemail_smtp_connections_total",
				Help: "Total number of SMTP connections accepted",
			},
		),
		SMTPProcessingMs: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ephemail_smtp_processing_duration_seconds",
				Help:    "Time spent parsing and persisting an inbound message",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware 记录每个 HTTP 请求的计数与耗时。
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status()),
		).Inc()
		m.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, endpoint,
		).Observe(time.Since(start).Seconds())
	}
}
