package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	restRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_rest_requests_total",
			Help: "Total number of REST requests issued by the chat client.",
		},
		[]string{"method", "route", "status"},
	)
	restRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_rest_request_duration_seconds",
			Help:    "REST request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	socketEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_socket_events_total",
			Help: "Total number of socket events by direction and event name.",
		},
		[]string{"direction", "event"},
	)
	socketConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_socket_connected",
			Help: "Whether the socket connection is currently established.",
		},
	)
	reconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_socket_reconnect_attempts_total",
			Help: "Total number of reconnection attempts scheduled.",
		},
	)
	stubRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_stub_http_requests_total",
			Help: "Total number of HTTP requests handled by the stub backend.",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		restRequestsTotal,
		restRequestDuration,
		socketEventsTotal,
		socketConnected,
		reconnectAttemptsTotal,
		stubRequestsTotal,
	)
}

// ObserveRESTRequest records one finished REST call.
func ObserveRESTRequest(method, route string, status int, elapsed time.Duration) {
	restRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	restRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// IncSocketEvent counts one socket event. Direction is "in" or "out".
func IncSocketEvent(direction, event string) {
	socketEventsTotal.WithLabelValues(direction, event).Inc()
}

// SetSocketConnected flips the connection gauge.
func SetSocketConnected(connected bool) {
	if connected {
		socketConnected.Set(1)
		return
	}
	socketConnected.Set(0)
}

// IncReconnectAttempt counts one scheduled reconnection attempt.
func IncReconnectAttempt() {
	reconnectAttemptsTotal.Inc()
}

// HTTPMetricsMiddleware instruments the stub backend's gin router.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		stubRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
