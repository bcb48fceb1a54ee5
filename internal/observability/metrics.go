package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_http_requests_total",
			Help: "Total number of HTTP requests processed by the CRM realtime service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crm_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	grpcServerHandlingSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grpc_server_handling_seconds",
			Help:    "gRPC handler latencies in seconds.",
			Buckets: []float64{.001, .005, .025, .1, .5, 1},
		},
		[]string{"grpc_service", "grpc_method"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crm_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crm_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	messagesAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_messages_appended_total",
			Help: "Total number of messages committed to the ledger.",
		},
		[]string{"sender_role"},
	)
	ledgerLockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crm_ledger_lock_wait_seconds",
			Help:    "Time spent waiting for a conversation's append lock.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
	)
	broadcastDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_broadcast_deliveries_total",
			Help: "Per-connection event deliveries by outcome.",
		},
		[]string{"type", "outcome"},
	)
	gapFillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crm_sequence_gap_fills_total",
			Help: "Number of times a sequence gap was filled from the ledger.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		grpcServerHandlingSeconds,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		messagesAppendedTotal,
		ledgerLockWait,
		broadcastDeliveriesTotal,
		gapFillsTotal,
	)
}

// HTTPMetricsMiddleware records request counts and latencies by route
// template, so ids in paths do not explode label cardinality.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// GRPCServerMetricsUnaryInterceptor counts unary calls by status code.
func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		grpcServerHandlingSeconds.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// splitFullMethod splits "/pkg.Service/Method".
func splitFullMethod(fullMethod string) (string, string) {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok || service == "" || method == "" {
		return "unknown", "unknown"
	}
	return service, method
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncMessagesAppended(role string) {
	messagesAppendedTotal.WithLabelValues(role).Inc()
}

func ObserveLedgerLockWait(d time.Duration) {
	ledgerLockWait.Observe(d.Seconds())
}

func IncBroadcast(eventType, outcome string) {
	broadcastDeliveriesTotal.WithLabelValues(eventType, outcome).Inc()
}

func IncGapFill() {
	gapFillsTotal.Inc()
}
