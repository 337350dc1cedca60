package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	profileFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversa_profile_fetches_total",
			Help: "Total number of remote profile fetches by result.",
		},
		[]string{"result"},
	)
	profileCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conversa_profile_coalesced_waits_total",
			Help: "Total number of profile lookups served by an already in-flight fetch.",
		},
	)
	chatListJoinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversa_chatlist_joins_total",
			Help: "Total number of chat list joins by outcome.",
		},
		[]string{"outcome"},
	)
	readReceiptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conversa_read_receipts_total",
			Help: "Total number of messages marked read by the read sweep.",
		},
	)
	activeListeners = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversa_store_active_listeners",
			Help: "Number of open snapshot listeners.",
		},
	)
	mediaCacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversa_media_cache_bytes",
			Help: "Total bytes held by the media cache.",
		},
	)
	mediaCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversa_media_cache_entries",
			Help: "Number of blobs held by the media cache.",
		},
	)
	presenceObservations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversa_presence_observations",
			Help: "Number of shared presence subscriptions.",
		},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conversa_ops_http_request_duration_seconds",
			Help:    "Ops HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conversa_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		profileFetchesTotal,
		profileCoalescedTotal,
		chatListJoinsTotal,
		readReceiptsTotal,
		activeListeners,
		mediaCacheBytes,
		mediaCacheEntries,
		presenceObservations,
		grpcServerHandledTotal,
		httpRequestDuration,
		amqpPublishErrorsTotal,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

func GRPCServerMetricsStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, ss)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncProfileFetch(result string) {
	profileFetchesTotal.WithLabelValues(result).Inc()
}

func IncProfileCoalesced() {
	profileCoalescedTotal.Inc()
}

// IncChatListJoin records a join outcome: published, stale or failed.
func IncChatListJoin(outcome string) {
	chatListJoinsTotal.WithLabelValues(outcome).Inc()
}

func AddReadReceipts(n int) {
	readReceiptsTotal.Add(float64(n))
}

func IncActiveListeners() {
	activeListeners.Inc()
}

func DecActiveListeners() {
	activeListeners.Dec()
}

func SetMediaCache(entries int, bytes int64) {
	mediaCacheEntries.Set(float64(entries))
	mediaCacheBytes.Set(float64(bytes))
}

func SetPresenceObservations(n int) {
	presenceObservations.Set(float64(n))
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
