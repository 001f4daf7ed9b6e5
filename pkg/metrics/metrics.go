package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_gateway_connections",
		Help: "Current number of live websocket connections on this gateway",
	})
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Total number of chat messages durably stored",
	})
	FanoutPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_fanout_published_total",
		Help: "Events published to the broker",
	}, []string{"result"})
	FanoutDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_fanout_delivered_total",
		Help: "Events pushed to local connections",
	})
	FanoutDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_fanout_dropped_total",
		Help: "Events dropped by subscribers",
	}, []string{"reason"})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

func init() {
	prometheus.MustRegister(GatewayConnections, MessagesSent, FanoutPublished, FanoutDelivered, FanoutDropped, HTTPRequestDuration)
}

// Handler serves /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request duration labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Observe(time.Since(start).Seconds())
	})
}
