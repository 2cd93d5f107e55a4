package metrics

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// WebSocketRoute is the upgrade endpoint. Its requests last as long as the
// socket, so they are counted but never timed.
const WebSocketRoute = "/ws"

// HTTPMetrics covers the broker's REST API and the WebSocket upgrade.
type HTTPMetrics struct {
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	InFlightGauge   prometheus.Gauge
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds, excluding WebSocket upgrades.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route", "status_class"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route group, route and status class.",
		}, []string{"group", "method", "route", "status_class"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rejections_total",
			Help:      "Requests refused before reaching the broker, by route and reason.",
		}, []string{"route", "reason"}),
		InFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "API requests currently being processed.",
		}),
	}

	reg.MustRegister(m.RequestDuration, m.RequestsTotal, m.Rejections, m.InFlightGauge)
	return m
}

// Middleware records API and upgrade traffic. Scrapes and health checks are
// not recorded.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			group := routeGroup(route)
			if group == "" {
				return next(c)
			}

			if group == "ws" {
				err := next(c)
				m.record(c, group, route, err)
				return err
			}

			m.InFlightGauge.Inc()
			defer m.InFlightGauge.Dec()

			var err error
			timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
				m.RequestDuration.WithLabelValues(c.Request().Method, route, statusClass(responseStatus(c, err))).Observe(v)
			}))
			err = next(c)
			timer.ObserveDuration()
			m.record(c, group, route, err)
			return err
		}
	}
}

func (m *HTTPMetrics) record(c echo.Context, group, route string, err error) {
	status := responseStatus(c, err)
	m.RequestsTotal.WithLabelValues(group, c.Request().Method, route, statusClass(status)).Inc()
	if reason := rejectionReason(status); reason != "" {
		m.Rejections.WithLabelValues(route, reason).Inc()
	}
}

// routeGroup returns "" for routes that are not recorded.
func routeGroup(route string) string {
	switch {
	case route == WebSocketRoute:
		return "ws"
	case strings.HasPrefix(route, "/api/"):
		return "api"
	case route == "/metrics", strings.HasPrefix(route, "/health/"):
		return ""
	case route == "":
		return "unmatched"
	default:
		return "other"
	}
}

// responseStatus prefers an echo.HTTPError that has not been written yet,
// since the error handler runs after this middleware returns.
func responseStatus(c echo.Context, err error) int {
	if c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	if err != nil {
		return http.StatusInternalServerError
	}
	return c.Response().Status
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

func rejectionReason(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return ""
	}
}
