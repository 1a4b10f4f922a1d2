// Package metrics exposes Prometheus counters for the record-access flow and
// the BFF's HTTP traffic. A nil *Recorder is valid and records nothing, so
// library callers that do not care about metrics can pass nil.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a registry and the portal's collectors.
type Recorder struct {
	registry *prometheus.Registry

	otpTransitions *prometheus.CounterVec
	downloads      *prometheus.CounterVec
	downloadBytes  prometheus.Counter
	notifications  *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates a Recorder with its own registry. Go runtime and process
// collectors are included.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		otpTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_otp_transitions_total",
				Help: "OTP session state transitions by target state",
			},
			[]string{"state"},
		),
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_downloads_total",
				Help: "Test result downloads by outcome",
			},
			[]string{"outcome"},
		),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_download_bytes_total",
			Help: "Bytes of test result files saved",
		}),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_notifications_total",
				Help: "Side-channel notifications by delivery channel",
			},
			[]string{"channel"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_http_requests_total",
				Help: "BFF HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portal_http_request_duration_seconds",
				Help:    "Duration of BFF HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.otpTransitions,
		r.downloads,
		r.downloadBytes,
		r.notifications,
		r.httpRequests,
		r.httpDuration,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// OTPTransition counts a session moving to state.
func (r *Recorder) OTPTransition(state string) {
	if r == nil {
		return
	}
	r.otpTransitions.WithLabelValues(state).Inc()
}

// Download counts a download attempt. size is added to the byte total when
// the outcome is "saved".
func (r *Recorder) Download(outcome string, size int64) {
	if r == nil {
		return
	}
	r.downloads.WithLabelValues(outcome).Inc()
	if outcome == "saved" && size > 0 {
		r.downloadBytes.Add(float64(size))
	}
}

// NotificationDelivered counts a side-channel event by the channel that took
// it: "remote", "fallback" or "dropped".
func (r *Recorder) NotificationDelivered(channel string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(channel).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per route template.
func (r *Recorder) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if r == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			r.httpRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			r.httpDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
