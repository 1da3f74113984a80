// Package stats exposes the proxy's process-wide counters two ways: a pull
// endpoint (prometheus client registry served over an HTTP mux built with
// gin, with gin-contrib/pprof mounted alongside for profiling) and an
// optional push sink (a dogstatsd client via DataDog/datadog-go).
package stats

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters are every atomic the event loop and its auxiliary goroutines
// bump; all updates are plain atomic increments, never a mutex shared with
// the event-loop thread.
type Counters struct {
	ClientConnections  atomic.Int64
	ServerConnections  atomic.Int64
	RequestsTotal      atomic.Int64
	ResponsesTotal     atomic.Int64
	ParseErrorsTotal   atomic.Int64
	ForbiddenTotal     atomic.Int64
	QuotaRejectedTotal atomic.Int64
	TimeoutsTotal      atomic.Int64
	EjectionsTotal     atomic.Int64
	FragmentsTotal     atomic.Int64
	BufferBytes        atomic.Int64
}

// Server owns the Counters, their Prometheus registration, and (optionally)
// an HTTP mux plus a push sampler goroutine. Nothing here is consulted by
// the event loop except through atomic reads/writes on Counters itself.
type Server struct {
	Counters *Counters

	reg        *prometheus.Registry
	httpServer *http.Server
	statsd     *statsd.Client
}

// NewServer builds a Server registering every Counters field as a
// prometheus.GaugeFunc under the "nutproxy_" namespace.
func NewServer() *Server {
	c := &Counters{}
	reg := prometheus.NewRegistry()

	register := func(name, help string, val *atomic.Int64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "nutproxy_" + name,
			Help: help,
		}, func() float64 { return float64(val.Load()) }))
	}
	register("client_connections", "current client connections", &c.ClientConnections)
	register("server_connections", "current backend connections", &c.ServerConnections)
	register("requests_total", "requests received", &c.RequestsTotal)
	register("responses_total", "responses sent", &c.ResponsesTotal)
	register("parse_errors_total", "protocol parse errors", &c.ParseErrorsTotal)
	register("forbidden_total", "requests rejected for insufficient permission", &c.ForbiddenTotal)
	register("quota_rejected_total", "requests rejected by the quota gate", &c.QuotaRejectedTotal)
	register("timeouts_total", "backend requests that hit their deadline", &c.TimeoutsTotal)
	register("ejections_total", "backend ejections from the hash ring", &c.EjectionsTotal)
	register("fragments_total", "multi-key command fragments dispatched", &c.FragmentsTotal)
	register("buffer_bytes", "outstanding buffer-chunk bytes", &c.BufferBytes)

	return &Server{Counters: c, reg: reg}
}

// ListenAndServe mounts /metrics (promhttp), /debug/pprof/* (gin-contrib/pprof),
// and a trivial /healthz, then serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))
	pprof.Register(r)

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP mux.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// EnablePush starts a background sampler goroutine pushing every counter to
// a dogstatsd sink at ddAddr once per interval. Optional: callers that
// don't configure a Datadog address never call this.
func (s *Server) EnablePush(ddAddr string, interval time.Duration, stop <-chan struct{}) error {
	client, err := statsd.New(ddAddr, statsd.WithNamespace("nutproxy."))
	if err != nil {
		return err
	}
	s.statsd = client

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer client.Close()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
	return nil
}

func (s *Server) sample() {
	c := s.Counters
	_ = s.statsd.Gauge("client_connections", float64(c.ClientConnections.Load()), nil, 1)
	_ = s.statsd.Gauge("server_connections", float64(c.ServerConnections.Load()), nil, 1)
	_ = s.statsd.Count("requests_total", c.RequestsTotal.Load(), nil, 1)
	_ = s.statsd.Count("responses_total", c.ResponsesTotal.Load(), nil, 1)
	_ = s.statsd.Count("parse_errors_total", c.ParseErrorsTotal.Load(), nil, 1)
	_ = s.statsd.Count("forbidden_total", c.ForbiddenTotal.Load(), nil, 1)
	_ = s.statsd.Count("quota_rejected_total", c.QuotaRejectedTotal.Load(), nil, 1)
	_ = s.statsd.Count("timeouts_total", c.TimeoutsTotal.Load(), nil, 1)
	_ = s.statsd.Count("ejections_total", c.EjectionsTotal.Load(), nil, 1)
	_ = s.statsd.Count("fragments_total", c.FragmentsTotal.Load(), nil, 1)
	_ = s.statsd.Gauge("buffer_bytes", float64(c.BufferBytes.Load()), nil, 1)
}
