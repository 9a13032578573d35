// Package metrics exports operation counters and branch space gauges in
// the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
	"github.com/trapexit/mergerfs-sub002/internal/vfs"
)

// Metrics owns one registry per mount.
type Metrics struct {
	reg      *prometheus.Registry
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ vfs.Recorder = (*Metrics)(nil)

// New registers the operation metrics and, when branches is not nil, the
// branch gauges.
func New(branches *branch.Set) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mergerfs_ops_total",
				Help: "Number of filesystem operations by result.",
			},
			[]string{"op", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mergerfs_op_duration_seconds",
				Help:    "Latency of filesystem operations.",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"op"},
		),
	}
	m.reg.MustRegister(m.ops, m.duration)
	if branches != nil {
		m.reg.MustRegister(&branchCollector{set: branches})
	}
	return m
}

// RecordOp counts one operation. The result label is the errno name, or
// "ok".
func (m *Metrics) RecordOp(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = vfs.ToErrno(err).Error()
	}
	m.ops.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

// Registry exposes the registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("[Metrics] shutdown: %v", err)
		}
	}()

	log.Infof("[Metrics] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var (
	availDesc = prometheus.NewDesc(
		"mergerfs_branch_available_bytes",
		"Space available to unprivileged users on the branch.",
		[]string{"branch"}, nil,
	)
	modeDesc = prometheus.NewDesc(
		"mergerfs_branch_mode",
		"Branch mode: 0 RW, 1 RO, 2 NC.",
		[]string{"branch"}, nil,
	)
)

// branchCollector reads the current branch snapshot at scrape time.
type branchCollector struct {
	set *branch.Set
}

func (c *branchCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- availDesc
	ch <- modeDesc
}

func (c *branchCollector) Collect(ch chan<- prometheus.Metric) {
	for _, b := range c.set.Snapshot().Branches() {
		ch <- prometheus.MustNewConstMetric(modeDesc, prometheus.GaugeValue, float64(modeValue(b.Mode)), b.Path)
		info, err := fsutil.BranchInfo(b)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(availDesc, prometheus.GaugeValue, float64(info.SpaceAvail), b.Path)
	}
}

func modeValue(m branch.Mode) int {
	switch m {
	case branch.ModeRO:
		return 1
	case branch.ModeNC:
		return 2
	}
	return 0
}
