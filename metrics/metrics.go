// Package metrics registers the engine's counters, gauges and timers and
// exports them through prometheus/client_golang, mirroring the
// NewRegisteredCounter pattern turbo-geth's metrics package wraps around
// rcrowley/go-metrics.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var registry = prometheus.NewRegistry()

// Registry exposes the underlying prometheus registry for HTTP exporters.
func Registry() *prometheus.Registry { return registry }

// Counter is a monotonically increasing value, e.g. flushFailed.
type Counter struct {
	v   int64
	pc  prometheus.Counter
}

func NewRegisteredCounter(name string, help string) *Counter {
	c := &Counter{pc: prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})}
	registry.MustRegister(c.pc)
	return c
}

func (c *Counter) Inc(delta int64) {
	atomic.AddInt64(&c.v, delta)
	c.pc.Add(float64(delta))
}

func (c *Counter) Count() int64 { return atomic.LoadInt64(&c.v) }

// Gauge is a point-in-time value, e.g. queue_size.
type Gauge struct {
	v  int64
	pg prometheus.Gauge
}

func NewRegisteredGauge(name string, help string) *Gauge {
	g := &Gauge{pg: prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})}
	registry.MustRegister(g.pg)
	return g
}

func (g *Gauge) Update(v int64) {
	atomic.StoreInt64(&g.v, v)
	g.pg.Set(float64(v))
}

func (g *Gauge) Add(delta int64) {
	atomic.AddInt64(&g.v, delta)
	g.pg.Add(float64(delta))
}

func (g *Gauge) Value() int64 { return atomic.LoadInt64(&g.v) }

// Timer tracks latency distributions, e.g. bg-wait / bg-load.
type Timer struct {
	ph prometheus.Histogram
}

func GetOrRegisterTimer(name string, help string) *Timer {
	t := &Timer{ph: prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 20),
	})}
	registry.MustRegister(t.ph)
	return t
}

// UpdateSince records the elapsed time since start.
func (t *Timer) UpdateSince(start time.Time) {
	t.ph.Observe(time.Since(start).Seconds())
}
