package burstbuffer

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/lifecycle"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/state"
	commonmetrics "github.com/armadaproject/burstbuffer/internal/common/metrics"
)

// MetricsCollector is a Prometheus Collector for the burst buffer state.
// The metrics themselves are calculated by Refresh, which is expected to be called periodically.
type MetricsCollector struct {
	runtime *state.Runtime
	state   atomic.Value
}

func NewMetricsCollector(runtime *state.Runtime) *MetricsCollector {
	return &MetricsCollector{
		runtime: runtime,
		state:   atomic.Value{},
	}
}

// Describe returns all descriptions of the collector.
func (c *MetricsCollector) Describe(out chan<- *prometheus.Desc) {
	commonmetrics.Describe(out)
}

// Collect returns the metrics computed by the last refresh.
func (c *MetricsCollector) Collect(metrics chan<- prometheus.Metric) {
	current, ok := c.state.Load().([]prometheus.Metric)
	if ok {
		for _, m := range current {
			metrics <- m
		}
	}
}

// Refresh recomputes every metric from the current burst buffer state.
func (c *MetricsCollector) Refresh(_ context.Context) {
	log.Debugf("Refreshing prometheus metrics")
	start := time.Now()

	total := c.runtime.TotalSpace()
	used := c.runtime.UsedSpace()
	metrics := []prometheus.Metric{
		prometheus.MustNewConstMetric(commonmetrics.TotalSpaceDesc, prometheus.GaugeValue, float64(total.Value), total.Unit.String()),
		prometheus.MustNewConstMetric(commonmetrics.UsedSpaceDesc, prometheus.GaugeValue, float64(used.GB), size.Gigabytes.String()),
		prometheus.MustNewConstMetric(commonmetrics.UsedSpaceDesc, prometheus.GaugeValue, float64(used.Nodes), size.Nodes.String()),
		prometheus.MustNewConstMetric(commonmetrics.ConfigLoadTimeDesc, prometheus.GaugeValue, float64(c.runtime.LastLoadTime().Unix())),
	}

	type key struct {
		state      lifecycle.State
		persistent bool
	}
	counts := map[key]int{}
	for _, a := range c.runtime.Allocations() {
		counts[key{state: a.State, persistent: a.IsPersistent()}]++
	}
	for _, s := range lifecycle.States() {
		for _, persistent := range []bool{false, true} {
			count := counts[key{state: s, persistent: persistent}]
			metrics = append(metrics, prometheus.MustNewConstMetric(
				commonmetrics.AllocationCountDesc, prometheus.GaugeValue, float64(count), s.String(), strconv.FormatBool(persistent)))
		}
	}

	for _, u := range c.runtime.Users() {
		for _, unit := range []size.Unit{size.Gigabytes, size.Nodes} {
			load := u.Load.In(unit)
			if load.IsZero() {
				continue
			}
			metrics = append(metrics, prometheus.MustNewConstMetric(
				commonmetrics.UserLoadDesc, prometheus.GaugeValue, float64(load.Value), strconv.FormatUint(uint64(u.UserId), 10), unit.String()))
		}
	}

	c.state.Store(metrics)
	log.Debugf("Refreshed prometheus metrics in %s", time.Since(start))
}
