// Package metrics exposes Prometheus metrics for the orchestrator: queue
// depths and worker population sampled at scrape time, plus counters
// incremented by the dispatch and result-processing loops.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/taskmesh/taskmesh/internal/coordstore"
	"github.com/taskmesh/taskmesh/internal/registry"
)

// Collector implements prometheus.Collector, sampling live state from the
// coordination store on every scrape.
type Collector struct {
	startTime time.Time
	version   string
	store     *coordstore.Store
	registry  *registry.Registry

	infoDesc             *prometheus.Desc
	uptimeDesc           *prometheus.Desc
	workQueueDepthDesc   *prometheus.Desc
	resultQueueDepthDesc *prometheus.Desc
	workersLiveDesc      *prometheus.Desc
	workersAvailableDesc *prometheus.Desc
}

// NewCollector creates a metrics collector.
func NewCollector(version string, store *coordstore.Store, reg *registry.Registry) *Collector {
	return &Collector{
		startTime: time.Now(),
		version:   version,
		store:     store,
		registry:  reg,

		infoDesc: prometheus.NewDesc(
			"taskmesh_info",
			"TaskMesh build information",
			[]string{"version", "go_version"},
			nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"taskmesh_uptime_seconds",
			"Time since server start",
			nil,
			nil,
		),
		workQueueDepthDesc: prometheus.NewDesc(
			"taskmesh_work_queue_depth",
			"Number of subtasks waiting for dispatch",
			nil,
			nil,
		),
		resultQueueDepthDesc: prometheus.NewDesc(
			"taskmesh_result_queue_depth",
			"Number of results waiting for processing",
			nil,
			nil,
		),
		workersLiveDesc: prometheus.NewDesc(
			"taskmesh_workers_live",
			"Number of workers with a heartbeat inside the liveness window",
			nil,
			nil,
		),
		workersAvailableDesc: prometheus.NewDesc(
			"taskmesh_workers_available",
			"Number of live workers not executing a subtask",
			nil,
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.infoDesc
	ch <- c.uptimeDesc
	ch <- c.workQueueDepthDesc
	ch <- c.resultQueueDepthDesc
	ch <- c.workersLiveDesc
	ch <- c.workersAvailableDesc
}

// Collect implements prometheus.Collector. Scrapes must not hang on a slow
// store, so the samples share one short timeout.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch <- prometheus.MustNewConstMetric(
		c.infoDesc, prometheus.GaugeValue, 1, c.version, runtime.Version())
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())

	if depth, err := c.store.WorkQueueDepth(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(
			c.workQueueDepthDesc, prometheus.GaugeValue, float64(depth))
	}
	if depth, err := c.store.ResultQueueDepth(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(
			c.resultQueueDepthDesc, prometheus.GaugeValue, float64(depth))
	}

	if live, err := c.registry.ListLive(ctx); err == nil {
		available := 0
		for _, w := range live {
			if w.Available {
				available++
			}
		}
		ch <- prometheus.MustNewConstMetric(
			c.workersLiveDesc, prometheus.GaugeValue, float64(len(live)))
		ch <- prometheus.MustNewConstMetric(
			c.workersAvailableDesc, prometheus.GaugeValue, float64(available))
	}
}

// NewRegistry creates a Prometheus registry with the TaskMesh collector and
// the standard Go runtime collectors.
func NewRegistry(collector *Collector, counters *Counters) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)
	counters.Register(reg)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}
