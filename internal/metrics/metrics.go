// Package metrics exports state table activity to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/statesync/internal/record"
)

const metricsNamespace = "statesync"

// Collector is a prometheus.Collector that counts producer and consumer
// activity per table. It implements statetable.Observer.
type Collector struct {
	sets        *prometheus.CounterVec
	dels        *prometheus.CounterVec
	pops        *prometheus.CounterVec
	emptyPops   *prometheus.CounterVec
	txnDuration *prometheus.HistogramVec
	txnErrors   *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		sets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sets_total",
				Help:      "The number of Set calls committed.",
			}, []string{"table"},
		),
		dels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dels_total",
				Help:      "The number of Del calls committed.",
			}, []string{"table"},
		),
		pops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pops_total",
				Help:      "The number of updates delivered to consumers.",
			}, []string{"table", "op"},
		),
		emptyPops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "empty_pops_total",
				Help:      "The number of pops that found nothing pending.",
			}, []string{"table"},
		),
		txnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "txn_duration_seconds",
				Help:      "The time taken by one backend transaction.",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			}, []string{"table", "kind"},
		),
		txnErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "txn_errors_total",
				Help:      "The number of backend transactions that failed.",
			}, []string{"table", "kind"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.sets.Describe(ch)
	c.dels.Describe(ch)
	c.pops.Describe(ch)
	c.emptyPops.Describe(ch)
	c.txnDuration.Describe(ch)
	c.txnErrors.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.sets.Collect(ch)
	c.dels.Collect(ch)
	c.pops.Collect(ch)
	c.emptyPops.Collect(ch)
	c.txnDuration.Collect(ch)
	c.txnErrors.Collect(ch)
}

func (c *Collector) ObserveSet(table string) {
	c.sets.WithLabelValues(table).Inc()
}

func (c *Collector) ObserveDel(table string) {
	c.dels.WithLabelValues(table).Inc()
}

func (c *Collector) ObservePop(table string, op record.Op) {
	c.pops.WithLabelValues(table, string(op)).Inc()
}

func (c *Collector) ObserveEmptyPop(table string) {
	c.emptyPops.WithLabelValues(table).Inc()
}

func (c *Collector) ObserveTxn(table, kind string, elapsed time.Duration, err error) {
	c.txnDuration.WithLabelValues(table, kind).Observe(elapsed.Seconds())
	if err != nil {
		c.txnErrors.WithLabelValues(table, kind).Inc()
	}
}
