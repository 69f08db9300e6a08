// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics is a StatsCollector exporting prometheus metrics.
type Metrics struct {
	BytesRead     prometheus.Counter
	BytesWritten  prometheus.Counter
	Exchanges     prometheus.Gauge
	Rejected      *prometheus.CounterVec
	HandlerFaults prometheus.Counter
}

// NewMetrics returns unregistered metrics using the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_read_total",
			Help:      "Bytes of frames read from inbound channels.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Bytes of frames written to outbound and throttle channels.",
		}),
		Exchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exchanges",
			Help:      "Live stream exchanges.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Streams answered with a reset, by reason.",
		}, []string{"reason"}),
		HandlerFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_faults_total",
			Help:      "Request handlers that panicked.",
		}),
	}
}

// Register registers all metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) (err error) {
	for _, c := range []prometheus.Collector{m.BytesRead, m.BytesWritten, m.Exchanges, m.Rejected, m.HandlerFaults} {
		err = multierr.Append(err, reg.Register(c))
	}
	return
}

func (m *Metrics) AddBytesWritten(n int64) { m.BytesWritten.Add(float64(n)) }
func (m *Metrics) AddBytesRead(n int64)    { m.BytesRead.Add(float64(n)) }
func (m *Metrics) AddExchanges(delta int)  { m.Exchanges.Add(float64(delta)) }
func (m *Metrics) AddRejected(reason string) {
	m.Rejected.WithLabelValues(reason).Inc()
}
func (m *Metrics) AddHandlerFault() { m.HandlerFaults.Inc() }
