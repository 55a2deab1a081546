package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deltasApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yetilink_reconcile_deltas_applied_total",
		Help: "Shadow deltas merged into canonical device state, by sub-document.",
	}, []string{"shadow"})

	deltasDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yetilink_reconcile_deltas_dropped_total",
		Help: "Malformed shadow deltas dropped before merging.",
	})

	devicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yetilink_reconcile_devices_online",
		Help: "Devices currently considered online.",
	})
)
