package docdb

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	revisionsInserted prometheus.Counter
	conflictsCreated  prometheus.Counter
	mapInvocations    prometheus.Counter
	indexUpdates      prometheus.Counter
	queries           prometheus.Counter
	compactions       prometheus.Counter
	lastSequence      prometheus.Gauge
}

// newMetrics builds the database's collectors, labeled with its name, and
// registers them with reg if it is not nil. Reopening a database reuses the
// collectors registered by the previous instance.
func newMetrics(name string, reg prometheus.Registerer) *metrics {
	labels := prometheus.Labels{"db": name}
	counter := func(metric, help string) prometheus.Counter {
		return register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "docdb",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}))
	}
	return &metrics{
		revisionsInserted: counter("revisions_inserted_total", "Revisions committed."),
		conflictsCreated:  counter("conflicts_created_total", "Revisions that left their document in conflict."),
		mapInvocations:    counter("map_invocations_total", "Map function calls."),
		indexUpdates:      counter("index_updates_total", "Completed view index updates."),
		queries:           counter("queries_total", "Queries run."),
		compactions:       counter("compactions_total", "Completed compactions."),
		lastSequence: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "docdb",
			Name:        "last_sequence",
			Help:        "Last committed sequence number.",
			ConstLabels: labels,
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
