package broker

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the broker's Prometheus collectors, owned per Broker rather
// than registered globally so tests can construct multiple brokers without
// collector-already-registered panics.
type metrics struct {
	reads        prometheus.Counter
	writes       prometheus.Counter
	writeRejects prometheus.Counter
	resets       prometheus.Counter
	treeSize     *prometheus.GaugeVec
}

func newMetrics() *metrics {
	return &metrics{
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dconfd_reads_total",
			Help: "Total number of property/subtree read requests handled by the broker.",
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dconfd_writes_total",
			Help: "Total number of property writes committed by the broker.",
		}),
		writeRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dconfd_write_rejects_total",
			Help: "Total number of property writes rejected because the property is locked.",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dconfd_resets_total",
			Help: "Total number of property reset requests handled by the broker.",
		}),
		treeSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dconfd_channel_properties",
			Help: "Number of effective properties persisted in a channel's merged tree.",
		}, []string{"channel"}),
	}
}

// Register adds every metric to the given registerer, e.g. prometheus.DefaultRegisterer.
func (m *metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.reads, m.writes, m.writeRejects, m.resets, m.treeSize)
}

// Register adds this broker's metrics to reg (typically
// prometheus.DefaultRegisterer, exposed over /metrics by cmd/dconfd via
// promhttp.Handler()).
func (b *Broker) Register(reg prometheus.Registerer) {
	b.metrics.Register(reg)
}
