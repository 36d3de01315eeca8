package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc  *prometheus.Desc
	typ   prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

// PebbleCollector exports compaction, memtable and WAL figures of the
// store's pebble instance.
type PebbleCollector struct {
	db      *pebble.DB
	metrics []pebbleMetric
}

func newPebbleMetric(name, help string, typ prometheus.ValueType, value func(m *pebble.Metrics) float64) pebbleMetric {
	return pebbleMetric{
		desc:  prometheus.NewDesc("umbra_pebble_"+name, help, nil, nil),
		typ:   typ,
		value: value,
	}
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	return &PebbleCollector{
		db: db,
		metrics: []pebbleMetric{
			newPebbleMetric("compaction_count_total", "Total number of compactions performed",
				prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
			newPebbleMetric("compaction_estimated_debt_bytes", "Estimated bytes to compact to reach a stable state",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
			newPebbleMetric("compaction_in_progress_bytes", "Bytes being compacted currently",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
			newPebbleMetric("memtable_size_bytes", "Current size of the memtable",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
			newPebbleMetric("memtable_count", "Current count of memtables",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
			newPebbleMetric("wal_files", "Number of live WAL files",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
			newPebbleMetric("wal_size_bytes", "Size of live WAL data",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
			newPebbleMetric("wal_bytes_written_total", "Physical bytes written to the WAL",
				prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
		},
	}
}

// Collector of the open store, for registration.
func (s *Store) Collector() *PebbleCollector {
	return NewPebbleCollector(s.db)
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range pc.metrics {
		ch <- m.desc
	}
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := pc.db.Metrics()
	for _, m := range pc.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.typ, m.value(metrics))
	}
}
