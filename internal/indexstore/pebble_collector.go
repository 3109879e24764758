package indexstore

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// PebbleCollector exports pebble's internal metrics to prometheus.
type PebbleCollector struct {
	db *pebble.DB

	compactionCount         *prometheus.Desc
	compactionEstimatedDebt *prometheus.Desc

	memtableSize  *prometheus.Desc
	memtableCount *prometheus.Desc

	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesIn      *prometheus.Desc
	walBytesWritten *prometheus.Desc
}

// NewPebbleCollector creates a collector for db.
func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("kvpk_pebble_"+name, help, nil, nil)
	}

	return &PebbleCollector{
		db: db,

		compactionCount:         desc("compaction_count_total", "Total number of compactions performed"),
		compactionEstimatedDebt: desc("compaction_estimated_debt_bytes", "Estimated number of bytes that need to be compacted to reach a stable state"),

		memtableSize:  desc("memtable_size_bytes", "Current size of the memtable in bytes"),
		memtableCount: desc("memtable_count", "Current count of memtables"),

		walFiles:        desc("wal_files", "Number of live WAL files"),
		walSize:         desc("wal_size_bytes", "Size of live WAL data in bytes"),
		walBytesIn:      desc("wal_bytes_in_total", "Total logical bytes written to the WAL"),
		walBytesWritten: desc("wal_bytes_written_total", "Total physical bytes written to the WAL"),
	}
}

// Describe implements prometheus.Collector.
func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactionCount
	ch <- pc.compactionEstimatedDebt
	ch <- pc.memtableSize
	ch <- pc.memtableCount
	ch <- pc.walFiles
	ch <- pc.walSize
	ch <- pc.walBytesIn
	ch <- pc.walBytesWritten
}

// Collect implements prometheus.Collector.
func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	m := pc.db.Metrics()

	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(pc.compactionCount, float64(m.Compact.Count))
	gauge(pc.compactionEstimatedDebt, float64(m.Compact.EstimatedDebt))

	gauge(pc.memtableSize, float64(m.MemTable.Size))
	gauge(pc.memtableCount, float64(m.MemTable.Count))

	gauge(pc.walFiles, float64(m.WAL.Files))
	gauge(pc.walSize, float64(m.WAL.Size))
	counter(pc.walBytesIn, float64(m.WAL.BytesIn))
	counter(pc.walBytesWritten, float64(m.WAL.BytesWritten))
}
