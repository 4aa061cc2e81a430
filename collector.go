package taskq

import (
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/tasks"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

func newPebbleMetric(name, help string, kind prometheus.ValueType, value func(m *pebble.Metrics) float64) pebbleMetric {
	return pebbleMetric{
		desc:  prometheus.NewDesc("taskq_pebble_"+name, help, []string{"db"}, nil),
		kind:  kind,
		value: value,
	}
}

var pebbleMetrics = []pebbleMetric{
	newPebbleMetric("compaction_count_total", "Total number of compactions performed",
		prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
	newPebbleMetric("compaction_estimated_debt_bytes", "Estimated number of bytes that need to be compacted to reach a stable state",
		prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
	newPebbleMetric("compaction_in_progress_bytes", "Number of bytes being compacted currently",
		prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
	newPebbleMetric("memtable_size_bytes", "Current size of the memtable in bytes",
		prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
	newPebbleMetric("memtable_count", "Current count of memtables",
		prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
	newPebbleMetric("wal_files", "Number of live WAL files",
		prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
	newPebbleMetric("wal_size_bytes", "Size of live WAL data in bytes",
		prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
	newPebbleMetric("wal_bytes_written_total", "Total physical bytes written to the WAL",
		prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
	newPebbleMetric("disk_space_usage_bytes", "On-disk size of the database",
		prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.DiskSpaceUsage()) }),
}

// Collector reports the queue content: tasks and batches per status, the
// number of indexes, the content files size and the pebble stats of the
// task database.
type Collector struct {
	tq *TaskQueue

	tasks        *prometheus.Desc
	batches      *prometheus.Desc
	indexes      *prometheus.Desc
	contentBytes *prometheus.Desc
	processing   *prometheus.Desc
}

func NewCollector(tq *TaskQueue) *Collector {
	return &Collector{
		tq: tq,
		tasks: prometheus.NewDesc("taskq_queue_tasks",
			"Number of tasks per status", []string{"status"}, nil),
		batches: prometheus.NewDesc("taskq_queue_batches",
			"Number of batches owning a task of the status", []string{"status"}, nil),
		indexes: prometheus.NewDesc("taskq_queue_indexes",
			"Number of indexes", nil, nil),
		contentBytes: prometheus.NewDesc("taskq_queue_content_files_bytes",
			"Size of the content files waiting for their task", nil, nil),
		processing: prometheus.NewDesc("taskq_queue_processing_tasks",
			"Number of tasks of the running batch", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasks
	ch <- c.batches
	ch <- c.indexes
	ch <- c.contentBytes
	ch <- c.processing
	for _, m := range pebbleMetrics {
		ch <- m.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	q := c.tq.Queue
	snap := q.ReadTxn()
	defer snap.Close()
	for _, status := range tasks.AllStatuses() {
		if ids, err := q.GetStatus(snap, status); err == nil {
			ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue,
				float64(ids.GetCardinality()), status.String())
		}
		if ids, err := q.GetBatchStatus(snap, status); err == nil {
			ch <- prometheus.MustNewConstMetric(c.batches, prometheus.GaugeValue,
				float64(ids.GetCardinality()), status.String())
		}
	}
	if names, err := c.tq.Mapper.Names(snap); err == nil {
		ch <- prometheus.MustNewConstMetric(c.indexes, prometheus.GaugeValue, float64(len(names)))
	}
	if size, err := c.tq.Files.Size(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.contentBytes, prometheus.GaugeValue, float64(size))
	}
	ch <- prometheus.MustNewConstMetric(c.processing, prometheus.GaugeValue,
		float64(c.tq.Scheduler.ProcessingTasks().Processing().GetCardinality()))

	metrics := q.Database().Metrics()
	for _, m := range pebbleMetrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(metrics), "tasks")
	}
}
