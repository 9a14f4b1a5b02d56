package backend

import (
	"fmt"
	"github.com/ValentinKolb/wstore/lib/storage/op"
	"github.com/VictoriaMetrics/metrics"
	"io"
)

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

// Metrics are the engine wide counters. All backends of a Manager share one
// instance.
type Metrics struct {
	set *metrics.Set

	operations   map[op.Kind]*metrics.Counter
	failed       *metrics.Counter
	flushes      *metrics.Counter
	flushErrors  *metrics.Counter
	quotaPrompts *metrics.Counter
	loadRetries  *metrics.Counter
	loadFailures *metrics.Counter
	opLatency    *metrics.Histogram
	valueSize    *metrics.Histogram
}

// NewMetrics creates a metrics set with all counters registered.
func NewMetrics() *Metrics {
	set := metrics.NewSet()
	m := &Metrics{
		set:          set,
		operations:   make(map[op.Kind]*metrics.Counter),
		failed:       set.NewCounter("wstore_operations_failed_total"),
		flushes:      set.NewCounter("wstore_flushes_total"),
		flushErrors:  set.NewCounter("wstore_flush_errors_total"),
		quotaPrompts: set.NewCounter("wstore_quota_prompts_total"),
		loadRetries:  set.NewCounter("wstore_load_retries_total"),
		loadFailures: set.NewCounter("wstore_load_failures_total"),
		opLatency:    set.NewHistogram("wstore_operation_duration_seconds"),
		valueSize:    set.NewHistogram("wstore_value_size_bytes"),
	}
	for k := op.KindGetCount; k <= op.KindFlushToDisk; k++ {
		m.operations[k] = set.NewCounter(fmt.Sprintf(`wstore_operations_total{kind=%q}`, k.String()))
	}
	return m
}

// WritePrometheus writes all metrics in the Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// Operations returns how many operations of kind were executed.
func (m *Metrics) Operations(kind op.Kind) uint64 {
	if c, ok := m.operations[kind]; ok {
		return c.Get()
	}
	return 0
}

// Flushes returns the number of disk writes (including removals).
func (m *Metrics) Flushes() uint64 {
	return m.flushes.Get()
}

// FlushErrors returns the number of failed disk writes.
func (m *Metrics) FlushErrors() uint64 {
	return m.flushErrors.Get()
}

// QuotaPrompts returns how often the quota listener was asked.
func (m *Metrics) QuotaPrompts() uint64 {
	return m.quotaPrompts.Get()
}

// LoadRetries returns how often a load was retried after running out of memory.
func (m *Metrics) LoadRetries() uint64 {
	return m.loadRetries.Get()
}

// LoadFailures returns how often a table was reset because it could not be loaded.
func (m *Metrics) LoadFailures() uint64 {
	return m.loadFailures.Get()
}
