package metric

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	syncNamespace            = "go_pg_sync"
	replicationSlotSubsystem = "replication_slot"
	scanSubsystem            = "cursor_scan"
)

type Metric interface {
	InsertOpIncrement(count int64)
	UpdateOpIncrement(count int64)
	DeleteOpIncrement(count int64)
	ScanRowIncrement(count int64)
	KeepaliveIncrement()
	SlowCastIncrement()
	SetCDCLatency(latency int64)
	SetBatchFetchLatency(latency int64)
	SetSlotActivity(active bool)
	SetSlotCurrentLSN(lsn float64)
	SetSlotConfirmedFlushLSN(lsn float64)
	SetSlotRetainedWALSize(lsn float64)
	SetSlotLag(lsn float64)

	PrometheusCollectors() []prometheus.Collector
}

type metric struct {
	totalInsert prometheus.Counter
	totalUpdate prometheus.Counter
	totalDelete prometheus.Counter

	totalScanRows   prometheus.Counter
	totalKeepalives prometheus.Counter
	totalSlowCasts  prometheus.Counter

	cdcLatency            prometheus.Gauge
	batchFetchLatency     prometheus.Gauge
	slotActivity          prometheus.Gauge
	slotConfirmedFlushLSN prometheus.Gauge
	slotCurrentLSN        prometheus.Gauge
	slotRetainedWALSize   prometheus.Gauge
	slotLag               prometheus.Gauge
}

//nolint:funlen
func NewMetric(slotName string) Metric {
	hostname, _ := os.Hostname()
	labels := prometheus.Labels{
		"slot_name": slotName,
		"host":      hostname,
	}

	return &metric{
		totalInsert: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   syncNamespace,
			Subsystem:   "insert",
			Name:        "total",
			Help:        "total number of insert change records emitted",
			ConstLabels: labels,
		}),
		totalUpdate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   syncNamespace,
			Subsystem:   "update",
			Name:        "total",
			Help:        "total number of update change records emitted",
			ConstLabels: labels,
		}),
		totalDelete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   syncNamespace,
			Subsystem:   "delete",
			Name:        "total",
			Help:        "total number of delete change records emitted",
			ConstLabels: labels,
		}),
		totalScanRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   syncNamespace,
			Subsystem:   scanSubsystem,
			Name:        "rows_total",
			Help:        "total number of rows fetched by cursor scans",
			ConstLabels: labels,
		}),
		totalKeepalives: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   syncNamespace,
			Subsystem:   "keepalive",
			Name:        "total",
			Help:        "total number of standby status updates sent",
			ConstLabels: labels,
		}),
		totalSlowCasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   syncNamespace,
			Subsystem:   "decode",
			Name:        "slow_casts_total",
			Help:        "total number of database-assisted composite casts",
			ConstLabels: labels,
		}),
		cdcLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   syncNamespace,
			Subsystem:   "cdc_latency",
			Name:        "current",
			Help:        "latest consumed wal message latency ns",
			ConstLabels: labels,
		}),
		batchFetchLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   syncNamespace,
			Subsystem:   scanSubsystem,
			Name:        "batch_fetch_latency_current",
			Help:        "latest cursor batch fetch latency ns",
			ConstLabels: labels,
		}),
		slotActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   syncNamespace,
			Subsystem:   replicationSlotSubsystem,
			Name:        "slot_is_active",
			Help:        "whether the replication slot is active or not",
			ConstLabels: labels,
		}),
		slotConfirmedFlushLSN: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   syncNamespace,
			Subsystem:   replicationSlotSubsystem,
			Name:        "slot_confirmed_flush_lsn",
			Help:        "last lsn confirmed flushed to the replication slot",
			ConstLabels: labels,
		}),
		slotCurrentLSN: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   syncNamespace,
			Subsystem:   replicationSlotSubsystem,
			Name:        "slot_current_lsn",
			Help:        "current lsn",
			ConstLabels: labels,
		}),
		slotRetainedWALSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   syncNamespace,
			Subsystem:   replicationSlotSubsystem,
			Name:        "slot_retained_wal_size",
			Help:        "current lsn - restart lsn",
			ConstLabels: labels,
		}),
		slotLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   syncNamespace,
			Subsystem:   replicationSlotSubsystem,
			Name:        "slot_lag",
			Help:        "current lsn - confirmed flush lsn",
			ConstLabels: labels,
		}),
	}
}

func (m *metric) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.totalInsert,
		m.totalUpdate,
		m.totalDelete,
		m.totalScanRows,
		m.totalKeepalives,
		m.totalSlowCasts,
		m.cdcLatency,
		m.batchFetchLatency,
		m.slotActivity,
		m.slotCurrentLSN,
		m.slotConfirmedFlushLSN,
		m.slotRetainedWALSize,
		m.slotLag,
	}
}

func (m *metric) InsertOpIncrement(count int64) {
	m.totalInsert.Add(float64(count))
}

func (m *metric) UpdateOpIncrement(count int64) {
	m.totalUpdate.Add(float64(count))
}

func (m *metric) DeleteOpIncrement(count int64) {
	m.totalDelete.Add(float64(count))
}

func (m *metric) ScanRowIncrement(count int64) {
	m.totalScanRows.Add(float64(count))
}

func (m *metric) KeepaliveIncrement() {
	m.totalKeepalives.Inc()
}

func (m *metric) SlowCastIncrement() {
	m.totalSlowCasts.Inc()
}

func (m *metric) SetCDCLatency(latency int64) {
	m.cdcLatency.Set(float64(latency))
}

func (m *metric) SetBatchFetchLatency(latency int64) {
	m.batchFetchLatency.Set(float64(latency))
}

func (m *metric) SetSlotActivity(active bool) {
	slotActivity := 0.0
	if active {
		slotActivity = 1.0
	}

	m.slotActivity.Set(slotActivity)
}

func (m *metric) SetSlotCurrentLSN(lsn float64) {
	m.slotCurrentLSN.Set(lsn)
}

func (m *metric) SetSlotConfirmedFlushLSN(lsn float64) {
	m.slotConfirmedFlushLSN.Set(lsn)
}

func (m *metric) SetSlotRetainedWALSize(lsn float64) {
	m.slotRetainedWALSize.Set(lsn)
}

func (m *metric) SetSlotLag(lsn float64) {
	m.slotLag.Set(lsn)
}
