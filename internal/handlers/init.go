package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"bursar/internal/ledger"
	"bursar/internal/settlement"
	"bursar/pkg/logging"
	"bursar/pkg/monitoring"
)

var (
	db           *sql.DB
	logger       logging.Logger
	walletLedger *ledger.Ledger
	processor    *settlement.Processor
	reconciler   *ledger.Reconciler
	statusCache  *settlement.StatusCache
	metrics      *BursarMetrics
)

// BursarMetrics holds all Prometheus metrics for Bursar
type BursarMetrics struct {
	EventsProcessed    *prometheus.CounterVec
	SettledCents       *prometheus.CounterVec
	RechargeJobs       *prometheus.CounterVec
	ReconcileIncidents *prometheus.CounterVec
	DBQueries          *prometheus.CounterVec
	DBDuration         *prometheus.HistogramVec
	DBConnections      *prometheus.GaugeVec
}

// NewBursarMetrics registers the service metrics on the collector.
func NewBursarMetrics(collector *monitoring.MetricsCollector) *BursarMetrics {
	dbQueries, dbDuration, dbConnections := collector.CreateDatabaseMetrics()
	return &BursarMetrics{
		EventsProcessed: collector.NewCounter(
			"billing_events_processed_total",
			"Usage events processed by settlement outcome",
			[]string{"event_type", "status"},
		),
		SettledCents: collector.NewCounter(
			"billing_settled_cents_total",
			"Total cents settled against tenant wallets",
			[]string{"event_type"},
		),
		RechargeJobs: collector.NewCounter(
			"billing_recharge_jobs_total",
			"Recharge jobs by terminal status",
			[]string{"status"},
		),
		ReconcileIncidents: collector.NewCounter(
			"billing_reconcile_incidents_total",
			"Ledger inconsistencies found by reconciliation",
			[]string{"kind"},
		),
		DBQueries:     dbQueries,
		DBDuration:    dbDuration,
		DBConnections: dbConnections,
	}
}

// Init initializes the handlers with their shared dependencies
func Init(database *sql.DB, log logging.Logger, l *ledger.Ledger, proc *settlement.Processor, rec *ledger.Reconciler, cache *settlement.StatusCache, m *BursarMetrics) {
	db = database
	logger = log
	walletLedger = l
	processor = proc
	reconciler = rec
	statusCache = cache
	metrics = m
}
