package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StatusChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couriertrack_status_changes_total",
		Help: "Total number of order status changes applied, by target status.",
	},
		[]string{"status"},
	)

	OperationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couriertrack_operation_errors_total",
		Help: "Total number of failed lifecycle operations.",
	},
		[]string{"operation"},
	)

	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "couriertrack_tracking_sessions_started_total",
		Help: "Total number of tracking sessions started.",
	})

	SessionsStoppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couriertrack_tracking_sessions_stopped_total",
		Help: "Total number of tracking sessions torn down, by reason.",
	},
		[]string{"reason"},
	)

	ActiveSession = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "couriertrack_tracking_session_active",
		Help: "1 while a tracking session is bound to an order.",
	})

	FixesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couriertrack_fixes_total",
		Help: "Position fixes handled by the ingestion path, by result.",
	},
		[]string{"result"},
	)

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couriertrack_reconciliations_total",
		Help: "Order list reconciliations, by result.",
	},
		[]string{"result"},
	)

	ChangeEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "couriertrack_change_events_total",
		Help: "Order change events received from the change feed.",
	})
)
