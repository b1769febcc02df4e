package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmarcwatch_messages_processed_total",
		Help: "Total number of mailbox messages processed by intake",
	})
	reportsIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmarcwatch_reports_ingested_total",
		Help: "Total number of new aggregate reports stored",
	})
	reportsDuplicateTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmarcwatch_reports_duplicate_total",
		Help: "Total number of ingestions short-circuited as duplicates",
	})
	assessmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmarcwatch_assessments_total",
		Help: "Total number of assessments persisted",
	})
	assessmentFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmarcwatch_assessment_failures_total",
		Help: "Total number of reasoning responses that failed schema validation",
	})
	alertsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmarcwatch_alerts_sent_total",
		Help: "Total number of alert emails dispatched",
	})
	alertsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmarcwatch_alerts_failed_total",
		Help: "Total number of alert deliveries that failed",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		messagesProcessedTotal,
		reportsIngestedTotal,
		reportsDuplicateTotal,
		assessmentsTotal,
		assessmentFailuresTotal,
		alertsSentTotal,
		alertsFailedTotal,
	)
}

// IncMessageProcessed increments the processed mailbox messages counter.
func IncMessageProcessed() { messagesProcessedTotal.Inc() }

// IncReportIngested increments the stored reports counter.
func IncReportIngested() { reportsIngestedTotal.Inc() }

// IncReportDuplicate increments the duplicate ingestion counter.
func IncReportDuplicate() { reportsDuplicateTotal.Inc() }

// IncAssessment increments the persisted assessments counter.
func IncAssessment() { assessmentsTotal.Inc() }

// IncAssessmentFailure increments the failed validation counter.
func IncAssessmentFailure() { assessmentFailuresTotal.Inc() }

// IncAlertSent increments the dispatched alerts counter.
func IncAlertSent() { alertsSentTotal.Inc() }

// IncAlertFailed increments the failed alerts counter.
func IncAlertFailed() { alertsFailedTotal.Inc() }
