package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgtrace_operations_total",
			Help: "Provenance operations by type and final status",
		},
		[]string{"operation_type", "status"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kgtrace_operation_duration_seconds",
			Help:    "Operation wall time from start to completion",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation_type"},
	)

	QualityPenalties = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgtrace_quality_penalties_total",
			Help: "Confidence degradation penalties by reason",
		},
		[]string{"reason"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kgtrace_confidence_score",
			Help:    "Propagated confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	EntityResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgtrace_entity_resolutions_total",
			Help: "Entity resolution outcomes (matched, created, no_match)",
		},
		[]string{"outcome"},
	)

	SurfaceFormDedupHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kgtrace_surface_form_dedup_hits_total",
			Help: "Surface form mints resolved to an existing reference",
		},
	)

	WorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgtrace_workflows_total",
			Help: "Workflows by terminal status",
		},
		[]string{"status"},
	)

	LineageDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kgtrace_lineage_depth",
			Help:    "Hop depth reached by lineage traversals",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgtrace_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgtrace_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	OrphanedRefsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kgtrace_orphaned_refs_detected_total",
			Help: "Orphaned references found by the reconciliation pass",
		},
	)

	DocumentsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kgtrace_documents_processed_total",
			Help: "Documents run through the ingestion pipeline",
		},
	)
)

func Init() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(QualityPenalties)
	prometheus.MustRegister(ConfidenceScore)
	prometheus.MustRegister(EntityResolutions)
	prometheus.MustRegister(SurfaceFormDedupHits)
	prometheus.MustRegister(WorkflowsTotal)
	prometheus.MustRegister(LineageDepth)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(OrphanedRefsDetected)
	prometheus.MustRegister(DocumentsProcessed)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
