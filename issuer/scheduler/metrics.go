package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsGeneratedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "issuer_jobs_generated_total",
		Help: "Jobs that completed certificate generation",
	})
	jobsFailedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "issuer_jobs_failed_total",
		Help: "Jobs that terminally failed during generation",
	})
	signaturesAcceptedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "issuer_signatures_accepted_total",
		Help: "Externally submitted signatures accepted by the intake",
	})
	batchesFinalizedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "issuer_batches_finalized_total",
		Help: "Batches whose intermediate Merkle tree was finalized",
	})
	rootsAnchoredCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "issuer_roots_anchored_total",
		Help: "Ultimate Merkle roots successfully anchored on chain",
	})
	anchorFailuresCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "issuer_anchor_failures_total",
		Help: "Failed anchoring attempts, retried on later ticks",
	})
	qrArtifactsCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "issuer_qr_artifacts_total",
		Help: "QR code artifacts written to storage",
	})
	augmentedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "issuer_certificates_augmented_total",
		Help: "Certificates augmented with attachments and QR",
	})
	augmentFailuresCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "issuer_augment_failures_total",
		Help: "Failed augmentation attempts, retried on later ticks",
	})
)
