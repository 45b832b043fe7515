// Package db defines the typed store gateway the issuance pipeline runs
// against. The scheduler owns all state transitions; implementations must
// make the conditional updates race-safe so that concurrent workers never
// process the same job twice.
package db

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrWrongState is returned when a conditional update observes a state
// other than the expected one. Callers treat this as "another worker got
// there first" and move on.
var ErrWrongState = errors.New("record is not in the expected state")

// Store is the gateway the pipeline performs all persistence through.
type Store interface {
	ReadOnlyStore

	SaveTenant(ctx context.Context, t *types.Tenant) error
	SaveTemplate(ctx context.Context, tpl *types.Template) error
	SaveBatch(ctx context.Context, b *types.Batch) error
	SaveJob(ctx context.Context, j *types.Job) error

	// ClaimPending atomically transitions up to limit of the oldest
	// Pending jobs to Processing and returns them. A losing worker
	// observes an empty result.
	ClaimPending(ctx context.Context, limit int) ([]*types.Job, error)

	// UpdateJobStatus transitions a job from one status to another,
	// returning ErrWrongState when the job is not in the from state.
	UpdateJobStatus(ctx context.Context, jobID string, from, to types.JobStatus) error

	// FinalizeBatch records the intermediate root and finalization time
	// on a batch with no root yet, returning ErrWrongState when another
	// worker already finalized it.
	FinalizeBatch(ctx context.Context, batchID, root string, finalizedAt time.Time) error

	// SetBatchUltimate records the ultimate root and proof on a finalized
	// batch with no ultimate root yet.
	SetBatchUltimate(ctx context.Context, batchID, root string, proof []string) error

	// SetBatchAnchor records the anchoring transaction on an unanchored
	// batch.
	SetBatchAnchor(ctx context.Context, batchID, txHash, network string, blockNumber uint64) error

	// UpdateBatchStatus transitions a batch between statuses, returning
	// ErrWrongState when the batch is not in the from status.
	UpdateBatchStatus(ctx context.Context, batchID string, from, to types.BatchStatus) error

	Close() error
}

// ReadOnlyStore holds the pipeline's queries.
type ReadOnlyStore interface {
	Tenant(ctx context.Context, id string) (*types.Tenant, error)
	Template(ctx context.Context, id string) (*types.Template, error)
	Batch(ctx context.Context, id string) (*types.Batch, error)
	Job(ctx context.Context, id string) (*types.Job, error)

	// JobsInBatch returns every job of a batch in creation order. The
	// order is load-bearing: intermediate Merkle leaves are gathered in
	// this order.
	JobsInBatch(ctx context.Context, batchID string) ([]*types.Job, error)

	// FindPendingSignature returns jobs awaiting an external signature,
	// in creation order.
	FindPendingSignature(ctx context.Context, batchID string) ([]*types.Job, error)

	// FindSignedJobs returns the batch's Generated jobs in creation order.
	FindSignedJobs(ctx context.Context, batchID string) ([]*types.Job, error)

	// FindBatchesAwaitingMRI returns batches with at least one Generated
	// job, no unsigned work left, and no intermediate root yet.
	FindBatchesAwaitingMRI(ctx context.Context) ([]*types.Batch, error)

	// FindBatchesAwaitingMRU returns finalized batches that still lack an
	// ultimate root, oldest finalizedAt first.
	FindBatchesAwaitingMRU(ctx context.Context, limit int) ([]*types.Batch, error)

	// FindBatchesAwaitingAnchor returns batches whose ultimate root is set
	// but whose anchor transaction is still missing, oldest finalizedAt
	// first. Anchoring failures park batches here until the next attempt.
	FindBatchesAwaitingAnchor(ctx context.Context, limit int) ([]*types.Batch, error)

	// FindJobsAwaitingQR returns Generated jobs whose batch is anchored
	// and that have no QR artifact yet.
	FindJobsAwaitingQR(ctx context.Context, limit int) ([]*types.Job, error)

	// FindJobsAwaitingPDFAugment returns Generated jobs with a QR artifact
	// and an original PDF but no augmented PDF.
	FindJobsAwaitingPDFAugment(ctx context.Context, limit int) ([]*types.Job, error)
}
