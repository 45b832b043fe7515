package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/db"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/require"
)

// setupStore connects to the database named by TEST_DATABASE_URL and wipes
// the pipeline tables. Tests are skipped when no database is available.
func setupStore(t *testing.T) *Store {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewStore(ctx, Config{URL: url, MaxConnections: 5, MaxIdle: 2, ConnMaxLife: time.Hour})
	require.NoError(t, err)
	for _, table := range []string{"jobs", "batches", "templates", "tenants"} {
		_, err := s.db.ExecContext(ctx, "TRUNCATE TABLE "+table)
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestSQLStore_RoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	tenant := &types.Tenant{ID: "tenant-1", Name: "Acme", IssuerPublicKey: "04ab"}
	require.NoError(t, s.SaveTenant(ctx, tenant))
	got, err := s.Tenant(ctx, "tenant-1")
	require.NoError(t, err)
	require.DeepEqual(t, tenant, got)

	_, err = s.Tenant(ctx, "missing")
	require.Equal(t, true, errors.Is(err, db.ErrNotFound))

	expiry := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	batch := &types.Batch{
		ID:            "batch-1",
		TenantID:      "tenant-1",
		TemplateID:    "tpl-1",
		Status:        types.BatchProcessing,
		SigningStatus: types.SigningPending,
		ExpiryDate:    &expiry,
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.SaveBatch(ctx, batch))
	gotBatch, err := s.Batch(ctx, "batch-1")
	require.NoError(t, err)
	require.Equal(t, batch.ID, gotBatch.ID)
	require.Equal(t, types.BatchProcessing, gotBatch.Status)
	require.Equal(t, expiry, gotBatch.ExpiryDate.UTC())
}

func TestSQLStore_ClaimPendingOrderAndExclusivity(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveJob(ctx, &types.Job{
			ID:        fmt.Sprintf("job-%d", i),
			BatchID:   "batch-1",
			Status:    types.JobPending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	first, err := s.ClaimPending(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 3, len(first))
	require.Equal(t, "job-0", first[0].ID)
	require.Equal(t, "job-1", first[1].ID)
	require.Equal(t, "job-2", first[2].ID)
	for _, j := range first {
		require.Equal(t, types.JobProcessing, j.Status)
	}

	second, err := s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, len(second))
	require.Equal(t, "job-3", second[0].ID)
	require.Equal(t, "job-4", second[1].ID)

	third, err := s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, len(third))
}

func TestSQLStore_UpdateJobStatusConditional(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveJob(ctx, &types.Job{
		ID:        "job-1",
		BatchID:   "batch-1",
		Status:    types.JobProcessing,
		CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, s.UpdateJobStatus(ctx, "job-1", types.JobProcessing, types.JobGenerated))

	err := s.UpdateJobStatus(ctx, "job-1", types.JobProcessing, types.JobFailed)
	require.Equal(t, true, errors.Is(err, db.ErrWrongState))

	err = s.UpdateJobStatus(ctx, "missing", types.JobPending, types.JobProcessing)
	require.Equal(t, true, errors.Is(err, db.ErrNotFound))

	got, err := s.Job(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobGenerated, got.Status)
}

func TestSQLStore_GuardedBatchTransitions(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveBatch(ctx, &types.Batch{
		ID:        "batch-1",
		Status:    types.BatchProcessing,
		CreatedAt: time.Now().UTC(),
	}))

	finalized := time.Now().UTC()
	require.NoError(t, s.FinalizeBatch(ctx, "batch-1", "aa", finalized))
	err := s.FinalizeBatch(ctx, "batch-1", "bb", time.Now())
	require.Equal(t, true, errors.Is(err, db.ErrWrongState))

	require.NoError(t, s.SetBatchUltimate(ctx, "batch-1", "cc", []string{"dd"}))
	err = s.SetBatchUltimate(ctx, "batch-1", "ee", nil)
	require.Equal(t, true, errors.Is(err, db.ErrWrongState))

	require.NoError(t, s.SetBatchAnchor(ctx, "batch-1", "0xabc", "amoy", 12))
	err = s.SetBatchAnchor(ctx, "batch-1", "0xdef", "amoy", 13)
	require.Equal(t, true, errors.Is(err, db.ErrWrongState))

	require.NoError(t, s.UpdateBatchStatus(ctx, "batch-1", types.BatchProcessing, types.BatchCompleted))
	err = s.UpdateBatchStatus(ctx, "batch-1", types.BatchProcessing, types.BatchCompleted)
	require.Equal(t, true, errors.Is(err, db.ErrWrongState))

	err = s.FinalizeBatch(ctx, "missing", "aa", time.Now())
	require.Equal(t, true, errors.Is(err, db.ErrNotFound))

	// The JSONB record mirrors every guarded write.
	got, err := s.Batch(ctx, "batch-1")
	require.NoError(t, err)
	require.Equal(t, "aa", got.MerkleRoot)
	require.Equal(t, types.SigningFinalized, got.SigningStatus)
	require.NotNil(t, got.FinalizedAt)
	require.Equal(t, finalized.Unix(), got.FinalizedAt.Unix())
	require.Equal(t, "cc", got.MerkleRootUltimate)
	require.DeepEqual(t, []string{"dd"}, got.MerkleProofUltimate)
	require.Equal(t, "0xabc", got.TxHash)
	require.Equal(t, "amoy", got.Network)
	require.Equal(t, uint64(12), got.BlockNumber)
	require.Equal(t, types.BatchCompleted, got.Status)
}

func TestSQLStore_AwaitingQueries(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	finalized := now.Add(-time.Minute)

	// Anchored batch whose job still needs a QR.
	require.NoError(t, s.SaveBatch(ctx, &types.Batch{
		ID:                 "batch-anchored",
		Status:             types.BatchProcessing,
		SigningStatus:      types.SigningFinalized,
		MerkleRoot:         "aa",
		MerkleRootUltimate: "bb",
		TxHash:             "0xcc",
		FinalizedAt:        &finalized,
		CreatedAt:          now,
	}))
	require.NoError(t, s.SaveJob(ctx, &types.Job{
		ID:              "job-qr",
		BatchID:         "batch-anchored",
		Status:          types.JobGenerated,
		CertificatePath: "certificates/t/b/job-qr.pdf",
		CreatedAt:       now,
	}))

	// Finalized batch still waiting for its ultimate root.
	require.NoError(t, s.SaveBatch(ctx, &types.Batch{
		ID:            "batch-awaiting-mru",
		Status:        types.BatchProcessing,
		SigningStatus: types.SigningFinalized,
		MerkleRoot:    "dd",
		FinalizedAt:   &finalized,
		CreatedAt:     now,
	}))

	// Batch with all jobs Generated but no intermediate root yet.
	require.NoError(t, s.SaveBatch(ctx, &types.Batch{
		ID:            "batch-awaiting-mri",
		Status:        types.BatchProcessing,
		SigningStatus: types.SigningPending,
		CreatedAt:     now,
	}))
	require.NoError(t, s.SaveJob(ctx, &types.Job{
		ID:        "job-signed",
		BatchID:   "batch-awaiting-mri",
		Status:    types.JobGenerated,
		CreatedAt: now,
	}))

	mri, err := s.FindBatchesAwaitingMRI(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, len(mri))
	require.Equal(t, "batch-awaiting-mri", mri[0].ID)

	// A still-pending job blocks the batch from the intermediate root pass.
	require.NoError(t, s.SaveJob(ctx, &types.Job{
		ID:        "job-late",
		BatchID:   "batch-awaiting-mri",
		Status:    types.JobPendingSigning,
		CreatedAt: now.Add(time.Second),
	}))
	mri, err = s.FindBatchesAwaitingMRI(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, len(mri))

	mru, err := s.FindBatchesAwaitingMRU(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, len(mru))
	require.Equal(t, "batch-awaiting-mru", mru[0].ID)

	// A batch with a root but no transaction waits for an anchor retry.
	require.NoError(t, s.SaveBatch(ctx, &types.Batch{
		ID:                 "batch-awaiting-anchor",
		Status:             types.BatchProcessing,
		SigningStatus:      types.SigningFinalized,
		MerkleRoot:         "ee",
		MerkleRootUltimate: "ff",
		FinalizedAt:        &finalized,
		CreatedAt:          now,
	}))
	anchor, err := s.FindBatchesAwaitingAnchor(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, len(anchor))
	require.Equal(t, "batch-awaiting-anchor", anchor[0].ID)

	qr, err := s.FindJobsAwaitingQR(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, len(qr))
	require.Equal(t, "job-qr", qr[0].ID)

	// Once the QR exists the job moves on to the augmentation pass.
	job := qr[0]
	job.QRCodePath = "certificates/t/b/job-qr.png"
	require.NoError(t, s.SaveJob(ctx, job))

	qr, err = s.FindJobsAwaitingQR(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, len(qr))

	aug, err := s.FindJobsAwaitingPDFAugment(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, len(aug))
	require.Equal(t, "job-qr", aug[0].ID)
}
