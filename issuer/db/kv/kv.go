// Package kv implements the store gateway on BoltDB. Bolt's single-writer
// transactions give the conditional status transitions their atomicity: a
// claim and its status write happen in one Update and concurrent claimers
// serialize on the file lock.
package kv

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/db"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
)

const databaseFileName = "issuance.db"

// Store implements db.Store using BoltDB as the underlying kv-store.
type Store struct {
	db           *bolt.DB
	databasePath string
}

// NewKVStore opens (or creates) the bolt database under dirPath and creates
// the schema buckets.
func NewKVStore(dirPath string) (*Store, error) {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, err
	}
	datafile := path.Join(dirPath, databaseFileName)
	boltDB, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}
	kv := &Store{db: boltDB, databasePath: dirPath}
	if err := kv.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			tenantsBucket,
			templatesBucket,
			batchesBucket,
			jobsBucket,
			jobsByBatchBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return kv, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DatabasePath at which this database writes files.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

// SaveTenant persists a tenant.
func (s *Store) SaveTenant(_ context.Context, t *types.Tenant) error {
	return s.put(tenantsBucket, t.ID, t)
}

// Tenant retrieves a tenant by id.
func (s *Store) Tenant(_ context.Context, id string) (*types.Tenant, error) {
	t := &types.Tenant{}
	if err := s.get(tenantsBucket, id, t); err != nil {
		return nil, err
	}
	return t, nil
}

// SaveTemplate persists a template.
func (s *Store) SaveTemplate(_ context.Context, tpl *types.Template) error {
	return s.put(templatesBucket, tpl.ID, tpl)
}

// Template retrieves a template by id.
func (s *Store) Template(_ context.Context, id string) (*types.Template, error) {
	tpl := &types.Template{}
	if err := s.get(templatesBucket, id, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// SaveBatch persists a batch, assigning an id when it carries none.
func (s *Store) SaveBatch(_ context.Context, b *types.Batch) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return s.put(batchesBucket, b.ID, b)
}

// Batch retrieves a batch by id.
func (s *Store) Batch(_ context.Context, id string) (*types.Batch, error) {
	b := &types.Batch{}
	if err := s.get(batchesBucket, id, b); err != nil {
		return nil, err
	}
	return b, nil
}

// SaveJob persists a job and maintains the batch index. A job without an
// id gets one assigned.
func (s *Store) SaveJob(_ context.Context, j *types.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	enc, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "could not encode job")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(jobsBucket).Put([]byte(j.ID), enc); err != nil {
			return err
		}
		return tx.Bucket(jobsByBatchBucket).Put(batchIndexKey(j.BatchID, j.ID), []byte(j.ID))
	})
}

// Job retrieves a job by id.
func (s *Store) Job(_ context.Context, id string) (*types.Job, error) {
	j := &types.Job{}
	if err := s.get(jobsBucket, id, j); err != nil {
		return nil, err
	}
	return j, nil
}

// JobsInBatch returns all jobs of a batch sorted by creation time.
func (s *Store) JobsInBatch(_ context.Context, batchID string) ([]*types.Job, error) {
	return s.jobsInBatchFiltered(batchID, nil)
}

// FindPendingSignature returns the batch's PendingSigning jobs in creation
// order.
func (s *Store) FindPendingSignature(_ context.Context, batchID string) ([]*types.Job, error) {
	return s.jobsInBatchFiltered(batchID, func(j *types.Job) bool {
		return j.Status == types.JobPendingSigning
	})
}

// FindSignedJobs returns the batch's Generated jobs in creation order.
func (s *Store) FindSignedJobs(_ context.Context, batchID string) ([]*types.Job, error) {
	return s.jobsInBatchFiltered(batchID, func(j *types.Job) bool {
		return j.Status == types.JobGenerated
	})
}

// ClaimPending transitions up to limit of the oldest Pending jobs to
// Processing inside a single write transaction and returns the claimed
// jobs.
func (s *Store) ClaimPending(_ context.Context, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []*types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(jobsBucket)
		var pending []*types.Job
		if err := bkt.ForEach(func(_, v []byte) error {
			j := &types.Job{}
			if err := json.Unmarshal(v, j); err != nil {
				return errors.Wrap(err, "could not decode job")
			}
			if j.Status == types.JobPending {
				pending = append(pending, j)
			}
			return nil
		}); err != nil {
			return err
		}
		sort.Slice(pending, func(i, k int) bool {
			return pending[i].CreatedAt.Before(pending[k].CreatedAt)
		})
		if len(pending) > limit {
			pending = pending[:limit]
		}
		for _, j := range pending {
			j.Status = types.JobProcessing
			enc, err := json.Marshal(j)
			if err != nil {
				return errors.Wrap(err, "could not encode job")
			}
			if err := bkt.Put([]byte(j.ID), enc); err != nil {
				return err
			}
		}
		claimed = pending
		return nil
	})
	return claimed, err
}

// UpdateJobStatus transitions a job between statuses, failing with
// db.ErrWrongState if the job is no longer in the expected state.
func (s *Store) UpdateJobStatus(_ context.Context, jobID string, from, to types.JobStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(jobsBucket)
		raw := bkt.Get([]byte(jobID))
		if raw == nil {
			return db.ErrNotFound
		}
		j := &types.Job{}
		if err := json.Unmarshal(raw, j); err != nil {
			return errors.Wrap(err, "could not decode job")
		}
		if j.Status != from {
			return db.ErrWrongState
		}
		j.Status = to
		enc, err := json.Marshal(j)
		if err != nil {
			return errors.Wrap(err, "could not encode job")
		}
		return bkt.Put([]byte(jobID), enc)
	})
}

// mutateBatch applies fn to a batch inside a single write transaction.
// fn returning an error aborts the write.
func (s *Store) mutateBatch(batchID string, fn func(*types.Batch) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(batchesBucket)
		raw := bkt.Get([]byte(batchID))
		if raw == nil {
			return db.ErrNotFound
		}
		b := &types.Batch{}
		if err := json.Unmarshal(raw, b); err != nil {
			return errors.Wrap(err, "could not decode batch")
		}
		if err := fn(b); err != nil {
			return err
		}
		enc, err := json.Marshal(b)
		if err != nil {
			return errors.Wrap(err, "could not encode batch")
		}
		return bkt.Put([]byte(batchID), enc)
	})
}

// FinalizeBatch records the intermediate root on a batch that carries
// none yet.
func (s *Store) FinalizeBatch(_ context.Context, batchID, root string, finalizedAt time.Time) error {
	return s.mutateBatch(batchID, func(b *types.Batch) error {
		if b.MerkleRoot != "" {
			return errors.Wrapf(db.ErrWrongState, "batch %s is already finalized", batchID)
		}
		b.MerkleRoot = root
		b.SigningStatus = types.SigningFinalized
		b.FinalizedAt = &finalizedAt
		return nil
	})
}

// SetBatchUltimate records the ultimate root and proof on a finalized
// batch with no ultimate root yet.
func (s *Store) SetBatchUltimate(_ context.Context, batchID, root string, proof []string) error {
	return s.mutateBatch(batchID, func(b *types.Batch) error {
		if b.MerkleRoot == "" || b.MerkleRootUltimate != "" {
			return errors.Wrapf(db.ErrWrongState, "batch %s already carries an ultimate root", batchID)
		}
		b.MerkleRootUltimate = root
		b.MerkleProofUltimate = proof
		return nil
	})
}

// SetBatchAnchor records the anchoring transaction on an unanchored batch.
func (s *Store) SetBatchAnchor(_ context.Context, batchID, txHash, network string, blockNumber uint64) error {
	return s.mutateBatch(batchID, func(b *types.Batch) error {
		if b.MerkleRootUltimate == "" || b.TxHash != "" {
			return errors.Wrapf(db.ErrWrongState, "batch %s is already anchored", batchID)
		}
		b.TxHash = txHash
		b.Network = network
		b.BlockNumber = blockNumber
		return nil
	})
}

// UpdateBatchStatus transitions a batch between statuses, failing with
// db.ErrWrongState if the batch is no longer in the expected status.
func (s *Store) UpdateBatchStatus(_ context.Context, batchID string, from, to types.BatchStatus) error {
	return s.mutateBatch(batchID, func(b *types.Batch) error {
		if b.Status != from {
			return errors.Wrapf(db.ErrWrongState, "batch %s is not %s", batchID, from)
		}
		b.Status = to
		return nil
	})
}

// FindBatchesAwaitingMRI returns batches without an intermediate root whose
// jobs are all signed (at least one Generated, none still pending work).
func (s *Store) FindBatchesAwaitingMRI(ctx context.Context) ([]*types.Batch, error) {
	batches, err := s.allBatches()
	if err != nil {
		return nil, err
	}
	var out []*types.Batch
	for _, b := range batches {
		if b.MerkleRoot != "" {
			continue
		}
		jobs, err := s.JobsInBatch(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		generated := 0
		blocked := false
		for _, j := range jobs {
			switch j.Status {
			case types.JobGenerated:
				generated++
			case types.JobPending, types.JobProcessing, types.JobPendingSigning:
				blocked = true
			}
		}
		if generated > 0 && !blocked {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// FindBatchesAwaitingMRU returns finalized batches lacking an ultimate
// root, oldest finalizedAt first.
func (s *Store) FindBatchesAwaitingMRU(_ context.Context, limit int) ([]*types.Batch, error) {
	batches, err := s.allBatches()
	if err != nil {
		return nil, err
	}
	var out []*types.Batch
	for _, b := range batches {
		if b.SigningStatus == types.SigningFinalized && b.MerkleRootUltimate == "" {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		ti, tk := out[i].FinalizedAt, out[k].FinalizedAt
		switch {
		case ti == nil:
			return false
		case tk == nil:
			return true
		}
		return ti.Before(*tk)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindBatchesAwaitingAnchor returns batches with an ultimate root but no
// anchor transaction yet, oldest finalizedAt first.
func (s *Store) FindBatchesAwaitingAnchor(_ context.Context, limit int) ([]*types.Batch, error) {
	batches, err := s.allBatches()
	if err != nil {
		return nil, err
	}
	var out []*types.Batch
	for _, b := range batches {
		if b.MerkleRootUltimate != "" && b.TxHash == "" {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		ti, tk := out[i].FinalizedAt, out[k].FinalizedAt
		switch {
		case ti == nil:
			return false
		case tk == nil:
			return true
		}
		return ti.Before(*tk)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindJobsAwaitingQR returns Generated jobs of anchored batches that have
// no QR artifact yet.
func (s *Store) FindJobsAwaitingQR(ctx context.Context, limit int) ([]*types.Job, error) {
	return s.findJobsJoined(ctx, limit, func(j *types.Job, b *types.Batch) bool {
		return j.Status == types.JobGenerated &&
			j.QRCodePath == "" &&
			b.MerkleRootUltimate != "" &&
			b.TxHash != ""
	})
}

// FindJobsAwaitingPDFAugment returns Generated jobs with a QR artifact and
// original PDF but no augmented PDF.
func (s *Store) FindJobsAwaitingPDFAugment(ctx context.Context, limit int) ([]*types.Job, error) {
	return s.findJobsJoined(ctx, limit, func(j *types.Job, b *types.Batch) bool {
		return j.Status == types.JobGenerated &&
			j.QRCodePath != "" &&
			j.CertificateWithQRPath == "" &&
			j.CertificatePath != ""
	})
}

func (s *Store) findJobsJoined(ctx context.Context, limit int, keep func(*types.Job, *types.Batch) bool) ([]*types.Job, error) {
	var jobs []*types.Job
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(_, v []byte) error {
			j := &types.Job{}
			if err := json.Unmarshal(v, j); err != nil {
				return errors.Wrap(err, "could not decode job")
			}
			jobs = append(jobs, j)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	batches := map[string]*types.Batch{}
	var out []*types.Job
	for _, j := range jobs {
		b, ok := batches[j.BatchID]
		if !ok {
			var err error
			b, err = s.Batch(ctx, j.BatchID)
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					continue
				}
				return nil, err
			}
			batches[j.BatchID] = b
		}
		if keep(j, b) {
			out = append(out, j)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) jobsInBatchFiltered(batchID string, keep func(*types.Job) bool) ([]*types.Job, error) {
	var out []*types.Job
	if err := s.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(jobsBucket)
		c := tx.Bucket(jobsByBatchBucket).Cursor()
		prefix := batchIndexPrefix(batchID)
		for k, id := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, id = c.Next() {
			raw := jobs.Get(id)
			if raw == nil {
				continue
			}
			j := &types.Job{}
			if err := json.Unmarshal(raw, j); err != nil {
				return errors.Wrap(err, "could not decode job")
			}
			if keep == nil || keep(j) {
				out = append(out, j)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

func (s *Store) allBatches() ([]*types.Batch, error) {
	var out []*types.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(batchesBucket).ForEach(func(_, v []byte) error {
			b := &types.Batch{}
			if err := json.Unmarshal(v, b); err != nil {
				return errors.Wrap(err, "could not decode batch")
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

func (s *Store) put(bucket []byte, id string, v interface{}) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "could not encode record")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(id), enc)
	})
}

func (s *Store) get(bucket []byte, id string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(id))
		if raw == nil {
			return db.ErrNotFound
		}
		return json.Unmarshal(raw, v)
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
