// Package sqlstore implements the issuance store on PostgreSQL. Records
// are persisted as JSONB documents with the columns the pipeline queries
// on mirrored alongside, so that the document stays the source of truth
// while claims and scans remain indexable. Concurrent workers are fenced
// with FOR UPDATE SKIP LOCKED rather than advisory locks.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/db"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
)

var log = logrus.WithField("prefix", "sqlstore")

//go:embed schema.sql
var schemaFile embed.FS

// Config holds the connection settings for the store.
type Config struct {
	URL            string
	MaxConnections int
	MaxIdle        int
	ConnMaxLife    time.Duration
}

// Store is a PostgreSQL-backed implementation of db.Store.
type Store struct {
	db *sql.DB
}

// NewStore opens a connection pool against cfg.URL and ensures the schema
// exists.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	conn, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "could not open database")
	}
	if cfg.MaxConnections > 0 {
		conn.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdle > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLife > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLife)
	}
	if err := conn.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "could not ping database")
	}
	schema, err := schemaFile.ReadFile("schema.sql")
	if err != nil {
		return nil, errors.Wrap(err, "could not read schema")
	}
	if _, err := conn.ExecContext(ctx, string(schema)); err != nil {
		return nil, errors.Wrap(err, "could not apply schema")
	}
	log.Debug("Connected to PostgreSQL store")
	return &Store{db: conn}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTenant upserts a tenant record.
func (s *Store) SaveTenant(ctx context.Context, t *types.Tenant) error {
	enc, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "could not encode tenant")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, record) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record`,
		t.ID, enc)
	return errors.Wrap(err, "could not save tenant")
}

// SaveTemplate upserts a template record.
func (s *Store) SaveTemplate(ctx context.Context, tpl *types.Template) error {
	enc, err := json.Marshal(tpl)
	if err != nil {
		return errors.Wrap(err, "could not encode template")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (id, record) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record`,
		tpl.ID, enc)
	return errors.Wrap(err, "could not save template")
}

// SaveBatch upserts a batch record together with its mirrored columns.
// A batch without an id gets one assigned.
func (s *Store) SaveBatch(ctx context.Context, b *types.Batch) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	enc, err := json.Marshal(b)
	if err != nil {
		return errors.Wrap(err, "could not encode batch")
	}
	var finalized *time.Time
	if b.FinalizedAt != nil {
		utc := b.FinalizedAt.UTC()
		finalized = &utc
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batches (id, status, signing_status, merkle_root, merkle_root_ultimate, tx_hash, finalized_at, created_at, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			signing_status = EXCLUDED.signing_status,
			merkle_root = EXCLUDED.merkle_root,
			merkle_root_ultimate = EXCLUDED.merkle_root_ultimate,
			tx_hash = EXCLUDED.tx_hash,
			finalized_at = EXCLUDED.finalized_at,
			created_at = EXCLUDED.created_at,
			record = EXCLUDED.record`,
		b.ID, string(b.Status), string(b.SigningStatus), b.MerkleRoot,
		b.MerkleRootUltimate, b.TxHash, finalized, b.CreatedAt.UTC(), enc)
	return errors.Wrap(err, "could not save batch")
}

// SaveJob upserts a job record together with its mirrored columns. A job
// without an id gets one assigned.
func (s *Store) SaveJob(ctx context.Context, j *types.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	enc, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "could not encode job")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, batch_id, status, issuer_signature, qr_code_path, certificate_path, certificate_qr_path, created_at, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			batch_id = EXCLUDED.batch_id,
			status = EXCLUDED.status,
			issuer_signature = EXCLUDED.issuer_signature,
			qr_code_path = EXCLUDED.qr_code_path,
			certificate_path = EXCLUDED.certificate_path,
			certificate_qr_path = EXCLUDED.certificate_qr_path,
			created_at = EXCLUDED.created_at,
			record = EXCLUDED.record`,
		j.ID, j.BatchID, string(j.Status), j.IssuerSignature, j.QRCodePath,
		j.CertificatePath, j.CertificateWithQRPath, j.CreatedAt.UTC(), enc)
	return errors.Wrap(err, "could not save job")
}

// Tenant returns the tenant with the given id.
func (s *Store) Tenant(ctx context.Context, id string) (*types.Tenant, error) {
	t := &types.Tenant{}
	if err := s.readRecord(ctx, `SELECT record FROM tenants WHERE id = $1`, id, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Template returns the template with the given id.
func (s *Store) Template(ctx context.Context, id string) (*types.Template, error) {
	tpl := &types.Template{}
	if err := s.readRecord(ctx, `SELECT record FROM templates WHERE id = $1`, id, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// Batch returns the batch with the given id.
func (s *Store) Batch(ctx context.Context, id string) (*types.Batch, error) {
	b := &types.Batch{}
	if err := s.readRecord(ctx, `SELECT record FROM batches WHERE id = $1`, id, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Job returns the job with the given id.
func (s *Store) Job(ctx context.Context, id string) (*types.Job, error) {
	j := &types.Job{}
	if err := s.readRecord(ctx, `SELECT record FROM jobs WHERE id = $1`, id, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) readRecord(ctx context.Context, query, id string, dst interface{}) error {
	var enc []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&enc)
	if err == sql.ErrNoRows {
		return db.ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "could not query record")
	}
	return errors.Wrap(json.Unmarshal(enc, dst), "could not decode record")
}

// ClaimPending atomically moves up to limit of the oldest Pending jobs to
// Processing and returns them. Competing claimers skip locked rows, so each
// job is handed to exactly one worker.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs SET
			status = $1,
			record = jsonb_set(record, '{status}', to_jsonb($1::text))
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $2
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING record`,
		string(types.JobProcessing), string(types.JobPending), limit)
	if err != nil {
		return nil, errors.Wrap(err, "could not claim pending jobs")
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}

// UpdateJobStatus transitions a job from one status to another. It returns
// db.ErrWrongState when another worker already moved the job on.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, from, to types.JobStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = $3,
			record = jsonb_set(record, '{status}', to_jsonb($3::text))
		WHERE id = $1 AND status = $2`,
		jobID, string(from), string(to))
	if err != nil {
		return errors.Wrap(err, "could not update job status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "could not read update result")
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return errors.Wrap(err, "could not check job existence")
	}
	if !exists {
		return errors.Wrapf(db.ErrNotFound, "job %s", jobID)
	}
	return errors.Wrapf(db.ErrWrongState, "job %s is not %s", jobID, from)
}

// FinalizeBatch records the intermediate root on a batch that carries
// none yet. The guard runs in the UPDATE predicate so concurrent
// finalizers race on the database, not in process memory.
func (s *Store) FinalizeBatch(ctx context.Context, batchID, root string, finalizedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET
			merkle_root = $2,
			signing_status = $3,
			finalized_at = $4,
			record = jsonb_set(jsonb_set(jsonb_set(record,
				'{merkleRoot}', to_jsonb($2::text)),
				'{signingStatus}', to_jsonb($3::text)),
				'{finalizedAt}', to_jsonb($4::timestamptz))
		WHERE id = $1 AND merkle_root = ''`,
		batchID, root, string(types.SigningFinalized), finalizedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "could not finalize batch")
	}
	return s.guardedBatchResult(ctx, res, batchID, "is already finalized")
}

// SetBatchUltimate records the ultimate root and proof on a finalized
// batch with no ultimate root yet.
func (s *Store) SetBatchUltimate(ctx context.Context, batchID, root string, proof []string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET
			merkle_root_ultimate = $2,
			record = jsonb_set(jsonb_set(record,
				'{merkleRootUltimate}', to_jsonb($2::text)),
				'{merkleProofUltimate}', to_jsonb($3::text[]))
		WHERE id = $1 AND merkle_root <> '' AND merkle_root_ultimate = ''`,
		batchID, root, pq.Array(proof))
	if err != nil {
		return errors.Wrap(err, "could not set ultimate root")
	}
	return s.guardedBatchResult(ctx, res, batchID, "already carries an ultimate root")
}

// SetBatchAnchor records the anchoring transaction on an unanchored batch.
func (s *Store) SetBatchAnchor(ctx context.Context, batchID, txHash, network string, blockNumber uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET
			tx_hash = $2,
			record = jsonb_set(jsonb_set(jsonb_set(record,
				'{txHash}', to_jsonb($2::text)),
				'{network}', to_jsonb($3::text)),
				'{blockNumber}', to_jsonb($4::bigint))
		WHERE id = $1 AND merkle_root_ultimate <> '' AND tx_hash = ''`,
		batchID, txHash, network, int64(blockNumber))
	if err != nil {
		return errors.Wrap(err, "could not record anchor")
	}
	return s.guardedBatchResult(ctx, res, batchID, "is already anchored")
}

// UpdateBatchStatus transitions a batch between statuses, failing with
// db.ErrWrongState if the batch is no longer in the expected status.
func (s *Store) UpdateBatchStatus(ctx context.Context, batchID string, from, to types.BatchStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET
			status = $3,
			record = jsonb_set(record, '{status}', to_jsonb($3::text))
		WHERE id = $1 AND status = $2`,
		batchID, string(from), string(to))
	if err != nil {
		return errors.Wrap(err, "could not update batch status")
	}
	return s.guardedBatchResult(ctx, res, batchID, "is not "+string(from))
}

func (s *Store) guardedBatchResult(ctx context.Context, res sql.Result, batchID, state string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "could not read update result")
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)`, batchID).Scan(&exists); err != nil {
		return errors.Wrap(err, "could not check batch existence")
	}
	if !exists {
		return errors.Wrapf(db.ErrNotFound, "batch %s", batchID)
	}
	return errors.Wrapf(db.ErrWrongState, "batch %s %s", batchID, state)
}

// JobsInBatch returns every job of a batch in creation order.
func (s *Store) JobsInBatch(ctx context.Context, batchID string) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM jobs WHERE batch_id = $1 ORDER BY created_at, id`,
		batchID)
	if err != nil {
		return nil, errors.Wrap(err, "could not query batch jobs")
	}
	return scanJobs(rows)
}

// FindPendingSignature returns the batch's jobs awaiting an external
// signature, in creation order.
func (s *Store) FindPendingSignature(ctx context.Context, batchID string) ([]*types.Job, error) {
	return s.jobsInBatchWithStatus(ctx, batchID, types.JobPendingSigning)
}

// FindSignedJobs returns the batch's Generated jobs in creation order.
func (s *Store) FindSignedJobs(ctx context.Context, batchID string) ([]*types.Job, error) {
	return s.jobsInBatchWithStatus(ctx, batchID, types.JobGenerated)
}

func (s *Store) jobsInBatchWithStatus(ctx context.Context, batchID string, st types.JobStatus) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM jobs
		WHERE batch_id = $1 AND status = $2
		ORDER BY created_at, id`,
		batchID, string(st))
	if err != nil {
		return nil, errors.Wrap(err, "could not query batch jobs")
	}
	return scanJobs(rows)
}

// FindBatchesAwaitingMRI returns batches without an intermediate root whose
// jobs are all signed (at least one Generated, none still pending work).
func (s *Store) FindBatchesAwaitingMRI(ctx context.Context) ([]*types.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.record FROM batches b
		WHERE b.merkle_root = ''
		AND EXISTS (
			SELECT 1 FROM jobs j WHERE j.batch_id = b.id AND j.status = $1
		)
		AND NOT EXISTS (
			SELECT 1 FROM jobs j WHERE j.batch_id = b.id AND j.status IN ($2, $3, $4)
		)
		ORDER BY b.created_at, b.id`,
		string(types.JobGenerated), string(types.JobPending),
		string(types.JobProcessing), string(types.JobPendingSigning))
	if err != nil {
		return nil, errors.Wrap(err, "could not query batches awaiting intermediate root")
	}
	return scanBatches(rows)
}

// FindBatchesAwaitingMRU returns finalized batches without an ultimate root,
// oldest finalization first.
func (s *Store) FindBatchesAwaitingMRU(ctx context.Context, limit int) ([]*types.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM batches
		WHERE signing_status = $1 AND merkle_root_ultimate = '' AND finalized_at IS NOT NULL
		ORDER BY finalized_at, id
		LIMIT $2`,
		string(types.SigningFinalized), limit)
	if err != nil {
		return nil, errors.Wrap(err, "could not query batches awaiting ultimate root")
	}
	return scanBatches(rows)
}

// FindBatchesAwaitingAnchor returns batches with an ultimate root but no
// anchor transaction yet, oldest finalization first.
func (s *Store) FindBatchesAwaitingAnchor(ctx context.Context, limit int) ([]*types.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM batches
		WHERE merkle_root_ultimate <> '' AND tx_hash = '' AND finalized_at IS NOT NULL
		ORDER BY finalized_at, id
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, errors.Wrap(err, "could not query batches awaiting anchor")
	}
	return scanBatches(rows)
}

// FindJobsAwaitingQR returns Generated jobs of anchored batches that have
// no QR artifact yet.
func (s *Store) FindJobsAwaitingQR(ctx context.Context, limit int) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.record FROM jobs j
		JOIN batches b ON b.id = j.batch_id
		WHERE j.status = $1
		AND j.qr_code_path = ''
		AND b.merkle_root_ultimate <> ''
		AND b.tx_hash <> ''
		ORDER BY j.created_at, j.id
		LIMIT $2`,
		string(types.JobGenerated), limit)
	if err != nil {
		return nil, errors.Wrap(err, "could not query jobs awaiting QR")
	}
	return scanJobs(rows)
}

// FindJobsAwaitingPDFAugment returns Generated jobs with a QR artifact and
// original PDF but no augmented PDF.
func (s *Store) FindJobsAwaitingPDFAugment(ctx context.Context, limit int) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM jobs
		WHERE status = $1
		AND qr_code_path <> ''
		AND certificate_path <> ''
		AND certificate_qr_path = ''
		ORDER BY created_at, id
		LIMIT $2`,
		string(types.JobGenerated), limit)
	if err != nil {
		return nil, errors.Wrap(err, "could not query jobs awaiting augmentation")
	}
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*types.Job, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			log.WithError(err).Error("Could not close rows")
		}
	}()
	var out []*types.Job
	for rows.Next() {
		var enc []byte
		if err := rows.Scan(&enc); err != nil {
			return nil, errors.Wrap(err, "could not scan job")
		}
		j := &types.Job{}
		if err := json.Unmarshal(enc, j); err != nil {
			return nil, errors.Wrap(err, "could not decode job")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "could not iterate jobs")
}

func scanBatches(rows *sql.Rows) ([]*types.Batch, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			log.WithError(err).Error("Could not close rows")
		}
	}()
	var out []*types.Batch
	for rows.Next() {
		var enc []byte
		if err := rows.Scan(&enc); err != nil {
			return nil, errors.Wrap(err, "could not scan batch")
		}
		b := &types.Batch{}
		if err := json.Unmarshal(enc, b); err != nil {
			return nil, errors.Wrap(err, "could not decode batch")
		}
		out = append(out, b)
	}
	return out, errors.Wrap(rows.Err(), "could not iterate batches")
}
