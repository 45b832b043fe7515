package scheduler

import (
	"context"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/container/merkle"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/hash"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/db"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
)

// tickIntermediate finalizes fully signed batches: it builds the batch's
// Merkle tree over the leaves in creation order, writes every job's proof
// and then the batch root, so a reader that observes the root also
// observes the proofs.
func (s *Service) tickIntermediate(ctx context.Context) error {
	batches, err := s.cfg.Store.FindBatchesAwaitingMRI(ctx)
	if err != nil {
		return errors.Wrap(err, "could not query batches awaiting intermediate root")
	}
	for _, batch := range batches {
		if err := s.finalizeBatch(ctx, batch); err != nil {
			return errors.Wrapf(err, "could not finalize batch %s", batch.ID)
		}
	}
	return nil
}

func (s *Service) finalizeBatch(ctx context.Context, batch *types.Batch) error {
	jobs, err := s.cfg.Store.FindSignedJobs(ctx, batch.ID)
	if err != nil {
		return errors.Wrap(err, "could not load signed jobs")
	}
	if len(jobs) == 0 {
		return nil
	}
	leaves := make([][32]byte, len(jobs))
	for i, job := range jobs {
		leaf, err := hash.DecodeHex32(job.MerkleLeaf)
		if err != nil {
			return errors.Wrapf(err, "job %s carries an invalid leaf", job.ID)
		}
		leaves[i] = leaf
	}
	tree, err := merkle.NewSortedTree(leaves)
	if err != nil {
		return errors.Wrap(err, "could not build intermediate tree")
	}
	for i, job := range jobs {
		proof, err := tree.ProofAt(i)
		if err != nil {
			return errors.Wrapf(err, "could not prove leaf of job %s", job.ID)
		}
		job.MerkleProofIntermediate = hexProof(proof)
		if err := s.cfg.Store.SaveJob(ctx, job); err != nil {
			return errors.Wrapf(err, "could not persist proof of job %s", job.ID)
		}
	}
	root := tree.Root()
	rootHex := hash.EncodeHex(root[:])
	now := time.Now().UTC()
	if err := s.cfg.Store.FinalizeBatch(ctx, batch.ID, rootHex, now); err != nil {
		if errors.Is(err, db.ErrWrongState) {
			log.WithField("batchId", batch.ID).Debug("Batch finalized by another worker")
			return nil
		}
		return errors.Wrap(err, "could not persist intermediate root")
	}
	batch.MerkleRoot = rootHex
	batch.SigningStatus = types.SigningFinalized
	batch.FinalizedAt = &now
	batchesFinalizedCount.Inc()
	log.WithFields(logrus.Fields{
		"batchId": batch.ID,
		"jobs":    len(jobs),
		"root":    batch.MerkleRoot,
	}).Info("Finalized batch")
	return nil
}

// tickUltimate builds the ultimate tree over newly finalized batches, then
// anchors every root that still lacks a transaction. Anchoring failures
// leave the roots in place; the batches come back through the
// awaiting-anchor query on the next tick.
func (s *Service) tickUltimate(ctx context.Context) error {
	if err := s.buildUltimate(ctx); err != nil {
		return err
	}
	return s.anchorPending(ctx)
}

func (s *Service) buildUltimate(ctx context.Context) error {
	batches, err := s.cfg.Store.FindBatchesAwaitingMRU(ctx, queryLimit)
	if err != nil {
		return errors.Wrap(err, "could not query batches awaiting ultimate root")
	}
	if len(batches) == 0 {
		return nil
	}
	leaves := make([][32]byte, len(batches))
	for i, batch := range batches {
		mri, err := hash.DecodeHex32(batch.MerkleRoot)
		if err != nil {
			return errors.Wrapf(err, "batch %s carries an invalid root", batch.ID)
		}
		leaves[i] = mri
	}
	// A lone batch anchors against a tree padded with the hash of its own
	// root, so the proof always carries at least one sibling.
	if len(leaves) == 1 {
		leaves = append(leaves, hash.Keccak256(leaves[0][:]))
	}
	tree, err := merkle.NewSortedTree(leaves)
	if err != nil {
		return errors.Wrap(err, "could not build ultimate tree")
	}
	root := tree.Root()
	rootHex := hash.EncodeHex(root[:])
	for i, batch := range batches {
		proof, err := tree.ProofAt(i)
		if err != nil {
			return errors.Wrapf(err, "could not prove root of batch %s", batch.ID)
		}
		if err := s.cfg.Store.SetBatchUltimate(ctx, batch.ID, rootHex, hexProof(proof)); err != nil {
			if errors.Is(err, db.ErrWrongState) {
				log.WithField("batchId", batch.ID).Debug("Ultimate root set by another worker")
				continue
			}
			return errors.Wrapf(err, "could not persist ultimate root on batch %s", batch.ID)
		}
		batch.MerkleRootUltimate = rootHex
		batch.MerkleProofUltimate = hexProof(proof)
	}
	log.WithFields(logrus.Fields{
		"batches": len(batches),
		"root":    rootHex,
	}).Info("Built ultimate tree")
	return nil
}

func (s *Service) anchorPending(ctx context.Context) error {
	batches, err := s.cfg.Store.FindBatchesAwaitingAnchor(ctx, queryLimit)
	if err != nil {
		return errors.Wrap(err, "could not query batches awaiting anchor")
	}
	if len(batches) == 0 {
		return nil
	}
	if s.cfg.Anchor == nil {
		log.WithField("batches", len(batches)).Debug("No anchorer configured; roots stay unanchored")
		return nil
	}
	// Batches sharing one ultimate root anchor as a group with a single
	// transaction. The query orders oldest first, so each group's first
	// batch carries the time window.
	var order []string
	groups := make(map[string][]*types.Batch)
	for _, batch := range batches {
		if _, seen := groups[batch.MerkleRootUltimate]; !seen {
			order = append(order, batch.MerkleRootUltimate)
		}
		groups[batch.MerkleRootUltimate] = append(groups[batch.MerkleRootUltimate], batch)
	}
	var firstErr error
	for _, rootHex := range order {
		if err := s.anchorGroup(ctx, rootHex, groups[rootHex]); err != nil {
			anchorFailuresCount.Inc()
			log.WithError(err).WithField("root", rootHex).Error("Anchoring failed; will retry")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Service) anchorGroup(ctx context.Context, rootHex string, batches []*types.Batch) error {
	root, err := hash.DecodeHex32(rootHex)
	if err != nil {
		return errors.Wrap(err, "invalid ultimate root")
	}
	window := time.Now().UTC()
	for _, batch := range batches {
		if batch.FinalizedAt != nil {
			window = *batch.FinalizedAt
			break
		}
	}
	res, err := s.cfg.Anchor.AnchorRoot(ctx, big.NewInt(window.Unix()), root)
	if err != nil {
		return errors.Wrap(err, "could not submit root")
	}
	rootsAnchoredCount.Inc()
	log.WithFields(logrus.Fields{
		"root":       rootHex,
		"txHash":     res.TxHash,
		"block":      res.BlockNumber,
		"timeWindow": window.Unix(),
		"batches":    len(batches),
	}).Info("Anchored ultimate root")
	for _, batch := range batches {
		if err := s.cfg.Store.SetBatchAnchor(ctx, batch.ID, res.TxHash, s.cfg.Network, res.BlockNumber); err != nil {
			if errors.Is(err, db.ErrWrongState) {
				log.WithField("batchId", batch.ID).Debug("Batch anchored by another worker")
				continue
			}
			return errors.Wrapf(err, "could not record anchor on batch %s", batch.ID)
		}
		batch.TxHash = res.TxHash
		batch.Network = s.cfg.Network
		batch.BlockNumber = res.BlockNumber
		if err := s.refreshBatchArtifacts(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// refreshBatchArtifacts rebuilds every job's verification bundle after an
// anchor and clears the augmented document path so the augment loop
// re-embeds the new bundle.
func (s *Service) refreshBatchArtifacts(ctx context.Context, batch *types.Batch) error {
	jobs, err := s.cfg.Store.JobsInBatch(ctx, batch.ID)
	if err != nil {
		return errors.Wrapf(err, "could not load jobs of batch %s", batch.ID)
	}
	for _, job := range jobs {
		if job.Status != types.JobGenerated {
			continue
		}
		job.MerkleProofUltimate = batch.MerkleProofUltimate
		job.VerificationBundle = s.buildBundle(ctx, job, batch)
		job.CertificateWithQRPath = ""
		if err := s.cfg.Store.SaveJob(ctx, job); err != nil {
			return errors.Wrapf(err, "could not refresh job %s", job.ID)
		}
	}
	return nil
}

func hexProof(proof [][32]byte) []string {
	out := make([]string, len(proof))
	for i, sib := range proof {
		out[i] = hash.EncodeHex(sib[:])
	}
	return out
}
