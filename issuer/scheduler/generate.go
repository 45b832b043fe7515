package scheduler

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/hash"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/signature"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/encoding/contenthash"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/encoding/fingerprint"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/db"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/pdf"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
)

// tickGenerate claims Pending jobs and renders them on the bounded pool.
// Claimed ids are deduplicated in-process so a requeued job is never
// rendered twice concurrently.
func (s *Service) tickGenerate(ctx context.Context) error {
	jobs, err := s.cfg.Store.ClaimPending(ctx, claimLimit)
	if err != nil {
		return errors.Wrap(err, "could not claim pending jobs")
	}
	for _, job := range jobs {
		if !s.tryClaim(job.ID) {
			continue
		}
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.release(job.ID)
			return ctx.Err()
		}
		s.renders.Add(1)
		go s.generateJob(ctx, job)
	}
	return nil
}

func (s *Service) generateJob(ctx context.Context, job *types.Job) {
	defer func() {
		<-s.sem
		s.release(job.ID)
		s.renders.Done()
	}()
	if err := s.generate(ctx, job); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"jobId":   job.ID,
			"batchId": job.BatchID,
		}).Error("Certificate generation failed")
		job.Status = types.JobFailed
		job.ErrorMessage = err.Error()
		if saveErr := s.cfg.Store.SaveJob(ctx, job); saveErr != nil {
			log.WithError(saveErr).WithField("jobId", job.ID).Error("Could not record job failure")
		}
		jobsFailedCount.Inc()
	}
}

// generate renders the certificate, stores it and writes the crypto fields
// in one transition. With a batch-scoped signing key the job is signed
// immediately and skips the external intake.
func (s *Service) generate(ctx context.Context, job *types.Job) error {
	batch, err := s.cfg.Store.Batch(ctx, job.BatchID)
	if err != nil {
		return errors.Wrap(err, "could not load batch")
	}
	tpl, err := s.cfg.Store.Template(ctx, batch.TemplateID)
	if err != nil {
		return errors.Wrap(err, "could not load template")
	}

	pdfBytes, err := s.cfg.Renderer.Render(ctx, tpl, job.Data)
	if err != nil {
		return errors.Wrap(err, "could not render certificate")
	}
	docHash := hash.Keccak256Hex(pdfBytes)
	fp, err := fingerprint.New(docHash, batch.ExpiryDate, batch.InvalidationExpiry)
	if err != nil {
		return errors.Wrap(err, "could not build fingerprint")
	}

	key, err := s.cfg.Storage.Save(ctx, batch.TenantID, batch.ID, job.ID, pdfBytes)
	if err != nil {
		return errors.Wrap(err, "could not store certificate")
	}

	job.CertificatePath = key
	job.DocumentHash = docHash
	job.DataHash = s.contentHash(pdfBytes, job.ID)
	job.DocumentFingerprint = fp.Hex()
	job.FingerprintHash = fp.Hash()
	job.ErrorMessage = ""

	autoSigned := false
	if batch.SigningKey != "" {
		sigHex, err := signature.Sign(fp.Hash(), batch.SigningKey)
		if err != nil {
			return errors.Wrap(err, "could not auto-sign fingerprint hash")
		}
		sigBytes, err := hash.DecodeHex(sigHex)
		if err != nil {
			return errors.Wrap(err, "could not decode own signature")
		}
		leaf := hash.Keccak256(sigBytes)
		job.IssuerSignature = sigHex
		job.MerkleLeaf = hash.EncodeHex(leaf[:])
		job.Status = types.JobGenerated
		autoSigned = true
		if batch.IssuerPublicKey == "" {
			pub, err := signature.PublicKeyFromPrivate(batch.SigningKey)
			if err != nil {
				return errors.Wrap(err, "could not derive issuer public key")
			}
			batch.IssuerPublicKey = pub
		}
	} else {
		job.Status = types.JobPendingSigning
	}

	if batch.Status == types.BatchPending {
		batch.Status = types.BatchProcessing
	}
	if err := s.cfg.Store.SaveBatch(ctx, batch); err != nil {
		return errors.Wrap(err, "could not update batch")
	}
	if err := s.cfg.Store.SaveJob(ctx, job); err != nil {
		return errors.Wrap(err, "could not persist generated job")
	}
	jobsGeneratedCount.Inc()
	log.WithFields(logrus.Fields{
		"jobId":   job.ID,
		"batchId": batch.ID,
		"status":  job.Status,
	}).Info("Generated certificate")

	if autoSigned {
		s.maybeMarkBatchSigned(ctx, batch.ID)
	}
	return nil
}

// contentHash computes the best-effort text-layer hash. A certificate whose
// text cannot be recovered simply carries no dataHash.
func (s *Service) contentHash(pdfBytes []byte, jobID string) string {
	doc, err := pdf.Parse(pdfBytes)
	if err != nil {
		log.WithError(err).WithField("jobId", jobID).Debug("Skipping content hash")
		return ""
	}
	pages, err := doc.PageTexts()
	if err != nil {
		log.WithError(err).WithField("jobId", jobID).Debug("Skipping content hash")
		return ""
	}
	h, err := contenthash.Hash(pages)
	if err != nil {
		log.WithError(err).WithField("jobId", jobID).Debug("Skipping content hash")
		return ""
	}
	return h
}

// SubmitSignature accepts an externally produced signature over a job's
// fingerprint hash, derives the Merkle leaf from it and moves the job to
// Generated. The signature may arrive in compact, recoverable or DER form.
func (s *Service) SubmitSignature(ctx context.Context, jobID, sigHex string) error {
	job, err := s.cfg.Store.Job(ctx, jobID)
	if err != nil {
		return errors.Wrap(err, "could not load job")
	}
	if job.Status != types.JobPendingSigning {
		return errors.Wrapf(db.ErrWrongState, "job %s is %s", jobID, job.Status)
	}
	sigBytes, err := signature.Normalize(sigHex)
	if err != nil {
		return errors.Wrap(err, "invalid signature")
	}
	compact := hash.EncodeHex(sigBytes)

	batch, err := s.cfg.Store.Batch(ctx, job.BatchID)
	if err != nil {
		return errors.Wrap(err, "could not load batch")
	}
	if pub := s.issuerKeyFor(ctx, batch); pub != "" {
		if !signature.Verify(job.FingerprintHash, compact, pub) {
			return errors.New("signature does not verify against the issuer key")
		}
	} else if recovered, err := signature.RecoverPublicKey(job.FingerprintHash, sigHex); err == nil {
		// First recoverable signature pins the batch's issuer key.
		batch.IssuerPublicKey = recovered
		if err := s.cfg.Store.SaveBatch(ctx, batch); err != nil {
			return errors.Wrap(err, "could not capture issuer public key")
		}
	}

	leaf := hash.Keccak256(sigBytes)
	job.IssuerSignature = compact
	job.MerkleLeaf = hash.EncodeHex(leaf[:])
	if err := s.cfg.Store.SaveJob(ctx, job); err != nil {
		return errors.Wrap(err, "could not persist signature")
	}
	if err := s.cfg.Store.UpdateJobStatus(ctx, jobID, types.JobPendingSigning, types.JobGenerated); err != nil {
		return err
	}
	signaturesAcceptedCount.Inc()
	log.WithFields(logrus.Fields{
		"jobId":   jobID,
		"batchId": job.BatchID,
	}).Info("Accepted issuer signature")

	s.maybeMarkBatchSigned(ctx, job.BatchID)
	return nil
}

// maybeMarkBatchSigned flips the batch to Signed once no job is waiting on
// a signature. Finalization itself belongs to the intermediate loop.
func (s *Service) maybeMarkBatchSigned(ctx context.Context, batchID string) {
	pending, err := s.cfg.Store.FindPendingSignature(ctx, batchID)
	if err != nil {
		log.WithError(err).WithField("batchId", batchID).Error("Could not check signing progress")
		return
	}
	if len(pending) != 0 {
		return
	}
	batch, err := s.cfg.Store.Batch(ctx, batchID)
	if err != nil {
		log.WithError(err).WithField("batchId", batchID).Error("Could not load batch")
		return
	}
	if batch.SigningStatus == types.SigningSigned || batch.SigningStatus == types.SigningFinalized {
		return
	}
	batch.SigningStatus = types.SigningSigned
	if err := s.cfg.Store.SaveBatch(ctx, batch); err != nil {
		log.WithError(err).WithField("batchId", batchID).Error("Could not mark batch signed")
	}
}

// issuerKeyFor resolves the verification key: batch, then tenant, then the
// process-wide configured key.
func (s *Service) issuerKeyFor(ctx context.Context, batch *types.Batch) string {
	if batch.IssuerPublicKey != "" {
		return batch.IssuerPublicKey
	}
	if batch.TenantID != "" {
		if tenant, err := s.cfg.Store.Tenant(ctx, batch.TenantID); err == nil && tenant.IssuerPublicKey != "" {
			return tenant.IssuerPublicKey
		}
	}
	return s.cfg.IssuerPublicKey
}
