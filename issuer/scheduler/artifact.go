package scheduler

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/encoding/qrpayload"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/augment"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/db"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/render"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/storage"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
)

// tickQR renders the verification QR for jobs whose batch is anchored.
// A failed job is logged and retried on the next tick.
func (s *Service) tickQR(ctx context.Context) error {
	jobs, err := s.cfg.Store.FindJobsAwaitingQR(ctx, queryLimit)
	if err != nil {
		return errors.Wrap(err, "could not query jobs awaiting QR")
	}
	for _, job := range jobs {
		if err := s.generateQR(ctx, job); err != nil {
			log.WithError(err).WithField("jobId", job.ID).Error("QR generation failed; will retry")
		}
	}
	return nil
}

func (s *Service) generateQR(ctx context.Context, job *types.Job) error {
	batch, err := s.cfg.Store.Batch(ctx, job.BatchID)
	if err != nil {
		return errors.Wrap(err, "could not load batch")
	}
	tpl, err := s.cfg.Store.Template(ctx, batch.TemplateID)
	if err != nil {
		return errors.Wrap(err, "could not load template")
	}
	payload, err := qrpayload.Build(job, batch, tpl, s.issuerID(batch), s.issuerKeyFor(ctx, batch))
	if err != nil {
		return errors.Wrap(err, "could not build payload")
	}
	fragment, err := payload.Encode()
	if err != nil {
		return errors.Wrap(err, "could not encode payload")
	}
	contents, err := s.qrContents(payload, job.ID)
	if err != nil {
		return err
	}
	png, content, err := qrPNGWithFallback(contents, s.cfg.QR)
	if err != nil {
		return err
	}
	key, err := s.cfg.Storage.Save(ctx, batch.TenantID, batch.ID, job.ID, png,
		storage.WithFolder("qr-codes"), storage.WithExtension(".png"), storage.WithContentType("image/png"))
	if err != nil {
		return errors.Wrap(err, "could not store QR artifact")
	}
	job.QRCodePath = key
	job.QRPayloadFragment = fragment
	if err := s.cfg.Store.SaveJob(ctx, job); err != nil {
		return errors.Wrap(err, "could not persist QR artifact path")
	}
	qrArtifactsCount.Inc()
	log.WithFields(logrus.Fields{
		"jobId":        job.ID,
		"contentBytes": len(content),
	}).Info("Generated QR artifact")
	return nil
}

// qrContents lists the QR payload candidates in preference order. With a
// verification portal the short jobId link comes first; otherwise the full
// compressed payload does. The minimal jobId document closes every ladder.
func (s *Service) qrContents(p *qrpayload.Payload, jobID string) ([]string, error) {
	base := s.cfg.VerifyQRBaseURL
	if base == "" {
		base = s.cfg.VerifyBaseURL
	}
	var contents []string
	switch {
	case s.cfg.VerifyBaseURL != "":
		contents = append(contents, qrpayload.ShortLink(base, jobID))
	case base != "":
		link, err := qrpayload.Link(base, p)
		if err != nil {
			return nil, err
		}
		contents = append(contents, link, qrpayload.ShortLink(base, jobID))
	default:
		encoded, err := p.Encode()
		if err != nil {
			return nil, err
		}
		contents = append(contents, encoded)
	}
	return append(contents, qrpayload.MinimalFallback(jobID)), nil
}

// qrPNGWithFallback walks the candidate contents until one fits the QR
// capacity ladder and returns its PNG plus the chosen content.
func qrPNGWithFallback(contents []string, opts augment.QROptions) ([]byte, string, error) {
	for _, content := range contents {
		png, err := augment.QRPNG(content, opts)
		if errors.Is(err, augment.ErrContentTooLong) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return png, content, nil
	}
	return nil, "", errors.Wrap(augment.ErrContentTooLong, "no payload candidate fits")
}

// tickAugment embeds the verification bundle and QR into stored
// certificates and completes batches once every job carries an augmented
// document.
func (s *Service) tickAugment(ctx context.Context) error {
	jobs, err := s.cfg.Store.FindJobsAwaitingPDFAugment(ctx, queryLimit)
	if err != nil {
		return errors.Wrap(err, "could not query jobs awaiting augmentation")
	}
	for _, job := range jobs {
		if err := s.augmentJob(ctx, job); err != nil {
			augmentFailuresCount.Inc()
			log.WithError(err).WithField("jobId", job.ID).Error("Augmentation failed; will retry")
		}
	}
	return nil
}

func (s *Service) augmentJob(ctx context.Context, job *types.Job) error {
	batch, err := s.cfg.Store.Batch(ctx, job.BatchID)
	if err != nil {
		return errors.Wrap(err, "could not load batch")
	}
	tpl, err := s.cfg.Store.Template(ctx, batch.TemplateID)
	if err != nil {
		return errors.Wrap(err, "could not load template")
	}
	original, err := s.cfg.Storage.Load(ctx, job.CertificatePath)
	if err != nil {
		return errors.Wrap(err, "could not load original certificate")
	}

	bundle := s.buildBundle(ctx, job, batch)
	payload, err := qrpayload.Build(job, batch, tpl, s.issuerID(batch), s.issuerKeyFor(ctx, batch))
	if err != nil {
		return errors.Wrap(err, "could not build payload")
	}
	contents, err := s.qrContents(payload, job.ID)
	if err != nil {
		return err
	}

	augmentor := &augment.Augmentor{QR: s.pdfQROptions()}
	placement := render.PlacementFromTemplate(tpl)
	var augmented []byte
	for _, content := range contents {
		augmented, err = augmentor.Augment(original, bundle, content, placement)
		if errors.Is(err, augment.ErrContentTooLong) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "could not augment certificate")
		}
		break
	}
	if augmented == nil {
		return errors.Wrap(augment.ErrContentTooLong, "no payload candidate fits")
	}

	key, err := s.cfg.Storage.Save(ctx, batch.TenantID, batch.ID, job.ID+"-with-qr", augmented,
		storage.WithFolder("qr-embedded-certificates"))
	if err != nil {
		return errors.Wrap(err, "could not store augmented certificate")
	}
	job.CertificateWithQRPath = key
	job.VerificationBundle = bundle
	if err := s.cfg.Store.SaveJob(ctx, job); err != nil {
		return errors.Wrap(err, "could not persist augmented certificate path")
	}
	augmentedCount.Inc()
	log.WithFields(logrus.Fields{
		"jobId":   job.ID,
		"batchId": batch.ID,
		"url":     s.cfg.Storage.PublicURL(key),
	}).Info("Augmented certificate")

	return s.maybeCompleteBatch(ctx, batch)
}

// maybeCompleteBatch marks the batch Completed once it is anchored and
// every surviving job carries an augmented document.
func (s *Service) maybeCompleteBatch(ctx context.Context, batch *types.Batch) error {
	if batch.TxHash == "" || batch.Status == types.BatchCompleted {
		return nil
	}
	jobs, err := s.cfg.Store.JobsInBatch(ctx, batch.ID)
	if err != nil {
		return errors.Wrapf(err, "could not load jobs of batch %s", batch.ID)
	}
	augmented := 0
	for _, job := range jobs {
		switch job.Status {
		case types.JobFailed:
		case types.JobGenerated:
			if job.CertificateWithQRPath == "" {
				return nil
			}
			augmented++
		default:
			return nil
		}
	}
	if augmented == 0 {
		return nil
	}
	if err := s.cfg.Store.UpdateBatchStatus(ctx, batch.ID, types.BatchProcessing, types.BatchCompleted); err != nil {
		if errors.Is(err, db.ErrWrongState) {
			log.WithField("batchId", batch.ID).Debug("Batch completed by another worker")
			return nil
		}
		return errors.Wrapf(err, "could not complete batch %s", batch.ID)
	}
	batch.Status = types.BatchCompleted
	log.WithField("batchId", batch.ID).Info("Batch completed")
	return nil
}

// pdfQROptions widens the QR for in-document embedding so it survives
// print and rescan.
func (s *Service) pdfQROptions() augment.QROptions {
	opts := s.cfg.QR
	if s.cfg.PDFQRWidth > 0 {
		opts.Width = s.cfg.PDFQRWidth
	} else {
		opts.Width = augment.DefaultPDFPNGWidth
	}
	return opts
}
