package scheduler

import (
	"context"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
)

// buildBundle assembles the verification bundle embedded into augmented
// certificates and served to verification portals. Proof slices are always
// non-nil so the JSON carries arrays, not nulls.
func (s *Service) buildBundle(ctx context.Context, job *types.Job, batch *types.Batch) *types.Bundle {
	return &types.Bundle{
		DocumentHash:            job.DocumentHash,
		DocumentFingerprint:     job.DocumentFingerprint,
		FingerprintHash:         job.FingerprintHash,
		IssuerSignature:         job.IssuerSignature,
		MerkleLeaf:              job.MerkleLeaf,
		ExpiryDate:              types.ISOTime(batch.ExpiryDate),
		InvalidationExpiry:      types.ISOTime(batch.InvalidationExpiry),
		IssuerID:                s.issuerID(batch),
		IssuerPublicKey:         s.issuerKeyFor(ctx, batch),
		MerkleProofIntermediate: notNil(job.MerkleProofIntermediate),
		MerkleRootIntermediate:  batch.MerkleRoot,
		MerkleRootUltimate:      batch.MerkleRootUltimate,
		MerkleProofUltimate:     notNil(batch.MerkleProofUltimate),
		TxHash:                  batch.TxHash,
		Network:                 batch.Network,
	}
}

func (s *Service) issuerID(batch *types.Batch) string {
	if batch.TenantID != "" {
		return batch.TenantID
	}
	return s.cfg.IssuerID
}

func notNil(proof []string) []string {
	if proof == nil {
		return []string{}
	}
	return proof
}
