// Package types defines the entities flowing through the issuance pipeline.
// Stages never share mutable objects; they exchange these records through
// the store and the storage gateway only.
package types

import (
	"time"
)

// JobStatus tracks a job through the issuance state machine.
type JobStatus string

// Job lifecycle states.
const (
	JobPending        JobStatus = "Pending"
	JobProcessing     JobStatus = "Processing"
	JobPendingSigning JobStatus = "PendingSigning"
	JobGenerated      JobStatus = "Generated"
	JobFailed         JobStatus = "Failed"
)

// BatchStatus tracks a batch as a whole.
type BatchStatus string

// Batch lifecycle states.
const (
	BatchPending    BatchStatus = "Pending"
	BatchProcessing BatchStatus = "Processing"
	BatchCompleted  BatchStatus = "Completed"
	BatchFailed     BatchStatus = "Failed"
)

// SigningStatus tracks the signature collection lifecycle of a batch.
type SigningStatus string

// Batch signing states.
const (
	SigningPending   SigningStatus = "PendingSigning"
	SigningSigned    SigningStatus = "Signed"
	SigningFinalized SigningStatus = "Finalized"
)

// Tenant is an issuing organization. Its public key serves as the
// verification fallback when a batch does not carry one.
type Tenant struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	IssuerPublicKey string `json:"issuerPublicKey,omitempty"`
}

// Placement positions the QR image on a page. Units are CSS pixels unless
// stated otherwise; conversion to PDF points happens at draw time.
type Placement struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Page   int     `json:"page"`
}

// Template holds the HTML source a certificate is rendered from.
type Template struct {
	ID          string     `json:"id"`
	HTML        string     `json:"html"`
	Params      []string   `json:"params,omitempty"`
	QRPlacement *Placement `json:"qrPlacement,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Batch groups jobs that share a template, expiries and one intermediate
// Merkle tree. Once MerkleRoot is set it never changes; once
// MerkleRootUltimate is set the ultimate proof is non-nil.
type Batch struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenantId"`
	TemplateID string      `json:"templateId"`
	Status     BatchStatus `json:"status"`

	ExpiryDate         *time.Time `json:"expiryDate,omitempty"`
	InvalidationExpiry *time.Time `json:"invalidationExpiry,omitempty"`

	IssuerPublicKey string `json:"issuerPublicKey,omitempty"`
	// SigningKey enables batch-scoped auto signing during generation.
	// Never included in bundles or payloads.
	SigningKey string `json:"signingKey,omitempty"`

	MerkleRoot          string   `json:"merkleRoot,omitempty"`
	MerkleRootUltimate  string   `json:"merkleRootUltimate,omitempty"`
	MerkleProofUltimate []string `json:"merkleProofUltimate,omitempty"`

	TxHash      string `json:"txHash,omitempty"`
	Network     string `json:"network,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`

	SigningStatus SigningStatus `json:"signingStatus"`
	FinalizedAt   *time.Time    `json:"finalizedAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Job is a single certificate issued from a batch.
type Job struct {
	ID      string                 `json:"id"`
	BatchID string                 `json:"batchId"`
	Data    map[string]interface{} `json:"data,omitempty"`

	Status       JobStatus `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`

	CertificatePath       string `json:"certificatePath,omitempty"`
	QRCodePath            string `json:"qrCodePath,omitempty"`
	CertificateWithQRPath string `json:"certificateWithQRPath,omitempty"`

	DocumentHash        string `json:"documentHash,omitempty"`
	DataHash            string `json:"dataHash,omitempty"`
	DocumentFingerprint string `json:"documentFingerprint,omitempty"`
	FingerprintHash     string `json:"fingerprintHash,omitempty"`
	IssuerSignature     string `json:"issuerSignature,omitempty"`
	MerkleLeaf          string `json:"merkleLeaf,omitempty"`

	MerkleProofIntermediate []string `json:"merkleProofIntermediate,omitempty"`
	MerkleProofUltimate     []string `json:"merkleProofUltimate,omitempty"`

	VerificationBundle *Bundle `json:"verificationBundle,omitempty"`
	QRPayloadFragment  string  `json:"qrPayloadFragment,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Bundle is the verification bundle (VD) embedded in augmented PDFs and
// returned over the wire. Hex values are lowercase without a 0x prefix;
// dates are ISO-8601 UTC or null.
type Bundle struct {
	DocumentHash            string   `json:"documentHash"`
	DocumentFingerprint     string   `json:"documentFingerprint"`
	FingerprintHash         string   `json:"fingerprintHash"`
	IssuerSignature         string   `json:"issuerSignature"`
	MerkleLeaf              string   `json:"merkleLeaf"`
	ExpiryDate              *string  `json:"expiryDate"`
	InvalidationExpiry      *string  `json:"invalidationExpiry"`
	IssuerID                string   `json:"issuerId"`
	IssuerPublicKey         string   `json:"issuerPublicKey"`
	MerkleProofIntermediate []string `json:"merkleProofIntermediate"`
	MerkleRootIntermediate  string   `json:"merkleRootIntermediate"`
	MerkleRootUltimate      string   `json:"merkleRootUltimate"`
	MerkleProofUltimate     []string `json:"merkleProofUltimate"`
	TxHash                  string   `json:"txHash"`
	Network                 string   `json:"network"`
}

// ISOTime renders t as the ISO-8601 UTC string used in bundles, or nil for
// a missing timestamp.
func ISOTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format("2006-01-02T15:04:05.000Z")
	return &s
}
