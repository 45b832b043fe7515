package verify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/container/merkle"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/hash"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/signature"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/encoding/fingerprint"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/anchor"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/augment"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/pdf"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/assert"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/require"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

type stubChain struct {
	err    error
	result *anchor.VerifyResult
}

func (c *stubChain) VerifyTransaction(_ context.Context, _ string, expectedRoot [32]byte) (*anchor.VerifyResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.result != nil {
		return c.result, nil
	}
	return &anchor.VerifyResult{
		Verified:      true,
		BlockNumber:   42,
		RootFromEvent: hash.EncodeHex(expectedRoot[:]),
		RootMatches:   true,
	}, nil
}

// issueTestCertificate walks the whole issuance chain for one job and
// returns the augmented candidate plus its bundle.
func issueTestCertificate(t *testing.T) ([]byte, *types.Bundle, string) {
	b := pdf.NewBuilder()
	b.AddLine("Certificate of Achievement")
	b.AddLine("Awarded to Dana")
	doc, err := b.Build(augment.Producer, augment.Creator, time.Now())
	require.NoError(t, err)
	original, err := doc.Write()
	require.NoError(t, err)

	docHash := hash.Keccak256Hex(original)
	fp, err := fingerprint.New(docHash, nil, nil)
	require.NoError(t, err)
	digest := fp.Hash()

	sig, err := signature.Sign(digest, testKey)
	require.NoError(t, err)
	pubKey, err := signature.PublicKeyFromPrivate(testKey)
	require.NoError(t, err)

	sigBytes, err := hash.DecodeHex(sig)
	require.NoError(t, err)
	leaf := hash.Keccak256(sigBytes)
	sibling := hash.Keccak256([]byte("other job leaf"))

	tree, err := merkle.NewSortedTree([][32]byte{leaf, sibling})
	require.NoError(t, err)
	mri := tree.Root()
	mpi, err := tree.Proof(leaf)
	require.NoError(t, err)

	// Single-batch ultimate set: the tree is padded with keccak256(MRI).
	pad := hash.Keccak256(mri[:])
	ultimate, err := merkle.NewSortedTree([][32]byte{mri, pad})
	require.NoError(t, err)
	mru := ultimate.Root()
	mpu, err := ultimate.Proof(mri)
	require.NoError(t, err)

	bundle := &types.Bundle{
		DocumentHash:            docHash,
		DocumentFingerprint:     fp.Hex(),
		FingerprintHash:         digest,
		IssuerSignature:         sig,
		MerkleLeaf:              hash.EncodeHex(leaf[:]),
		IssuerID:                "tenant-1",
		IssuerPublicKey:         pubKey,
		MerkleProofIntermediate: hexProof(mpi),
		MerkleRootIntermediate:  hash.EncodeHex(mri[:]),
		MerkleRootUltimate:      hash.EncodeHex(mru[:]),
		MerkleProofUltimate:     hexProof(mpu),
		TxHash:                  "0xabc123",
		Network:                 "amoy",
	}

	out, err := (&augment.Augmentor{}).Augment(original, bundle, "https://verify.example/verify?jobId=j1", nil)
	require.NoError(t, err)
	return out, bundle, pubKey
}

func hexProof(proof [][32]byte) []string {
	out := make([]string, len(proof))
	for i, p := range proof {
		out[i] = hash.EncodeHex(p[:])
	}
	return out
}

func TestVerify_ValidCertificate(t *testing.T) {
	candidate, _, _ := issueTestCertificate(t)

	res := New(Options{Chain: &stubChain{}}).Verify(context.Background(), candidate)
	assert.Equal(t, true, res.Valid)
	assert.Equal(t, 0, len(res.Errors))
	assert.Equal(t, StepOK, res.Steps["signature"])
	assert.Equal(t, StepOK, res.Steps["proofIntermediate"])
	assert.Equal(t, StepOK, res.Steps["proofUltimate"])
	assert.Equal(t, StepOK, res.Steps["chainAnchor"])
	assert.Equal(t, StepOK, res.Steps["integrity"])
	require.NotNil(t, res.Anchor)
	assert.Equal(t, true, res.Anchor.RootMatches)
	assert.Equal(t, uint64(42), res.Anchor.BlockNumber)
}

func TestVerify_NoChainBackendIsWarning(t *testing.T) {
	candidate, _, _ := issueTestCertificate(t)

	res := New(Options{}).Verify(context.Background(), candidate)
	assert.Equal(t, true, res.Valid)
	assert.Equal(t, StepSkipped, res.Steps["chainAnchor"])
	require.Equal(t, true, len(res.Warnings) > 0)
}

func TestVerify_AnchorMismatchIsError(t *testing.T) {
	candidate, _, _ := issueTestCertificate(t)

	mismatch := &anchor.VerifyResult{
		BlockNumber:   7,
		RootFromEvent: strings.Repeat("ab", 32),
		ExplorerURL:   "https://amoy.polygonscan.com/tx/0xff",
	}
	res := New(Options{Chain: &stubChain{result: mismatch}}).Verify(context.Background(), candidate)
	assert.Equal(t, false, res.Valid)
	assert.Equal(t, StepFailed, res.Steps["chainAnchor"])
	require.NotNil(t, res.Anchor)
	assert.Equal(t, mismatch.ExplorerURL, res.Anchor.ExplorerURL)
	// The failure message surfaces the recorded root and block.
	found := false
	for _, msg := range res.Errors {
		if strings.Contains(msg, mismatch.RootFromEvent) && strings.Contains(msg, "block 7") {
			found = true
		}
	}
	assert.Equal(t, true, found)
}

func TestVerify_AnchorLookupFailureIsError(t *testing.T) {
	candidate, _, _ := issueTestCertificate(t)

	res := New(Options{Chain: &stubChain{err: errors.New("rpc unavailable")}}).Verify(context.Background(), candidate)
	assert.Equal(t, false, res.Valid)
	assert.Equal(t, StepFailed, res.Steps["chainAnchor"])
}

func TestVerify_TamperedSignatureIsError(t *testing.T) {
	candidate, bundle, _ := issueTestCertificate(t)

	// Re-augment with a corrupted signature byte.
	doc, err := pdf.Parse(candidate)
	require.NoError(t, err)
	atts := doc.ExtractAttachments()
	var original []byte
	for _, a := range atts {
		if a.Name == augment.OriginalAttachmentName {
			original = a.Data
		}
	}
	require.NotNil(t, original)
	tampered := *bundle
	tampered.IssuerSignature = flipLastNibble(bundle.IssuerSignature)
	out, err := (&augment.Augmentor{}).Augment(original, &tampered, "payload", nil)
	require.NoError(t, err)

	res := New(Options{Chain: &stubChain{}}).Verify(context.Background(), out)
	assert.Equal(t, false, res.Valid)
	assert.Equal(t, StepFailed, res.Steps["signature"])
}

func flipLastNibble(hexStr string) string {
	last := hexStr[len(hexStr)-1]
	repl := byte('0')
	if last == '0' {
		repl = '1'
	}
	return hexStr[:len(hexStr)-1] + string(repl)
}

func TestVerify_IncrementalUpdateDetected(t *testing.T) {
	candidate, _, _ := issueTestCertificate(t)

	// Simulate a post-issuance edit: an incremental update that adds an
	// annotation to the page.
	doc, err := pdf.Parse(candidate)
	require.NoError(t, err)
	pages, err := doc.Pages()
	require.NoError(t, err)
	pages[0]["Annots"] = append(doc.ResolveArray(pages[0].Get("Annots")), pdf.Dict{
		"Type":     pdf.Name("Annot"),
		"Subtype":  pdf.Name("Text"),
		"Contents": pdf.String("edited"),
		"Rect":     pdf.Array{int64(0), int64(0), int64(10), int64(10)},
	})
	edited, err := doc.Write()
	require.NoError(t, err)
	// Splice: original file + the rewritten tail, mimicking the layout of
	// an incremental update with two startxref markers.
	tampered := append(append([]byte{}, candidate...), edited...)

	res := New(Options{Chain: &stubChain{}}).Verify(context.Background(), tampered)
	assert.Equal(t, false, res.Valid)
}

func TestVerify_MissingBundleIsError(t *testing.T) {
	b := pdf.NewBuilder()
	b.AddLine("plain document")
	doc, err := b.Build("SomeProducer", "SomeCreator", time.Now())
	require.NoError(t, err)
	raw, err := doc.Write()
	require.NoError(t, err)

	res := New(Options{}).Verify(context.Background(), raw)
	assert.Equal(t, false, res.Valid)
	assert.Equal(t, StepFailed, res.Steps["extractBundle"])
}

func TestVerify_DocHashMismatchIsWarning(t *testing.T) {
	candidate, bundle, _ := issueTestCertificate(t)

	// Re-issue with a bundle whose documentHash belongs to different bytes.
	doc, err := pdf.Parse(candidate)
	require.NoError(t, err)
	var original []byte
	for _, a := range doc.ExtractAttachments() {
		if a.Name == augment.OriginalAttachmentName {
			original = a.Data
		}
	}
	require.NotNil(t, original)

	other := *bundle
	otherHash := hash.Keccak256Hex([]byte("different bytes"))
	// Keep the fingerprint chain consistent with the stated hash so only
	// the document-hash comparison trips.
	fp, err := fingerprint.New(otherHash, nil, nil)
	require.NoError(t, err)
	other.DocumentHash = otherHash
	other.DocumentFingerprint = fp.Hex()
	other.FingerprintHash = fp.Hash()
	sig, err := signature.Sign(fp.Hash(), testKey)
	require.NoError(t, err)
	other.IssuerSignature = sig
	sigBytes, err := hash.DecodeHex(sig)
	require.NoError(t, err)
	leaf := hash.Keccak256(sigBytes)
	other.MerkleLeaf = hash.EncodeHex(leaf[:])
	tree, err := merkle.NewSortedTree([][32]byte{leaf})
	require.NoError(t, err)
	root := tree.Root()
	other.MerkleRootIntermediate = hash.EncodeHex(root[:])
	other.MerkleProofIntermediate = []string{}
	other.MerkleRootUltimate = other.MerkleRootIntermediate
	other.MerkleProofUltimate = []string{}

	out, err := (&augment.Augmentor{}).Augment(original, &other, "payload", nil)
	require.NoError(t, err)

	res := New(Options{Chain: &stubChain{}}).Verify(context.Background(), out)
	assert.Equal(t, true, res.Valid)
	found := false
	for _, w := range res.Warnings {
		if w == "document hash does not match the recovered original" {
			found = true
		}
	}
	assert.Equal(t, true, found)
}
