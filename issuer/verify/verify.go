// Package verify inverts the issuance chain for a candidate PDF: recover
// the embedded original and verification bundle, recompute the crypto
// chain from document hash to ultimate Merkle root, check the on-chain
// anchor and run content-integrity heuristics. Findings split into errors,
// which reject the document, and warnings, which accept it with a caveat.
package verify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/container/merkle"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/hash"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/signature"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/encoding/fingerprint"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/anchor"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/augment"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/pdf"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/render"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
)

var log = logrus.WithField("prefix", "verify")

// Step outcomes recorded in Result.Steps.
const (
	StepOK      = "ok"
	StepFailed  = "failed"
	StepSkipped = "skipped"
	StepWarning = "warning"
)

// Result is the outcome of verifying one candidate document.
type Result struct {
	Valid    bool              `json:"valid"`
	Errors   []string          `json:"errors"`
	Warnings []string          `json:"warnings"`
	Steps    map[string]string `json:"steps"`
	// Anchor carries the on-chain lookup details when the anchor step
	// reached the chain, whatever its outcome.
	Anchor *anchor.VerifyResult `json:"anchor,omitempty"`
}

// ChainVerifier checks what a transaction anchored on chain.
type ChainVerifier interface {
	VerifyTransaction(ctx context.Context, txHash string, expectedRoot [32]byte) (*anchor.VerifyResult, error)
}

// Options configures a Verifier.
type Options struct {
	// IssuerPublicKey is the environment fallback signature key, used when
	// neither the bundle nor the QR payload names one.
	IssuerPublicKey string
	// QRPublicKey is the key carried by a scanned QR payload, if any.
	QRPublicKey string
	// Chain checks the anchor transaction. A nil Chain downgrades step 9
	// to a warning.
	Chain ChainVerifier
	// MaxDateDelta bounds the Info date drift heuristic.
	MaxDateDelta time.Duration
}

// Verifier validates augmented certificate PDFs.
type Verifier struct {
	opts Options
}

// New returns a Verifier with the given options.
func New(opts Options) *Verifier {
	if opts.MaxDateDelta <= 0 {
		opts.MaxDateDelta = 60 * time.Second
	}
	return &Verifier{opts: opts}
}

// Verify runs the full verification chain over candidate.
func (v *Verifier) Verify(ctx context.Context, candidate []byte) *Result {
	res := &Result{Steps: map[string]string{}}
	fail := func(step, msg string) {
		res.Errors = append(res.Errors, msg)
		res.Steps[step] = StepFailed
	}
	warn := func(step, msg string) {
		res.Warnings = append(res.Warnings, msg)
		if _, set := res.Steps[step]; !set {
			res.Steps[step] = StepWarning
		}
	}

	outer, err := pdf.Parse(candidate)
	if err != nil {
		fail("parse", fmt.Sprintf("could not parse document: %v", err))
		return finish(res)
	}
	res.Steps["parse"] = StepOK

	attachments := outer.ExtractAttachments()

	original := findOriginal(attachments)
	if original == nil {
		warn("extractOriginal", "embedded original document not recovered; hashing the outer document")
	} else {
		res.Steps["extractOriginal"] = StepOK
	}

	bundle := findBundle(outer, attachments)
	if bundle == nil {
		fail("extractBundle", "no verification bundle found in document")
		return finish(res)
	}
	res.Steps["extractBundle"] = StepOK

	// Step 3: recompute the document hash.
	hashTarget := candidate
	if original != nil {
		hashTarget = original
	}
	computedDocHash := hash.Keccak256Hex(hashTarget)
	docHash := strings.ToLower(hash.TrimPrefix(bundle.DocumentHash))
	if docHash == "" {
		docHash = computedDocHash
		warn("documentHash", "bundle carries no document hash; using the recomputed one")
	} else if docHash != computedDocHash {
		warn("documentHash", "document hash does not match the recovered original")
	} else {
		res.Steps["documentHash"] = StepOK
	}

	// Step 4: rebuild the fingerprint and its digest.
	fp, err := rebuildFingerprint(docHash, bundle)
	if err != nil {
		fail("fingerprint", fmt.Sprintf("could not rebuild fingerprint: %v", err))
		return finish(res)
	}
	if bundle.DocumentFingerprint != "" && !strings.EqualFold(bundle.DocumentFingerprint, fp.Hex()) {
		fail("fingerprint", "document fingerprint does not match its parts")
	} else {
		res.Steps["fingerprint"] = StepOK
	}
	digest := fp.Hash()
	if bundle.FingerprintHash != "" && !strings.EqualFold(bundle.FingerprintHash, digest) {
		fail("fingerprintHash", "fingerprint hash mismatch")
	} else {
		res.Steps["fingerprintHash"] = StepOK
	}

	// Step 5: signature against the fingerprint digest.
	pubKey := firstNonEmpty(bundle.IssuerPublicKey, v.opts.QRPublicKey, v.opts.IssuerPublicKey)
	switch {
	case bundle.IssuerSignature == "":
		fail("signature", "bundle carries no issuer signature")
	case pubKey == "":
		warn("signature", "no issuer public key available; signature not checked")
		res.Steps["signature"] = StepSkipped
	case !signature.Verify(digest, bundle.IssuerSignature, pubKey):
		fail("signature", "issuer signature does not verify against the fingerprint hash")
	default:
		res.Steps["signature"] = StepOK
	}

	// Step 6: leaf derivation.
	leaf, ok := v.checkLeaf(res, fail, bundle)

	// Steps 7 and 8: Merkle proofs.
	if ok {
		v.checkProofs(res, fail, bundle, leaf)
	}

	// Step 9: on-chain anchor.
	v.checkAnchor(ctx, res, fail, warn, bundle)

	// Step 10: integrity heuristics.
	if original != nil {
		v.checkIntegrity(res, fail, warn, candidate, outer, original)
	} else {
		res.Steps["integrity"] = StepSkipped
	}

	return finish(res)
}

func finish(res *Result) *Result {
	res.Valid = len(res.Errors) == 0
	if res.Errors == nil {
		res.Errors = []string{}
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	log.WithFields(logrus.Fields{
		"valid":    res.Valid,
		"errors":   len(res.Errors),
		"warnings": len(res.Warnings),
	}).Debug("Verification finished")
	return res
}

func (v *Verifier) checkLeaf(res *Result, fail func(string, string), bundle *types.Bundle) ([32]byte, bool) {
	sigBytes, err := hash.DecodeHex(bundle.IssuerSignature)
	if err != nil {
		fail("merkleLeaf", "issuer signature is not valid hex")
		return [32]byte{}, false
	}
	leaf := hash.Keccak256(sigBytes)
	if bundle.MerkleLeaf != "" && !strings.EqualFold(bundle.MerkleLeaf, hash.EncodeHex(leaf[:])) {
		fail("merkleLeaf", "merkle leaf does not match the signature hash")
		return leaf, false
	}
	res.Steps["merkleLeaf"] = StepOK
	return leaf, true
}

func (v *Verifier) checkProofs(res *Result, fail func(string, string), bundle *types.Bundle, leaf [32]byte) {
	mri, err := hash.DecodeHex32(bundle.MerkleRootIntermediate)
	if err != nil {
		fail("proofIntermediate", "intermediate merkle root is not valid hex")
		return
	}
	proofI, err := decodeProof(bundle.MerkleProofIntermediate)
	if err != nil {
		fail("proofIntermediate", "intermediate merkle proof is not valid hex")
		return
	}
	if !merkle.VerifyProof(leaf, proofI, mri) {
		fail("proofIntermediate", "intermediate merkle proof does not verify")
		return
	}
	res.Steps["proofIntermediate"] = StepOK

	if strings.EqualFold(bundle.MerkleRootIntermediate, bundle.MerkleRootUltimate) && len(bundle.MerkleProofUltimate) == 0 {
		res.Steps["proofUltimate"] = StepOK
		return
	}
	mru, err := hash.DecodeHex32(bundle.MerkleRootUltimate)
	if err != nil {
		fail("proofUltimate", "ultimate merkle root is not valid hex")
		return
	}
	proofU, err := decodeProof(bundle.MerkleProofUltimate)
	if err != nil {
		fail("proofUltimate", "ultimate merkle proof is not valid hex")
		return
	}
	if !merkle.VerifyProof(mri, proofU, mru) {
		fail("proofUltimate", "ultimate merkle proof does not verify")
		return
	}
	res.Steps["proofUltimate"] = StepOK
}

func (v *Verifier) checkAnchor(ctx context.Context, res *Result, fail, warn func(string, string), bundle *types.Bundle) {
	if v.opts.Chain == nil {
		warn("chainAnchor", "no chain backend configured; anchor not checked")
		res.Steps["chainAnchor"] = StepSkipped
		return
	}
	if bundle.TxHash == "" {
		warn("chainAnchor", "bundle carries no anchor transaction")
		res.Steps["chainAnchor"] = StepSkipped
		return
	}
	mru, err := hash.DecodeHex32(bundle.MerkleRootUltimate)
	if err != nil {
		fail("chainAnchor", "ultimate merkle root is not valid hex")
		return
	}
	vr, err := v.opts.Chain.VerifyTransaction(ctx, bundle.TxHash, mru)
	if err != nil {
		fail("chainAnchor", fmt.Sprintf("could not check anchor transaction: %v", err))
		return
	}
	res.Anchor = vr
	if !vr.Verified {
		switch {
		case vr.RootFromEvent == "":
			fail("chainAnchor", fmt.Sprintf("anchor transaction reverted or emitted no root (block %d)", vr.BlockNumber))
		default:
			fail("chainAnchor", fmt.Sprintf("anchored root %s in block %d does not match the bundle", vr.RootFromEvent, vr.BlockNumber))
		}
		return
	}
	res.Steps["chainAnchor"] = StepOK
}

func (v *Verifier) checkIntegrity(res *Result, fail, warn func(string, string), candidate []byte, outer *pdf.Document, original []byte) {
	origDoc, err := pdf.Parse(original)
	if err != nil {
		warn("integrity", "embedded original does not parse; integrity heuristics skipped")
		res.Steps["integrity"] = StepSkipped
		return
	}

	okSoFar := true
	outerTexts, errOuter := outer.PageTexts()
	origTexts, errOrig := origDoc.PageTexts()
	if errOuter == nil && errOrig == nil {
		if !equalTexts(outerTexts, origTexts) {
			fail("integrity", "visible text differs from the embedded original")
			okSoFar = false
		}
	}

	if !augment.HasMarker(outer) {
		warn("integrity", "verification marker annotation is missing")
	}
	if outer.AnnotationCount() > origDoc.AnnotationCount()+1 {
		fail("integrity", "annotations were added beyond the verification marker")
		okSoFar = false
	}
	if outer.ImageCount() > origDoc.ImageCount()+1 {
		fail("integrity", "images were added beyond the verification QR")
		okSoFar = false
	}

	created, okC := outer.InfoDate("CreationDate")
	modified, okM := outer.InfoDate("ModDate")
	if okC && okM {
		delta := modified.Sub(created)
		if delta < 0 {
			delta = -delta
		}
		if delta > v.opts.MaxDateDelta {
			warn("integrity", "document was modified after creation")
		}
	}

	if pdf.StartXrefCount(candidate) > 1 {
		warn("integrity", "document carries incremental updates")
	}

	if p := outer.InfoString("Producer"); p != "" && !knownProducer(p) {
		warn("integrity", fmt.Sprintf("unexpected document producer %q", p))
	}

	if okSoFar {
		if _, set := res.Steps["integrity"]; !set {
			res.Steps["integrity"] = StepOK
		}
	}
}

func equalTexts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if strings.Join(strings.Fields(a[i]), " ") != strings.Join(strings.Fields(b[i]), " ") {
			return false
		}
	}
	return true
}

func knownProducer(p string) bool {
	for _, known := range []string{augment.Producer, render.Producer, "pdf-lib"} {
		if strings.Contains(p, known) {
			return true
		}
	}
	return false
}

func decodeProof(proof []string) ([][32]byte, error) {
	out := make([][32]byte, 0, len(proof))
	for _, p := range proof {
		h, err := hash.DecodeHex32(p)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func rebuildFingerprint(docHash string, bundle *types.Bundle) (fingerprint.Fingerprint, error) {
	dh, err := hash.DecodeHex32(docHash)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	fp := fingerprint.Fingerprint{DocumentHash: dh}
	if bundle.ExpiryDate != nil {
		fp.ExpiryDate, err = fingerprint.EpochSeconds(*bundle.ExpiryDate)
		if err != nil {
			return fingerprint.Fingerprint{}, err
		}
	}
	if bundle.InvalidationExpiry != nil {
		fp.Invalidation, err = fingerprint.EpochSeconds(*bundle.InvalidationExpiry)
		if err != nil {
			return fingerprint.Fingerprint{}, err
		}
	}
	return fp, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
