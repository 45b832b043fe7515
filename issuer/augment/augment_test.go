package augment

import (
	"bytes"
	"testing"
	"time"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/pdf"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/assert"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/require"
)

func buildOriginal(t *testing.T) []byte {
	b := pdf.NewBuilder()
	b.AddLine("Certificate of Achievement")
	b.AddLine("Awarded to Carol")
	doc, err := b.Build("Justifai Certificate Engine", "Justifai", time.Now())
	require.NoError(t, err)
	out, err := doc.Write()
	require.NoError(t, err)
	return out
}

func testBundle() *types.Bundle {
	return &types.Bundle{
		DocumentHash:        "ab12",
		DocumentFingerprint: "ab12" + "0000000000000000" + "0000000000000000",
		FingerprintHash:     "cd34",
		IssuerSignature:     "ef56",
		MerkleLeaf:          "aa",
		IssuerID:            "tenant-1",
		IssuerPublicKey:     "04bb",
		MerkleRootIntermediate: "cc",
		MerkleRootUltimate:     "dd",
		MerkleProofIntermediate: []string{},
		MerkleProofUltimate:     []string{"ee"},
		TxHash:  "0xff",
		Network: "amoy",
	}
}

func TestAugment(t *testing.T) {
	original := buildOriginal(t)
	a := &Augmentor{}

	out, err := a.Augment(original, testBundle(), "https://verify.example/verify?jobId=j1", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, pdf.StartXrefCount(out))

	doc, err := pdf.Parse(out)
	require.NoError(t, err)

	atts := doc.ExtractAttachments()
	require.Equal(t, 2, len(atts))
	byName := map[string][]byte{}
	for _, att := range atts {
		byName[att.Name] = att.Data
	}
	assert.DeepEqual(t, original, byName[OriginalAttachmentName])
	require.NotNil(t, byName[BundleAttachmentName])

	// The augmented document shows the same text as the original.
	origDoc, err := pdf.Parse(original)
	require.NoError(t, err)
	origTexts, err := origDoc.PageTexts()
	require.NoError(t, err)
	texts, err := doc.PageTexts()
	require.NoError(t, err)
	assert.DeepEqual(t, origTexts, texts)

	// One marker annotation and one QR image were added.
	assert.Equal(t, origDoc.AnnotationCount()+1, doc.AnnotationCount())
	assert.Equal(t, origDoc.ImageCount()+1, doc.ImageCount())

	assert.Equal(t, Producer, doc.InfoString("Producer"))
	assert.Equal(t, Creator, doc.InfoString("Creator"))
}

func TestAugment_MarkerAnnotationPresent(t *testing.T) {
	original := buildOriginal(t)
	out, err := (&Augmentor{}).Augment(original, testBundle(), "payload", nil)
	require.NoError(t, err)

	assert.Equal(t, true, bytes.Contains(out, []byte("/Name /JustifaiQR")))

	doc, err := pdf.Parse(out)
	require.NoError(t, err)
	assert.Equal(t, true, HasMarker(doc))

	// The input document carries no marker.
	plain, err := pdf.Parse(original)
	require.NoError(t, err)
	assert.Equal(t, false, HasMarker(plain))
}

func TestAugment_PlacementConversion(t *testing.T) {
	original := buildOriginal(t)
	placement := &types.Placement{X: 96, Y: 96, Width: 96, Height: 96}

	out, err := (&Augmentor{}).Augment(original, testBundle(), "payload", placement)
	require.NoError(t, err)

	doc, err := pdf.Parse(out)
	require.NoError(t, err)
	pages, err := doc.Pages()
	require.NoError(t, err)

	// 96 CSS px convert to 72 pt; y flips to the bottom-left origin.
	var draws []string
	contents := doc.ResolveArray(pages[0].Get("Contents"))
	for _, c := range contents {
		st, ok := doc.Resolve(c).(pdf.Stream)
		require.Equal(t, true, ok)
		decoded, err := doc.DecodeStream(st)
		require.NoError(t, err)
		draws = append(draws, string(decoded))
	}
	require.Equal(t, 2, len(draws))
	assert.Equal(t, "q 72 0 0 72 72 698 cm /JQR1 Do Q\n", draws[1])
}

func TestNewQR_LadderAndFallbackError(t *testing.T) {
	qr, err := NewQR("https://verify.example/verify?jobId=abc", QROptions{})
	require.NoError(t, err)
	require.NotNil(t, qr)

	// Far beyond any QR capacity.
	big := make([]byte, 8000)
	for i := range big {
		big[i] = 'a'
	}
	_, err = NewQR(string(big), QROptions{})
	require.NotNil(t, err)
}

func TestQRPNG(t *testing.T) {
	png, err := QRPNG("hello", QROptions{Width: 256})
	require.NoError(t, err)
	// PNG signature.
	require.Equal(t, true, len(png) > 8)
	assert.DeepEqual(t, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, png[:8])
}
