package augment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/pdf"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
)

var log = logrus.WithField("prefix", "augment")

// Attachment names embedded into augmented certificates.
const (
	OriginalAttachmentName = "Justifai_Original_PDF.pdf"
	BundleAttachmentName   = "Justifai_Verification_Bundle.json"
)

// MarkerAnnotation tags augmented documents. Verifiers use it to tell an
// augmented certificate from its original.
const MarkerAnnotation = pdf.Name("JustifaiQR")

// Metadata written into augmented documents.
const (
	Producer = "Justifai PDF Augmentor"
	Creator  = "Justifai"
)

// CSS pixel coordinates convert to PDF points at 72/96.
const pxToPt = 72.0 / 96.0

// DefaultPlacement positions the QR at the bottom-right corner when the
// template gives no hint. Values are CSS pixels.
var DefaultPlacement = types.Placement{X: 430, Y: 690, Width: 120, Height: 120}

// Augmentor builds augmented certificates.
type Augmentor struct {
	QR QROptions
}

// Augment embeds the original document and its verification bundle into a
// rewritten copy of the original, draws the QR onto the target page and
// stamps the marker annotation. The returned file carries exactly one
// cross-reference section.
func (a *Augmentor) Augment(original []byte, bundle *types.Bundle, qrContent string, placement *types.Placement) ([]byte, error) {
	doc, err := pdf.Parse(original)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse original document")
	}

	bundleJSON, err := json.Marshal(bundle)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode verification bundle")
	}
	if err := doc.AddAttachment(OriginalAttachmentName, "application/pdf", "Original certificate document", original); err != nil {
		return nil, err
	}
	if err := doc.AddAttachment(BundleAttachmentName, "application/json", "Verification bundle", bundleJSON); err != nil {
		return nil, err
	}

	if placement == nil {
		p := DefaultPlacement
		placement = &p
	}
	if err := a.drawQR(doc, qrContent, placement); err != nil {
		return nil, err
	}

	now := time.Now()
	doc.SetInfo(Producer, Creator, now, now)

	out, err := doc.Write()
	if err != nil {
		return nil, errors.Wrap(err, "could not write augmented document")
	}
	log.WithFields(logrus.Fields{
		"originalBytes":  len(original),
		"augmentedBytes": len(out),
	}).Debug("Augmented certificate")
	return out, nil
}

// drawQR embeds the QR as a grayscale image XObject, adds it to the page's
// resources and appends a content stream placing it, then attaches the
// invisible marker annotation.
func (a *Augmentor) drawQR(doc *pdf.Document, content string, placement *types.Placement) error {
	qr, err := NewQR(content, a.QR)
	if err != nil {
		return err
	}
	bitmap := qr.Bitmap()
	n := len(bitmap)
	if n == 0 {
		return errors.New("empty QR bitmap")
	}
	samples := make([]byte, 0, n*n)
	for _, row := range bitmap {
		for _, dark := range row {
			if dark {
				samples = append(samples, 0x00)
			} else {
				samples = append(samples, 0xff)
			}
		}
	}
	img, err := pdf.FlateStream(pdf.Dict{
		"Type":             pdf.Name("XObject"),
		"Subtype":          pdf.Name("Image"),
		"Width":            int64(n),
		"Height":           int64(n),
		"ColorSpace":       pdf.Name("DeviceGray"),
		"BitsPerComponent": int64(8),
	}, samples)
	if err != nil {
		return errors.Wrap(err, "could not build QR image")
	}
	imgRef := doc.AddObject(img)

	pages, err := doc.Pages()
	if err != nil {
		return err
	}
	pageIdx := placement.Page
	if pageIdx < 0 || pageIdx >= len(pages) {
		pageIdx = 0
	}
	page := pages[pageIdx]

	resources := doc.ResolveDict(page.Get("Resources"))
	if resources == nil {
		resources = pdf.Dict{}
		page["Resources"] = resources
	}
	xobjects := doc.ResolveDict(resources.Get("XObject"))
	if xobjects == nil {
		xobjects = pdf.Dict{}
		resources["XObject"] = xobjects
	}
	xobjects["JQR1"] = imgRef

	x, y, w, h := placementRect(doc, page, placement)
	draw := fmt.Sprintf("q %g 0 0 %g %g %g cm /JQR1 Do Q\n", w, h, x, y)
	drawStream, err := pdf.FlateStream(pdf.Dict{}, []byte(draw))
	if err != nil {
		return errors.Wrap(err, "could not build draw stream")
	}
	drawRef := doc.AddObject(drawStream)
	appendPageContent(doc, page, drawRef)

	annots := doc.ResolveArray(page.Get("Annots"))
	page["Annots"] = append(annots, pdf.Dict{
		"Type":     pdf.Name("Annot"),
		"Subtype":  pdf.Name("Square"),
		"Rect":     pdf.Array{int64(0), int64(0), int64(1), int64(1)},
		"F":        int64(2), // hidden
		"Name":     MarkerAnnotation,
		"Contents": pdf.String(""),
	})
	return nil
}

// HasMarker reports whether any page carries the marker annotation, which
// identifies a document augmented by this issuer.
func HasMarker(doc *pdf.Document) bool {
	pages, err := doc.Pages()
	if err != nil {
		return false
	}
	for _, page := range pages {
		for _, entry := range doc.ResolveArray(page.Get("Annots")) {
			annot := doc.ResolveDict(entry)
			if annot != nil && annot.Name("Name") == MarkerAnnotation {
				return true
			}
		}
	}
	return false
}

// placementRect converts a CSS-pixel placement with a top-left origin into
// a PDF rectangle with a bottom-left origin.
func placementRect(doc *pdf.Document, page pdf.Dict, p *types.Placement) (x, y, w, h float64) {
	pageHeight := pdf.PageHeight
	if mb := doc.ResolveArray(page.Get("MediaBox")); len(mb) == 4 {
		if v, ok := asFloat(mb[3]); ok {
			pageHeight = v
		}
	}
	w = p.Width * pxToPt
	h = p.Height * pxToPt
	x = p.X * pxToPt
	y = pageHeight - p.Y*pxToPt - h
	return x, y, w, h
}

func asFloat(obj pdf.Object) (float64, bool) {
	switch v := obj.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func appendPageContent(doc *pdf.Document, page pdf.Dict, ref pdf.Ref) {
	switch contents := page["Contents"].(type) {
	case pdf.Array:
		page["Contents"] = append(contents, ref)
	case nil:
		page["Contents"] = ref
	default:
		page["Contents"] = pdf.Array{contents, ref}
	}
}
