// Package augment produces the final certificate artifact: it renders the
// verification QR, embeds the original document and its verification
// bundle as attachments, stamps the marker annotation and rewrites the
// document metadata. The output is always a full rewrite of the original
// file, never an incremental update.
package augment

import (
	"image/color"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
)

// Default QR render geometry.
const (
	DefaultPNGWidth    = 768
	DefaultPDFPNGWidth = 1536
	DefaultMargin      = 8
)

// QR visual styles.
const (
	StyleClassic     = "classic"
	StyleDark        = "dark"
	StyleTransparent = "transparent"
)

// QROptions controls how the verification QR is rendered.
type QROptions struct {
	Width      int
	Margin     int
	Style      string
	DarkColor  string
	LightColor string
}

// recoveryLadder is tried in order; a lower level is only attempted when
// the payload does not fit at the current one.
var recoveryLadder = []qrcode.RecoveryLevel{
	qrcode.Medium, qrcode.Low, qrcode.High, qrcode.Highest,
}

// ErrContentTooLong reports that the payload exceeds QR capacity at every
// level of the ladder. Callers fall back to a smaller payload.
var ErrContentTooLong = errors.New("content does not fit in a QR code")

// NewQR encodes content at the best recovery level that fits.
func NewQR(content string, opts QROptions) (*qrcode.QRCode, error) {
	var lastErr error
	for _, level := range recoveryLadder {
		qr, err := qrcode.New(content, level)
		if err == nil {
			applyStyle(qr, opts)
			return qr, nil
		}
		lastErr = err
		if !strings.Contains(err.Error(), "content too long") {
			return nil, errors.Wrap(err, "could not encode QR")
		}
	}
	return nil, errors.Wrap(ErrContentTooLong, lastErr.Error())
}

// QRPNG encodes content as a PNG of the configured width.
func QRPNG(content string, opts QROptions) ([]byte, error) {
	qr, err := NewQR(content, opts)
	if err != nil {
		return nil, err
	}
	width := opts.Width
	if width <= 0 {
		width = DefaultPNGWidth
	}
	png, err := qr.PNG(width)
	if err != nil {
		return nil, errors.Wrap(err, "could not render QR PNG")
	}
	return png, nil
}

func applyStyle(qr *qrcode.QRCode, opts QROptions) {
	switch opts.Style {
	case StyleDark:
		qr.ForegroundColor = color.White
		qr.BackgroundColor = color.Black
	case StyleTransparent:
		qr.ForegroundColor = color.Black
		qr.BackgroundColor = color.Transparent
	default:
		qr.ForegroundColor = color.Black
		qr.BackgroundColor = color.White
	}
	if c, ok := parseHexColor(opts.DarkColor); ok {
		qr.ForegroundColor = c
	}
	if c, ok := parseHexColor(opts.LightColor); ok {
		qr.BackgroundColor = c
	}
}

func parseHexColor(s string) (color.Color, bool) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return nil, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return nil, false
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, true
}
