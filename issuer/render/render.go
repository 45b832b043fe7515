// Package render turns an HTML certificate template plus job data into a
// PDF. The built-in renderer substitutes template parameters, strips the
// markup and typesets the remaining text; richer engines can be plugged in
// behind the Renderer interface.
package render

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/pdf"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
)

// Producer is written into the Info dictionary of rendered documents.
const Producer = "Justifai Certificate Engine"

// Creator is written into the Info dictionary of rendered documents.
const Creator = "Justifai"

// Renderer produces the original certificate PDF for a job.
type Renderer interface {
	Render(ctx context.Context, tpl *types.Template, data map[string]interface{}) ([]byte, error)
}

var (
	paramPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)
	tagPattern   = regexp.MustCompile(`(?s)<[^>]*>`)
	stylePattern = regexp.MustCompile(`(?is)<(style|script)\b[^>]*>.*?</\s*(style|script)\s*>`)
	brPattern    = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/h[1-6]|/li|/tr)\s*/?\s*>`)
)

// TextRenderer renders templates as plain typeset text.
type TextRenderer struct{}

// Render substitutes {{param}} placeholders, reduces the markup to text
// lines and builds a single-page document.
func (TextRenderer) Render(_ context.Context, tpl *types.Template, data map[string]interface{}) ([]byte, error) {
	if tpl == nil {
		return nil, errors.New("template is required")
	}
	text := Substitute(tpl.HTML, data)
	text = stylePattern.ReplaceAllString(text, "")
	text = brPattern.ReplaceAllString(text, "\n")
	text = tagPattern.ReplaceAllString(text, " ")
	text = unescapeEntities(text)

	b := pdf.NewBuilder()
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		b.AddLine(line)
	}
	doc, err := b.Build(Producer, Creator, time.Now())
	if err != nil {
		return nil, errors.Wrap(err, "could not build document")
	}
	return doc.Write()
}

// Substitute replaces {{param}} placeholders with the job's values.
// Unknown parameters collapse to the empty string.
func Substitute(html string, data map[string]interface{}) string {
	return paramPattern.ReplaceAllStringFunc(html, func(m string) string {
		key := paramPattern.FindStringSubmatch(m)[1]
		v, ok := data[key]
		if !ok || v == nil {
			return ""
		}
		switch t := v.(type) {
		case string:
			return t
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			return strconv.Itoa(t)
		case int64:
			return strconv.FormatInt(t, 10)
		case bool:
			return strconv.FormatBool(t)
		default:
			return ""
		}
	})
}

func unescapeEntities(s string) string {
	r := strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'", "&nbsp;", " ",
	)
	return r.Replace(s)
}

var (
	placeholderBlock = regexp.MustCompile(`(?is)\.qr-placeholder\s*\{([^}]*)\}`)
	cssDecl          = regexp.MustCompile(`(?i)(left|top|width|height)\s*:\s*(-?\d+(?:\.\d+)?)px`)
)

// PlacementFromTemplate returns the template's explicit QR placement, or
// one parsed from a .qr-placeholder CSS rule, or nil. Values stay in CSS
// pixels; the augmentor converts to points when drawing.
func PlacementFromTemplate(tpl *types.Template) *types.Placement {
	if tpl == nil {
		return nil
	}
	if tpl.QRPlacement != nil {
		return tpl.QRPlacement
	}
	m := placeholderBlock.FindStringSubmatch(tpl.HTML)
	if m == nil {
		return nil
	}
	p := &types.Placement{}
	found := false
	for _, decl := range cssDecl.FindAllStringSubmatch(m[1], -1) {
		v, err := strconv.ParseFloat(decl[2], 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(decl[1]) {
		case "left":
			p.X = v
		case "top":
			p.Y = v
		case "width":
			p.Width = v
			found = true
		case "height":
			p.Height = v
			found = true
		}
	}
	if !found {
		return nil
	}
	return p
}
