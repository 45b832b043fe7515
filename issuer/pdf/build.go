package pdf

import (
	"fmt"
	"strings"
	"time"
)

// Default page geometry, A4 in points.
const (
	PageWidth  = 595.0
	PageHeight = 842.0
)

// Builder assembles a single-page text document. The renderer uses it for
// text-only certificates and tests use it to produce predictable inputs.
type Builder struct {
	FontSize float64
	Leading  float64
	Margin   float64

	lines []string
}

// NewBuilder returns a builder with the default typography.
func NewBuilder() *Builder {
	return &Builder{FontSize: 12, Leading: 18, Margin: 72}
}

// AddLine appends a line of text to the page.
func (b *Builder) AddLine(s string) {
	b.lines = append(b.lines, s)
}

// Build produces the document with the given metadata.
func (b *Builder) Build(producer, creator string, now time.Time) (*Document, error) {
	d := NewDocument()

	var content strings.Builder
	y := PageHeight - b.Margin
	for _, line := range b.lines {
		fmt.Fprintf(&content, "BT /F1 %g Tf %g %g Td (%s) Tj ET\n",
			b.FontSize, b.Margin, y, escapeText(line))
		y -= b.Leading
	}
	contentStream, err := FlateStream(Dict{}, []byte(content.String()))
	if err != nil {
		return nil, err
	}
	contentRef := d.AddObject(contentStream)

	fontRef := d.AddObject(Dict{
		"Type":     Name("Font"),
		"Subtype":  Name("Type1"),
		"BaseFont": Name("Helvetica"),
	})

	pageRef := d.AddObject(Dict{})
	pagesRef := d.AddObject(Dict{
		"Type":  Name("Pages"),
		"Kids":  Array{pageRef},
		"Count": int64(1),
	})
	d.SetObject(pageRef, Dict{
		"Type":     Name("Page"),
		"Parent":   pagesRef,
		"MediaBox": Array{int64(0), int64(0), PageWidth, PageHeight},
		"Contents": contentRef,
		"Resources": Dict{
			"Font": Dict{"F1": fontRef},
		},
	})

	catalogRef := d.AddObject(Dict{
		"Type":  Name("Catalog"),
		"Pages": pagesRef,
	})
	d.Trailer["Root"] = catalogRef
	d.SetInfo(producer, creator, now, now)
	return d, nil
}

func escapeText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}
