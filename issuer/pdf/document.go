package pdf

import (
	"bytes"

	"github.com/pkg/errors"
)

// Document is a parsed or in-construction PDF.
type Document struct {
	objects map[int]Object
	maxNum  int

	// Trailer carries at least the Root reference. Info is optional.
	Trailer Dict

	raw []byte
}

// NewDocument returns an empty document ready for object insertion.
func NewDocument() *Document {
	return &Document{
		objects: make(map[int]Object),
		Trailer: Dict{},
	}
}

// AddObject inserts obj under a fresh object number.
func (d *Document) AddObject(obj Object) Ref {
	d.maxNum++
	d.objects[d.maxNum] = obj
	return Ref{Num: d.maxNum}
}

// SetObject replaces the object stored under r.
func (d *Document) SetObject(r Ref, obj Object) {
	d.objects[r.Num] = obj
	if r.Num > d.maxNum {
		d.maxNum = r.Num
	}
}

// Object returns the object stored under r, or nil.
func (d *Document) Object(r Ref) Object {
	return d.objects[r.Num]
}

// Resolve follows reference chains until a direct object is reached.
func (d *Document) Resolve(obj Object) Object {
	for i := 0; i < 32; i++ {
		r, ok := obj.(Ref)
		if !ok {
			return obj
		}
		obj = d.objects[r.Num]
	}
	return nil
}

// ResolveDict resolves obj and returns it as a dictionary. Streams resolve
// to their dictionary.
func (d *Document) ResolveDict(obj Object) Dict {
	switch v := d.Resolve(obj).(type) {
	case Dict:
		return v
	case Stream:
		return v.Dict
	}
	return nil
}

// ResolveArray resolves obj and returns it as an array.
func (d *Document) ResolveArray(obj Object) Array {
	if a, ok := d.Resolve(obj).(Array); ok {
		return a
	}
	return nil
}

// ResolveString resolves obj and returns its string bytes.
func (d *Document) ResolveString(obj Object) (String, bool) {
	s, ok := d.Resolve(obj).(String)
	return s, ok
}

// Catalog returns the document catalog. When the trailer does not name a
// usable Root, the object graph is scanned for a /Type /Catalog dictionary.
func (d *Document) Catalog() (Dict, error) {
	if root := d.ResolveDict(d.Trailer.Get("Root")); root != nil {
		return root, nil
	}
	for num := 1; num <= d.maxNum; num++ {
		if dict, ok := d.objects[num].(Dict); ok && dict.Name("Type") == "Catalog" {
			return dict, nil
		}
	}
	return nil, errors.New("document has no catalog")
}

// CatalogRef returns the reference the trailer's Root points at, falling
// back to a scan of the object graph.
func (d *Document) CatalogRef() (Ref, error) {
	if r, ok := d.Trailer.Get("Root").(Ref); ok {
		if _, isDict := d.Resolve(r).(Dict); isDict {
			return r, nil
		}
	}
	for num := 1; num <= d.maxNum; num++ {
		if dict, ok := d.objects[num].(Dict); ok && dict.Name("Type") == "Catalog" {
			return Ref{Num: num}, nil
		}
	}
	return Ref{}, errors.New("document has no catalog")
}

// Pages returns the page dictionaries in document order.
func (d *Document) Pages() ([]Dict, error) {
	catalog, err := d.Catalog()
	if err != nil {
		return nil, err
	}
	root := d.ResolveDict(catalog.Get("Pages"))
	if root == nil {
		return nil, errors.New("document has no page tree")
	}
	var pages []Dict
	var walk func(node Dict, depth int)
	walk = func(node Dict, depth int) {
		if node == nil || depth > 32 {
			return
		}
		switch node.Name("Type") {
		case "Page":
			pages = append(pages, node)
		default:
			for _, kid := range d.ResolveArray(node.Get("Kids")) {
				walk(d.ResolveDict(kid), depth+1)
			}
		}
	}
	walk(root, 0)
	if len(pages) == 0 {
		return nil, errors.New("document has no pages")
	}
	return pages, nil
}

// Info returns the trailer's Info dictionary, or nil.
func (d *Document) Info() Dict {
	return d.ResolveDict(d.Trailer.Get("Info"))
}

// AnnotationCount returns the total number of annotations across all pages.
func (d *Document) AnnotationCount() int {
	pages, err := d.Pages()
	if err != nil {
		return 0
	}
	total := 0
	for _, page := range pages {
		total += len(d.ResolveArray(page.Get("Annots")))
	}
	return total
}

// ImageCount returns the number of image XObject streams in the document.
func (d *Document) ImageCount() int {
	total := 0
	for num := 1; num <= d.maxNum; num++ {
		if st, ok := d.objects[num].(Stream); ok &&
			st.Dict.Name("Type") == "XObject" && st.Dict.Name("Subtype") == "Image" {
			total++
		}
	}
	return total
}

// StartXrefCount counts startxref markers in the raw file. A document
// produced by a full rewrite carries exactly one; more indicate that the
// file was modified after issuance.
func StartXrefCount(data []byte) int {
	return bytes.Count(data, []byte("startxref"))
}
