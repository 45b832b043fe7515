package pdf

import (
	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"
)

// Attachment is an embedded file pulled out of a document.
type Attachment struct {
	Name        string
	Description string
	Data        []byte
}

// AddAttachment embeds data as a named file. The file lands both in the
// catalog's EmbeddedFiles name tree and in its AF array, which is where
// the different extraction strategies of common readers look first.
func (d *Document) AddAttachment(name, mimeType, description string, data []byte) error {
	fileStream, err := FlateStream(Dict{
		"Type":    Name("EmbeddedFile"),
		"Subtype": Name(mimeType),
		"Params":  Dict{"Size": int64(len(data))},
	}, data)
	if err != nil {
		return errors.Wrap(err, "could not build embedded file stream")
	}
	fileRef := d.AddObject(fileStream)

	spec := Dict{
		"Type": Name("Filespec"),
		"F":    String(name),
		"UF":   String(name),
		"EF":   Dict{"F": fileRef, "UF": fileRef},
	}
	if description != "" {
		spec["Desc"] = String(description)
	}
	specRef := d.AddObject(spec)

	catalogRef, err := d.CatalogRef()
	if err != nil {
		return err
	}
	catalog := d.ResolveDict(catalogRef)

	names, _ := d.Resolve(catalog.Get("Names")).(Dict)
	if names == nil {
		names = Dict{}
		catalog["Names"] = names
	}
	embedded, _ := d.Resolve(names.Get("EmbeddedFiles")).(Dict)
	if embedded == nil {
		embedded = Dict{}
		names["EmbeddedFiles"] = embedded
	}
	pairs := d.ResolveArray(embedded.Get("Names"))
	embedded["Names"] = append(pairs, String(name), specRef)

	af := d.ResolveArray(catalog.Get("AF"))
	af = append(af, specRef)
	catalog["AF"] = af

	d.SetObject(catalogRef, catalog)
	return nil
}

// ExtractAttachments collects embedded files from everywhere a producer
// might have put them: the EmbeddedFiles name tree (including Kids nodes),
// the catalog's AF array, FileAttachment annotations, and finally a sweep
// of the object graph for stray Filespec dictionaries. The first spec
// wins per name.
func (d *Document) ExtractAttachments() []Attachment {
	var out []Attachment
	seen := map[string]bool{}
	collect := func(spec Dict) {
		att, ok := d.attachmentFromSpec(spec)
		if !ok || seen[att.Name] {
			return
		}
		seen[att.Name] = true
		out = append(out, att)
	}

	if catalog, err := d.Catalog(); err == nil {
		if names := d.ResolveDict(catalog.Get("Names")); names != nil {
			d.walkNameTree(d.ResolveDict(names.Get("EmbeddedFiles")), 0, collect)
		}
		for _, item := range d.ResolveArray(catalog.Get("AF")) {
			collect(d.ResolveDict(item))
		}
	}

	if pages, err := d.Pages(); err == nil {
		for _, page := range pages {
			for _, a := range d.ResolveArray(page.Get("Annots")) {
				annot := d.ResolveDict(a)
				if annot.Name("Subtype") == "FileAttachment" {
					collect(d.ResolveDict(annot.Get("FS")))
				}
			}
		}
	}

	for num := 1; num <= d.maxNum; num++ {
		if dict, ok := d.objects[num].(Dict); ok && dict.Name("Type") == "Filespec" {
			collect(dict)
		}
	}
	return out
}

func (d *Document) walkNameTree(node Dict, depth int, collect func(Dict)) {
	if node == nil || depth > 32 {
		return
	}
	pairs := d.ResolveArray(node.Get("Names"))
	for i := 0; i+1 < len(pairs); i += 2 {
		collect(d.ResolveDict(pairs[i+1]))
	}
	for _, kid := range d.ResolveArray(node.Get("Kids")) {
		d.walkNameTree(d.ResolveDict(kid), depth+1, collect)
	}
}

func (d *Document) attachmentFromSpec(spec Dict) (Attachment, bool) {
	if spec == nil {
		return Attachment{}, false
	}
	ef := d.ResolveDict(spec.Get("EF"))
	if ef == nil {
		return Attachment{}, false
	}
	var fileStream Stream
	found := false
	for _, key := range []Name{"UF", "F", "DOS", "Mac", "Unix"} {
		if st, ok := d.Resolve(ef.Get(key)).(Stream); ok {
			fileStream = st
			found = true
			break
		}
	}
	if !found {
		return Attachment{}, false
	}
	data, err := d.DecodeStream(fileStream)
	if err != nil {
		return Attachment{}, false
	}
	name := ""
	for _, key := range []Name{"UF", "F"} {
		if s, ok := d.ResolveString(spec.Get(key)); ok && len(s) > 0 {
			name = DecodeTextString(s)
			break
		}
	}
	desc := ""
	if s, ok := d.ResolveString(spec.Get("Desc")); ok {
		desc = DecodeTextString(s)
	}
	return Attachment{Name: name, Description: desc, Data: data}, true
}

// DecodeTextString interprets a PDF text string, honoring the UTF-16BE
// byte order mark.
func DecodeTextString(s String) string {
	if len(s) >= 2 && s[0] == 0xfe && s[1] == 0xff {
		dec := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		if out, err := dec.Bytes(s); err == nil {
			return string(out)
		}
	}
	return string(s)
}
