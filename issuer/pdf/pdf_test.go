package pdf

import (
	"bytes"
	"compress/flate"
	"testing"
	"time"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/assert"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/require"
)

func buildTestDoc(t *testing.T, lines ...string) []byte {
	b := NewBuilder()
	for _, line := range lines {
		b.AddLine(line)
	}
	doc, err := b.Build("TestProducer", "TestCreator", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	out, err := doc.Write()
	require.NoError(t, err)
	return out
}

func TestBuildParseRoundTrip(t *testing.T) {
	raw := buildTestDoc(t, "Certificate of Completion", "Awarded to Alice (with honors)")

	doc, err := Parse(raw)
	require.NoError(t, err)

	pages, err := doc.Pages()
	require.NoError(t, err)
	assert.Equal(t, 1, len(pages))

	texts, err := doc.PageTexts()
	require.NoError(t, err)
	assert.Equal(t, "Certificate of Completion Awarded to Alice (with honors)", texts[0])

	assert.Equal(t, "TestProducer", doc.InfoString("Producer"))
	assert.Equal(t, "TestCreator", doc.InfoString("Creator"))
	created, ok := doc.InfoDate("CreationDate")
	require.Equal(t, true, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), created)

	assert.Equal(t, 1, StartXrefCount(raw))
}

func TestWriteIsSingleUpdate(t *testing.T) {
	raw := buildTestDoc(t, "hello")
	doc, err := Parse(raw)
	require.NoError(t, err)

	// A second rewrite keeps a single xref no matter how often we cycle.
	again, err := doc.Write()
	require.NoError(t, err)
	assert.Equal(t, 1, StartXrefCount(again))
	assert.Equal(t, 1, bytes.Count(again, []byte("trailer")))
}

func TestAttachmentsRoundTrip(t *testing.T) {
	raw := buildTestDoc(t, "body")
	doc, err := Parse(raw)
	require.NoError(t, err)

	original := []byte("%PDF-1.4 pretend original")
	bundle := []byte(`{"documentHash":"ab"}`)
	require.NoError(t, doc.AddAttachment("Original.pdf", "application/pdf", "the original", original))
	require.NoError(t, doc.AddAttachment("Bundle.json", "application/json", "", bundle))

	out, err := doc.Write()
	require.NoError(t, err)

	reparsed, err := Parse(out)
	require.NoError(t, err)
	atts := reparsed.ExtractAttachments()
	require.Equal(t, 2, len(atts))
	byName := map[string][]byte{}
	for _, a := range atts {
		byName[a.Name] = a.Data
	}
	assert.DeepEqual(t, original, byName["Original.pdf"])
	assert.DeepEqual(t, bundle, byName["Bundle.json"])
}

func TestExtractAttachments_FileAttachmentAnnotation(t *testing.T) {
	raw := buildTestDoc(t, "body")
	doc, err := Parse(raw)
	require.NoError(t, err)

	st, err := FlateStream(Dict{"Type": Name("EmbeddedFile")}, []byte("payload"))
	require.NoError(t, err)
	fileRef := doc.AddObject(st)
	specRef := doc.AddObject(Dict{
		"Type": Name("Filespec"),
		"F":    String("annot.bin"),
		"EF":   Dict{"F": fileRef},
	})
	pages, err := doc.Pages()
	require.NoError(t, err)
	pages[0]["Annots"] = Array{Dict{
		"Type":    Name("Annot"),
		"Subtype": Name("FileAttachment"),
		"Rect":    Array{int64(0), int64(0), int64(1), int64(1)},
		"FS":      specRef,
	}}

	atts := doc.ExtractAttachments()
	require.Equal(t, 1, len(atts))
	assert.Equal(t, "annot.bin", atts[0].Name)
	assert.DeepEqual(t, []byte("payload"), atts[0].Data)
}

func TestExtractAttachments_UTF16Name(t *testing.T) {
	raw := buildTestDoc(t, "body")
	doc, err := Parse(raw)
	require.NoError(t, err)

	st, err := FlateStream(Dict{"Type": Name("EmbeddedFile")}, []byte("data"))
	require.NoError(t, err)
	fileRef := doc.AddObject(st)
	// "ab.pdf" as UTF-16BE with a byte order mark.
	name := String{0xfe, 0xff, 0, 'a', 0, 'b', 0, '.', 0, 'p', 0, 'd', 0, 'f'}
	doc.AddObject(Dict{
		"Type": Name("Filespec"),
		"F":    name,
		"EF":   Dict{"F": fileRef},
	})

	atts := doc.ExtractAttachments()
	require.Equal(t, 1, len(atts))
	assert.Equal(t, "ab.pdf", atts[0].Name)
}

func TestDecodeStream_RawDeflate(t *testing.T) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = fw.Write([]byte("raw deflate body"))
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	doc := NewDocument()
	st := Stream{Dict: Dict{"Filter": Name("FlateDecode")}, Raw: buf.Bytes()}
	out, err := doc.DecodeStream(st)
	require.NoError(t, err)
	assert.DeepEqual(t, []byte("raw deflate body"), out)
}

func TestParse_LiteralStringEscapes(t *testing.T) {
	lx := &lexer{data: []byte(`(a\(b\)c\\d\101 (nested))`)}
	v, err := lx.parseLiteralString()
	require.NoError(t, err)
	assert.Equal(t, "a(b)c\\dA (nested)", string(v.(String)))
}

func TestParse_HexString(t *testing.T) {
	lx := &lexer{data: []byte("<48656C6C 6F>")}
	v, err := lx.parseHexString()
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(v.(String)))

	// Odd digit count pads with zero.
	lx = &lexer{data: []byte("<48656C6C6F2>")}
	v, err = lx.parseHexString()
	require.NoError(t, err)
	assert.Equal(t, "Hello ", string(v.(String)))
}

func TestParse_NameEscapes(t *testing.T) {
	lx := &lexer{data: []byte("/Justifai#20QR")}
	v, err := lx.parseName()
	require.NoError(t, err)
	assert.Equal(t, Name("Justifai QR"), v.(Name))
}

func TestParse_RefDisambiguation(t *testing.T) {
	lx := &lexer{data: []byte("[ 1 0 R 2 3 ]")}
	v, err := lx.parseValue(0)
	require.NoError(t, err)
	arr := v.(Array)
	require.Equal(t, 3, len(arr))
	assert.Equal(t, Ref{Num: 1}, arr[0])
	assert.Equal(t, int64(2), arr[1])
	assert.Equal(t, int64(3), arr[2])
}

func TestParseDate_Variants(t *testing.T) {
	got, err := ParseDate(String("D:20260301100000Z"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), got)

	got, err = ParseDate(String("D:20260301100000+02'00'"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), got)

	got, err = ParseDate(String("D:202603"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got)

	_, err = ParseDate(String("garbage"))
	require.NotNil(t, err)
}

func TestCounts(t *testing.T) {
	raw := buildTestDoc(t, "body")
	doc, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, doc.AnnotationCount())
	assert.Equal(t, 0, doc.ImageCount())

	doc.AddObject(Stream{Dict: Dict{
		"Type":    Name("XObject"),
		"Subtype": Name("Image"),
		"Width":   int64(1),
		"Height":  int64(1),
	}, Raw: []byte{0xff}})
	pages, err := doc.Pages()
	require.NoError(t, err)
	pages[0]["Annots"] = Array{Dict{"Type": Name("Annot"), "Subtype": Name("Link")}}

	assert.Equal(t, 1, doc.AnnotationCount())
	assert.Equal(t, 1, doc.ImageCount())
}

func TestParse_IncrementalUpdateOverrides(t *testing.T) {
	// Two generations of object 1 appended in file order; the later one
	// must win.
	raw := []byte("%PDF-1.4\n" +
		"1 0 obj\n(old)\nendobj\n" +
		"1 0 obj\n(new)\nendobj\n" +
		"2 0 obj\n<< /Type /Catalog >>\nendobj\n")
	doc, err := Parse(raw)
	require.NoError(t, err)
	s, ok := doc.ResolveString(Ref{Num: 1})
	require.Equal(t, true, ok)
	assert.Equal(t, "new", string(s))
}
