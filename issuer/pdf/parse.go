package pdf

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

// Parse reads a PDF file into its object graph. The parser walks the file
// sequentially instead of trusting the cross-reference table, so documents
// with stale or damaged xref data still load. Objects appended by
// incremental updates override earlier generations of the same number.
func Parse(data []byte) (*Document, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, errors.New("missing PDF header")
	}
	d := &Document{
		objects: make(map[int]Object),
		Trailer: Dict{},
		raw:     data,
	}
	lx := &lexer{data: data}
	for {
		lx.skipSpaceAndComments()
		if lx.pos >= len(lx.data) {
			break
		}
		start := lx.pos
		if err := d.parseSection(lx); err != nil {
			// Resync one byte past the confusing input and continue.
			if lx.pos <= start {
				lx.pos = start + 1
			}
		}
	}
	if len(d.objects) == 0 {
		return nil, errors.New("no objects found")
	}
	return d, nil
}

func (d *Document) parseSection(lx *lexer) error {
	switch {
	case lx.peekDigit():
		return d.parseIndirectObject(lx)
	case lx.consumeKeyword("xref"):
		return lx.skipXrefTable()
	case lx.consumeKeyword("trailer"):
		v, err := lx.parseValue(0)
		if err != nil {
			return err
		}
		if t, ok := v.(Dict); ok {
			for k, val := range t {
				d.Trailer[k] = val
			}
		}
		return nil
	case lx.consumeKeyword("startxref"):
		lx.skipSpaceAndComments()
		_, _ = lx.parseNumber()
		return nil
	default:
		return errors.Errorf("unexpected input at offset %d", lx.pos)
	}
}

func (d *Document) parseIndirectObject(lx *lexer) error {
	save := lx.pos
	num, ok := lx.parseInt()
	if !ok {
		lx.pos = save
		return errors.New("expected object number")
	}
	lx.skipSpaceAndComments()
	gen, ok := lx.parseInt()
	if !ok {
		lx.pos = save
		return errors.New("expected generation number")
	}
	lx.skipSpaceAndComments()
	if !lx.consumeKeyword("obj") {
		lx.pos = save
		return errors.New("expected obj keyword")
	}
	val, err := lx.parseValue(0)
	if err != nil {
		return err
	}
	lx.skipSpaceAndComments()
	if lx.consumeKeyword("stream") {
		dict, ok := val.(Dict)
		if !ok {
			return errors.Errorf("stream without dictionary in object %d", num)
		}
		raw, err := lx.readStreamData(dict)
		if err != nil {
			return err
		}
		val = Stream{Dict: dict, Raw: raw}
		lx.skipSpaceAndComments()
	}
	lx.consumeKeyword("endobj")
	d.objects[num] = val
	if num > d.maxNum {
		d.maxNum = num
	}
	_ = gen
	return nil
}

type lexer struct {
	data []byte
	pos  int
}

func isSpace(c byte) bool {
	switch c {
	case 0x00, 0x09, 0x0a, 0x0c, 0x0d, 0x20:
		return true
	}
	return false
}

func isDelim(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func (lx *lexer) skipSpaceAndComments() {
	for lx.pos < len(lx.data) {
		c := lx.data[lx.pos]
		if isSpace(c) {
			lx.pos++
			continue
		}
		if c == '%' {
			for lx.pos < len(lx.data) && lx.data[lx.pos] != '\n' && lx.data[lx.pos] != '\r' {
				lx.pos++
			}
			continue
		}
		return
	}
}

func (lx *lexer) peekDigit() bool {
	return lx.pos < len(lx.data) && lx.data[lx.pos] >= '0' && lx.data[lx.pos] <= '9'
}

// consumeKeyword consumes kw when it appears at the cursor as a whole
// token.
func (lx *lexer) consumeKeyword(kw string) bool {
	end := lx.pos + len(kw)
	if end > len(lx.data) || string(lx.data[lx.pos:end]) != kw {
		return false
	}
	if end < len(lx.data) {
		c := lx.data[end]
		if !isSpace(c) && !isDelim(c) {
			return false
		}
	}
	lx.pos = end
	return true
}

func (lx *lexer) parseInt() (int, bool) {
	start := lx.pos
	for lx.pos < len(lx.data) && lx.data[lx.pos] >= '0' && lx.data[lx.pos] <= '9' {
		lx.pos++
	}
	if lx.pos == start {
		return 0, false
	}
	n, err := strconv.Atoi(string(lx.data[start:lx.pos]))
	if err != nil {
		lx.pos = start
		return 0, false
	}
	return n, true
}

func (lx *lexer) parseNumber() (Object, error) {
	start := lx.pos
	if lx.pos < len(lx.data) && (lx.data[lx.pos] == '+' || lx.data[lx.pos] == '-') {
		lx.pos++
	}
	isFloat := false
	for lx.pos < len(lx.data) {
		c := lx.data[lx.pos]
		if c >= '0' && c <= '9' {
			lx.pos++
			continue
		}
		if c == '.' {
			isFloat = true
			lx.pos++
			continue
		}
		break
	}
	tok := string(lx.data[start:lx.pos])
	if tok == "" || tok == "+" || tok == "-" {
		lx.pos = start
		return nil, errors.New("malformed number")
	}
	if isFloat {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			lx.pos = start
			return nil, errors.Wrap(err, "malformed real number")
		}
		return f, nil
	}
	n, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		lx.pos = start
		return nil, errors.Wrap(err, "malformed integer")
	}
	return n, nil
}

const maxParseDepth = 100

func (lx *lexer) parseValue(depth int) (Object, error) {
	if depth > maxParseDepth {
		return nil, errors.New("object nesting too deep")
	}
	lx.skipSpaceAndComments()
	if lx.pos >= len(lx.data) {
		return nil, errors.New("unexpected end of input")
	}
	c := lx.data[lx.pos]
	switch {
	case c == '<' && lx.pos+1 < len(lx.data) && lx.data[lx.pos+1] == '<':
		return lx.parseDict(depth)
	case c == '<':
		return lx.parseHexString()
	case c == '(':
		return lx.parseLiteralString()
	case c == '/':
		return lx.parseName()
	case c == '[':
		return lx.parseArray(depth)
	case c == ']' || c == '>' || c == ')' || c == '}' || c == '{':
		return nil, errors.Errorf("unexpected delimiter %q", c)
	case c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.':
		return lx.parseNumberOrRef()
	case lx.consumeKeyword("true"):
		return true, nil
	case lx.consumeKeyword("false"):
		return false, nil
	case lx.consumeKeyword("null"):
		return Null{}, nil
	default:
		return nil, errors.Errorf("unexpected input byte %q", c)
	}
}

// parseNumberOrRef disambiguates "5" from "5 0 R".
func (lx *lexer) parseNumberOrRef() (Object, error) {
	v, err := lx.parseNumber()
	if err != nil {
		return nil, err
	}
	num, ok := v.(int64)
	if !ok || num < 0 {
		return v, nil
	}
	save := lx.pos
	lx.skipSpaceAndComments()
	gen, ok := lx.parseInt()
	if !ok {
		lx.pos = save
		return v, nil
	}
	lx.skipSpaceAndComments()
	if lx.pos < len(lx.data) && lx.data[lx.pos] == 'R' {
		end := lx.pos + 1
		if end >= len(lx.data) || isSpace(lx.data[end]) || isDelim(lx.data[end]) {
			lx.pos = end
			return Ref{Num: int(num), Gen: gen}, nil
		}
	}
	lx.pos = save
	return v, nil
}

func (lx *lexer) parseDict(depth int) (Object, error) {
	lx.pos += 2
	dict := Dict{}
	for {
		lx.skipSpaceAndComments()
		if lx.pos+1 < len(lx.data) && lx.data[lx.pos] == '>' && lx.data[lx.pos+1] == '>' {
			lx.pos += 2
			return dict, nil
		}
		if lx.pos >= len(lx.data) {
			return nil, errors.New("unterminated dictionary")
		}
		key, err := lx.parseName()
		if err != nil {
			return nil, err
		}
		val, err := lx.parseValue(depth + 1)
		if err != nil {
			return nil, err
		}
		dict[key.(Name)] = val
	}
}

func (lx *lexer) parseArray(depth int) (Object, error) {
	lx.pos++
	arr := Array{}
	for {
		lx.skipSpaceAndComments()
		if lx.pos >= len(lx.data) {
			return nil, errors.New("unterminated array")
		}
		if lx.data[lx.pos] == ']' {
			lx.pos++
			return arr, nil
		}
		val, err := lx.parseValue(depth + 1)
		if err != nil {
			return nil, err
		}
		arr = append(arr, val)
	}
}

func (lx *lexer) parseName() (Object, error) {
	if lx.pos >= len(lx.data) || lx.data[lx.pos] != '/' {
		return nil, errors.New("expected name")
	}
	lx.pos++
	var out []byte
	for lx.pos < len(lx.data) {
		c := lx.data[lx.pos]
		if isSpace(c) || isDelim(c) {
			break
		}
		if c == '#' && lx.pos+2 < len(lx.data) {
			if b, err := strconv.ParseUint(string(lx.data[lx.pos+1:lx.pos+3]), 16, 8); err == nil {
				out = append(out, byte(b))
				lx.pos += 3
				continue
			}
		}
		out = append(out, c)
		lx.pos++
	}
	return Name(out), nil
}

func (lx *lexer) parseLiteralString() (Object, error) {
	lx.pos++
	var out []byte
	depth := 1
	for lx.pos < len(lx.data) {
		c := lx.data[lx.pos]
		switch c {
		case '\\':
			lx.pos++
			if lx.pos >= len(lx.data) {
				return nil, errors.New("unterminated string escape")
			}
			e := lx.data[lx.pos]
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '(', ')', '\\':
				out = append(out, e)
			case '\r':
				// Line continuation, swallow an optional \n too.
				if lx.pos+1 < len(lx.data) && lx.data[lx.pos+1] == '\n' {
					lx.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					val := int(e - '0')
					for i := 0; i < 2 && lx.pos+1 < len(lx.data); i++ {
						nc := lx.data[lx.pos+1]
						if nc < '0' || nc > '7' {
							break
						}
						val = val*8 + int(nc-'0')
						lx.pos++
					}
					out = append(out, byte(val))
				} else {
					out = append(out, e)
				}
			}
			lx.pos++
		case '(':
			depth++
			out = append(out, c)
			lx.pos++
		case ')':
			depth--
			lx.pos++
			if depth == 0 {
				return String(out), nil
			}
			out = append(out, c)
		default:
			out = append(out, c)
			lx.pos++
		}
	}
	return nil, errors.New("unterminated string")
}

func (lx *lexer) parseHexString() (Object, error) {
	lx.pos++
	var digits []byte
	for lx.pos < len(lx.data) {
		c := lx.data[lx.pos]
		if c == '>' {
			lx.pos++
			if len(digits)%2 == 1 {
				digits = append(digits, '0')
			}
			out := make([]byte, len(digits)/2)
			for i := 0; i < len(out); i++ {
				b, err := strconv.ParseUint(string(digits[2*i:2*i+2]), 16, 8)
				if err != nil {
					return nil, errors.Wrap(err, "malformed hex string")
				}
				out[i] = byte(b)
			}
			return String(out), nil
		}
		if !isSpace(c) {
			digits = append(digits, c)
		}
		lx.pos++
	}
	return nil, errors.New("unterminated hex string")
}

// readStreamData is called with the cursor just past the stream keyword.
// A direct /Length is trusted only when an endstream keyword follows the
// claimed span; otherwise the nearest endstream marker bounds the data.
func (lx *lexer) readStreamData(dict Dict) ([]byte, error) {
	if lx.pos < len(lx.data) && lx.data[lx.pos] == '\r' {
		lx.pos++
	}
	if lx.pos < len(lx.data) && lx.data[lx.pos] == '\n' {
		lx.pos++
	}
	start := lx.pos
	if length, ok := dict.Int("Length"); ok && length >= 0 && start+length <= len(lx.data) {
		end := start + length
		probe := end
		for probe < len(lx.data) && isSpace(lx.data[probe]) {
			probe++
		}
		if bytes.HasPrefix(lx.data[probe:], []byte("endstream")) {
			lx.pos = probe + len("endstream")
			return lx.data[start:end], nil
		}
	}
	idx := bytes.Index(lx.data[start:], []byte("endstream"))
	if idx < 0 {
		return nil, errors.New("unterminated stream")
	}
	end := start + idx
	lx.pos = end + len("endstream")
	raw := lx.data[start:end]
	// Strip the EOL that separates data from the endstream keyword.
	raw = bytes.TrimSuffix(raw, []byte("\n"))
	raw = bytes.TrimSuffix(raw, []byte("\r"))
	return raw, nil
}

// skipXrefTable consumes a classic cross-reference table. The parser
// rebuilds the object graph itself, so the table content is discarded.
func (lx *lexer) skipXrefTable() error {
	for {
		lx.skipSpaceAndComments()
		save := lx.pos
		if !lx.peekDigit() {
			return nil
		}
		if _, ok := lx.parseInt(); !ok {
			lx.pos = save
			return nil
		}
		lx.skipSpaceAndComments()
		count, ok := lx.parseInt()
		if !ok {
			// Not a subsection header, hand the token back.
			lx.pos = save
			return nil
		}
		probe := lx.pos
		lx.skipSpaceAndComments()
		if bytes.HasPrefix(lx.data[lx.pos:], []byte("obj")) {
			// That was the next indirect object header, not a subsection.
			lx.pos = save
			return nil
		}
		lx.pos = probe
		for i := 0; i < count; i++ {
			lx.skipSpaceAndComments()
			if _, ok := lx.parseInt(); !ok {
				return errors.New("malformed xref entry")
			}
			lx.skipSpaceAndComments()
			if _, ok := lx.parseInt(); !ok {
				return errors.New("malformed xref entry")
			}
			lx.skipSpaceAndComments()
			if lx.pos < len(lx.data) && (lx.data[lx.pos] == 'n' || lx.data[lx.pos] == 'f') {
				lx.pos++
			} else {
				return errors.New("malformed xref entry")
			}
		}
	}
}
