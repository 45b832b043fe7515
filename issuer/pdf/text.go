package pdf

import (
	"strings"
)

// PageTexts returns the text shown by each page, one string per page.
// Extraction reads the string operands of the Tj, TJ, ' and " operators
// in content stream order, which is enough to compare two renditions of
// the same document for textual equality.
func (d *Document) PageTexts() ([]string, error) {
	pages, err := d.Pages()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(pages))
	for i, page := range pages {
		content, err := d.pageContent(page)
		if err != nil {
			return nil, err
		}
		out[i] = extractText(content)
	}
	return out, nil
}

func (d *Document) pageContent(page Dict) ([]byte, error) {
	var chunks [][]byte
	appendStream := func(obj Object) error {
		if st, ok := d.Resolve(obj).(Stream); ok {
			decoded, err := d.DecodeStream(st)
			if err != nil {
				return err
			}
			chunks = append(chunks, decoded)
		}
		return nil
	}
	switch v := d.Resolve(page.Get("Contents")).(type) {
	case Stream:
		if err := appendStream(v); err != nil {
			return nil, err
		}
	case Array:
		for _, item := range v {
			if err := appendStream(item); err != nil {
				return nil, err
			}
		}
	}
	var joined []byte
	for _, c := range chunks {
		joined = append(joined, c...)
		joined = append(joined, '\n')
	}
	return joined, nil
}

// extractText runs a minimal content tokenizer: strings and arrays are
// buffered, and a text-showing operator flushes them into the output.
func extractText(content []byte) string {
	lx := &lexer{data: content}
	var sb strings.Builder
	var pending []string
	flush := func() {
		for _, s := range pending {
			sb.WriteString(s)
		}
		sb.WriteString(" ")
		pending = pending[:0]
	}
	for lx.pos < len(content) {
		lx.skipSpaceAndComments()
		if lx.pos >= len(content) {
			break
		}
		c := content[lx.pos]
		switch {
		case c == '(':
			if s, err := lx.parseLiteralString(); err == nil {
				pending = append(pending, DecodeTextString(s.(String)))
			} else {
				lx.pos++
			}
		case c == '<' && lx.pos+1 < len(content) && content[lx.pos+1] == '<':
			if _, err := lx.parseValue(0); err != nil {
				lx.pos++
			}
		case c == '<':
			if s, err := lx.parseHexString(); err == nil {
				pending = append(pending, DecodeTextString(s.(String)))
			} else {
				lx.pos++
			}
		case c == '[':
			if arr, err := lx.parseArray(0); err == nil {
				for _, item := range arr.(Array) {
					if s, ok := item.(String); ok {
						pending = append(pending, DecodeTextString(s))
					}
				}
			} else {
				lx.pos++
			}
		case c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.':
			if _, err := lx.parseNumber(); err != nil {
				lx.pos++
			}
		case c == '/':
			if _, err := lx.parseName(); err != nil {
				lx.pos++
			}
		default:
			op := lx.readOperator()
			switch op {
			case "Tj", "TJ", "'", "\"":
				flush()
			case "":
				lx.pos++
			default:
				pending = pending[:0]
			}
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func (lx *lexer) readOperator() string {
	start := lx.pos
	for lx.pos < len(lx.data) {
		c := lx.data[lx.pos]
		if isSpace(c) || isDelim(c) {
			break
		}
		lx.pos++
	}
	return string(lx.data[start:lx.pos])
}
