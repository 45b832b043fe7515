// Package canonicaljson renders JSON in the canonical form required for any
// object that feeds a hash: NFC-normalized strings, lexicographically sorted
// keys, stripped null and empty values, sorted primitive arrays, normalized
// dates and numbers, compact output. Canonicalization is idempotent, which
// verifiers rely on when they re-hash decoded payloads.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// SchemaKey prefixes every canonical top-level object so hashed payloads are
// versioned.
const SchemaKey = "_schema"

// SchemaVersion is the current canonical-form version.
const SchemaVersion = "1"

// isoDatePattern matches ISO-8601 timestamps with optional fractional
// seconds and either a Z or a numeric offset.
var isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})$`)

// dateFormat is the fixed output form for normalized dates. Re-parsing a
// normalized date yields the same string, which keeps canonicalization
// idempotent.
const dateFormat = "2006-01-02T15:04:05.000Z"

// Marshal canonicalizes v and serializes it compactly. When v is an object,
// the schema version key is injected at the top level.
func Marshal(v interface{}) ([]byte, error) {
	node, err := decode(v)
	if err != nil {
		return nil, err
	}
	node = normalize(node)
	if m, ok := node.(map[string]interface{}); ok {
		m[SchemaKey] = SchemaVersion
	}
	var buf bytes.Buffer
	if err := write(&buf, node); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalValue canonicalizes v without injecting the schema key. Used for
// nested values hashed on their own.
func MarshalValue(v interface{}) ([]byte, error) {
	node, err := decode(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := write(&buf, normalize(node)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode round-trips v through encoding/json so structs, maps and typed
// values all collapse into the same generic tree. Numbers are kept as
// json.Number to avoid premature float conversion.
func decode(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode value")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var node interface{}
	if err := dec.Decode(&node); err != nil {
		return nil, errors.Wrap(err, "could not decode value")
	}
	return node, nil
}

func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			if isEmpty(elem) {
				continue
			}
			out[norm.NFC.String(k)] = normalize(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		primitives := true
		for i, elem := range val {
			out[i] = normalize(elem)
			switch out[i].(type) {
			case string, json.Number:
			default:
				primitives = false
			}
		}
		if primitives {
			sort.Slice(out, func(i, j int) bool {
				return primitiveKey(out[i]) < primitiveKey(out[j])
			})
		}
		return out
	case string:
		return normalizeString(val)
	case json.Number:
		return normalizeNumber(val)
	default:
		return v
	}
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func normalizeString(s string) string {
	s = norm.NFC.String(s)
	if isoDatePattern.MatchString(s) {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC().Format(dateFormat)
		}
		// Offsets without a colon are not RFC 3339 but are still ISO-8601.
		if ts, err := time.Parse("2006-01-02T15:04:05.999999999-0700", s); err == nil {
			return ts.UTC().Format(dateFormat)
		}
	}
	return s
}

// normalizeNumber leaves integers untouched and truncates other numbers to
// ten decimal places.
func normalizeNumber(n json.Number) json.Number {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		return n
	}
	f, err := n.Float64()
	if err != nil {
		return n
	}
	f = math.Trunc(f*1e10) / 1e10
	return json.Number(strconv.FormatFloat(f, 'f', -1, 64))
}

func primitiveKey(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	}
	return ""
}

func write(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := write(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(val.String())
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
