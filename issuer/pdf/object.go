// Package pdf implements the subset of PDF the pipeline needs: parsing a
// document into its object graph, decoding Flate streams, extracting
// embedded files and page text, and writing a document back out as a full
// rewrite with a single cross-reference table. The augmentation and
// verification stages both run on this package, so reading back what we
// wrote must always succeed.
package pdf

import (
	"fmt"
	"sort"
)

// Object is any value of the PDF object model. Concrete types are Name,
// Dict, Array, String, Ref, Stream, Null, bool, int64 and float64.
type Object interface{}

// Name is a PDF name without its leading slash.
type Name string

// Dict is a PDF dictionary.
type Dict map[Name]Object

// Array is a PDF array.
type Array []Object

// String holds the decoded bytes of a literal or hex string.
type String []byte

// Ref is an indirect reference.
type Ref struct {
	Num int
	Gen int
}

// Null is the PDF null object.
type Null struct{}

// Stream is an indirect stream object. Raw holds the encoded stream data
// exactly as stored in the file.
type Stream struct {
	Dict Dict
	Raw  []byte
}

// Get returns the entry for key, or nil.
func (d Dict) Get(key Name) Object {
	if d == nil {
		return nil
	}
	return d[key]
}

// Name returns the entry for key as a Name, or "".
func (d Dict) Name(key Name) Name {
	if n, ok := d.Get(key).(Name); ok {
		return n
	}
	return ""
}

// Int returns the entry for key as an int, or 0.
func (d Dict) Int(key Name) (int, bool) {
	switch v := d.Get(key).(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// SortedKeys returns the dictionary keys in lexical order. The writer uses
// this so output is deterministic.
func (d Dict) SortedKeys() []Name {
	keys := make([]Name, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, k int) bool { return keys[i] < keys[k] })
	return keys
}

func (r Ref) String() string {
	return fmt.Sprintf("%d %d R", r.Num, r.Gen)
}
