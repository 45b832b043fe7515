package pdf

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// Write serializes the document as a fresh file. Objects are renumbered
// sequentially and a single cross-reference table is written, so the output
// never looks incrementally updated regardless of how the input did.
func (d *Document) Write() ([]byte, error) {
	rootRef, err := d.CatalogRef()
	if err != nil {
		return nil, err
	}

	nums := make([]int, 0, len(d.objects))
	for num := range d.objects {
		nums = append(nums, num)
	}
	sort.Ints(nums)
	remap := make(map[int]int, len(nums))
	for i, num := range nums {
		remap[num] = i + 1
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n%")
	buf.Write([]byte{0xe2, 0xe3, 0xcf, 0xd3})
	buf.WriteString("\n")

	offsets := make([]int, len(nums)+1)
	for i, num := range nums {
		offsets[i+1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n", i+1)
		if err := writeValue(&buf, remapRefs(d.objects[num], remap)); err != nil {
			return nil, errors.Wrapf(err, "could not serialize object %d", num)
		}
		buf.WriteString("\nendobj\n")
	}

	xrefOffset := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(nums)+1)
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= len(nums); i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}

	trailer := Dict{
		"Size": int64(len(nums) + 1),
		"Root": Ref{Num: remap[rootRef.Num]},
	}
	if infoRef, ok := d.Trailer.Get("Info").(Ref); ok {
		if newNum, exists := remap[infoRef.Num]; exists {
			trailer["Info"] = Ref{Num: newNum}
		}
	}
	buf.WriteString("trailer\n")
	if err := writeValue(&buf, trailer); err != nil {
		return nil, err
	}
	fmt.Fprintf(&buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return buf.Bytes(), nil
}

func remapRefs(obj Object, remap map[int]int) Object {
	switch v := obj.(type) {
	case Ref:
		if newNum, ok := remap[v.Num]; ok {
			return Ref{Num: newNum}
		}
		return Null{}
	case Dict:
		out := make(Dict, len(v))
		for k, val := range v {
			out[k] = remapRefs(val, remap)
		}
		return out
	case Array:
		out := make(Array, len(v))
		for i, val := range v {
			out[i] = remapRefs(val, remap)
		}
		return out
	case Stream:
		dict, _ := remapRefs(v.Dict, remap).(Dict)
		return Stream{Dict: dict, Raw: v.Raw}
	default:
		return obj
	}
}

func writeValue(buf *bytes.Buffer, obj Object) error {
	switch v := obj.(type) {
	case nil, Null:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case float64:
		buf.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	case Name:
		writeName(buf, v)
	case String:
		writeString(buf, v)
	case Ref:
		fmt.Fprintf(buf, "%d %d R", v.Num, v.Gen)
	case Array:
		buf.WriteString("[ ")
		for _, item := range v {
			if err := writeValue(buf, item); err != nil {
				return err
			}
			buf.WriteString(" ")
		}
		buf.WriteString("]")
	case Dict:
		return writeDict(buf, v)
	case Stream:
		dict := make(Dict, len(v.Dict)+1)
		for k, val := range v.Dict {
			dict[k] = val
		}
		dict["Length"] = int64(len(v.Raw))
		if err := writeDict(buf, dict); err != nil {
			return err
		}
		buf.WriteString("\nstream\n")
		buf.Write(v.Raw)
		buf.WriteString("\nendstream")
	default:
		return errors.Errorf("cannot serialize %T", obj)
	}
	return nil
}

func writeDict(buf *bytes.Buffer, dict Dict) error {
	buf.WriteString("<< ")
	for _, key := range dict.SortedKeys() {
		writeName(buf, key)
		buf.WriteString(" ")
		if err := writeValue(buf, dict[key]); err != nil {
			return err
		}
		buf.WriteString(" ")
	}
	buf.WriteString(">>")
	return nil
}

func writeName(buf *bytes.Buffer, n Name) {
	buf.WriteByte('/')
	for i := 0; i < len(n); i++ {
		c := n[i]
		if c <= 32 || c >= 127 || c == '#' || isDelim(c) {
			fmt.Fprintf(buf, "#%02X", c)
			continue
		}
		buf.WriteByte(c)
	}
}

func writeString(buf *bytes.Buffer, s String) {
	for _, c := range s {
		if c < 32 || c >= 127 {
			// Binary content reads better as a hex string.
			buf.WriteByte('<')
			for _, b := range s {
				fmt.Fprintf(buf, "%02X", b)
			}
			buf.WriteByte('>')
			return
		}
	}
	buf.WriteByte('(')
	for _, c := range s {
		if c == '(' || c == ')' || c == '\\' {
			buf.WriteByte('\\')
		}
		buf.WriteByte(c)
	}
	buf.WriteByte(')')
}
