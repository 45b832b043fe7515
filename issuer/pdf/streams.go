package pdf

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"io"

	"github.com/pkg/errors"
)

// DecodeStream returns the decoded data of st. FlateDecode streams are
// inflated as zlib first and as a raw deflate stream when the zlib header
// is absent. Streams without a filter come back as-is; other filters are
// rejected.
func (d *Document) DecodeStream(st Stream) ([]byte, error) {
	filters := d.filterNames(st.Dict)
	data := st.Raw
	for _, f := range filters {
		switch f {
		case "FlateDecode", "Fl":
			decoded, err := inflate(data)
			if err != nil {
				return nil, errors.Wrap(err, "could not inflate stream")
			}
			data = decoded
		default:
			return nil, errors.Errorf("unsupported stream filter %s", f)
		}
	}
	return data, nil
}

func (d *Document) filterNames(dict Dict) []Name {
	switch v := d.Resolve(dict.Get("Filter")).(type) {
	case Name:
		return []Name{v}
	case Array:
		var out []Name
		for _, f := range v {
			if n, ok := d.Resolve(f).(Name); ok {
				out = append(out, n)
			}
		}
		return out
	}
	return nil
}

func inflate(data []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
		out, err := io.ReadAll(zr)
		closeErr := zr.Close()
		if err == nil && closeErr == nil {
			return out, nil
		}
		// Truncated zlib data still yields what was read so far; fall
		// through to the raw attempt only when nothing decoded.
		if err == nil && closeErr != nil && len(out) > 0 {
			return out, nil
		}
	}
	fr := flate.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(fr)
	if cerr := fr.Close(); err == nil {
		err = cerr
	}
	if err != nil && len(out) == 0 {
		return nil, err
	}
	return out, nil
}

// FlateStream builds a FlateDecode stream holding data.
func FlateStream(dict Dict, data []byte) (Stream, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return Stream{}, errors.Wrap(err, "could not compress stream")
	}
	if err := zw.Close(); err != nil {
		return Stream{}, errors.Wrap(err, "could not finish stream")
	}
	if dict == nil {
		dict = Dict{}
	}
	dict["Filter"] = Name("FlateDecode")
	return Stream{Dict: dict, Raw: buf.Bytes()}, nil
}
