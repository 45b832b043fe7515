package pdf

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FormatDate renders t as a PDF date string in UTC.
func FormatDate(t time.Time) String {
	return String("D:" + t.UTC().Format("20060102150405") + "Z")
}

// ParseDate reads a PDF date string. The timezone suffix is optional and
// defaults to UTC.
func ParseDate(s String) (time.Time, error) {
	str := strings.TrimPrefix(string(s), "D:")
	if len(str) < 4 {
		return time.Time{}, errors.New("date string too short")
	}
	digits := 0
	for digits < len(str) && str[digits] >= '0' && str[digits] <= '9' {
		digits++
	}
	if digits < 4 {
		return time.Time{}, errors.New("malformed date string")
	}
	numeric := str[:digits]
	rest := str[digits:]
	// Pad the optional components down to seconds.
	if len(numeric) > 14 {
		numeric = numeric[:14]
	}
	numeric += "0101000000"[len(numeric)-4:]
	t, err := time.Parse("20060102150405", numeric)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "malformed date string")
	}
	offset := 0
	if len(rest) > 0 && (rest[0] == '+' || rest[0] == '-') {
		parts := strings.Split(strings.TrimSuffix(rest[1:], "'"), "'")
		if len(parts) > 0 {
			if h, err := strconv.Atoi(parts[0]); err == nil {
				offset = h * 3600
			}
		}
		if len(parts) > 1 {
			if m, err := strconv.Atoi(parts[1]); err == nil {
				offset += m * 60
			}
		}
		if rest[0] == '-' {
			offset = -offset
		}
	}
	return t.Add(-time.Duration(offset) * time.Second).UTC(), nil
}

// SetInfo replaces the document information dictionary.
func (d *Document) SetInfo(producer, creator string, created, modified time.Time) {
	info := Dict{
		"Producer":     String(producer),
		"Creator":      String(creator),
		"CreationDate": FormatDate(created),
		"ModDate":      FormatDate(modified),
	}
	if ref, ok := d.Trailer.Get("Info").(Ref); ok {
		d.SetObject(ref, info)
		return
	}
	d.Trailer["Info"] = d.AddObject(info)
}

// InfoString returns the named Info entry decoded as text, or "".
func (d *Document) InfoString(key Name) string {
	info := d.Info()
	if info == nil {
		return ""
	}
	if s, ok := d.ResolveString(info.Get(key)); ok {
		return DecodeTextString(s)
	}
	return ""
}

// InfoDate returns the named Info entry parsed as a date.
func (d *Document) InfoDate(key Name) (time.Time, bool) {
	info := d.Info()
	if info == nil {
		return time.Time{}, false
	}
	s, ok := d.ResolveString(info.Get(key))
	if !ok {
		return time.Time{}, false
	}
	t, err := ParseDate(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
