// Package fingerprint encodes and decodes the 48 byte document fingerprint
//
//	DI = H(d)[32] || Ed[int64 big-endian] || Ei[int64 big-endian]
//
// that binds a document hash to its expiry timestamps. The encoding must be
// byte-identical across platforms because keccak256(DI) is the digest the
// issuer signs: any drift would break signature verification.
package fingerprint

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/hash"
)

// Length is the fixed byte length of a document fingerprint.
const Length = 48

// Fingerprint is an encoded DI together with its parts.
type Fingerprint struct {
	DocumentHash [32]byte
	ExpiryDate   int64 // epoch seconds, 0 means no expiry
	Invalidation int64 // epoch seconds, 0 means no expiry
}

// Encode serializes the fingerprint into its canonical 48 byte form.
func (f Fingerprint) Encode() [Length]byte {
	var out [Length]byte
	copy(out[:32], f.DocumentHash[:])
	binary.BigEndian.PutUint64(out[32:40], uint64(f.ExpiryDate))
	binary.BigEndian.PutUint64(out[40:48], uint64(f.Invalidation))
	return out
}

// Hex returns the fingerprint as lowercase hex (96 characters).
func (f Fingerprint) Hex() string {
	enc := f.Encode()
	return hash.EncodeHex(enc[:])
}

// Hash returns keccak256(DI), the digest the issuer signs, as lowercase hex.
func (f Fingerprint) Hash() string {
	enc := f.Encode()
	return hash.Keccak256Hex(enc[:])
}

// New builds a fingerprint from a document hash and optional expiries. Nil
// timestamps encode as zero.
func New(docHashHex string, expiry, invalidation *time.Time) (Fingerprint, error) {
	docHash, err := hash.DecodeHex32(docHashHex)
	if err != nil {
		return Fingerprint{}, errors.Wrap(err, "invalid document hash")
	}
	f := Fingerprint{DocumentHash: docHash}
	if expiry != nil {
		f.ExpiryDate = expiry.Unix()
	}
	if invalidation != nil {
		f.Invalidation = invalidation.Unix()
	}
	return f, nil
}

// Decode parses a canonical 48 byte fingerprint.
func Decode(di []byte) (Fingerprint, error) {
	if len(di) != Length {
		return Fingerprint{}, errors.Errorf("fingerprint must be %d bytes, got %d", Length, len(di))
	}
	var f Fingerprint
	copy(f.DocumentHash[:], di[:32])
	f.ExpiryDate = int64(binary.BigEndian.Uint64(di[32:40]))
	f.Invalidation = int64(binary.BigEndian.Uint64(di[40:48]))
	return f, nil
}

// DecodeHex parses the 96 character hex form.
func DecodeHex(diHex string) (Fingerprint, error) {
	raw, err := hash.DecodeHex(diHex)
	if err != nil {
		return Fingerprint{}, errors.Wrap(err, "invalid fingerprint hex")
	}
	return Decode(raw)
}

// EpochSeconds converts an accepted date value to epoch seconds. Values may
// be epoch seconds, epoch milliseconds encoded as JSON numbers, ISO-8601
// strings, or nil (which means no expiry and encodes as zero). Conversion
// from milliseconds uses the integer floor of ms/1000.
func EpochSeconds(v interface{}) (int64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case time.Time:
		return val.Unix(), nil
	case *time.Time:
		if val == nil {
			return 0, nil
		}
		return val.Unix(), nil
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case float64:
		return int64(math.Floor(val)), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, errors.Wrap(err, "invalid numeric date")
		}
		return int64(math.Floor(f)), nil
	case string:
		if val == "" {
			return 0, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid date %q", val)
		}
		// Floor of milliseconds, matching the wire encoding used by
		// issuers on other platforms.
		ms := ts.UnixMilli()
		return int64(math.Floor(float64(ms) / 1000)), nil
	}
	return 0, errors.Errorf("unsupported date type %T", v)
}
