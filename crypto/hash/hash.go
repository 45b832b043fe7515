// Package hash provides the keccak-256 primitives used throughout the
// issuance and verification pipeline, together with the hex conventions the
// rest of the system relies on: digests are stored as lowercase hex without
// a 0x prefix and only gain the prefix when handed to the chain as bytes32.
package hash

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// DigestLength is the byte length of a keccak-256 digest.
const DigestLength = 32

// Keccak256 returns the keccak-256 digest of data.
func Keccak256(data []byte) [32]byte {
	var h [32]byte
	copy(h[:], crypto.Keccak256(data))
	return h
}

// Keccak256Hex returns the keccak-256 digest of data as lowercase hex
// without a 0x prefix.
func Keccak256Hex(data []byte) string {
	return hex.EncodeToString(crypto.Keccak256(data))
}

// EncodeHex renders b as lowercase hex without a 0x prefix.
func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// Prefixed adds the 0x prefix expected by chain-facing callers.
func Prefixed(h string) string {
	if strings.HasPrefix(h, "0x") || strings.HasPrefix(h, "0X") {
		return h
	}
	return "0x" + h
}

// TrimPrefix strips an optional 0x prefix.
func TrimPrefix(h string) string {
	if strings.HasPrefix(h, "0x") || strings.HasPrefix(h, "0X") {
		return h[2:]
	}
	return h
}

// DecodeHex decodes a hex string with or without a 0x prefix.
func DecodeHex(h string) ([]byte, error) {
	b, err := hex.DecodeString(TrimPrefix(h))
	if err != nil {
		return nil, errors.Wrap(err, "could not decode hex string")
	}
	return b, nil
}

// DecodeHex32 decodes a hex string into a fixed 32 byte digest.
func DecodeHex32(h string) ([32]byte, error) {
	var out [32]byte
	b, err := DecodeHex(h)
	if err != nil {
		return out, err
	}
	if len(b) != DigestLength {
		return out, errors.Errorf("expected %d byte digest, got %d", DigestLength, len(b))
	}
	copy(out[:], b)
	return out, nil
}
