// Package signature implements secp256k1 signing and verification over
// precomputed digests. Signatures arrive in three wire forms: DER, compact
// 64-byte r||s, and Ethereum-style 65-byte r||s||v. All three normalize to
// the compact form before verification; public key recovery is only defined
// for the 65-byte form since it alone carries the recovery id.
package signature

import (
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/hash"
)

const (
	compactLength   = 64
	recoverableLen  = 65
	componentLength = 32
)

// ErrNotRecoverable is returned by RecoverPublicKey for signatures that do
// not carry a recovery id.
var ErrNotRecoverable = errors.New("signature is not in the 65 byte recoverable form")

// Sign produces a compact hex(r||s) signature over the given digest. Both
// components are left padded to 32 bytes. The digest is signed as-is; no
// additional hashing is applied.
func Sign(digestHex, privKeyHex string) (string, error) {
	digest, err := hash.DecodeHex32(digestHex)
	if err != nil {
		return "", errors.Wrap(err, "invalid digest")
	}
	key, err := ethcrypto.HexToECDSA(hash.TrimPrefix(privKeyHex))
	if err != nil {
		return "", errors.Wrap(err, "invalid private key")
	}
	sig, err := ethcrypto.Sign(digest[:], key)
	if err != nil {
		return "", errors.Wrap(err, "could not sign digest")
	}
	// Drop the recovery id; callers that need recovery keep the full form.
	return hash.EncodeHex(sig[:compactLength]), nil
}

// SignRecoverable produces the full 65-byte hex(r||s||v) signature with
// v in {0,1}.
func SignRecoverable(digestHex, privKeyHex string) (string, error) {
	digest, err := hash.DecodeHex32(digestHex)
	if err != nil {
		return "", errors.Wrap(err, "invalid digest")
	}
	key, err := ethcrypto.HexToECDSA(hash.TrimPrefix(privKeyHex))
	if err != nil {
		return "", errors.Wrap(err, "invalid private key")
	}
	sig, err := ethcrypto.Sign(digest[:], key)
	if err != nil {
		return "", errors.Wrap(err, "could not sign digest")
	}
	return hash.EncodeHex(sig), nil
}

// Verify checks sigHex against the digest and public key. Any parse failure
// yields false rather than an error: a malformed signature is simply not a
// valid signature.
func Verify(digestHex, sigHex, pubKeyHex string) bool {
	digest, err := hash.DecodeHex32(digestHex)
	if err != nil {
		return false
	}
	compact, err := Normalize(sigHex)
	if err != nil {
		return false
	}
	pub, err := parsePublicKey(pubKeyHex)
	if err != nil {
		return false
	}
	return ethcrypto.VerifySignature(pub, digest[:], compact)
}

// RecoverPublicKey recovers the uncompressed public key (hex, no prefix)
// from a 65-byte recoverable signature.
func RecoverPublicKey(digestHex, sigHex string) (string, error) {
	digest, err := hash.DecodeHex32(digestHex)
	if err != nil {
		return "", errors.Wrap(err, "invalid digest")
	}
	raw, err := hash.DecodeHex(sigHex)
	if err != nil {
		return "", errors.Wrap(err, "invalid signature hex")
	}
	if len(raw) != recoverableLen {
		return "", ErrNotRecoverable
	}
	sig := make([]byte, recoverableLen)
	copy(sig, raw)
	// Ethereum tooling emits v as 27/28, go-ethereum expects 0/1.
	if sig[64] == 27 || sig[64] == 28 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return "", errors.Errorf("invalid recovery id %d", raw[64])
	}
	pub, err := ethcrypto.Ecrecover(digest[:], sig)
	if err != nil {
		return "", errors.Wrap(err, "could not recover public key")
	}
	return hash.EncodeHex(pub), nil
}

// PublicKeyFromPrivate derives the uncompressed public key (hex, no prefix)
// for a private key.
func PublicKeyFromPrivate(privKeyHex string) (string, error) {
	key, err := ethcrypto.HexToECDSA(hash.TrimPrefix(privKeyHex))
	if err != nil {
		return "", errors.Wrap(err, "invalid private key")
	}
	return hash.EncodeHex(ethcrypto.FromECDSAPub(&key.PublicKey)), nil
}

// Normalize converts any accepted signature form to compact hex(r||s).
func Normalize(sigHex string) ([]byte, error) {
	raw, err := hash.DecodeHex(sigHex)
	if err != nil {
		return nil, errors.Wrap(err, "invalid signature hex")
	}
	switch {
	case len(raw) == compactLength:
		return raw, nil
	case len(raw) == recoverableLen:
		return raw[:compactLength], nil
	case len(raw) > 2 && raw[0] == 0x30:
		return parseDER(raw)
	}
	return nil, errors.Errorf("unsupported signature length %d", len(raw))
}

// parseDER extracts r and s from a DER encoded ECDSA signature and left
// pads each to 32 bytes.
func parseDER(der []byte) ([]byte, error) {
	if len(der) < 8 || der[0] != 0x30 {
		return nil, errors.New("malformed DER signature")
	}
	body := der[2:]
	if int(der[1]) != len(body) {
		return nil, errors.New("malformed DER signature length")
	}
	r, rest, err := readDERInt(body)
	if err != nil {
		return nil, err
	}
	s, rest, err := readDERInt(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.New("trailing bytes in DER signature")
	}
	out := make([]byte, compactLength)
	r.FillBytes(out[:componentLength])
	s.FillBytes(out[componentLength:])
	return out, nil
}

func readDERInt(b []byte) (*big.Int, []byte, error) {
	if len(b) < 2 || b[0] != 0x02 {
		return nil, nil, errors.New("malformed DER integer")
	}
	n := int(b[1])
	if n == 0 || len(b) < 2+n {
		return nil, nil, errors.New("malformed DER integer length")
	}
	v := new(big.Int).SetBytes(b[2 : 2+n])
	if v.BitLen() > componentLength*8 {
		return nil, nil, errors.New("DER integer exceeds 32 bytes")
	}
	return v, b[2+n:], nil
}

// parsePublicKey accepts an uncompressed (65 byte) or compressed (33 byte)
// secp256k1 public key.
func parsePublicKey(pubKeyHex string) ([]byte, error) {
	raw, err := hash.DecodeHex(pubKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "invalid public key hex")
	}
	switch len(raw) {
	case 65:
		if raw[0] != 0x04 {
			return nil, errors.New("uncompressed public key must start with 0x04")
		}
		return raw, nil
	case 33:
		if raw[0] != 0x02 && raw[0] != 0x03 {
			return nil, errors.New("invalid compressed public key tag")
		}
		return raw, nil
	case 64:
		// Raw X||Y without the uncompressed tag.
		return append([]byte{0x04}, raw...), nil
	}
	return nil, errors.Errorf("unsupported public key length %d", len(raw))
}
