package fingerprint

import (
	"strings"
	"testing"
	"time"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/hash"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/assert"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/require"
)

func TestEncode_KnownExpiries(t *testing.T) {
	docHash := hash.Keccak256Hex([]byte("document"))
	ed := time.Unix(1699833600, 0).UTC()
	ei := time.Unix(1700784000, 0).UTC()

	f, err := New(docHash, &ed, &ei)
	require.NoError(t, err)

	hexForm := f.Hex()
	assert.Equal(t, 96, len(hexForm))
	assert.Equal(t, docHash, hexForm[:64])
	// 1699833600 = 0x65507980, 1700784000 = 0x65607a00, both big-endian int64.
	assert.Equal(t, "0000000065507980", hexForm[64:80])
	assert.Equal(t, "0000000065607a00", hexForm[80:96])
}

func TestEncode_NullExpiriesAreZero(t *testing.T) {
	docHash := hash.Keccak256Hex([]byte("document"))
	f, err := New(docHash, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, strings.HasSuffix(f.Hex(), strings.Repeat("0", 32)))
}

func TestRoundTrip(t *testing.T) {
	docHash := hash.Keccak256Hex([]byte("round trip"))
	ed := time.Unix(1699833600, 0).UTC()
	f, err := New(docHash, &ed, nil)
	require.NoError(t, err)

	decoded, err := DecodeHex(f.Hex())
	require.NoError(t, err)
	assert.Equal(t, f, decoded)
	assert.Equal(t, int64(1699833600), decoded.ExpiryDate)
	assert.Equal(t, int64(0), decoded.Invalidation)
}

func TestHash_MatchesManualConcatenation(t *testing.T) {
	docHash := hash.Keccak256([]byte("digest input"))
	f := Fingerprint{DocumentHash: docHash, ExpiryDate: 1699833600, Invalidation: 1700784000}

	manual := append([]byte{}, docHash[:]...)
	manual = append(manual, 0, 0, 0, 0, 0x65, 0x50, 0x79, 0x80)
	manual = append(manual, 0, 0, 0, 0, 0x65, 0x60, 0x7a, 0x00)
	assert.Equal(t, hash.Keccak256Hex(manual), f.Hash())
}

func TestDecode_WrongLength(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.ErrorContains(t, "48 bytes", err)
}

func TestEpochSeconds(t *testing.T) {
	got, err := EpochSeconds(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)

	got, err = EpochSeconds(int64(1699833600))
	require.NoError(t, err)
	assert.Equal(t, int64(1699833600), got)

	got, err = EpochSeconds("2023-11-13T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1699833600), got)

	// Sub-second components floor toward zero.
	got, err = EpochSeconds("2023-11-13T00:00:00.999Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1699833600), got)

	_, err = EpochSeconds("not a date")
	require.ErrorContains(t, "invalid date", err)
}
