package hash

import (
	"testing"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/assert"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/require"
)

func TestKeccak256Hex_KnownVector(t *testing.T) {
	// keccak256 of the empty string.
	assert.Equal(t, "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", Keccak256Hex(nil))
	// keccak256("abc").
	assert.Equal(t, "4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45", Keccak256Hex([]byte("abc")))
}

func TestKeccak256_MatchesHex(t *testing.T) {
	d := Keccak256([]byte("hello"))
	assert.Equal(t, Keccak256Hex([]byte("hello")), EncodeHex(d[:]))
}

func TestDecodeHex32_AcceptsPrefix(t *testing.T) {
	want := Keccak256([]byte("x"))
	got, err := DecodeHex32("0x" + EncodeHex(want[:]))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeHex32_RejectsWrongLength(t *testing.T) {
	_, err := DecodeHex32("abcd")
	require.ErrorContains(t, "32 byte digest", err)
}

func TestPrefixRoundTrip(t *testing.T) {
	assert.Equal(t, "0xab", Prefixed("ab"))
	assert.Equal(t, "0xab", Prefixed("0xab"))
	assert.Equal(t, "ab", TrimPrefix("0xab"))
	assert.Equal(t, "ab", TrimPrefix("ab"))
}
