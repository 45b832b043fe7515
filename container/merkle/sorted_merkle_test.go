package merkle

import (
	"fmt"
	"testing"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/hash"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/assert"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/require"
)

func leaf(prefix byte) [32]byte {
	var l [32]byte
	l[0] = prefix
	return l
}

func TestNewSortedTree_Empty(t *testing.T) {
	_, err := NewSortedTree(nil)
	require.ErrorContains(t, "no leaves", err)
}

func TestSingleLeaf_RootIsLeafProofEmpty(t *testing.T) {
	l := hash.Keccak256([]byte("only"))
	tree, err := NewSortedTree([][32]byte{l})
	require.NoError(t, err)
	assert.Equal(t, l, tree.Root())

	proof, err := tree.Proof(l)
	require.NoError(t, err)
	assert.Equal(t, 0, len(proof))
	assert.Equal(t, true, VerifyProof(l, proof, tree.Root()))
}

func TestTwoLeaves_SortedPairRoot(t *testing.T) {
	a := leaf('a')
	b := leaf('b')
	tree, err := NewSortedTree([][32]byte{b, a})
	require.NoError(t, err)

	// The root must not depend on insertion order.
	want := hash.Keccak256(append(a[:], b[:]...))
	assert.Equal(t, want, tree.Root())

	reversed, err := NewSortedTree([][32]byte{a, b})
	require.NoError(t, err)
	assert.Equal(t, tree.Root(), reversed.Root())
}

func TestFiveLeaves_ProofLengthAndVerification(t *testing.T) {
	leaves := make([][32]byte, 0, 5)
	for _, c := range []byte{'a', 'b', 'c', 'd', 'e'} {
		leaves = append(leaves, leaf(c))
	}
	tree, err := NewSortedTree(leaves)
	require.NoError(t, err)

	proof, err := tree.Proof(leaf('c'))
	require.NoError(t, err)
	assert.Equal(t, 3, len(proof))
	assert.Equal(t, true, VerifyProof(leaf('c'), proof, tree.Root()))

	// Substituting a foreign leaf must fail against the same proof.
	assert.Equal(t, false, VerifyProof(leaf('f'), proof, tree.Root()))
}

func TestAllLeavesVerify(t *testing.T) {
	for n := 1; n <= 9; n++ {
		leaves := make([][32]byte, 0, n)
		for i := 0; i < n; i++ {
			leaves = append(leaves, hash.Keccak256([]byte(fmt.Sprintf("leaf-%d", i))))
		}
		tree, err := NewSortedTree(leaves)
		require.NoError(t, err, "n=%d", n)
		for i, l := range leaves {
			proof, err := tree.ProofAt(i)
			require.NoError(t, err, "n=%d i=%d", n, i)
			assert.Equal(t, true, VerifyProof(l, proof, tree.Root()), "n=%d i=%d", n, i)
		}
	}
}

func TestProof_UnknownLeaf(t *testing.T) {
	tree, err := NewSortedTree([][32]byte{leaf('a'), leaf('b')})
	require.NoError(t, err)
	_, err = tree.Proof(leaf('z'))
	require.ErrorContains(t, "not found", err)
}

func TestPaddedUltimateTree(t *testing.T) {
	// A single intermediate root is forced into a two leaf tree by pairing
	// it with keccak256 of itself, so the ultimate proof is never empty.
	mri := hash.Keccak256([]byte("intermediate root"))
	pad := hash.Keccak256(mri[:])
	tree, err := NewSortedTree([][32]byte{mri, pad})
	require.NoError(t, err)

	proof, err := tree.Proof(mri)
	require.NoError(t, err)
	require.Equal(t, 1, len(proof))
	assert.Equal(t, pad, proof[0])
	assert.Equal(t, true, VerifyProof(mri, proof, tree.Root()))
}
