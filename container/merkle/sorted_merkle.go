// Package merkle implements the sorted-pair keccak-256 Merkle tree backing
// certificate batch commitments. Because each internal node hashes the
// lexicographically smaller child first, proofs are plain sibling lists with
// no position flags, which keeps the QR payload compact.
package merkle

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/hash"
)

// ErrLeafNotFound is returned when a proof is requested for a leaf that is
// not part of the tree.
var ErrLeafNotFound = errors.New("leaf not found in tree")

// SortedTree is a Merkle tree over 32 byte leaves using sorted-pair hashing.
// Odd layers duplicate their last node. A single-leaf tree has the leaf
// itself as root and an empty proof.
type SortedTree struct {
	layers [][][32]byte
}

// NewSortedTree constructs a tree from the given leaves. Leaf order is
// significant and must be reproducible by verifiers.
func NewSortedTree(leaves [][32]byte) (*SortedTree, error) {
	if len(leaves) == 0 {
		return nil, errors.New("no leaves provided")
	}
	layer := make([][32]byte, len(leaves))
	copy(layer, leaves)
	layers := [][][32]byte{layer}
	for len(layer) > 1 {
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		next := make([][32]byte, 0, len(layer)/2)
		for i := 0; i < len(layer); i += 2 {
			next = append(next, HashPair(layer[i], layer[i+1]))
		}
		layers = append(layers, next)
		layer = next
	}
	return &SortedTree{layers: layers}, nil
}

// Root returns the tree root.
func (t *SortedTree) Root() [32]byte {
	top := t.layers[len(t.layers)-1]
	return top[0]
}

// Leaves returns the leaf layer in insertion order.
func (t *SortedTree) Leaves() [][32]byte {
	out := make([][32]byte, len(t.layers[0]))
	copy(out, t.layers[0])
	return out
}

// Proof returns the sibling list for the first occurrence of leaf.
func (t *SortedTree) Proof(leaf [32]byte) ([][32]byte, error) {
	for i, l := range t.layers[0] {
		if l == leaf {
			return t.ProofAt(i)
		}
	}
	return nil, ErrLeafNotFound
}

// ProofAt returns the sibling list for the leaf at the given index.
func (t *SortedTree) ProofAt(index int) ([][32]byte, error) {
	if index < 0 || index >= len(t.layers[0]) {
		return nil, errors.Errorf("leaf index %d out of range", index)
	}
	proof := make([][32]byte, 0, len(t.layers)-1)
	for depth := 0; depth < len(t.layers)-1; depth++ {
		layer := t.layers[depth]
		sibling := index ^ 1
		if sibling >= len(layer) {
			// The last node of an odd layer pairs with its duplicate.
			sibling = index
		}
		proof = append(proof, layer[sibling])
		index /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the path from leaf through the sibling list and
// compares the result with root. An empty proof is valid only when the leaf
// equals the root.
func VerifyProof(leaf [32]byte, proof [][32]byte, root [32]byte) bool {
	node := leaf
	for _, sibling := range proof {
		node = HashPair(node, sibling)
	}
	return node == root
}

// HashPair hashes the sorted concatenation of a and b.
func HashPair(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return hash.Keccak256(append(a[:], b[:]...))
}
