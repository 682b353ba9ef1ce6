// Package merkle builds order-sensitive binary Merkle trees over a batch's
// telemetry segments and produces and checks single-segment membership proofs.
//
// Leaves and interior nodes are hashed with BLAKE3 in keyed mode under
// different domain keys, so a leaf hash can never be replayed as an interior
// node. When a level has an odd number of nodes the last one is carried up to
// the next level unchanged. It is never duplicated: duplication lets a list of
// n segments and the same list with its last segment repeated share a root.
package merkle

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ukydev/fleet-integrity/internal/codec"
	"github.com/ukydev/fleet-integrity/internal/models"
	"github.com/zeebo/blake3"
)

var (
	ErrEmpty           = errors.New("merkle: empty segment list")
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// String returns the hex encoding used in batches and proofs.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("merkle: parse hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("merkle: parse hash: got %d bytes, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

// Domain separation keys, ASCII zero-padded to 32 bytes.
var (
	leafDomainKey = [32]byte{
		'f', 'l', 'e', 'e', 't', '.', 'b', 'a', 't', 'c', 'h', '.',
		'l', 'e', 'a', 'f',
	}
	nodeDomainKey = [32]byte{
		'f', 'l', 'e', 'e', 't', '.', 'b', 'a', 't', 'c', 'h', '.',
		'n', 'o', 'd', 'e',
	}
)

// leafFields is the canonical serialization of a segment. Times are UTC unix
// nanoseconds so the encoding does not depend on the segment's location.
type leafFields struct {
	_              struct{} `cbor:",toarray"`
	Start          int64
	End            int64
	Distance       float64
	ContentAddress string
}

func keyedSum(key [32]byte, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("merkle: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var out Hash
	copy(out[:], hasher.Sum(nil))
	return out
}

// LeafHash hashes the canonical serialization of a segment. Two segments with
// identical fields always hash identically.
func LeafHash(seg models.TelemetrySegment) Hash {
	data, err := codec.Marshal(leafFields{
		Start:          seg.StartTime.UTC().UnixNano(),
		End:            seg.EndTime.UTC().UnixNano(),
		Distance:       seg.Distance,
		ContentAddress: seg.ContentAddress,
	})
	if err != nil {
		// A fixed struct of ints, a float and a string always encodes.
		panic("merkle: leaf encoding failed: " + err.Error())
	}
	return keyedSum(leafDomainKey, data)
}

func nodeHash(left, right Hash) Hash {
	var combined [64]byte
	copy(combined[:32], left[:])
	copy(combined[32:], right[:])
	return keyedSum(nodeDomainKey, combined[:])
}

// Tree is a built Merkle tree. Levels[0] holds the leaves and the last level
// holds only the root.
type Tree struct {
	Root   Hash
	Leaves []Hash
	Levels [][]Hash
	Depth  int
}

// Build constructs the tree over segments in the given order.
func Build(segments []models.TelemetrySegment) (*Tree, error) {
	if len(segments) == 0 {
		return nil, ErrEmpty
	}

	leaves := make([]Hash, len(segments))
	for i, seg := range segments {
		leaves[i] = LeafHash(seg)
	}

	levels := [][]Hash{leaves}
	level := leaves
	for len(level) > 1 {
		next := make([]Hash, (len(level)+1)/2)
		for i := 0; i < len(level)-1; i += 2 {
			next[i/2] = nodeHash(level[i], level[i+1])
		}
		// Odd node: carried up unchanged.
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{
		Root:   level[0],
		Leaves: leaves,
		Levels: levels,
		Depth:  len(levels),
	}, nil
}

// Proof returns the sibling path from the leaf at index to the root. Levels on
// which the node was carried up contribute no step.
func (t *Tree) Proof(index int) (models.MerkleProof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return models.MerkleProof{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(t.Leaves))
	}
	proof := models.MerkleProof{LeafIndex: index, Steps: []models.ProofStep{}}
	idx := index
	for lvl := 0; lvl < len(t.Levels)-1; lvl++ {
		level := t.Levels[lvl]
		if idx%2 == 1 {
			proof.Steps = append(proof.Steps, models.ProofStep{
				SiblingHash: level[idx-1].String(),
				Side:        models.SideLeft,
			})
		} else if idx+1 < len(level) {
			proof.Steps = append(proof.Steps, models.ProofStep{
				SiblingHash: level[idx+1].String(),
				Side:        models.SideRight,
			})
		}
		idx /= 2
	}
	return proof, nil
}

// VerifySegment folds the segment's leaf hash through the proof and compares
// the result to root. Any malformed input simply fails verification.
func VerifySegment(seg models.TelemetrySegment, root string, proof models.MerkleProof) bool {
	want, err := ParseHash(root)
	if err != nil {
		return false
	}
	current := LeafHash(seg)
	for _, step := range proof.Steps {
		sibling, err := ParseHash(step.SiblingHash)
		if err != nil {
			return false
		}
		switch step.Side {
		case models.SideLeft:
			current = nodeHash(sibling, current)
		case models.SideRight:
			current = nodeHash(current, sibling)
		default:
			return false
		}
	}
	return current == want
}
