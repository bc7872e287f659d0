package block

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ComputeMerkleRoot calculates the merkle root of transaction hashes.
//
// Algorithm:
//   - 0 hashes: returns zero hash
//   - 1 hash: returns that hash
//   - Otherwise: pairwise hash, duplicating the last element if odd count,
//     then recurse on the resulting layer until one hash remains.
//
// Callers that need to reject CVE-2012-2459-style trees (duplicated
// trailing transactions producing an identical root) must use
// ComputeMerkleRootChecked instead.
func ComputeMerkleRoot(txHashes []types.Hash) types.Hash {
	root, _ := ComputeMerkleRootChecked(txHashes)
	return root
}

// ComputeMerkleRootChecked computes the merkle root the same way as
// ComputeMerkleRoot, and additionally reports whether the tree is
// "mutated": whether any level contains two identical adjacent nodes that
// are hashed together as a pair. Such a pair means a different, shorter
// transaction list (dropping the duplicated trailing entries) hashes to
// the same root — the weakness fixed upstream by CVE-2012-2459. Padding an
// odd-count level by duplicating its last node does not by itself count
// as mutation. Blocks whose merkle tree reports mutated must be rejected
// regardless of whether MerkleRoot matches.
func ComputeMerkleRootChecked(txHashes []types.Hash) (root types.Hash, mutated bool) {
	if len(txHashes) == 0 {
		return types.Hash{}, false
	}
	if len(txHashes) == 1 {
		return txHashes[0], false
	}

	// Work on a copy so we don't mutate the caller's slice.
	level := make([]types.Hash, len(txHashes))
	copy(level, txHashes)

	for len(level) > 1 {
		// Check the real pairs before padding, so the padding node is
		// never compared with its own copy.
		for i := 0; i+1 < len(level); i += 2 {
			if level[i] == level[i+1] {
				mutated = true
			}
		}
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.HashConcat(level[i], level[i+1])
		}
		level = next
	}

	return level[0], mutated
}
