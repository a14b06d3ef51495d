package fairqueue

import (
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Permute returns the execution order of ids for a revealed seed.
//
// The ids are sorted ascending first, so the result depends only on the
// set of ids and the seed. A Fisher–Yates pass then runs from the last
// position down; step i swaps position i with position
// keccak256(seed ‖ uint256(i)) mod (i+1).
func Permute(ids []uint64, seed common.Hash) []uint64 {
	out := slices.Clone(ids)
	slices.Sort(out)

	for i := len(out) - 1; i > 0; i-- {
		j := draw(seed, i)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// draw returns keccak256(seed ‖ uint256(i)) mod (i+1).
func draw(seed common.Hash, i int) int {
	pos := uint256.NewInt(uint64(i)).Bytes32()
	h := crypto.Keccak256(seed.Bytes(), pos[:])

	var x uint256.Int
	x.SetBytes(h)
	x.Mod(&x, uint256.NewInt(uint64(i+1)))
	return int(x.Uint64())
}
