package fairqueue

import (
	"encoding/binary"
	"slices"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func seedN(n int) common.Hash {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return crypto.Keccak256Hash(b[:])
}

func TestPermute_IsPermutation(t *testing.T) {
	ids := []uint64{7, 3, 11, 5, 2, 19, 13}
	got := Permute(ids, seedN(1))

	if len(got) != len(ids) {
		t.Fatalf("expected %d ids, got %d", len(ids), len(got))
	}
	sorted := slices.Clone(got)
	slices.Sort(sorted)
	want := slices.Clone(ids)
	slices.Sort(want)
	if !slices.Equal(sorted, want) {
		t.Errorf("permutation lost or duplicated ids: %v", got)
	}
	if !slices.Equal(ids, []uint64{7, 3, 11, 5, 2, 19, 13}) {
		t.Error("input slice must not be modified")
	}
}

func TestPermute_Deterministic(t *testing.T) {
	a := Permute([]uint64{1, 2, 3, 4, 5, 6}, seedN(42))
	b := Permute([]uint64{6, 5, 4, 3, 2, 1}, seedN(42))
	if !slices.Equal(a, b) {
		t.Errorf("same id set and seed must give the same order: %v vs %v", a, b)
	}

	differs := false
	for s := 0; s < 20 && !differs; s++ {
		differs = !slices.Equal(a, Permute(a, seedN(1000+s)))
	}
	if !differs {
		t.Error("twenty different seeds all produced the same order")
	}
}

func TestPermute_Trivial(t *testing.T) {
	if got := Permute(nil, seedN(1)); len(got) != 0 {
		t.Errorf("expected empty, got %v", got)
	}
	if got := Permute([]uint64{9}, seedN(1)); !slices.Equal(got, []uint64{9}) {
		t.Errorf("expected [9], got %v", got)
	}
}

func TestPermute_Uniform(t *testing.T) {
	const (
		n      = 4
		trials = 4000
	)
	ids := []uint64{1, 2, 3, 4}

	// counts[id-1][pos] = how often id landed at pos.
	var counts [n][n]int
	for s := 0; s < trials; s++ {
		for pos, id := range Permute(ids, seedN(s)) {
			counts[id-1][pos]++
		}
	}

	expected := float64(trials) / n
	for id := 0; id < n; id++ {
		for pos := 0; pos < n; pos++ {
			c := float64(counts[id][pos])
			if c < expected*0.85 || c > expected*1.15 {
				t.Errorf("id %d at position %d: %d times, expected about %.0f", id+1, pos, counts[id][pos], expected)
			}
		}
	}
}

func TestPermute_AllOrdersReachable(t *testing.T) {
	seen := map[[3]uint64]bool{}
	for s := 0; s < 600; s++ {
		p := Permute([]uint64{1, 2, 3}, seedN(s))
		seen[[3]uint64{p[0], p[1], p[2]}] = true
	}
	if len(seen) != 6 {
		t.Errorf("expected all 6 orders of 3 ids, saw %d", len(seen))
	}
}
