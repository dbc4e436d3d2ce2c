package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func hashes(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

func TestPrefixTreeMatchEmpty(t *testing.T) {
	tree := NewPrefixTree()
	m := tree.Match(hashes(3))
	require.Equal(t, 0, m.Len)
}

func TestPrefixTreeAddThenMatchExact(t *testing.T) {
	tree := NewPrefixTree()
	h := hashes(4)
	m := tree.Match(h)
	leaf := tree.Add([]int{10, 11, 12, 13}, h, m)

	m2 := tree.Match(h)
	require.Equal(t, 4, m2.Len)
	require.Equal(t, leaf, m2.Node)
}

func TestPrefixTreeSplitOnDivergence(t *testing.T) {
	tree := NewPrefixTree()
	shared := hashes(4)
	leaf1 := tree.Add([]int{1, 2, 3, 4}, shared, tree.Match(shared))

	diverge := append(append([]int64{}, shared[:2]...), 99, 100)
	m := tree.Match(diverge)
	require.Equal(t, 2, m.Len, "should match only the first two shared pages")

	leaf2 := tree.Add([]int{5, 6}, diverge[2:], m)
	require.NotEqual(t, leaf1, leaf2)

	// Both original and new sequence should still resolve to their own
	// full prefixes independently.
	require.Equal(t, 4, tree.Match(shared).Len)
	require.Equal(t, 4, tree.Match(diverge).Len)
}

func TestPrefixTreeExtendExistingLeaf(t *testing.T) {
	tree := NewPrefixTree()
	h := hashes(2)
	m := tree.Match(h)
	leaf := tree.Add([]int{1, 2}, h, m)

	longer := hashes(5)
	m2 := tree.Match(longer)
	require.Equal(t, 2, m2.Len)
	require.Equal(t, leaf, m2.Node)

	leaf2 := tree.Add([]int{3, 4, 5}, longer[2:], m2)
	require.Equal(t, 5, tree.Match(longer).Len)
	require.Equal(t, leaf2, tree.Match(longer).Node)
}

func TestPrefixTreeFreeEvictsLRU(t *testing.T) {
	tree := NewPrefixTree()
	h1 := hashes(2)
	tree.Add([]int{1, 2}, h1, tree.Match(h1))

	h2 := []int64{100, 101}
	tree.Add([]int{3, 4}, h2, tree.Match(h2))

	// h1 was touched first, so it is the older (LRU) entry.
	freed, err := tree.Free(2, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []int{1, 2}, freed)

	require.Equal(t, 0, tree.Match(h1).Len)
	require.Equal(t, 2, tree.Match(h2).Len)
}

func TestPrefixTreeFreeRespectsProtect(t *testing.T) {
	tree := NewPrefixTree()
	h1 := hashes(2)
	leaf1 := tree.Add([]int{1, 2}, h1, tree.Match(h1))

	h2 := []int64{100, 101}
	tree.Add([]int{3, 4}, h2, tree.Match(h2))

	protect := map[int32]struct{}{leaf1: {}}
	freed, err := tree.Free(2, protect)
	require.NoError(t, err)
	require.ElementsMatch(t, []int{3, 4}, freed)
	require.Equal(t, 2, tree.Match(h1).Len, "protected leaf must survive eviction")
}

func TestPrefixTreeFreeInsufficientReturnsError(t *testing.T) {
	tree := NewPrefixTree()
	h := hashes(2)
	leaf := tree.Add([]int{1, 2}, h, tree.Match(h))

	_, err := tree.Free(5, map[int32]struct{}{leaf: {}})
	require.ErrorIs(t, err, ErrCacheFull)
}
