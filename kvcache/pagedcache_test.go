package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heyi/engine/ml"
)

func idsFrom(base int32, n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = base + int32(i)
	}
	return out
}

// TestPagedKVCachePlanEvictsAndReclaimsPages exercises spec.md §8 scenario 3
// and cache-plan law 3: once capacity is exhausted, Plan must fall back to
// LRU eviction via the prefix tree and those freed pages must actually land
// back in the PageTable's free pool, not just be discarded by the tree.
func TestPagedKVCachePlanEvictsAndReclaimsPages(t *testing.T) {
	const pageSize = 4
	const numPages = 4
	c := NewPagedKVCache(ml.AttentionGQA, numPages, pageSize)

	promptA := idsFrom(1, 8)
	promptB := idsFrom(101, 8)
	promptC := idsFrom(201, 8)

	plan := func(ids []int32) PlanResult {
		m := c.Match(ids)
		results, err := c.Plan([]Match{m}, [][]int32{ids}, nil)
		require.NoError(t, err)
		return results[0]
	}

	plan(promptA)
	require.Equal(t, 2, numPages-c.NumFreePages())
	plan(promptB)
	require.Equal(t, 0, c.NumFreePages(), "A and B should exactly fill all 4 pages")

	// C needs 2 more pages but none are free; Plan must evict A (the
	// least-recently-touched leaf) to make room instead of failing.
	resC := plan(promptC)
	require.Len(t, resC.PageIndices, 2)
	require.Equal(t, 0, c.NumFreePages(), "no plan call should ever leave the table over- or under-accounted")

	// A's pages were reclaimed, so its prefix is no longer cached.
	mA := c.Match(promptA)
	require.Equal(t, 0, mA.Len, "evicted prompt's pages must no longer be matchable")

	// B is still cached since it was touched more recently than A.
	mB := c.Match(promptB)
	require.Equal(t, 2, mB.Len)
}
