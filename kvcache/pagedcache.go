// pagedcache.go - ties PrefixTree, PageTable and page hashing into the
// match()/plan() operations the scheduler drives per request.
//
// Grounded on original_source/engine/heyi/utils/kvcache/kvcache.go
// (PagedKVCache / PagedMLACache / PagedGQACache).
package kvcache

import (
	"fmt"

	"github.com/heyi/engine/ml"
)

// PlanResult describes where one request's tokens live in the paged cache
// after Plan: which leaf node now owns its tail, every page backing its
// full prefix (root-first), and how many tokens fill the last page.
type PlanResult struct {
	Node        int32
	PageIndices []int
	LastPageLen int
}

// PagedKVCache is the content-addressed KV-cache: a PrefixTree indexing
// pages by content hash plus a PageTable allocating the underlying pages.
// Multiple DecodeRunner forks share one tree+table (spec.md §9 "shared
// parameters, per-runner buffers") but additionally get their own set of
// in-flight PlanResult bookkeeping, which lives on the caller (scheduler),
// not here.
type PagedKVCache struct {
	variant  ml.AttentionVariant
	pageSize int
	tree     *PrefixTree
	table    *PageTable
}

// NewPagedKVCache allocates a cache with numPages pages of pageSize tokens.
func NewPagedKVCache(variant ml.AttentionVariant, numPages, pageSize int) *PagedKVCache {
	return &PagedKVCache{
		variant:  variant,
		pageSize: pageSize,
		tree:     NewPrefixTree(),
		table:    NewPageTable(numPages, pageSize),
	}
}

// Fork returns a cache sharing the same tree and page table (so prefix
// reuse and free-page accounting are global) for a second runner instance.
func (c *PagedKVCache) Fork() *PagedKVCache {
	return &PagedKVCache{
		variant:  c.variant,
		pageSize: c.pageSize,
		tree:     c.tree,
		table:    c.table,
	}
}

func (c *PagedKVCache) PageSize() int     { return c.pageSize }
func (c *PagedKVCache) NumFreePages() int { return c.table.NumFree() }

// NumPages returns the cache's total page capacity, free or in use. Admission
// checks gate on this rather than NumFreePages so that pages held by
// evictable (not currently busy) prefix-tree leaves still count as available
// capacity — Plan reclaims them by LRU when a request's append would
// otherwise exceed the free pool (spec.md §4.2 Free, §8 cache-plan law 3).
func (c *PagedKVCache) NumPages() int { return c.table.NumPages() }

// Match hashes ids (trimming any incomplete trailing page, since a partial
// page can never be content-matched against a complete stored page) and
// returns the longest previously-cached prefix.
func (c *PagedKVCache) Match(ids []int32) Match {
	hashes := doPageHash(ids, c.pageSize, true)
	return c.tree.Match(hashes)
}

// Plan admits a batch of requests into the cache: for each request it tops
// up a partially-filled matched last page if the new tokens complete it,
// evicts least-recently-used leaves if too few pages are free, allocates
// whatever new pages are needed, and records the new leaf in the prefix
// tree. protect lists nodes that must survive eviction (e.g. the node a
// concurrently in-flight layerwise-prefill request is rooted at).
func (c *PagedKVCache) Plan(matches []Match, allIDs [][]int32, protect map[int32]struct{}) ([]PlanResult, error) {
	if len(matches) != len(allIDs) {
		panic(fmt.Errorf("%w: matches/allIDs length mismatch", ErrIntegrityViolation))
	}

	results := make([]PlanResult, len(matches))

	for i, ids := range allIDs {
		match := matches[i]
		padHashes := doPageHash(ids, c.pageSize, false)
		totalPages := len(padHashes)
		appendCount := totalPages - match.Len

		lastLen := len(ids) - (totalPages-1)*c.pageSize
		if lastLen <= 0 {
			lastLen = c.pageSize
		}

		if pageIdx, ok := c.tree.LastPageIfNodeEnd(match); ok {
			if c.table.FilledLen(pageIdx) < c.pageSize {
				newLen := lastLen
				if appendCount > 0 {
					newLen = c.pageSize
				}
				newHash := padHashes[match.Len-1]
				c.tree.Modify(match.Node, newHash)
				c.table.SetFilledLen([]int{pageIdx}, []int{newLen})
			}
		}

		if appendCount == 0 {
			results[i] = PlanResult{
				Node:        match.Node,
				PageIndices: c.tree.PrefixPageIndices(match.Node),
				LastPageLen: lastLen,
			}
			continue
		}

		if c.table.NumFree() < appendCount {
			shortfall := appendCount - c.table.NumFree()
			freed, err := c.tree.Free(shortfall, protect)
			// Return whatever was reclaimed even on a short free: those
			// pages are already detached from the tree and would otherwise
			// be lost to neither the tree nor the table's free pool.
			if len(freed) > 0 {
				c.table.Free(freed)
			}
			if err != nil {
				return nil, fmt.Errorf("admitting request %d: %w", i, err)
			}
		}

		newPages, err := c.table.Allocate(appendCount)
		if err != nil {
			return nil, fmt.Errorf("admitting request %d: %w", i, err)
		}

		lens := make([]int, appendCount)
		for j := range lens {
			lens[j] = c.pageSize
		}
		lens[appendCount-1] = lastLen
		c.table.SetFilledLen(newPages, lens)

		newHashes := padHashes[match.Len:]
		leaf := c.tree.Add(newPages, newHashes, match)

		results[i] = PlanResult{
			Node:        leaf,
			PageIndices: c.tree.PrefixPageIndices(leaf),
			LastPageLen: lastLen,
		}
	}

	return results, nil
}

// GetSeqLength returns how many pages worth of tokens a leaf's full
// prefix (root to leaf) currently spans.
func (c *PagedKVCache) GetSeqLength(node int32) int {
	return len(c.tree.PrefixPageIndices(node))
}
