// Package kvcache implements the content-addressed paged KV-cache: page
// hashing, the PrefixTree radix index over pages, the PageTable allocator,
// and PagedKVCache tying both together into match()/plan().
package kvcache

// pageMultiplier is the polynomial rolling-hash base used over token ids,
// matching original_source's hash_pages_kernel (h = h*31 + x).
const pageMultiplier int64 = 31

// padSentinel fills the tail of an incomplete page for "pad" mode, so two
// prompts that agree on every real token but differ only in an incomplete
// last page never hash equal by accident.
const padSentinel int64 = -1

// nPages returns how many pages of size pageSize are needed to hold
// nTokens tokens, rounding up.
func nPages(nTokens, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return (nTokens + pageSize - 1) / pageSize
}

// hashPage folds pageSize token ids (int32, promoted to int64) into one
// hash via the polynomial recurrence, matching the Triton kernel's
// iteration order exactly so two independent callers with the same tokens
// hash identically.
func hashPage(tokens []int64) int64 {
	var h int64
	for _, t := range tokens {
		h = h*pageMultiplier + t
	}
	return h
}

// doPageHash splits ids into pageSize chunks and hashes each one.
//
// trim=true drops an incomplete final page (used by match(), which must
// only compare whole pages against the tree). trim=false pads the final
// page with padSentinel (used by plan(), which must account for every
// page the request will occupy including the partially-filled one).
func doPageHash(ids []int32, pageSize int, trim bool) []int64 {
	n := len(ids)
	full := n / pageSize
	rem := n % pageSize

	numPages := full
	if rem > 0 && !trim {
		numPages++
	}

	hashes := make([]int64, numPages)
	for i := 0; i < full; i++ {
		chunk := ids[i*pageSize : (i+1)*pageSize]
		tokens := make([]int64, pageSize)
		for j, id := range chunk {
			tokens[j] = int64(id)
		}
		hashes[i] = hashPage(tokens)
	}

	if rem > 0 && !trim {
		tokens := make([]int64, pageSize)
		for j := 0; j < rem; j++ {
			tokens[j] = int64(ids[full*pageSize+j])
		}
		for j := rem; j < pageSize; j++ {
			tokens[j] = padSentinel
		}
		hashes[full] = hashPage(tokens)
	}

	return hashes
}
