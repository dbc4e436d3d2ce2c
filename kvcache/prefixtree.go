// prefixtree.go - content-addressed radix index over KV-cache pages
//
// Grounded on original_source/utils/kvcache/prefixtree.py, reshaped per the
// spec's Design Note: nodes live in an arena slice and reference each other
// by index, never by pointer, so a freed subtree can be dropped without
// leaving a parent<->child reference cycle for the GC to untangle.
package kvcache

import (
	"fmt"
	"sort"
	"sync"
)

// noParent marks the root's parent slot.
const noParent = int32(-1)

type node struct {
	pageIndices []int
	pageHashes  []int64
	parent      int32
	children    map[int64]int32 // keyed by child's first own page hash
	subtreeSize int             // pages in this node's own list plus all descendants
	timestamp   int64
	isRoot      bool
	freed       bool
}

func (n *node) ownLen() int { return len(n.pageHashes) }

// Match is the result of descending the tree with a candidate page-hash
// list: Len pages matched, ending at node Node (which may be the root if
// nothing matched at all).
type Match struct {
	Len  int
	Node int32
}

// PrefixTree is a radix tree over page-hash sequences, used to find the
// longest previously-cached prefix of a new request and to reclaim pages
// from the least-recently-touched unreferenced subtree when the cache is
// full.
type PrefixTree struct {
	mu      sync.Mutex
	arena   []node
	freeIDs []int32
	rootID  int32
	clock   int64
}

// NewPrefixTree creates a tree with just a root node (no pages).
func NewPrefixTree() *PrefixTree {
	t := &PrefixTree{}
	t.rootID = t.alloc(nil, nil, noParent)
	t.arena[t.rootID].isRoot = true
	return t
}

func (t *PrefixTree) alloc(pageIndices []int, pageHashes []int64, parent int32) int32 {
	n := node{
		pageIndices: pageIndices,
		pageHashes:  pageHashes,
		parent:      parent,
		children:    make(map[int64]int32),
		subtreeSize: len(pageIndices),
	}
	t.clock++
	n.timestamp = t.clock

	if len(t.freeIDs) > 0 {
		id := t.freeIDs[len(t.freeIDs)-1]
		t.freeIDs = t.freeIDs[:len(t.freeIDs)-1]
		t.arena[id] = n
		return id
	}
	t.arena = append(t.arena, n)
	return int32(len(t.arena) - 1)
}

func (t *PrefixTree) touch(id int32) {
	t.clock++
	t.arena[id].timestamp = t.clock
}

// addSubtreeSize adds delta to id and every ancestor up to the root.
func (t *PrefixTree) addSubtreeSize(id int32, delta int) {
	for id != noParent {
		t.arena[id].subtreeSize += delta
		id = t.arena[id].parent
	}
}

func (t *PrefixTree) childKey(pageHashes []int64) int64 {
	if len(pageHashes) == 0 {
		panic(fmt.Errorf("%w: empty page-hash list", ErrIntegrityViolation))
	}
	return pageHashes[0]
}

// Match descends from the root matching as many leading page hashes as
// possible, returning the deepest node reached and how many pages matched.
func (t *PrefixTree) Match(pageHashes []int64) Match {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.rootID
	matched := 0

	for matched < len(pageHashes) {
		key := pageHashes[matched]
		childID, ok := t.arena[cur].children[key]
		if !ok {
			break
		}
		child := &t.arena[childID]
		remaining := pageHashes[matched:]
		k := 0
		for k < len(child.pageHashes) && k < len(remaining) && child.pageHashes[k] == remaining[k] {
			k++
		}
		t.touch(childID)
		matched += k
		cur = childID
		if k < len(child.pageHashes) {
			// partial match inside this node; stop here
			break
		}
	}

	return Match{Len: matched, Node: cur}
}

// prefixLenBefore returns the total page count matched strictly above
// id (sum of ancestors' own page-list lengths, excluding id itself).
func (t *PrefixTree) prefixLenBefore(id int32) int {
	total := 0
	for p := t.arena[id].parent; p != noParent; p = t.arena[p].parent {
		total += t.arena[p].ownLen()
	}
	return total
}

// PrefixPageIndices walks from id to the root and returns every page index
// on that path, root-first.
func (t *PrefixTree) PrefixPageIndices(id int32) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var chain []int32
	for cur := id; cur != noParent; cur = t.arena[cur].parent {
		chain = append(chain, cur)
	}
	var out []int
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, t.arena[chain[i]].pageIndices...)
	}
	return out
}

// split divides node id's own page list at position pos (0 <= pos <=
// ownLen). If pos == ownLen, the node is left untouched (it already ends
// exactly at pos) and id is returned as the attachment point for a new
// child. Otherwise id is truncated in place to [:pos] and a new node
// carrying [pos:] plus id's former children is inserted between id and
// those children, becoming the attachment point instead.
func (t *PrefixTree) split(id int32, pos int) int32 {
	n := &t.arena[id]
	if pos == n.ownLen() {
		return id
	}
	if pos == 0 {
		// The match ended exactly at id's own start; the caller (a
		// fully-matched ancestor) is the correct attachment point, not id.
		return n.parent
	}

	rPageIndices := append([]int(nil), n.pageIndices[pos:]...)
	rPageHashes := append([]int64(nil), n.pageHashes[pos:]...)
	rID := t.alloc(rPageIndices, rPageHashes, id)
	r := &t.arena[rID]
	r.subtreeSize = len(rPageIndices)
	for _, childID := range n.children {
		t.arena[childID].parent = rID
		r.children[t.childKey(t.arena[childID].pageHashes)] = childID
		r.subtreeSize += t.arena[childID].subtreeSize
	}
	r.timestamp = n.timestamp

	n.pageIndices = n.pageIndices[:pos]
	n.pageHashes = n.pageHashes[:pos]
	n.children = map[int64]int32{t.childKey(r.pageHashes): rID}
	n.subtreeSize = pos + r.subtreeSize
	t.touch(id)

	return id
}

// Add inserts a new leaf holding pageIndices/pageHashes below the point
// described by at (typically the result of Match). Returns the new leaf's
// id.
func (t *PrefixTree) Add(pageIndices []int, pageHashes []int64, at Match) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos := at.Len - t.prefixLenBefore(at.Node)
	attach := t.split(at.Node, pos)

	newID := t.alloc(pageIndices, pageHashes, attach)
	a := &t.arena[attach]
	a.children[t.childKey(pageHashes)] = newID
	t.addSubtreeSize(attach, len(pageIndices))

	return newID
}

// LastPageIfNodeEnd returns the page index of the last page owned by the
// node a Match ended on, but only when the match ended exactly at that
// node's own boundary (i.e. every one of the node's own pages matched, as
// opposed to stopping partway through a page that actually diverges). That
// is the only case where "topping up" the last page with more tokens from
// the new request is valid instead of treating it as a hash mismatch.
func (t *PrefixTree) LastPageIfNodeEnd(at Match) (pageIndex int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos := at.Len - t.prefixLenBefore(at.Node)
	n := &t.arena[at.Node]
	if n.isRoot || pos != n.ownLen() || n.ownLen() == 0 {
		return 0, false
	}
	return n.pageIndices[n.ownLen()-1], true
}

// Modify overwrites the hash of the last page owned by node id, used when
// a previously partial last page of a matched leaf is topped up with more
// tokens from a new request.
func (t *PrefixTree) Modify(id int32, newLastHash int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := &t.arena[id]
	if len(n.pageHashes) == 0 {
		panic(fmt.Errorf("%w: modify on empty node", ErrIntegrityViolation))
	}
	n.pageHashes[len(n.pageHashes)-1] = newLastHash
}

// Free evicts least-recently-touched leaves until at least want pages have
// been reclaimed, or returns ErrCacheFull if the whole tree (minus any
// node on the protect list) can't free enough. Returns the reclaimed page
// indices.
func (t *PrefixTree) Free(want int, protect map[int32]struct{}) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	type leaf struct {
		id        int32
		timestamp int64
	}
	var leaves []leaf
	var freed []int
	var collect func(id int32)
	collect = func(id int32) {
		n := &t.arena[id]
		if len(n.children) == 0 {
			if _, prot := protect[id]; !prot && !n.isRoot {
				leaves = append(leaves, leaf{id, n.timestamp})
			}
			return
		}
		for _, c := range n.children {
			collect(c)
		}
	}
	// Repeat over the leaves left after each pass, so an inner node whose
	// children were all evicted becomes a candidate in its own right.
	for len(freed) < want {
		leaves = leaves[:0]
		collect(t.rootID)
		if len(leaves) == 0 {
			break
		}

		sort.Slice(leaves, func(i, j int) bool { return leaves[i].timestamp < leaves[j].timestamp })

		for _, l := range leaves {
			if len(freed) >= want {
				break
			}
			n := &t.arena[l.id]
			freed = append(freed, n.pageIndices...)
			t.detach(l.id)
		}
	}

	if len(freed) < want {
		return freed, fmt.Errorf("%w: freed %d of %d requested pages", ErrCacheFull, len(freed), want)
	}
	return freed, nil
}

// detach removes a leaf from its parent and recycles its arena slot.
func (t *PrefixTree) detach(id int32) {
	n := &t.arena[id]
	if len(n.children) != 0 {
		panic(fmt.Errorf("%w: detaching non-leaf node", ErrIntegrityViolation))
	}
	parent := n.parent
	if parent != noParent {
		delete(t.arena[parent].children, t.childKey(n.pageHashes))
		t.addSubtreeSize(parent, -n.ownLen())
	}
	n.freed = true
	n.children = nil
	t.freeIDs = append(t.freeIDs, id)
}

// Len returns the total number of pages referenced by the tree.
func (t *PrefixTree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.arena[t.rootID].subtreeSize
}
