package kvcache

import "errors"

// ErrCacheFull is returned when an allocation cannot be satisfied even
// after evicting every evictable (not protected) prefix-tree leaf.
var ErrCacheFull = errors.New("kvcache: no free pages available")

// ErrIntegrityViolation marks a broken invariant (double free, page
// reference from a node the table doesn't know about, mismatched
// bookkeeping). It is raised as a panic per spec.md §7: this is not locally
// recoverable and scheduler.Engine converts it into a fatal state
// transition rather than silently continuing on corrupted cache state.
var ErrIntegrityViolation = errors.New("kvcache: integrity violation")
