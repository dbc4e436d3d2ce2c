// types.go - shared runner-facing types: one decode substep's batch shape.
package runner

// ReqSlot is one request's binding into a DecodeBatch: its full token
// buffer, how many tokens are already committed to the cache, and the
// sampler that turns its next logits row into a token.
type ReqSlot struct {
	ReqID string

	// AllIDs is the request's preallocated token buffer (spec.md §3); Len is
	// how many of them are valid right now.
	AllIDs []int32
	Len    int

	Sampler *Sampler

	// PageIndices/LastPageLen/Node mirror the request's current
	// kvcache.PlanResult, refreshed by PlanDecode1 each substep.
	PageIndices []int
	LastPageLen int
	Node        int32
}

// DecodeBatch is up to B requests bound to one decode runner for one
// substep (spec.md §3 "DecodeBatch").
type DecodeBatch struct {
	Reqs []*ReqSlot
	B    int
}
