package xen

import "fmt"

// P2MTable owns the pfn→mfn translation table under construction, plus
// the per-pfn type table received from the stream (spec.md §3).
//
// PfnType entries are written exactly once, when a page of that pfn
// arrives in a batch; P2M entries are populated from the hypervisor, then
// may be mutated in place by PAELowmemFixer, then by TailPatcher's trim
// step.
type P2MTable struct {
	p2m     []Mfn
	pfnType []PageType
	maxPfn  int
}

// NewP2MTable allocates a table for maxPfn pfns.
func NewP2MTable(maxPfn int) *P2MTable {
	return &P2MTable{
		p2m:     make([]Mfn, maxPfn),
		pfnType: make([]PageType, maxPfn),
		maxPfn:  maxPfn,
	}
}

// MaxPfn is the dense pfn space size, [0, MaxPfn).
func (t *P2MTable) MaxPfn() int { return t.maxPfn }

// Valid reports whether pfn is within [0, MaxPfn).
func (t *P2MTable) Valid(pfn Pfn) bool {
	return uint64(pfn) < uint64(t.maxPfn)
}

// Get returns the mfn currently assigned to pfn. Panics if pfn is out of
// range — callers must check Valid first, matching the fact that every
// out-of-range pfn in this system is a ValidationError at the call site,
// never a silent default.
func (t *P2MTable) Get(pfn Pfn) Mfn {
	return t.p2m[pfn]
}

// Set assigns mfn to pfn.
func (t *P2MTable) Set(pfn Pfn, mfn Mfn) {
	t.p2m[pfn] = mfn
}

// Invalidate marks pfn deallocated.
func (t *P2MTable) Invalidate(pfn Pfn) {
	t.p2m[pfn] = InvalidMfn()
}

// Type returns the last-seen PageType for pfn.
func (t *P2MTable) Type(pfn Pfn) PageType {
	return t.pfnType[pfn]
}

// SetType records pt as the type of pfn. Per spec.md §3, this happens
// exactly once per pfn, when its page arrives in a batch.
func (t *P2MTable) SetType(pfn Pfn, pt PageType) {
	t.pfnType[pfn] = pt
}

// LoadFromHypervisor populates the table from the hypervisor's own
// pfn→mfn assignment (spec.md §3 Lifecycle: "populated from hypervisor
// frame list").
func (t *P2MTable) LoadFromHypervisor(h HyperCtl, dom DomID) error {
	actual, err := h.GetPfnList(dom, t.p2m, t.maxPfn)
	if err != nil {
		return fmt.Errorf("%w: get_pfn_list: %v", ErrResource, err)
	}
	if actual != t.maxPfn {
		return fmt.Errorf("%w: get_pfn_list returned %d frames, want %d", ErrResource, actual, t.maxPfn)
	}
	return nil
}

// Snapshot returns a defensive copy of the current pfn→mfn array, used by
// TailPatcher step 8 to copy the full P2M into the guest's own p2m pages.
func (t *P2MTable) Snapshot() []Mfn {
	out := make([]Mfn, len(t.p2m))
	copy(out, t.p2m)
	return out
}
