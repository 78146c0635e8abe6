package xen

import (
	"fmt"
	"unsafe"
)

const pagePresentBit = 1 << 0

// PTERewriter uncanonicalizes the PTEs of a single L1-L4 page, rewriting
// each present entry's mfn field from its canonical pfn using the
// current P2M (spec.md §4.5).
type PTERewriter struct {
	levels int
}

// NewPTERewriter builds a rewriter for a guest with the given page-table
// level count (2, 3, or 4).
func NewPTERewriter(levels int) *PTERewriter {
	return &PTERewriter{levels: levels}
}

// stride is the PTE width in bytes: 4 for 2-level guests, 8 otherwise.
func (r *PTERewriter) stride() int {
	if r.levels == 2 {
		return 4
	}
	return 8
}

// Uncanonicalize rewrites every present PTE in page (exactly PageSize
// bytes, mapped in place in the destination mfn's foreign mapping) using
// p2m. It returns ErrRace, wrapped with the offending pfn, if any PTE's
// pfn field is out of range — the caller treats that as a recoverable
// skip (spec.md §4.5, §7).
func (r *PTERewriter) Uncanonicalize(page []byte, p2m *P2MTable) error {
	if len(page) != PageSize {
		return fmt.Errorf("%w: page-table page must be %d bytes, got %d", ErrValidation, PageSize, len(page))
	}

	switch r.stride() {
	case 8:
		return r.rewrite64(page, p2m)
	default:
		return r.rewrite32(page, p2m)
	}
}

func (r *PTERewriter) rewrite64(page []byte, p2m *P2MTable) error {
	ptes := unsafe.Slice((*uint64)(unsafe.Pointer(&page[0])), PageSize/8)
	for i := range ptes {
		pte := ptes[i]
		if pte&pagePresentBit == 0 {
			continue
		}
		pfn := Pfn((pte >> PageShift) & pfnMask)
		if !p2m.Valid(pfn) {
			return fmt.Errorf("%w: pte %d references out-of-range %s", ErrRace, i, pfn)
		}
		mfn := p2m.Get(pfn)
		ptes[i] = (pte & pteFieldMask) | (uint64(mfn) << PageShift)
	}
	return nil
}

func (r *PTERewriter) rewrite32(page []byte, p2m *P2MTable) error {
	ptes := unsafe.Slice((*uint32)(unsafe.Pointer(&page[0])), PageSize/4)
	for i := range ptes {
		pte := ptes[i]
		if pte&pagePresentBit == 0 {
			continue
		}
		pfn := Pfn((uint64(pte) >> PageShift) & pfnMask)
		if !p2m.Valid(pfn) {
			return fmt.Errorf("%w: pte %d references out-of-range %s", ErrRace, i, pfn)
		}
		mfn := p2m.Get(pfn)
		ptes[i] = (pte & uint32(pteFieldMask&0xFFFFFFFF)) | (uint32(mfn) << PageShift)
	}
	return nil
}
