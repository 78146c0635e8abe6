package xen

import "fmt"

const (
	// PageShift is log2 of the guest page size (4 KiB).
	PageShift = 12
	// PageSize is the guest page size in bytes.
	PageSize = 1 << PageShift

	// pteFieldMask clears the mfn-carrying bits of a PTE, leaving flags
	// and the low reserved bits untouched.
	pteFieldMask = 0xFFFFFF0000000FFF

	// pfnMask extracts the 32-bit pfn field starting at PageShift.
	pfnMask = 0xFFFFFFFF

	// invalidP2MEntry is the sentinel written into P2M slots for pfns
	// that have been deallocated.
	invalidP2MEntry = ^Mfn(0)

	// lowmemBoundary is 2^20: the mfn count below the 4 GiB physical
	// boundary (2^20 pages of 4 KiB each).
	lowmemBoundary Mfn = 1 << 20
)

// Pfn is a guest pseudo-physical frame number: dense, guest-visible,
// assigned by the saving host. Pfn and Mfn are deliberately distinct types
// with no implicit conversion between them — confusing the two frame
// spaces is the bug class this package exists to prevent.
type Pfn uint64

// Mfn is a host machine frame number: sparse, assigned by this hypervisor
// instance. An Mfn is only ever produced by the hypervisor (via P2MTable,
// HyperCtl responses, or PAELowmemFixer relocation) or read out of a PTE
// that this package itself wrote.
type Mfn uint64

// InvalidMfn is the sentinel marking a P2M slot whose pfn has been
// deallocated (spec.md §3, INVALID_P2M_ENTRY).
func InvalidMfn() Mfn { return invalidP2MEntry }

func (p Pfn) String() string { return fmt.Sprintf("pfn:%#x", uint64(p)) }
func (m Mfn) String() string { return fmt.Sprintf("mfn:%#x", uint64(m)) }

// BelowLowmemBoundary reports whether m sits below the 4 GiB physical
// boundary required of PAE L3 roots absent pae_extended_cr3.
func (m Mfn) BelowLowmemBoundary() bool { return m < lowmemBoundary }
