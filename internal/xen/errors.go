// Package xen implements the guest-memory restore engine for a
// paravirtualized x86 domain: it reconstructs a suspended guest from a
// checkpoint stream, rewrites page-table entries against the new
// machine-frame assignment, and hands the hypervisor a validated vCPU
// context so the guest can resume.
package xen

import "errors"

// Error kinds. Every non-Race error aborts Restore; Race is recovered
// locally by the caller of uncanonicalize (see BatchReceiver).
var (
	// ErrStream covers short reads and EOF mid-record from the checkpoint
	// stream.
	ErrStream = errors.New("xen: stream error")

	// ErrResource covers allocation, page-lock, reservation, and
	// foreign-map failures against the hypervisor.
	ErrResource = errors.New("xen: resource error")

	// ErrHypervisor covers a rejected hypercall (info query, m2p update,
	// pin, vCPU install).
	ErrHypervisor = errors.New("xen: hypervisor error")

	// ErrValidation covers out-of-range pfns, malformed page types, LDT
	// bounds violations, and a CR3 pfn whose type tag doesn't match the
	// guest's page-table level count.
	ErrValidation = errors.New("xen: validation error")

	// ErrRace marks a PTERewriter abort caused by a pfn that raced ahead
	// of the saver (live-migration only). Callers recover from this by
	// skipping the offending page and counting it; it never aborts
	// restore on its own.
	ErrRace = errors.New("xen: race during uncanonicalize")
)
