package xen

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

// PAELowmemFixer runs the two-pass lowmem reallocation required of
// 3-level guests without pae_extended_cr3 (spec.md §4.7): every L3 root
// must ultimately live below the 4 GiB machine-frame boundary, and since
// relocating an L3 changes the mfn that L1 pages point at, L1 rewriting
// must be deferred until after every L3 has found its final home.
type PAELowmemFixer struct {
	h   HyperCtl
	dom DomID
	p2m *P2MTable
	pte *PTERewriter
	log *slog.Logger

	NRaces int
}

// NewPAELowmemFixer builds a fixer bound to one restore's engine state.
func NewPAELowmemFixer(h HyperCtl, dom DomID, p2m *P2MTable, pte *PTERewriter, log *slog.Logger) *PAELowmemFixer {
	if log == nil {
		log = slog.Default()
	}
	return &PAELowmemFixer{h: h, dom: dom, p2m: p2m, pte: pte, log: log}
}

// Applies reports whether the fixer must run for this guest: exactly the
// 3-level, non-extended-CR3 case (spec.md §4.7).
func Applies(levels int, paeExtendedCR3 bool) bool {
	return levels == 3 && !paeExtendedCR3
}

// RunPassA relocates every L3 root sitting above the 4 GiB boundary to a
// fresh low mfn, rewriting p2m and enqueuing the matching m2p update.
// L3 pages are rewritten in-line by the main loop (they reference L2
// pfns, which Pass A/B never relocate), so this only moves bytes — it
// does not call PTERewriter.
func (f *PAELowmemFixer) RunPassA() error {
	relocated := 0
	for pfn := 0; pfn < f.p2m.MaxPfn(); pfn++ {
		p := Pfn(pfn)
		pt := f.p2m.Type(p)
		if pt.Table != L3Tab {
			continue
		}
		oldMfn := f.p2m.Get(p)
		if oldMfn.BelowLowmemBoundary() {
			continue
		}

		mapping, err := f.h.MapForeignRange(f.dom, ProtReadWrite, oldMfn, 1)
		if err != nil {
			return fmt.Errorf("%w: map l3 root %s for relocation: %v", ErrResource, oldMfn, err)
		}
		var slots [4]uint64
		for i := range slots {
			slots[i] = binary.LittleEndian.Uint64(mapping.Bytes[i*8:])
		}
		if err := f.h.Unmap(mapping); err != nil {
			return fmt.Errorf("%w: unmap l3 root %s: %v", ErrResource, oldMfn, err)
		}

		newMfn, err := f.h.MakePageBelow4G(f.dom, oldMfn)
		if err != nil {
			return fmt.Errorf("%w: make_page_below_4G for pfn %s: %v", ErrResource, p, err)
		}
		f.p2m.Set(p, newMfn)

		f.h.EnqueueMMU(MMUUpdate{
			Ptr: (uint64(newMfn) << PageShift) | uint64(mmuMachphysUpdate),
			Val: uint64(p),
		})

		newMapping, err := f.h.MapForeignRange(f.dom, ProtReadWrite, newMfn, 1)
		if err != nil {
			return fmt.Errorf("%w: map relocated l3 root %s: %v", ErrResource, newMfn, err)
		}
		for i, v := range slots {
			binary.LittleEndian.PutUint64(newMapping.Bytes[i*8:], v)
		}
		if err := f.h.Unmap(newMapping); err != nil {
			return fmt.Errorf("%w: unmap relocated l3 root %s: %v", ErrResource, newMfn, err)
		}
		relocated++
	}

	if err := f.h.FlushMMU(); err != nil {
		return fmt.Errorf("%w: flush m2p updates after pass A: %v", ErrHypervisor, err)
	}
	f.log.Debug("pae lowmem pass a complete", "relocated", relocated)
	return nil
}

// RunPassB rewrites every L1 table's PTEs now that all L3 roots have
// reached their final mfn. mfns is the set of L1-tagged mfns the main
// loop deferred (BatchReceiver.Run's return value).
func (f *PAELowmemFixer) RunPassB(mfns []Mfn) error {
	for start := 0; start < len(mfns); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(mfns) {
			end = len(mfns)
		}
		batch := mfns[start:end]

		mapping, err := f.h.MapForeignBatch(f.dom, ProtReadWrite, batch)
		if err != nil {
			return fmt.Errorf("%w: map l1 batch for pass b: %v", ErrResource, err)
		}
		for i := range batch {
			if err := f.pte.Uncanonicalize(mapping.Page(i), f.p2m); err != nil {
				if !errors.Is(err, ErrRace) {
					_ = f.h.Unmap(mapping)
					return fmt.Errorf("pass b rewrite of l1 mfn %s: %w", batch[i], err)
				}
				f.NRaces++
				f.log.Warn("uncanonicalize race in pae pass b", "mfn", batch[i], "nraces", f.NRaces)
			}
		}
		if err := f.h.Unmap(mapping); err != nil {
			return fmt.Errorf("%w: unmap l1 batch for pass b: %v", ErrResource, err)
		}
	}

	if err := f.h.FlushMMU(); err != nil {
		return fmt.Errorf("%w: flush m2p updates after pass b: %v", ErrHypervisor, err)
	}
	f.log.Debug("pae lowmem pass b complete", "l1_pages", len(mfns))
	return nil
}
