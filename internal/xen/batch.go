package xen

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
)

// MaxBatchSize bounds the pfn count of a single BatchRecord and the
// number of pages mapped at once (spec.md §3, §9 "Batching"). Chosen to
// match one foreign-mapping ioctl's practical page-array limit.
const MaxBatchSize = 1024

// BatchReceiver runs the main restore loop: it reads batch records, maps
// the target frames, streams page payloads into place, drives PTE
// uncanonicalization, and enqueues m2p updates (spec.md §4.6). Verify mode
// only redirects payloads into a scratch buffer for comparison; every
// verified page still gets its m2p update enqueued, exactly as in normal
// mode.
type BatchReceiver struct {
	sr     *StreamReader
	h      HyperCtl
	dom    DomID
	p2m    *P2MTable
	pte    *PTERewriter
	log    *slog.Logger

	// deferL1 is set when running under PAELowmemFixer's two-pass rule
	// (spec.md §4.7): L1 tables are not rewritten inline because their
	// PTEs may still reference mfns this fixer will relocate.
	deferL1 bool

	Verify  bool
	NRaces  int
	deferredL1Mfns []Mfn

	// onProgress, if set, is called after each batch with the number of
	// pfns it carried (XTab entries included), for a CLI progress bar
	// (cmd/xenrestore-agent) driven off github.com/schollz/progressbar/v3
	// the way internal/oci/client.go drives one off download byte counts.
	onProgress func(n int)
}

// NewBatchReceiver builds a receiver bound to one restore's engine state.
// startInVerify forces verify mode from the first batch onward, for an
// operator-initiated verify run (spec.md §6 Open Questions note: verify
// mode is otherwise only entered via the stream's own -1 sentinel).
func NewBatchReceiver(sr *StreamReader, h HyperCtl, dom DomID, p2m *P2MTable, pte *PTERewriter, deferL1 bool, startInVerify bool, log *slog.Logger) *BatchReceiver {
	if log == nil {
		log = slog.Default()
	}
	return &BatchReceiver{sr: sr, h: h, dom: dom, p2m: p2m, pte: pte, deferL1: deferL1, Verify: startInVerify, log: log}
}

// OnProgress registers fn to be called with the pfn count of each batch
// as it completes. Passing nil disables progress reporting.
func (b *BatchReceiver) OnProgress(fn func(n int)) {
	b.onProgress = fn
}

// Run executes the main loop until a zero-count BatchRecord terminates
// the stream. It returns the mfns of every L1-tagged page seen while
// deferL1 was set, for PAELowmemFixer's Pass B.
func (b *BatchReceiver) Run() ([]Mfn, error) {
	for {
		done, err := b.runOneBatch()
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	if err := b.h.FlushMMU(); err != nil {
		return nil, fmt.Errorf("%w: flush m2p updates: %v", ErrHypervisor, err)
	}
	return b.deferredL1Mfns, nil
}

// runOneBatch reads and processes a single BatchRecord, returning
// done=true once the zero-count terminator is read.
func (b *BatchReceiver) runOneBatch() (done bool, err error) {
	j, err := b.sr.ReadInt32()
	if err != nil {
		return false, err
	}
	switch {
	case j == 0:
		return true, nil
	case j == -1:
		b.Verify = true
		return false, nil
	case j < 0:
		return false, fmt.Errorf("%w: unrecognized negative batch count %d", ErrStream, j)
	case int(j) > MaxBatchSize:
		return false, fmt.Errorf("%w: batch count %d exceeds MaxBatchSize %d", ErrStream, j, MaxBatchSize)
	}

	n := int(j)
	rawTypes := make([]uint64, n)
	for i := range rawTypes {
		v, err := b.sr.ReadUint64()
		if err != nil {
			return false, err
		}
		rawTypes[i] = v
	}

	pageTypes := make([]PageType, n)
	regionMfn := make([]Mfn, n)
	for i, raw := range rawTypes {
		pt := decodePageType(raw)
		pageTypes[i] = pt
		if pt.XTab {
			regionMfn[i] = 0
			continue
		}
		if !b.p2m.Valid(pt.Pfn) {
			return false, fmt.Errorf("%w: batch pfn %s out of range", ErrValidation, pt.Pfn)
		}
		regionMfn[i] = b.p2m.Get(pt.Pfn)
	}

	mapping, err := b.h.MapForeignBatch(b.dom, ProtReadWrite, regionMfn)
	if err != nil {
		return false, fmt.Errorf("%w: map batch region: %v", ErrResource, err)
	}
	defer func() {
		if uerr := b.h.Unmap(mapping); uerr != nil && err == nil {
			err = fmt.Errorf("%w: unmap batch region: %v", ErrResource, uerr)
		}
	}()

	scratch := make([]byte, PageSize)
	for i := 0; i < n; i++ {
		pt := pageTypes[i]
		if pt.XTab {
			continue
		}
		b.p2m.SetType(pt.Pfn, pt)

		var dest []byte
		if b.Verify {
			dest = scratch
		} else {
			dest = mapping.Page(i)
		}
		if err := b.sr.ReadExact(dest); err != nil {
			return false, err
		}

		switch {
		case pt.Table == L1Tab && b.deferL1:
			b.deferredL1Mfns = append(b.deferredL1Mfns, regionMfn[i])
		case pt.Table == L1Tab, pt.Table == L2Tab, pt.Table == L3Tab, pt.Table == L4Tab:
			if err := b.pte.Uncanonicalize(dest, b.p2m); err != nil {
				if !errors.Is(err, ErrRace) {
					return false, err
				}
				b.NRaces++
				b.log.Warn("uncanonicalize race, page will be retransmitted", "pfn", pt.Pfn, "nraces", b.NRaces)
				continue
			}
		case pt.Table == NoTab:
			// ordinary data page, nothing to rewrite
		default:
			return false, fmt.Errorf("%w: pfn %s carries unrecognized page type", ErrValidation, pt.Pfn)
		}

		if b.Verify {
			live := mapping.Page(i)
			if !bytes.Equal(scratch, live) {
				b.log.Warn("verify mismatch", "pfn", pt.Pfn)
			}
		}

		b.h.EnqueueMMU(MMUUpdate{
			Ptr: (uint64(regionMfn[i]) << PageShift) | uint64(mmuMachphysUpdate),
			Val: uint64(pt.Pfn),
		})
	}

	if b.onProgress != nil {
		b.onProgress(n)
	}

	return false, nil
}
