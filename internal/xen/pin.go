package xen

import "fmt"

// MaxPinBatch bounds a single mmuext_op pin submission (spec.md §4.8,
// §9 "Batching").
const MaxPinBatch = 128

// Pinner walks the pfn-type table once all memory and PTE work is done
// and submits a pin command for every pfn tagged LPINTAB, in batches of
// up to MaxPinBatch (spec.md §4.8). A rejected pin batch is fatal.
type Pinner struct {
	h   HyperCtl
	dom DomID
	p2m *P2MTable
}

// NewPinner builds a pinner bound to one restore's engine state.
func NewPinner(h HyperCtl, dom DomID, p2m *P2MTable) *Pinner {
	return &Pinner{h: h, dom: dom, p2m: p2m}
}

// Run submits every pending pin and returns how many were issued, for
// the S5 testable property (spec.md §8 invariant 5).
func (p *Pinner) Run() (int, error) {
	var batch []PinCommand
	issued := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.h.Pin(p.dom, batch); err != nil {
			return fmt.Errorf("%w: pin batch of %d: %v", ErrHypervisor, len(batch), err)
		}
		issued += len(batch)
		batch = batch[:0]
		return nil
	}

	for pfn := 0; pfn < p.p2m.MaxPfn(); pfn++ {
		pt := p.p2m.Type(Pfn(pfn))
		if !pt.Pinned {
			continue
		}
		op, ok := pt.Table.pinOpcode()
		if !ok {
			return issued, fmt.Errorf("%w: pfn %d tagged pinned with non-table type %s", ErrValidation, pfn, pt.Table)
		}
		batch = append(batch, PinCommand{Op: op, Mfn: p.p2m.Get(Pfn(pfn))})
		if len(batch) == MaxPinBatch {
			if err := flush(); err != nil {
				return issued, err
			}
		}
	}
	if err := flush(); err != nil {
		return issued, err
	}
	return issued, nil
}
