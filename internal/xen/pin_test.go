package xen

import "testing"

func TestPinnerRunBatchesAndCounts(t *testing.T) {
	h := newFakeHyperCtl(4)
	p2m := NewP2MTable(MaxPinBatch + 5)
	for i := 0; i < MaxPinBatch+5; i++ {
		pfn := Pfn(i)
		p2m.Set(pfn, Mfn(i+1))
		p2m.SetType(pfn, PageType{Pfn: pfn, Table: L1Tab, Pinned: true})
	}

	issued, err := NewPinner(h, DomID(1), p2m).Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if issued != MaxPinBatch+5 {
		t.Errorf("issued = %d, want %d", issued, MaxPinBatch+5)
	}
	if len(h.pins) != 2 {
		t.Errorf("len(pins) = %d batches, want 2 (one full MaxPinBatch, one remainder)", len(h.pins))
	}
	if len(h.pins[0]) != MaxPinBatch {
		t.Errorf("first pin batch size = %d, want %d", len(h.pins[0]), MaxPinBatch)
	}
}

func TestPinnerSkipsUnpinned(t *testing.T) {
	h := newFakeHyperCtl(4)
	p2m := NewP2MTable(4)
	p2m.SetType(0, PageType{Pfn: 0, Table: NoTab})
	p2m.SetType(1, PageType{Pfn: 1, Table: L1Tab, Pinned: true})
	p2m.Set(1, Mfn(7))

	issued, err := NewPinner(h, DomID(1), p2m).Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if issued != 1 {
		t.Fatalf("issued = %d, want 1", issued)
	}
	if h.pins[0][0].Mfn != Mfn(7) {
		t.Errorf("pinned mfn = %s, want mfn:0x7", h.pins[0][0].Mfn)
	}
}

func TestPinnerRejectsPinnedNonTableType(t *testing.T) {
	h := newFakeHyperCtl(4)
	p2m := NewP2MTable(1)
	p2m.SetType(0, PageType{Pfn: 0, Table: NoTab, Pinned: true})

	_, err := NewPinner(h, DomID(1), p2m).Run()
	if err == nil {
		t.Fatalf("expected an error for a pinned non-table pfn")
	}
}
