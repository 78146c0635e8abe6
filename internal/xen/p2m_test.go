package xen

import "testing"

func TestP2MTableGetSet(t *testing.T) {
	tbl := NewP2MTable(4)
	if tbl.MaxPfn() != 4 {
		t.Fatalf("MaxPfn() = %d, want 4", tbl.MaxPfn())
	}
	tbl.Set(2, Mfn(0x100))
	if got := tbl.Get(2); got != Mfn(0x100) {
		t.Errorf("Get(2) = %s, want mfn:0x100", got)
	}
	tbl.Invalidate(2)
	if got := tbl.Get(2); got != InvalidMfn() {
		t.Errorf("Get(2) after Invalidate = %s, want InvalidMfn", got)
	}
}

func TestP2MTableValid(t *testing.T) {
	tbl := NewP2MTable(4)
	if !tbl.Valid(0) || !tbl.Valid(3) {
		t.Fatalf("pfns 0 and 3 should be valid in a 4-entry table")
	}
	if tbl.Valid(4) {
		t.Fatalf("pfn 4 should be out of range in a 4-entry table")
	}
}

func TestP2MTableTypeRoundTrip(t *testing.T) {
	tbl := NewP2MTable(2)
	pt := PageType{Pfn: 1, Table: L2Tab, Pinned: true}
	tbl.SetType(1, pt)
	if got := tbl.Type(1); got != pt {
		t.Errorf("Type(1) = %+v, want %+v", got, pt)
	}
}

func TestP2MTableSnapshotIsDefensiveCopy(t *testing.T) {
	tbl := NewP2MTable(3)
	tbl.Set(0, Mfn(1))
	tbl.Set(1, Mfn(2))
	tbl.Set(2, Mfn(3))

	snap := tbl.Snapshot()
	snap[0] = Mfn(999)

	if got := tbl.Get(0); got != Mfn(1) {
		t.Errorf("mutating Snapshot() leaked into the table: Get(0) = %s", got)
	}
}

func TestP2MTableLoadFromHypervisor(t *testing.T) {
	h := newFakeHyperCtl(4)
	tbl := NewP2MTable(8)
	if err := tbl.LoadFromHypervisor(h, DomID(1)); err != nil {
		t.Fatalf("LoadFromHypervisor: %v", err)
	}
	for i := 0; i < 8; i++ {
		if tbl.Get(Pfn(i)) == 0 {
			t.Errorf("pfn %d got mfn 0 after LoadFromHypervisor", i)
		}
	}
}

func TestP2MTableLoadFromHypervisorShortFill(t *testing.T) {
	h := newFakeHyperCtl(4)
	short := func(dom DomID, out []Mfn, maxPfn int) (int, error) {
		return maxPfn - 1, nil
	}
	tbl := NewP2MTable(4)
	err := tbl.LoadFromHypervisor(shortFillHyperCtl{fakeHyperCtl: h, get: short}, DomID(1))
	if err == nil {
		t.Fatalf("expected an error for a short GetPfnList fill")
	}
}

// shortFillHyperCtl overrides GetPfnList to simulate a hypervisor that
// filled fewer frames than requested.
type shortFillHyperCtl struct {
	*fakeHyperCtl
	get func(dom DomID, out []Mfn, maxPfn int) (int, error)
}

func (s shortFillHyperCtl) GetPfnList(dom DomID, out []Mfn, maxPfn int) (int, error) {
	return s.get(dom, out, maxPfn)
}
