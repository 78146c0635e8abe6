package xen

import (
	"encoding/binary"
	"testing"
)

func TestAppliesOnlyForThreeLevelNonExtendedCR3(t *testing.T) {
	tests := []struct {
		levels int
		ext    bool
		want   bool
	}{
		{3, false, true},
		{3, true, false},
		{2, false, false},
		{4, false, false},
	}
	for _, tt := range tests {
		if got := Applies(tt.levels, tt.ext); got != tt.want {
			t.Errorf("Applies(%d, %v) = %v, want %v", tt.levels, tt.ext, got, tt.want)
		}
	}
}

func TestPAELowmemFixerRunPassARelocatesHighL3Roots(t *testing.T) {
	h := newFakeHyperCtl(3)
	p2m := NewP2MTable(2)

	// Force an above-4G mfn for the L3 root by allocating past the
	// lowmem boundary directly, bypassing allocPage's low counter.
	highMfn := lowmemBoundary + 5
	h.pages[highMfn] = make([]byte, PageSize)
	binary.LittleEndian.PutUint64(h.pages[highMfn][0:], 0xdeadbeef)
	binary.LittleEndian.PutUint64(h.pages[highMfn][8:], 0xcafef00d)

	p2m.Set(0, highMfn)
	p2m.SetType(0, PageType{Pfn: 0, Table: L3Tab})

	pte := NewPTERewriter(3)
	fixer := NewPAELowmemFixer(h, DomID(1), p2m, pte, nil)
	if err := fixer.RunPassA(); err != nil {
		t.Fatalf("RunPassA: %v", err)
	}

	newMfn := p2m.Get(0)
	if !newMfn.BelowLowmemBoundary() {
		t.Fatalf("L3 root mfn %s was not relocated below the lowmem boundary", newMfn)
	}
	if newMfn == highMfn {
		t.Fatalf("L3 root mfn unchanged after RunPassA")
	}

	got0 := binary.LittleEndian.Uint64(h.pages[newMfn][0:])
	got1 := binary.LittleEndian.Uint64(h.pages[newMfn][8:])
	if got0 != 0xdeadbeef || got1 != 0xcafef00d {
		t.Errorf("relocated L3 root bytes = (%#x, %#x), want (0xdeadbeef, 0xcafef00d)", got0, got1)
	}
}

func TestPAELowmemFixerRunPassASkipsAlreadyLowRoots(t *testing.T) {
	h := newFakeHyperCtl(3)
	p2m := NewP2MTable(2)
	lowMfn := h.allocPage()
	p2m.Set(0, lowMfn)
	p2m.SetType(0, PageType{Pfn: 0, Table: L3Tab})

	pte := NewPTERewriter(3)
	fixer := NewPAELowmemFixer(h, DomID(1), p2m, pte, nil)
	if err := fixer.RunPassA(); err != nil {
		t.Fatalf("RunPassA: %v", err)
	}
	if got := p2m.Get(0); got != lowMfn {
		t.Errorf("already-low L3 root was moved: got %s, want unchanged %s", got, lowMfn)
	}
}

func TestPAELowmemFixerRunPassBRewritesDeferredL1s(t *testing.T) {
	h := newFakeHyperCtl(3)
	p2m := NewP2MTable(4)
	p2m.Set(2, Mfn(0x77))

	l1Mfn := h.allocPage()
	binary.LittleEndian.PutUint64(h.pages[l1Mfn], (uint64(2)<<PageShift)|pagePresentBit)

	pte := NewPTERewriter(3)
	fixer := NewPAELowmemFixer(h, DomID(1), p2m, pte, nil)
	if err := fixer.RunPassB([]Mfn{l1Mfn}); err != nil {
		t.Fatalf("RunPassB: %v", err)
	}

	got := binary.LittleEndian.Uint64(h.pages[l1Mfn])
	wantMfnBits := uint64(0x77) << PageShift
	if got&^pteFieldMask != wantMfnBits {
		t.Errorf("rewritten PTE mfn field = %#x, want %#x", got&^pteFieldMask, wantMfnBits)
	}
	if fixer.NRaces != 0 {
		t.Errorf("NRaces = %d, want 0", fixer.NRaces)
	}
}
