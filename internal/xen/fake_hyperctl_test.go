package xen

import "fmt"

// fakeHyperCtl is an in-memory HyperCtl good enough to drive the pure
// restore logic without a real hypervisor, mirroring
// internal/hv/kvm/kvm_test.go's checkKVMAvailable pattern for the pieces
// of this package that do need real hardware (internal/xen/privcmd).
type fakeHyperCtl struct {
	platform PlatformInfo
	domInfo  DomainInfo
	pages    map[Mfn][]byte // backing store, one PageSize slice per mfn
	nextMfn  Mfn

	pending   []MMUUpdate
	pins      [][]PinCommand
	destroyed []DomID
	maxMem    uint64
	reserved  uint64

	// unmapped tracks which mfns back a still-open mapping, keyed by
	// the address of its first byte, so Unmap can write the (possibly
	// rewritten) bytes back into the backing store the way a real
	// foreign mmap's unmap would.
	unmapped map[*byte]unmapBacking
}

func newFakeHyperCtl(levels int) *fakeHyperCtl {
	return &fakeHyperCtl{
		platform: PlatformInfo{MaxMfn: 1 << 24, HvirtStart: 0xf5800000, PTLevels: levels},
		pages:    make(map[Mfn][]byte),
		nextMfn:  1,
		unmapped: make(map[*byte]unmapBacking),
	}
}

// allocPage hands back a fresh mfn backed by a zeroed page, for test
// setup that needs to seed P2M entries before exercising a component.
func (f *fakeHyperCtl) allocPage() Mfn {
	mfn := f.nextMfn
	f.nextMfn++
	f.pages[mfn] = make([]byte, PageSize)
	return mfn
}

func (f *fakeHyperCtl) Probe() (PlatformInfo, error) { return f.platform, nil }

func (f *fakeHyperCtl) GetDomainInfo(dom DomID) (DomainInfo, error) { return f.domInfo, nil }

func (f *fakeHyperCtl) SetMaxMem(dom DomID, kbytes uint64) error {
	f.maxMem = kbytes
	return nil
}

func (f *fakeHyperCtl) IncreaseReservation(dom DomID, nPfns uint64) error {
	f.reserved += nPfns
	return nil
}

func (f *fakeHyperCtl) GetPfnList(dom DomID, out []Mfn, maxPfn int) (int, error) {
	for i := range out[:maxPfn] {
		out[i] = f.allocPage()
	}
	return maxPfn, nil
}

func (f *fakeHyperCtl) MapForeignBatch(dom DomID, prot MemProt, mfns []Mfn) (ForeignMapping, error) {
	buf := make([]byte, len(mfns)*PageSize)
	for i, mfn := range mfns {
		if page, ok := f.pages[mfn]; ok {
			copy(buf[i*PageSize:(i+1)*PageSize], page)
		}
	}
	m := ForeignMapping{Bytes: buf}
	f.trackUnmap(m, mfns)
	return m, nil
}

func (f *fakeHyperCtl) MapForeignRange(dom DomID, prot MemProt, mfn Mfn, n int) (ForeignMapping, error) {
	mfns := make([]Mfn, n)
	for i := range mfns {
		mfns[i] = mfn + Mfn(i)
	}
	return f.MapForeignBatch(dom, prot, mfns)
}

// unmapBacking remembers which mfns a mapping covers so Unmap can write
// the (possibly rewritten) bytes back into the fake's backing store,
// simulating a real foreign mmap's writeback semantics.
type unmapBacking struct {
	mfns []Mfn
}

func (f *fakeHyperCtl) trackUnmap(m ForeignMapping, mfns []Mfn) {
	if len(m.Bytes) == 0 {
		return
	}
	f.unmapped[&m.Bytes[0]] = unmapBacking{mfns: append([]Mfn(nil), mfns...)}
}

func (f *fakeHyperCtl) Unmap(m ForeignMapping) error {
	if len(m.Bytes) == 0 {
		return nil
	}
	tracking, ok := f.unmapped[&m.Bytes[0]]
	if !ok {
		return nil
	}
	delete(f.unmapped, &m.Bytes[0])
	for i, mfn := range tracking.mfns {
		if _, ok := f.pages[mfn]; ok {
			copy(f.pages[mfn], m.Bytes[i*PageSize:(i+1)*PageSize])
		}
	}
	return nil
}

func (f *fakeHyperCtl) EnqueueMMU(cmd MMUUpdate) {
	f.pending = append(f.pending, cmd)
}

func (f *fakeHyperCtl) FlushMMU() error {
	f.pending = f.pending[:0]
	return nil
}

func (f *fakeHyperCtl) Pin(dom DomID, ops []PinCommand) error {
	f.pins = append(f.pins, append([]PinCommand(nil), ops...))
	return nil
}

func (f *fakeHyperCtl) MakePageBelow4G(dom DomID, oldMfn Mfn) (Mfn, error) {
	newMfn := f.nextMfn
	f.nextMfn++
	if newMfn >= lowmemBoundary {
		return 0, fmt.Errorf("fake out of lowmem mfns")
	}
	f.pages[newMfn] = f.pages[oldMfn]
	delete(f.pages, oldMfn)
	return newMfn, nil
}

func (f *fakeHyperCtl) DecreaseReservation(dom DomID, mfns []Mfn) error {
	for _, mfn := range mfns {
		delete(f.pages, mfn)
	}
	return nil
}

func (f *fakeHyperCtl) SetVCPUContext(dom DomID, vcpu uint32, ctxt *VCPUContext) error {
	return nil
}

func (f *fakeHyperCtl) Destroy(dom DomID) error {
	f.destroyed = append(f.destroyed, dom)
	return nil
}

var _ HyperCtl = (*fakeHyperCtl)(nil)
