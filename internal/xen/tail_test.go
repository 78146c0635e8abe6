package xen

import (
	"bytes"
	"testing"
)

func TestTailPatcherRun(t *testing.T) {
	h := newFakeHyperCtl(4)
	p2m := NewP2MTable(16)

	const (
		suspendPfn = Pfn(5) // doubles as the start_info pfn
		storePfn   = Pfn(6)
		consolePfn = Pfn(7)
		gdtPfn     = Pfn(8)
		cr3Pfn     = Pfn(9)
		p2mFlPfn   = Pfn(10)
	)

	mfnSuspend := h.allocPage()
	mfnStore := h.allocPage()
	mfnConsole := h.allocPage()
	mfnGdt := h.allocPage()
	mfnCR3 := h.allocPage()
	mfnP2mFl := h.allocPage()
	mfnSharedInfo := h.allocPage()

	for pfn, mfn := range map[Pfn]Mfn{
		suspendPfn: mfnSuspend,
		storePfn:   mfnStore,
		consolePfn: mfnConsole,
		gdtPfn:     mfnGdt,
		cr3Pfn:     mfnCR3,
		p2mFlPfn:   mfnP2mFl,
	} {
		p2m.Set(pfn, mfn)
		p2m.SetType(pfn, PageType{Pfn: pfn, Table: NoTab})
	}
	p2m.SetType(cr3Pfn, PageType{Pfn: cr3Pfn, Table: L4Tab})

	// The start_info page's store/console fields are pre-filled by the
	// guest builder with the corresponding *pfns*; patchStartInfo
	// rewrites them to mfns in place.
	startInfoPage := make([]byte, PageSize)
	putLeUint64(startInfoPage[startInfoStoreMfnOff:], uint64(storePfn))
	putLeUint64(startInfoPage[startInfoConsoleDomUMfnOff:], uint64(consolePfn))
	h.pages[mfnSuspend] = startInfoPage

	const hvirtStart = uint64(0xf5800000)
	ctxt := &VCPUContext{}
	ctxt.UserRegs.Edx = uint64(suspendPfn)
	ctxt.GdtEnts = 1
	ctxt.GdtFrames[0] = uint64(gdtPfn)
	ctxt.CtrlReg[3] = uint64(cr3Pfn) << PageShift
	ctxt.LdtBase = 0
	ctxt.LdtEnts = 0

	var ctxtBuf bytes.Buffer
	if err := ctxt.marshal(&ctxtBuf); err != nil {
		t.Fatalf("marshal vcpu context: %v", err)
	}

	sharedInfoBlob := make([]byte, PageSize)
	putLeUint64(sharedInfoBlob[sharedInfoEvtchnPendingOff:], 0xffffffffffffffff)

	var stream bytes.Buffer
	putU32(&stream, 0) // trimDiscardSet: zero discarded pfns
	stream.Write(ctxtBuf.Bytes())
	stream.Write(sharedInfoBlob)

	sr := NewStreamReader(&stream)
	tail := NewTailPatcher(sr, h, DomID(1), p2m, hvirtStart, 4, 11, 22, mfnSharedInfo)

	result, err := tail.Run([]Pfn{p2mFlPfn})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StoreMfn != mfnStore {
		t.Errorf("StoreMfn = %s, want %s", result.StoreMfn, mfnStore)
	}
	if result.ConsoleMfn != mfnConsole {
		t.Errorf("ConsoleMfn = %s, want %s", result.ConsoleMfn, mfnConsole)
	}

	patchedStartInfo := h.pages[mfnSuspend]
	if got := leUint64(patchedStartInfo[startInfoStoreMfnOff:]); got != uint64(mfnStore) {
		t.Errorf("start_info store_mfn field = %#x, want %#x", got, uint64(mfnStore))
	}
	if got := leUint64(patchedStartInfo[startInfoConsoleDomUMfnOff:]); got != uint64(mfnConsole) {
		t.Errorf("start_info console mfn field = %#x, want %#x", got, uint64(mfnConsole))
	}
	if got := leUint64(patchedStartInfo[startInfoNrPagesOff:]); got != uint64(p2m.MaxPfn()) {
		t.Errorf("start_info nr_pages = %d, want %d", got, p2m.MaxPfn())
	}

	patchedShared := h.pages[mfnSharedInfo]
	if leUint64(patchedShared[sharedInfoEvtchnPendingOff:]) != 0 {
		t.Errorf("shared_info evtchn_pending was not zeroed")
	}

	patchedFl := h.pages[mfnP2mFl]
	if leUint64(patchedFl[0:]) != uint64(p2m.Get(0)) {
		t.Errorf("p2m frame list page entry 0 = %#x, want %#x", leUint64(patchedFl[0:]), uint64(p2m.Get(0)))
	}

	if p2m.Get(gdtPfn) != mfnGdt {
		t.Errorf("gdt pfn translation mutated p2m unexpectedly")
	}
}

func TestTailPatcherValidateLDTRejectsMisaligned(t *testing.T) {
	h := newFakeHyperCtl(4)
	p2m := NewP2MTable(4)
	tail := NewTailPatcher(nil, h, DomID(1), p2m, 0xf5800000, 4, 0, 0, 0)

	ctxt := &VCPUContext{LdtBase: 1}
	if err := tail.validateLDT(ctxt); err == nil {
		t.Fatalf("expected an error for an unaligned ldt_base")
	}
}

func TestTailPatcherTrimDiscardSetTolerantOfOutOfRangePfns(t *testing.T) {
	h := newFakeHyperCtl(4)
	p2m := NewP2MTable(4)

	var stream bytes.Buffer
	putU32(&stream, 1)
	putU64(&stream, 999) // out of range, must be tolerated rather than fatal

	sr := NewStreamReader(&stream)
	tail := NewTailPatcher(sr, h, DomID(1), p2m, 0xf5800000, 4, 0, 0, 0)
	if err := tail.trimDiscardSet(); err != nil {
		t.Fatalf("trimDiscardSet: %v", err)
	}
}
