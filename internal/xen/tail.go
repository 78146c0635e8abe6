package xen

import (
	"fmt"
)

const (
	maxLdtEnts = 8192
	maxGdtEnts = 8192
	gdtEntriesPerFrame = PageSize / 8
)

// TailPatcher performs the final sequence of a restore: trimming the
// reservation of pfns the saver dropped, translating the suspend record,
// GDT frames and CR3, patching start_info and shared_info, copying the
// P2M into the domain's own pages, sanitizing the vCPU context, and
// installing it (spec.md §4.9).
type TailPatcher struct {
	sr          *StreamReader
	h           HyperCtl
	dom         DomID
	p2m         *P2MTable
	hvirtStart  uint64
	ptLevels    int
	storeEvtchn uint32
	consoleEvtchn uint32
	sharedInfoFrame Mfn
}

// NewTailPatcher builds a patcher bound to one restore's engine state.
func NewTailPatcher(sr *StreamReader, h HyperCtl, dom DomID, p2m *P2MTable, hvirtStart uint64, ptLevels int, storeEvtchn, consoleEvtchn uint32, sharedInfoFrame Mfn) *TailPatcher {
	return &TailPatcher{
		sr: sr, h: h, dom: dom, p2m: p2m, hvirtStart: hvirtStart, ptLevels: ptLevels,
		storeEvtchn: storeEvtchn, consoleEvtchn: consoleEvtchn, sharedInfoFrame: sharedInfoFrame,
	}
}

// Result carries the two guest-visible frame numbers a caller needs after
// a successful restore (spec.md §6 Restore entry outputs).
type Result struct {
	StoreMfn   Mfn
	ConsoleMfn Mfn
}

// Run executes steps 1-10 of spec.md §4.9 in order and returns the
// caller-visible result.
func (t *TailPatcher) Run(p2mFrameList []Pfn) (Result, error) {
	if err := t.trimDiscardSet(); err != nil {
		return Result{}, err
	}

	ctxt, err := ReadVCPUContext(t.sr)
	if err != nil {
		return Result{}, err
	}
	var sharedInfoBlob [PageSize]byte
	if err := t.sr.ReadExact(sharedInfoBlob[:]); err != nil {
		return Result{}, err
	}

	startInfoPfn, err := t.translateSuspendRecord(ctxt)
	if err != nil {
		return Result{}, err
	}

	result, err := t.patchStartInfo(startInfoPfn)
	if err != nil {
		return Result{}, err
	}

	if err := t.translateGDTFrames(ctxt); err != nil {
		return Result{}, err
	}

	if err := t.translateCR3(ctxt); err != nil {
		return Result{}, err
	}

	if err := t.patchSharedInfo(sharedInfoBlob[:]); err != nil {
		return Result{}, err
	}

	if err := t.copyP2MFrameList(p2mFrameList); err != nil {
		return Result{}, err
	}

	t.sanitizeContext(ctxt)
	if err := t.validateLDT(ctxt); err != nil {
		return Result{}, err
	}

	if err := t.h.SetVCPUContext(t.dom, 0, ctxt); err != nil {
		return Result{}, fmt.Errorf("%w: set_vcpu_context: %v", ErrHypervisor, err)
	}

	return result, nil
}

// trimDiscardSet implements step 1: pfns the saver reports as no longer
// populated are translated to mfns, invalidated in the P2M, and handed
// back to the hypervisor.
func (t *TailPatcher) trimDiscardSet() error {
	count, err := t.sr.ReadUint32()
	if err != nil {
		return err
	}
	mfns := make([]Mfn, 0, count)
	for i := uint32(0); i < count; i++ {
		raw, err := t.sr.ReadUint64()
		if err != nil {
			return err
		}
		pfn := Pfn(raw)
		if !t.p2m.Valid(pfn) {
			continue // tolerated per spec.md §4.9 step 1
		}
		mfns = append(mfns, t.p2m.Get(pfn))
		t.p2m.Invalidate(pfn)
	}
	if len(mfns) == 0 {
		return nil
	}
	if err := t.h.DecreaseReservation(t.dom, mfns); err != nil {
		return fmt.Errorf("%w: decrease_reservation of %d discarded pfns: %v", ErrResource, len(mfns), err)
	}
	return nil
}

// translateSuspendRecord implements step 3.
func (t *TailPatcher) translateSuspendRecord(ctxt *VCPUContext) (Pfn, error) {
	pfn := Pfn(ctxt.UserRegs.Edx)
	if !t.p2m.Valid(pfn) {
		return 0, fmt.Errorf("%w: suspend record pfn %s out of range", ErrValidation, pfn)
	}
	if t.p2m.Type(pfn).Table != NoTab {
		return 0, fmt.Errorf("%w: suspend record pfn %s is not an ordinary page", ErrValidation, pfn)
	}
	ctxt.UserRegs.Edx = uint64(t.p2m.Get(pfn))
	return pfn, nil
}

// patchStartInfo implements step 4.
func (t *TailPatcher) patchStartInfo(startInfoPfn Pfn) (Result, error) {
	mapping, err := t.h.MapForeignRange(t.dom, ProtReadWrite, t.p2m.Get(startInfoPfn), 1)
	if err != nil {
		return Result{}, fmt.Errorf("%w: map start_info page: %v", ErrResource, err)
	}
	defer t.h.Unmap(mapping)

	si, err := ParseStartInfo(mapping.Bytes)
	if err != nil {
		return Result{}, err
	}

	si.SetNrPages(uint64(t.p2m.MaxPfn()))
	si.SetSharedInfo(uint64(t.sharedInfoFrame) << PageShift)
	si.SetFlags(0)

	storePfn := si.StorePfn()
	if !t.p2m.Valid(storePfn) {
		return Result{}, fmt.Errorf("%w: start_info store pfn %s out of range", ErrValidation, storePfn)
	}
	storeMfn := t.p2m.Get(storePfn)
	si.SetStoreMfn(storeMfn)
	si.SetStoreEvtchn(t.storeEvtchn)

	consolePfn := si.ConsoleDomUPfn()
	if !t.p2m.Valid(consolePfn) {
		return Result{}, fmt.Errorf("%w: start_info console pfn %s out of range", ErrValidation, consolePfn)
	}
	consoleMfn := t.p2m.Get(consolePfn)
	si.SetConsoleDomUMfn(consoleMfn)
	si.SetConsoleDomUEvtchn(t.consoleEvtchn)

	return Result{StoreMfn: storeMfn, ConsoleMfn: consoleMfn}, nil
}

// translateGDTFrames implements step 5.
func (t *TailPatcher) translateGDTFrames(ctxt *VCPUContext) error {
	if ctxt.GdtEnts > maxGdtEnts {
		return fmt.Errorf("%w: gdt_ents %d exceeds %d", ErrValidation, ctxt.GdtEnts, maxGdtEnts)
	}
	nFrames := (int(ctxt.GdtEnts) + gdtEntriesPerFrame - 1) / gdtEntriesPerFrame
	for i := 0; i < nFrames; i++ {
		pfn := Pfn(ctxt.GdtFrames[i])
		if !t.p2m.Valid(pfn) {
			return fmt.Errorf("%w: gdt frame %d pfn %s out of range", ErrValidation, i, pfn)
		}
		if t.p2m.Type(pfn).Table != NoTab {
			return fmt.Errorf("%w: gdt frame %d pfn %s is not an ordinary page", ErrValidation, i, pfn)
		}
		ctxt.GdtFrames[i] = uint64(t.p2m.Get(pfn))
	}
	return nil
}

// translateCR3 implements step 6. The original's xen_cr3_to_pfn/
// xen_pfn_to_cr3 additionally rotate the low bits for PAE (3-level)
// roots; this plain shift only round-trips for pfns below 2^20, which is
// the only range PAELowmemFixer ever leaves an L3 root in, so the
// rotation is intentionally omitted here.
func (t *TailPatcher) translateCR3(ctxt *VCPUContext) error {
	pfn := Pfn(ctxt.CtrlReg[3] >> PageShift)
	if !t.p2m.Valid(pfn) {
		return fmt.Errorf("%w: cr3 pfn %s out of range", ErrValidation, pfn)
	}
	want := topLevelTableType(t.ptLevels)
	if t.p2m.Type(pfn).Table != want {
		return fmt.Errorf("%w: cr3 pfn %s has type %s, want %s", ErrValidation, pfn, t.p2m.Type(pfn).Table, want)
	}
	ctxt.CtrlReg[3] = uint64(t.p2m.Get(pfn)) << PageShift
	return nil
}

func topLevelTableType(levels int) TableType {
	switch levels {
	case 2:
		return L2Tab
	case 3:
		return L3Tab
	case 4:
		return L4Tab
	default:
		return TableType(0xFF)
	}
}

// patchSharedInfo implements step 7.
func (t *TailPatcher) patchSharedInfo(blob []byte) error {
	si, err := ParseSharedInfo(blob)
	if err != nil {
		return err
	}
	si.ZeroEvtchnState()

	mapping, err := t.h.MapForeignRange(t.dom, ProtReadWrite, t.sharedInfoFrame, 1)
	if err != nil {
		return fmt.Errorf("%w: map shared_info frame: %v", ErrResource, err)
	}
	defer t.h.Unmap(mapping)

	copy(mapping.Bytes, si.Bytes())
	return nil
}

// copyP2MFrameList implements step 8.
func (t *TailPatcher) copyP2MFrameList(p2mFrameList []Pfn) error {
	mfns := make([]Mfn, len(p2mFrameList))
	for i, pfn := range p2mFrameList {
		if !t.p2m.Valid(pfn) {
			return fmt.Errorf("%w: p2m frame list entry %d pfn %s out of range", ErrValidation, i, pfn)
		}
		if t.p2m.Type(pfn).Table != NoTab {
			return fmt.Errorf("%w: p2m frame list entry %d pfn %s is not an ordinary page", ErrValidation, i, pfn)
		}
		mfns[i] = t.p2m.Get(pfn)
	}

	mapping, err := t.h.MapForeignBatch(t.dom, ProtReadWrite, mfns)
	if err != nil {
		return fmt.Errorf("%w: map p2m frame list: %v", ErrResource, err)
	}
	defer t.h.Unmap(mapping)

	snapshot := t.p2m.Snapshot()
	for i, mfn := range snapshot {
		putLeUint64(mapping.Bytes[i*8:], uint64(mfn))
	}
	return nil
}

// sanitizeContext implements step 9.
func (t *TailPatcher) sanitizeContext(ctxt *VCPUContext) {
	for i := range ctxt.TrapCtxt {
		ctxt.TrapCtxt[i].Vector = uint8(i)
		if ctxt.TrapCtxt[i].Cs&3 == 0 {
			ctxt.TrapCtxt[i].Cs = flatKernelCS
		}
	}
	if ctxt.KernelSS&3 == 0 {
		ctxt.KernelSS = flatKernelDS
	}
	if t.ptLevels != 4 {
		if ctxt.EventCallbackCS32&3 == 0 {
			ctxt.EventCallbackCS32 = flatKernelCS
		}
		if ctxt.FailsafeCallbackCS32&3 == 0 {
			ctxt.FailsafeCallbackCS32 = flatKernelCS
		}
	}
}

// validateLDT checks the LDT bounds invariant from step 9. Run calls it
// after sanitizeContext and returns its ValidationError unchanged.
func (t *TailPatcher) validateLDT(ctxt *VCPUContext) error {
	if ctxt.LdtBase&(PageSize-1) != 0 {
		return fmt.Errorf("%w: ldt_base %#x not page-aligned", ErrValidation, ctxt.LdtBase)
	}
	if ctxt.LdtEnts > maxLdtEnts {
		return fmt.Errorf("%w: ldt_ents %d exceeds %d", ErrValidation, ctxt.LdtEnts, maxLdtEnts)
	}
	if ctxt.LdtBase >= t.hvirtStart {
		return fmt.Errorf("%w: ldt_base %#x >= hvirt_start %#x", ErrValidation, ctxt.LdtBase, t.hvirtStart)
	}
	if ctxt.LdtBase+uint64(ctxt.LdtEnts)*8 > t.hvirtStart {
		return fmt.Errorf("%w: ldt range extends past hvirt_start", ErrValidation)
	}
	return nil
}
